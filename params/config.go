package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Log struct {
	Level string
	// File, when set, tees logs to this path in addition to stdout.
	File string
}

type Bus struct {
	// MaxQueue bounds the event queue. Zero means unbounded.
	MaxQueue int
	// PollTimeout is how long an empty queue is watched before it counts as idle.
	PollTimeout time.Duration
}

type Exchange struct {
	Name string
	// HistorySize is the per-symbol tick ring capacity of the market data manager.
	HistorySize int
	// AllowNegative lets fills overdraw balances (short selling).
	AllowNegative bool
}

type Replay struct {
	// Mode is "instant" or "paced".
	Mode  string
	Speed float64
}

type Backtest struct {
	Symbols       []string
	Strategy      string // "ma_cross" or "buy_and_hold"
	Source        string // "synthetic" or "csv"
	CSVPath       string
	Bars          int
	Seed          int64
	StartPrice    string
	BarInterval   time.Duration
	InitialCash   string
	QuoteAsset    string
	CommissionBps int64
	SlippageBps   int64
	PositionSize  string
	ShortWindow   int
	LongWindow    int
	WarmupBars    int
}

type API struct {
	Enabled bool
	Addr    string
}

type Storage struct {
	// ReportDir is the pebble directory for archived backtest reports. Empty disables archiving.
	ReportDir string
	// KeepReports bounds the archive; older reports are pruned after each save. Zero keeps all.
	KeepReports int
}

type Config struct {
	Log      Log
	Bus      Bus
	Exchange Exchange
	Replay   Replay
	Backtest Backtest
	API      API
	Storage  Storage
}

func Default() Config {
	return Config{
		Log: Log{Level: "info"},
		Bus: Bus{
			MaxQueue:    0,
			PollTimeout: 100 * time.Millisecond,
		},
		Exchange: Exchange{
			Name:        "SIMEX",
			HistorySize: 1000,
		},
		Replay: Replay{
			Mode:  "instant",
			Speed: 1.0,
		},
		Backtest: Backtest{
			Symbols:       []string{"BTC-USD"},
			Strategy:      "ma_cross",
			Source:        "synthetic",
			Bars:          500,
			Seed:          42,
			StartPrice:    "100",
			BarInterval:   time.Minute,
			InitialCash:   "100000",
			QuoteAsset:    "USD",
			CommissionBps: 5,
			SlippageBps:   2,
			PositionSize:  "1",
			ShortWindow:   10,
			LongWindow:    30,
			WarmupBars:    0,
		},
		API: API{
			Enabled: false,
			Addr:    ":8080",
		},
		Storage: Storage{
			KeepReports: 100,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	cfg.Bus.MaxQueue = getEnvInt("BUS_MAX_QUEUE", cfg.Bus.MaxQueue)
	cfg.Bus.PollTimeout = getEnvMillis("BUS_POLL_TIMEOUT_MS", cfg.Bus.PollTimeout)

	cfg.Exchange.Name = getEnv("EXCHANGE_NAME", cfg.Exchange.Name)
	cfg.Exchange.HistorySize = getEnvInt("EXCHANGE_HISTORY_SIZE", cfg.Exchange.HistorySize)
	cfg.Exchange.AllowNegative = getEnvBool("EXCHANGE_ALLOW_NEGATIVE", cfg.Exchange.AllowNegative)

	cfg.Replay.Mode = getEnv("REPLAY_MODE", cfg.Replay.Mode)
	if speed := os.Getenv("REPLAY_SPEED"); speed != "" {
		if f, err := strconv.ParseFloat(speed, 64); err == nil {
			cfg.Replay.Speed = f
		}
	}

	// Symbols from comma-separated list, e.g. "BTC-USD,ETH-USD"
	if syms := os.Getenv("BACKTEST_SYMBOLS"); syms != "" {
		var out []string
		for _, s := range strings.Split(syms, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			cfg.Backtest.Symbols = out
		}
	}
	cfg.Backtest.Strategy = getEnv("BACKTEST_STRATEGY", cfg.Backtest.Strategy)
	cfg.Backtest.Source = getEnv("BACKTEST_SOURCE", cfg.Backtest.Source)
	cfg.Backtest.CSVPath = getEnv("BACKTEST_CSV_PATH", cfg.Backtest.CSVPath)
	cfg.Backtest.Bars = getEnvInt("BACKTEST_BARS", cfg.Backtest.Bars)
	if seed := os.Getenv("BACKTEST_SEED"); seed != "" {
		if n, err := strconv.ParseInt(seed, 10, 64); err == nil {
			cfg.Backtest.Seed = n
		}
	}
	cfg.Backtest.StartPrice = getEnv("BACKTEST_START_PRICE", cfg.Backtest.StartPrice)
	cfg.Backtest.BarInterval = getEnvMillis("BACKTEST_BAR_INTERVAL_MS", cfg.Backtest.BarInterval)
	cfg.Backtest.InitialCash = getEnv("BACKTEST_INITIAL_CASH", cfg.Backtest.InitialCash)
	cfg.Backtest.QuoteAsset = getEnv("BACKTEST_QUOTE_ASSET", cfg.Backtest.QuoteAsset)
	cfg.Backtest.CommissionBps = int64(getEnvInt("BACKTEST_COMMISSION_BPS", int(cfg.Backtest.CommissionBps)))
	cfg.Backtest.SlippageBps = int64(getEnvInt("BACKTEST_SLIPPAGE_BPS", int(cfg.Backtest.SlippageBps)))
	cfg.Backtest.PositionSize = getEnv("BACKTEST_POSITION_SIZE", cfg.Backtest.PositionSize)
	cfg.Backtest.ShortWindow = getEnvInt("BACKTEST_SHORT_WINDOW", cfg.Backtest.ShortWindow)
	cfg.Backtest.LongWindow = getEnvInt("BACKTEST_LONG_WINDOW", cfg.Backtest.LongWindow)
	cfg.Backtest.WarmupBars = getEnvInt("BACKTEST_WARMUP_BARS", cfg.Backtest.WarmupBars)

	cfg.API.Enabled = getEnvBool("API_ENABLED", cfg.API.Enabled)
	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)

	cfg.Storage.ReportDir = getEnv("STORAGE_REPORT_DIR", cfg.Storage.ReportDir)
	cfg.Storage.KeepReports = getEnvInt("STORAGE_KEEP_REPORTS", cfg.Storage.KeepReports)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
