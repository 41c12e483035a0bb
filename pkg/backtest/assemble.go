package backtest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/simex/params"
	"github.com/uhyunpark/simex/pkg/app/core/account"
	"github.com/uhyunpark/simex/pkg/app/core/market"
	"github.com/uhyunpark/simex/pkg/broker"
	"github.com/uhyunpark/simex/pkg/bus"
	"github.com/uhyunpark/simex/pkg/datasource"
	"github.com/uhyunpark/simex/pkg/exchange"
	"github.com/uhyunpark/simex/pkg/portfolio"
	"github.com/uhyunpark/simex/pkg/strategy"
)

var (
	ErrUnknownSource   = errors.New("backtest: unknown data source")
	ErrUnknownStrategy = errors.New("backtest: unknown strategy")
)

// Assemble builds every component cfg describes. Each symbol is registered
// as a market charging CommissionBps on both sides.
func Assemble(cfg params.Config, logger *zap.Logger) (Components, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bt := cfg.Backtest

	registry := market.NewMarketRegistry()
	for _, sym := range bt.Symbols {
		base, quote, ok := market.SplitSymbol(sym)
		if !ok {
			base, quote = sym, bt.QuoteAsset
		}
		p := market.DefaultParams
		p.MakerFeeBps, p.TakerFeeBps = bt.CommissionBps, bt.CommissionBps
		mkt, err := market.NewMarket(sym, base, quote, p)
		if err != nil {
			return Components{}, fmt.Errorf("market %s: %w", sym, err)
		}
		if err := registry.RegisterMarket(mkt); err != nil {
			return Components{}, err
		}
	}

	b := bus.New(cfg.Bus.MaxQueue, logger.Named("bus"))
	accounts := account.NewManager(
		account.WithRegistry(registry),
		account.WithAllowNegative(cfg.Exchange.AllowNegative),
		account.WithLogger(logger.Named("account")),
	)
	ex := exchange.New(
		exchange.Config{Name: cfg.Exchange.Name, HistorySize: cfg.Exchange.HistorySize},
		b, accounts,
		exchange.WithRegistry(registry),
		exchange.WithLogger(logger.Named("exchange")),
	)

	src, err := NewSource(bt)
	if err != nil {
		return Components{}, err
	}
	strat, err := NewStrategy(bt, b, logger.Named("strategy"))
	if err != nil {
		return Components{}, err
	}

	cash, err := decimal.NewFromString(bt.InitialCash)
	if err != nil {
		return Components{}, fmt.Errorf("initial cash %q: %w", bt.InitialCash, err)
	}
	size, err := decimal.NewFromString(bt.PositionSize)
	if err != nil {
		return Components{}, fmt.Errorf("position size %q: %w", bt.PositionSize, err)
	}
	pf, err := portfolio.New(
		portfolio.Config{QuoteAsset: bt.QuoteAsset, InitialCash: cash, PositionSize: size},
		accounts, b,
		portfolio.WithLogger(logger.Named("portfolio")),
	)
	if err != nil {
		return Components{}, err
	}

	brk := broker.New(
		broker.Config{Exchange: ex.Name(), CommissionBps: bt.CommissionBps, SlippageBps: bt.SlippageBps},
		ex, ex.MarketData(), b,
		broker.WithRegistry(registry),
		broker.WithLogger(logger.Named("broker")),
	)

	return Components{
		Bus:       b,
		Accounts:  accounts,
		Exchange:  ex,
		Source:    src,
		Strategy:  strat,
		Portfolio: pf,
		Broker:    brk,
	}, nil
}

// RunConfig maps the loaded settings onto the control loop's Config.
func RunConfig(cfg params.Config) Config {
	return Config{
		Symbols:     cfg.Backtest.Symbols,
		WarmupBars:  cfg.Backtest.WarmupBars,
		PollTimeout: cfg.Bus.PollTimeout,
	}
}

// NewSource returns the configured bar source.
func NewSource(bt params.Backtest) (datasource.Source, error) {
	switch strings.ToLower(bt.Source) {
	case "synthetic", "":
		start, err := decimal.NewFromString(bt.StartPrice)
		if err != nil {
			return nil, fmt.Errorf("start price %q: %w", bt.StartPrice, err)
		}
		return datasource.NewSyntheticSource(datasource.SyntheticConfig{
			Symbols:    bt.Symbols,
			Bars:       bt.Bars,
			Start:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Interval:   bt.BarInterval,
			StartPrice: start,
			Volatility: 0.01,
			Seed:       bt.Seed,
		}), nil
	case "csv":
		if bt.CSVPath == "" {
			return nil, fmt.Errorf("%w: csv needs a path", ErrUnknownSource)
		}
		var paths []string
		for _, p := range strings.Split(bt.CSVPath, ",") {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		return datasource.NewCSVSource(paths...), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSource, bt.Source)
}

// NewStrategy returns the configured strategy publishing onto b.
func NewStrategy(bt params.Backtest, b strategy.Enqueuer, logger *zap.Logger) (strategy.Strategy, error) {
	switch strings.ToLower(bt.Strategy) {
	case "ma_cross", "":
		s, err := strategy.NewMovingAverageCross(bt.ShortWindow, bt.LongWindow, b, strategy.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	case "buy_and_hold":
		return strategy.NewBuyAndHold(b, strategy.WithLogger(logger)), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, bt.Strategy)
}
