package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/uhyunpark/simex/params"
	"github.com/uhyunpark/simex/pkg/api"
	"github.com/uhyunpark/simex/pkg/backtest"
	"github.com/uhyunpark/simex/pkg/replay"
	"github.com/uhyunpark/simex/pkg/storage"
	"github.com/uhyunpark/simex/pkg/util"
)

// simnode replays the configured bars through the virtual exchange in real
// time and serves the exchange state over HTTP and WebSocket.
func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	mode, err := replay.ParseMode(cfg.Replay.Mode)
	if err != nil {
		sugar.Fatalw("replay_mode_invalid", "mode", cfg.Replay.Mode, "err", err)
	}

	c, err := backtest.Assemble(cfg, logger)
	if err != nil {
		sugar.Fatalw("assemble_failed", "err", err)
	}
	bt, err := backtest.New(backtest.RunConfig(cfg), c, backtest.WithLogger(logger.Named("backtest")))
	if err != nil {
		sugar.Fatalw("backtest_init_failed", "err", err)
	}

	var store *storage.ReportStore
	if cfg.Storage.ReportDir != "" {
		store, err = storage.NewReportStore(cfg.Storage.ReportDir)
		if err != nil {
			sugar.Fatalw("report_store_open_failed", "dir", cfg.Storage.ReportDir, "err", err)
		}
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API server (optional) ----
	// Enable with: API_ENABLED=true API_ADDR=:8080
	if cfg.API.Enabled {
		opts := []api.Option{
			api.WithAccounts(c.Accounts),
			api.WithLogger(logger.Named("api")),
		}
		if store != nil {
			opts = append(opts, api.WithReports(store))
		}
		server := api.NewServer(c.Exchange, opts...)
		c.Exchange.AddEventListener(server)

		go func() {
			if err := server.Start(ctx, cfg.API.Addr); err != nil {
				sugar.Errorw("api_server_failed", "addr", cfg.API.Addr, "err", err)
				stop()
			}
		}()
	} else {
		sugar.Info("api_disabled")
	}

	driver := replay.NewDriver(c.Source, cfg.Backtest.Symbols, c.Exchange,
		replay.WithLogger(logger.Named("replay")),
	)

	sugar.Infow("simnode_starting",
		"exchange", c.Exchange.Name(),
		"symbols", cfg.Backtest.Symbols,
		"strategy", c.Strategy.ID(),
		"mode", mode,
		"speed", cfg.Replay.Speed,
	)

	rep := bt.RunReplay(ctx, driver, replay.Request{Speed: cfg.Replay.Speed, Mode: mode})
	sugar.Infow("replay_summary",
		"run_id", rep.RunID,
		"duration", rep.Duration(),
		"ticks", rep.Bars,
		"trades", rep.Portfolio.Trades,
		"equity", rep.Portfolio.Equity.String(),
		"return", rep.Portfolio.Return.StringFixed(4),
		"interrupted", rep.Interrupted,
		"error", rep.Error,
	)

	if store != nil {
		if err := store.Save(rep); err != nil {
			sugar.Errorw("report_save_failed", "run_id", rep.RunID, "err", err)
		} else if cfg.Storage.KeepReports > 0 {
			if _, err := store.Prune(cfg.Storage.KeepReports); err != nil {
				sugar.Warnw("report_prune_failed", "err", err)
			}
		}
	}

	// Keep serving the final state until interrupted.
	if cfg.API.Enabled && ctx.Err() == nil {
		sugar.Infow("replay_done_serving", "addr", cfg.API.Addr)
		<-ctx.Done()
	}
	sugar.Info("simnode_stopped")
}
