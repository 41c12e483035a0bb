package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/uhyunpark/simex/params"
	"github.com/uhyunpark/simex/pkg/backtest"
	"github.com/uhyunpark/simex/pkg/storage"
	"github.com/uhyunpark/simex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	c, err := backtest.Assemble(cfg, logger)
	if err != nil {
		sugar.Fatalw("assemble_failed", "err", err)
	}
	bt, err := backtest.New(backtest.RunConfig(cfg), c, backtest.WithLogger(logger.Named("backtest")))
	if err != nil {
		sugar.Fatalw("backtest_init_failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar.Infow("backtest_config",
		"strategy", cfg.Backtest.Strategy,
		"source", cfg.Backtest.Source,
		"symbols", cfg.Backtest.Symbols,
		"bars", cfg.Backtest.Bars,
		"initial_cash", cfg.Backtest.InitialCash,
	)

	rep := bt.Run(ctx)
	summarize(sugar, rep)

	if cfg.Storage.ReportDir != "" {
		archive(sugar, cfg.Storage, rep)
	}
	if rep.Error != "" {
		logger.Sync()
		os.Exit(1)
	}
}

func summarize(sugar *zap.SugaredLogger, rep backtest.Report) {
	p := rep.Portfolio
	sugar.Infow("backtest_summary",
		"run_id", rep.RunID,
		"duration", rep.Duration(),
		"bars", rep.Bars,
		"events", rep.Events.Dispatched,
		"handler_errors", rep.Events.HandlerErrors,
		"trades", p.Trades,
		"skipped_orders", p.SkippedOrders,
		"fees", p.FeesPaid.String(),
		"equity", p.Equity.String(),
		"return", p.Return.StringFixed(4),
		"max_drawdown", p.MaxDrawdown.StringFixed(4),
		"interrupted", rep.Interrupted,
	)
	for _, pos := range p.Positions {
		sugar.Infow("position", "symbol", pos.Symbol, "size", pos.Size.String(), "entry", pos.EntryPrice.String())
	}
}

func archive(sugar *zap.SugaredLogger, cfg params.Storage, rep backtest.Report) {
	store, err := storage.NewReportStore(cfg.ReportDir)
	if err != nil {
		sugar.Errorw("report_store_open_failed", "dir", cfg.ReportDir, "err", err)
		return
	}
	defer store.Close()

	if err := store.Save(rep); err != nil {
		sugar.Errorw("report_save_failed", "run_id", rep.RunID, "err", err)
		return
	}
	sugar.Infow("report_saved", "run_id", rep.RunID, "dir", cfg.ReportDir)

	if cfg.KeepReports > 0 {
		n, err := store.Prune(cfg.KeepReports)
		if err != nil {
			sugar.Warnw("report_prune_failed", "err", err)
			return
		}
		if n > 0 {
			sugar.Infow("reports_pruned", "removed", n, "kept", cfg.KeepReports)
		}
	}
}
