// Package backtest wires a data source, a strategy, a portfolio and the
// broker simulator to the event bus and runs them bar by bar.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/simex/pkg/app/core/account"
	"github.com/uhyunpark/simex/pkg/broker"
	"github.com/uhyunpark/simex/pkg/bus"
	"github.com/uhyunpark/simex/pkg/datasource"
	"github.com/uhyunpark/simex/pkg/event"
	"github.com/uhyunpark/simex/pkg/exchange"
	"github.com/uhyunpark/simex/pkg/portfolio"
	"github.com/uhyunpark/simex/pkg/replay"
	"github.com/uhyunpark/simex/pkg/strategy"
)

var ErrMissingComponent = errors.New("backtest: missing component")

type Config struct {
	// Symbols restricts the stream. Empty means all symbols of the source.
	Symbols []string
	// WarmupBars per symbol are loaded before the run when the source can
	// provide history.
	WarmupBars int
	// PollTimeout is how long the final drain waits on an empty queue.
	PollTimeout time.Duration
}

// Components are the collaborators a run is wired from. Strategy and
// Portfolio must publish onto Bus.
type Components struct {
	Bus       *bus.Bus
	Accounts  *account.Manager
	Exchange  *exchange.VirtualExchange
	Source    datasource.Source
	Strategy  strategy.Strategy
	Portfolio *portfolio.Portfolio
	Broker    *broker.SimulatedBroker
}

type Report struct {
	RunID       string             `json:"run_id"`
	Strategy    string             `json:"strategy"`
	Symbols     []string           `json:"symbols"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	Bars        int                `json:"bars"`
	Events      bus.Stats          `json:"events"`
	Broker      broker.Stats       `json:"broker"`
	Interrupted bool               `json:"interrupted"`
	Error       string             `json:"error,omitempty"`
	Portfolio   portfolio.Snapshot `json:"portfolio"`
}

func (r Report) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

type Option func(*Backtester)

func WithLogger(logger *zap.Logger) Option {
	return func(bt *Backtester) { bt.logger = logger }
}

type Backtester struct {
	cfg Config
	Components
	logger *zap.Logger

	bars int
}

// New registers the components on the bus:
//
//	MARKET -> strategy, then portfolio
//	SIGNAL -> portfolio
//	ORDER  -> broker
//	FILL   -> portfolio
//
// The broker also receives the exchange's triggers and tick notifications.
func New(cfg Config, c Components, opts ...Option) (*Backtester, error) {
	switch {
	case c.Bus == nil:
		return nil, fmt.Errorf("%w: bus", ErrMissingComponent)
	case c.Exchange == nil:
		return nil, fmt.Errorf("%w: exchange", ErrMissingComponent)
	case c.Source == nil:
		return nil, fmt.Errorf("%w: source", ErrMissingComponent)
	case c.Strategy == nil:
		return nil, fmt.Errorf("%w: strategy", ErrMissingComponent)
	case c.Portfolio == nil:
		return nil, fmt.Errorf("%w: portfolio", ErrMissingComponent)
	case c.Broker == nil:
		return nil, fmt.Errorf("%w: broker", ErrMissingComponent)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 100 * time.Millisecond
	}

	bt := &Backtester{cfg: cfg, Components: c, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(bt)
	}

	c.Bus.RegisterMarket(strategyMarket{c.Strategy})
	c.Bus.RegisterMarket(portfolioMarket{c.Portfolio})
	c.Bus.RegisterSignal(c.Portfolio)
	c.Bus.RegisterOrder(c.Broker)
	c.Bus.RegisterFill(c.Portfolio)

	c.Exchange.SetTriggerHandler(c.Broker.OnTrigger)
	c.Exchange.AddEventListener(c.Broker)

	wired := make([]zap.Field, 0, len(event.Kinds)+1)
	wired = append(wired, zap.String("strategy", c.Strategy.ID()))
	for _, k := range event.Kinds {
		wired = append(wired, zap.Int(k.String(), c.Bus.HandlerCount(k)))
	}
	bt.logger.Debug("backtest_wired", wired...)
	return bt, nil
}

// strategyMarket and portfolioMarket compare equal for the same component,
// so wiring the same Components twice does not register a handler twice.
type strategyMarket struct{ s strategy.Strategy }

func (h strategyMarket) OnMarket(ev event.MarketEvent) error { return h.s.OnMarketEvent(ev) }

type portfolioMarket struct{ p *portfolio.Portfolio }

func (h portfolioMarket) OnMarket(ev event.MarketEvent) error { return h.p.OnMarketData(ev) }

// Run replays the source once. Each bar enters through the exchange and the
// bus is drained before the next one, so every cascade a bar causes settles
// at that bar. Cancelling ctx stops between events and marks the report
// interrupted. Handler errors are counted in Events; an error or panic in
// the loop itself ends the run with Report.Error set. The report is always
// produced.
func (bt *Backtester) Run(ctx context.Context) (rep Report) {
	rep, log := bt.begin()
	stopBus := context.AfterFunc(ctx, bt.Bus.Stop)
	defer stopBus()
	defer bt.finish(ctx, &rep, log, func() int { return bt.bars })

	if err := bt.warmup(ctx); err != nil {
		log.Error("warmup_failed", zap.Error(err))
		rep.Error = err.Error()
		return rep
	}

	err := bt.Source.StreamMarketData(ctx, bt.cfg.Symbols, bt.step)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Warn("backtest_interrupted", zap.Int("bars", bt.bars))
		return rep
	default:
		log.Error("stream_failed", zap.Error(err), zap.Int("bars", bt.bars))
		rep.Error = err.Error()
		return rep
	}

	bt.Bus.DrainUntilIdle(ctx, bt.cfg.PollTimeout)
	return rep
}

// RunReplay drives the exchange from a replay driver on its own goroutine,
// usually paced, while this goroutine drains the bus. It returns once the
// replay has finished and the bus stayed idle for PollTimeout, or when ctx
// is cancelled.
func (bt *Backtester) RunReplay(ctx context.Context, driver *replay.Driver, req replay.Request) (rep Report) {
	rep, log := bt.begin()
	defer bt.finish(ctx, &rep, log, func() int { return int(driver.Ticks()) })

	if driver == nil {
		log.Error("replay_failed", zap.Error(exchange.ErrNoDriver))
		rep.Error = exchange.ErrNoDriver.Error()
		return rep
	}
	if err := bt.warmup(ctx); err != nil {
		log.Error("warmup_failed", zap.Error(err))
		rep.Error = err.Error()
		return rep
	}

	bt.Exchange.SetReplayDriver(driver)
	if !bt.Exchange.StartReplay(ctx, req.Start, req.End, req.Speed, req.Mode) {
		rep.Error = "replay did not start"
		return rep
	}
	defer bt.Exchange.StopReplay()

	for {
		bt.Bus.DrainUntilIdle(ctx, bt.cfg.PollTimeout)
		select {
		case <-ctx.Done():
			log.Warn("backtest_interrupted", zap.Uint64("ticks", driver.Ticks()))
			return rep
		case <-driver.Done():
			if bt.Bus.Len() > 0 {
				continue
			}
			if err := driver.Err(); err != nil {
				rep.Error = err.Error()
			}
			return rep
		default:
		}
	}
}

func (bt *Backtester) begin() (Report, *zap.Logger) {
	rep := Report{
		RunID:     uuid.NewString(),
		Strategy:  bt.Strategy.ID(),
		Symbols:   bt.cfg.Symbols,
		StartedAt: time.Now().UTC(),
	}
	log := bt.logger.With(zap.String("run_id", rep.RunID))
	log.Info("backtest_started", zap.String("strategy", rep.Strategy), zap.Strings("symbols", rep.Symbols))
	return rep, log
}

// finish recovers a panic from the control loop and fills in the summary.
func (bt *Backtester) finish(ctx context.Context, rep *Report, log *zap.Logger, bars func() int) {
	if r := recover(); r != nil {
		log.Error("backtest_panic", zap.Any("panic", r), zap.Int("bars", bars()))
		rep.Error = fmt.Sprintf("panic: %v", r)
	}
	rep.Interrupted = ctx.Err() != nil
	rep.FinishedAt = time.Now().UTC()
	rep.Bars = bars()
	rep.Events = bt.Bus.Stats()
	rep.Broker = bt.Broker.Stats()
	rep.Portfolio = bt.Portfolio.Snapshot()
	log.Info("backtest_finished",
		zap.Int("bars", rep.Bars),
		zap.Uint64("events", rep.Events.Dispatched),
		zap.Uint64("handler_errors", rep.Events.HandlerErrors),
		zap.Int64("trades", rep.Portfolio.Trades),
		zap.String("equity", rep.Portfolio.Equity.String()),
		zap.Bool("interrupted", rep.Interrupted),
		zap.Duration("elapsed", rep.Duration()),
	)
}

func (bt *Backtester) step(b datasource.Bar) error {
	if err := bt.Exchange.OnReplayTick(b.Timestamp, b.Symbol, b.OHLCV); err != nil {
		return fmt.Errorf("bar %s@%s: %w", b.Symbol, b.Timestamp.Format(time.RFC3339), err)
	}
	bt.bars++
	bt.Bus.Drain(0)
	return nil
}

func (bt *Backtester) warmup(ctx context.Context) error {
	if bt.cfg.WarmupBars <= 0 {
		return bt.Strategy.Initialize(nil)
	}
	hp, ok := bt.Source.(datasource.HistoryProvider)
	if !ok {
		bt.logger.Debug("warmup_unavailable", zap.String("strategy", bt.Strategy.ID()))
		return bt.Strategy.Initialize(nil)
	}
	history, err := hp.History(ctx, bt.cfg.Symbols, bt.cfg.WarmupBars)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	bt.logger.Info("warmup_loaded", zap.Int("bars", len(history)))
	return bt.Strategy.Initialize(history)
}
