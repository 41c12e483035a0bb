// Package replay drives historical or synthetic bars into a tick sink,
// either as fast as possible or paced to the bars' own timestamps.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/simex/pkg/datasource"
	"github.com/uhyunpark/simex/pkg/event"
	"github.com/uhyunpark/simex/pkg/util"
)

type Mode string

const (
	ModeInstant Mode = "instant"
	ModePaced   Mode = "paced"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeInstant, ModePaced:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

var (
	ErrInvalidWindow  = errors.New("replay: end before start")
	ErrInvalidSpeed   = errors.New("replay: speed must be positive")
	ErrUnknownMode    = errors.New("replay: unknown mode")
	ErrAlreadyRunning = errors.New("replay: already running")
	ErrNoSource       = errors.New("replay: no data source")
	ErrNoSink         = errors.New("replay: no tick sink")
)

// Request selects the replay window. Zero Start or End leaves that side open.
type Request struct {
	Start time.Time
	End   time.Time
	// Speed scales pacing: 2 replays twice as fast as the bars' timestamps.
	Speed float64
	Mode  Mode
}

func (r Request) Validate() error {
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return ErrInvalidWindow
	}
	if r.Speed <= 0 {
		return ErrInvalidSpeed
	}
	if r.Mode != ModeInstant && r.Mode != ModePaced {
		return fmt.Errorf("%w: %q", ErrUnknownMode, r.Mode)
	}
	return nil
}

func (r Request) contains(ts time.Time) bool {
	if !r.Start.IsZero() && ts.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && ts.After(r.End) {
		return false
	}
	return true
}

// TickSink consumes replayed bars. The virtual exchange implements it.
type TickSink interface {
	OnReplayTick(ts time.Time, symbol string, bar event.OHLCV) error
}

type Option func(*Driver)

// WithClock swaps the clock implementation.
func WithClock(c util.Clock) Option {
	return func(d *Driver) {
		if c != nil {
			d.clock = c
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// Driver replays one source for a fixed set of symbols. At most one replay
// runs at a time.
type Driver struct {
	source  datasource.Source
	symbols []string
	sink    TickSink
	clock   util.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	ticks      atomic.Uint64
	sinkErrors atomic.Uint64
}

func NewDriver(source datasource.Source, symbols []string, sink TickSink, opts ...Option) *Driver {
	d := &Driver{
		source:  source,
		symbols: append([]string(nil), symbols...),
		sink:    sink,
		clock:   util.RealClock{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) check(req Request) error {
	if d == nil || d.source == nil {
		return ErrNoSource
	}
	if d.sink == nil {
		return ErrNoSink
	}
	return req.Validate()
}

// StartReplay validates req and replays on a new goroutine. Use Wait for the
// outcome.
func (d *Driver) StartReplay(ctx context.Context, req Request) error {
	if err := d.check(req); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancel = cancel
	d.done = make(chan struct{})
	d.err = nil

	go func(done chan struct{}) {
		err := d.run(runCtx, req)
		cancel()

		d.mu.Lock()
		d.running = false
		d.err = err
		d.mu.Unlock()
		close(done)
	}(d.done)
	return nil
}

// StopReplay cancels a running replay. False if nothing was running.
func (d *Driver) StopReplay() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return false
	}
	d.cancel()
	return true
}

func (d *Driver) Running() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Done is closed when the current replay finishes. Nil before any start.
func (d *Driver) Done() <-chan struct{} {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Wait blocks until the current replay finishes and returns its error.
func (d *Driver) Wait() error {
	done := d.Done()
	if done == nil {
		return nil
	}
	<-done
	return d.Err()
}

func (d *Driver) Err() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Ticks is the number of bars delivered to the sink. A nil driver reports zero.
func (d *Driver) Ticks() uint64 {
	if d == nil {
		return 0
	}
	return d.ticks.Load()
}

// Run replays synchronously on the calling goroutine.
func (d *Driver) Run(ctx context.Context, req Request) error {
	if err := d.check(req); err != nil {
		return err
	}
	return d.run(ctx, req)
}

func (d *Driver) run(ctx context.Context, req Request) error {
	d.logger.Info("replay_running",
		zap.Strings("symbols", d.symbols),
		zap.String("mode", string(req.Mode)),
		zap.Float64("speed", req.Speed),
	)

	var prev time.Time
	var delivered uint64
	err := d.source.StreamMarketData(ctx, d.symbols, func(b datasource.Bar) error {
		if !req.contains(b.Timestamp) {
			return nil
		}
		if req.Mode == ModePaced && !prev.IsZero() {
			if gap := b.Timestamp.Sub(prev); gap > 0 {
				wait := time.Duration(float64(gap) / req.Speed)
				if err := d.clock.Sleep(ctx, wait); err != nil {
					return err
				}
			}
		}
		prev = b.Timestamp

		if err := d.sink.OnReplayTick(b.Timestamp, b.Symbol, b.OHLCV); err != nil {
			d.sinkErrors.Add(1)
			d.logger.Warn("replay_tick_failed",
				zap.String("symbol", b.Symbol),
				zap.Time("ts", b.Timestamp),
				zap.Error(err),
			)
		}
		d.ticks.Add(1)
		delivered++
		return nil
	})

	if errors.Is(err, context.Canceled) {
		d.logger.Info("replay_stopped", zap.Uint64("ticks", delivered))
		return nil
	}
	if err != nil {
		d.logger.Error("replay_failed", zap.Uint64("ticks", delivered), zap.Error(err))
		return err
	}
	d.logger.Info("replay_finished", zap.Uint64("ticks", delivered), zap.Uint64("sink_errors", d.sinkErrors.Load()))
	return nil
}
