// Package strategy holds reference signal generators. A strategy watches
// MARKET events and publishes SIGNAL events; sizing and execution happen
// downstream.
package strategy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/simex/pkg/datasource"
	"github.com/uhyunpark/simex/pkg/event"
)

var ErrInvalidWindow = errors.New("strategy: short window must be positive and below the long window")

type Enqueuer interface {
	Enqueue(ev event.Event) error
}

type Strategy interface {
	ID() string
	// Initialize warms the strategy up from bars preceding the run. It
	// publishes nothing.
	Initialize(history []datasource.Bar) error
	OnMarketEvent(ev event.MarketEvent) error
}

type Option func(*base)

func WithLogger(logger *zap.Logger) Option {
	return func(b *base) { b.logger = logger }
}

type base struct {
	id     string
	bus    Enqueuer
	logger *zap.Logger
}

func newBase(id string, bus Enqueuer, opts []Option) base {
	b := base{id: id, bus: bus, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *base) ID() string { return b.id }

func (b *base) emit(ev event.MarketEvent, kind event.SignalKind, dir event.Direction, strength float64) error {
	sig := event.SignalEvent{
		Header:     ev.Header,
		Signal:     kind,
		Direction:  dir,
		Strength:   strength,
		StrategyID: b.id,
	}
	if err := b.bus.Enqueue(sig); err != nil {
		return fmt.Errorf("%s: publish signal: %w", b.id, err)
	}
	b.logger.Debug("signal",
		zap.String("strategy", b.id),
		zap.String("symbol", ev.Symbol),
		zap.Stringer("direction", dir),
		zap.String("close", ev.Close.String()),
	)
	return nil
}

// BuyAndHold goes long once per symbol on its first bar.
type BuyAndHold struct {
	base
	mu     sync.Mutex
	bought map[string]bool
}

func NewBuyAndHold(bus Enqueuer, opts ...Option) *BuyAndHold {
	return &BuyAndHold{base: newBase("buy_and_hold", bus, opts), bought: make(map[string]bool)}
}

func (s *BuyAndHold) Initialize([]datasource.Bar) error { return nil }

func (s *BuyAndHold) OnMarketEvent(ev event.MarketEvent) error {
	s.mu.Lock()
	done := s.bought[ev.Symbol]
	s.bought[ev.Symbol] = true
	s.mu.Unlock()
	if done {
		return nil
	}
	return s.emit(ev, event.SignalLong, event.Long, 1)
}

// MovingAverageCross goes long when the short simple moving average of the
// close crosses above the long one and exits when it crosses back below.
type MovingAverageCross struct {
	base
	short, long int

	mu     sync.Mutex
	closes map[string][]decimal.Decimal
	above  map[string]bool // relation at the last full window
}

func NewMovingAverageCross(short, long int, bus Enqueuer, opts ...Option) (*MovingAverageCross, error) {
	if short < 1 || short >= long {
		return nil, fmt.Errorf("%w: short=%d long=%d", ErrInvalidWindow, short, long)
	}
	return &MovingAverageCross{
		base:   newBase(fmt.Sprintf("ma_cross_%d_%d", short, long), bus, opts),
		short:  short,
		long:   long,
		closes: make(map[string][]decimal.Decimal),
		above:  make(map[string]bool),
	}, nil
}

func (s *MovingAverageCross) Initialize(history []datasource.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range history {
		s.observe(b.Symbol, b.Close)
	}
	return nil
}

func (s *MovingAverageCross) OnMarketEvent(ev event.MarketEvent) error {
	s.mu.Lock()
	prev, known := s.above[ev.Symbol]
	shortMA, longMA, ok := s.observe(ev.Symbol, ev.Close)
	s.mu.Unlock()
	if !ok || !known {
		return nil
	}

	now := shortMA.GreaterThan(longMA)
	switch {
	case now && !prev:
		return s.emit(ev, event.SignalLong, event.Long, strength(shortMA, longMA))
	case !now && prev:
		return s.emit(ev, event.SignalExit, event.Flat, strength(shortMA, longMA))
	}
	return nil
}

// observe appends px to symbol's window and returns both averages once
// the long window is full. Caller holds mu.
func (s *MovingAverageCross) observe(symbol string, px decimal.Decimal) (shortMA, longMA decimal.Decimal, ok bool) {
	w := append(s.closes[symbol], px)
	if len(w) > s.long {
		w = w[len(w)-s.long:]
	}
	s.closes[symbol] = w
	if len(w) < s.long {
		return decimal.Zero, decimal.Zero, false
	}
	shortMA = mean(w[len(w)-s.short:])
	longMA = mean(w)
	s.above[symbol] = shortMA.GreaterThan(longMA)
	return shortMA, longMA, true
}

func mean(xs []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, x := range xs {
		sum = sum.Add(x)
	}
	return sum.Div(decimal.NewFromInt(int64(len(xs))))
}

// strength is the relative gap between the averages.
func strength(shortMA, longMA decimal.Decimal) float64 {
	if longMA.IsZero() {
		return 0
	}
	f, _ := shortMA.Sub(longMA).Abs().Div(longMA).Float64()
	return f
}
