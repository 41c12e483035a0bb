// Package exchange is the virtual exchange: lazily created order books, the
// replayed market data, and the seam through which triggered orders reach the
// broker simulator.
package exchange

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/simex/pkg/app/core/market"
	"github.com/uhyunpark/simex/pkg/app/core/orderbook"
	"github.com/uhyunpark/simex/pkg/event"
	"github.com/uhyunpark/simex/pkg/replay"
)

type Option func(*VirtualExchange)

func WithLogger(logger *zap.Logger) Option {
	return func(ex *VirtualExchange) { ex.logger = logger }
}

// WithRegistry validates submitted orders against known markets.
func WithRegistry(reg *market.MarketRegistry) Option {
	return func(ex *VirtualExchange) { ex.registry = reg }
}

// WithReplayDriver attaches d. A nil pointer inside the interface counts as
// no driver.
func WithReplayDriver(d ReplayDriver) Option {
	return func(ex *VirtualExchange) { ex.driver = usableDriver(d) }
}

func usableDriver(d ReplayDriver) ReplayDriver {
	if d == nil {
		return nil
	}
	if v := reflect.ValueOf(d); v.Kind() == reflect.Pointer && v.IsNil() {
		return nil
	}
	return d
}

func WithTriggerHandler(h TriggerHandler) Option {
	return func(ex *VirtualExchange) { ex.onTrigger = h }
}

type VirtualExchange struct {
	name     string
	bus      Enqueuer
	accounts AccountManager
	data     *market.DataManager
	registry *market.MarketRegistry
	logger   *zap.Logger

	mu        sync.RWMutex
	books     map[string]*orderbook.OrderBook
	driver    ReplayDriver
	onTrigger TriggerHandler
	now       time.Time

	lmu       sync.RWMutex
	listeners []Listener
}

func New(cfg Config, bus Enqueuer, accounts AccountManager, opts ...Option) *VirtualExchange {
	ex := &VirtualExchange{
		name:     cfg.Name,
		bus:      bus,
		accounts: accounts,
		data:     market.NewDataManager(cfg.HistorySize),
		logger:   zap.NewNop(),
		books:    make(map[string]*orderbook.OrderBook),
	}
	if ex.name == "" {
		ex.name = "SIMEX"
	}
	for _, opt := range opts {
		opt(ex)
	}
	return ex
}

func (ex *VirtualExchange) Name() string                     { return ex.name }
func (ex *VirtualExchange) MarketData() *market.DataManager  { return ex.data }
func (ex *VirtualExchange) Accounts() AccountManager         { return ex.accounts }
func (ex *VirtualExchange) Registry() *market.MarketRegistry { return ex.registry }

// Now is the logical clock: the latest replayed timestamp.
func (ex *VirtualExchange) Now() time.Time {
	ex.mu.RLock()
	defer ex.mu.RUnlock()
	return ex.now
}

func (ex *VirtualExchange) SetTriggerHandler(h TriggerHandler) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.onTrigger = h
}

func (ex *VirtualExchange) SetReplayDriver(d ReplayDriver) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.driver = usableDriver(d)
}

// OrderBook returns the book for symbol, or nil if nothing was ever submitted.
func (ex *VirtualExchange) OrderBook(symbol string) *orderbook.OrderBook {
	ex.mu.RLock()
	defer ex.mu.RUnlock()
	return ex.books[symbol]
}

func (ex *VirtualExchange) bookFor(symbol string) *orderbook.OrderBook {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	ob, ok := ex.books[symbol]
	if !ok {
		ob = orderbook.NewOrderBook(symbol)
		ex.books[symbol] = ob
		ex.logger.Debug("orderbook_created", zap.String("symbol", symbol))
	}
	return ob
}

// Symbols lists symbols that have a book or market data, sorted.
func (ex *VirtualExchange) Symbols() []string {
	seen := map[string]struct{}{}
	for _, s := range ex.data.Symbols() {
		seen[s] = struct{}{}
	}
	ex.mu.RLock()
	for s := range ex.books {
		seen[s] = struct{}{}
	}
	ex.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// OnReplayTick advances the clock to ts, records a tick derived from the bar
// close, publishes a MARKET event, notifies listeners and evaluates triggers
// at the close. A bus error is returned after triggers ran.
func (ex *VirtualExchange) OnReplayTick(ts time.Time, symbol string, bar event.OHLCV) error {
	if symbol == "" || ts.IsZero() {
		return ErrInvalidTick
	}

	ex.mu.Lock()
	if ts.After(ex.now) {
		ex.now = ts
	} else if ts.Before(ex.now) {
		ex.logger.Warn("tick_out_of_order",
			zap.String("symbol", symbol),
			zap.Time("ts", ts),
			zap.Time("clock", ex.now),
		)
	}
	ex.mu.Unlock()

	tick := market.Tick{Price: bar.Close, Volume: bar.Volume, Timestamp: ts}
	ex.data.Update(symbol, tick)

	var busErr error
	if ex.bus != nil {
		ev := event.MarketEvent{Header: event.Header{Timestamp: ts, Symbol: symbol}, OHLCV: bar}
		if err := ex.bus.Enqueue(ev); err != nil {
			ex.logger.Warn("market_event_rejected", zap.String("symbol", symbol), zap.Error(err))
			busErr = fmt.Errorf("enqueue market event: %w", err)
		}
	}

	barCopy := bar
	ex.notify(Notification{Kind: NotifyTick, Symbol: symbol, Timestamp: ts, Tick: &tick, OHLCV: &barCopy})

	ex.CheckOrderTriggers(symbol, bar.Close)
	return busErr
}

// CheckOrderTriggers forwards every order in symbol's book that executes at
// price to the trigger handler. Returns how many orders triggered; a symbol
// without a book is a no-op.
func (ex *VirtualExchange) CheckOrderTriggers(symbol string, price decimal.Decimal) int {
	ob := ex.OrderBook(symbol)
	if ob == nil {
		return 0
	}
	triggered := ob.CheckTriggers(price)
	for _, o := range triggered {
		ex.processTriggeredOrder(symbol, o, price)
	}
	return len(triggered)
}

func (ex *VirtualExchange) processTriggeredOrder(symbol string, o orderbook.Order, ref decimal.Decimal) {
	ex.mu.RLock()
	h := ex.onTrigger
	ts := ex.now
	ex.mu.RUnlock()

	ex.logger.Debug("order_triggered",
		zap.String("symbol", symbol),
		zap.String("order_id", o.ID),
		zap.Stringer("side", o.Side),
		zap.String("price", o.Price.String()),
		zap.String("ref", ref.String()),
	)
	order := o
	ex.notify(Notification{
		Kind:      NotifyOrderTriggered,
		Symbol:    symbol,
		Timestamp: ts,
		Order:     &order,
		Price:     decimal.NewNullDecimal(ref),
	})

	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ex.logger.Error("trigger_handler_panic",
				zap.String("symbol", symbol),
				zap.String("order_id", o.ID),
				zap.Any("panic", r),
			)
		}
	}()
	h(symbol, o, ref)
}

// SubmitOrder rests an order on symbol's book, creating the book if needed.
// Orders for registered markets are checked against its rules.
func (ex *VirtualExchange) SubmitOrder(symbol, id string, side orderbook.Side, price, qty decimal.Decimal) error {
	if ex.registry != nil {
		if mkt, ok := ex.registry.GetMarket(symbol); ok {
			if err := mkt.ValidateOrder(price, qty); err != nil {
				return fmt.Errorf("submit %s: %w", id, err)
			}
		}
	}

	ob := ex.bookFor(symbol)
	if err := ob.AddOrder(id, side, price, qty); err != nil {
		return fmt.Errorf("submit %s: %w", id, err)
	}

	if o, ok := ob.Order(id); ok {
		ex.notify(Notification{Kind: NotifyOrderAccepted, Symbol: symbol, Timestamp: ex.Now(), Order: &o})
	}
	return nil
}

// CancelOrder removes a resting order. False if the symbol has no book or
// the order is not resting.
func (ex *VirtualExchange) CancelOrder(symbol, id string) bool {
	ob := ex.OrderBook(symbol)
	if ob == nil {
		return false
	}
	o, ok := ob.Order(id)
	if !ok || !ob.RemoveOrder(id) {
		return false
	}
	ex.notify(Notification{Kind: NotifyOrderCancelled, Symbol: symbol, Timestamp: ex.Now(), Order: &o})
	return true
}

// FillOrder executes qty of a resting order at its limit price and returns
// the remaining quantity. Fully filled orders leave the book.
func (ex *VirtualExchange) FillOrder(symbol, id string, qty decimal.Decimal) (decimal.Decimal, error) {
	ob := ex.OrderBook(symbol)
	if ob == nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoBook, symbol)
	}
	before, _ := ob.Order(id)
	rem, err := ob.Fill(id, qty)
	if err != nil {
		return rem, err
	}
	before.Remaining = rem
	ex.notify(Notification{
		Kind:      NotifyOrderFilled,
		Symbol:    symbol,
		Timestamp: ex.Now(),
		Order:     &before,
		Price:     decimal.NewNullDecimal(before.Price),
		Quantity:  decimal.NewNullDecimal(qty),
	})
	return rem, nil
}

// StartReplay asks the driver to replay [start, end] at speed. It returns
// false and logs when there is no driver or the driver rejects the request.
func (ex *VirtualExchange) StartReplay(ctx context.Context, start, end time.Time, speed float64, mode replay.Mode) bool {
	ex.mu.RLock()
	d := ex.driver
	ex.mu.RUnlock()

	if d == nil {
		ex.logger.Warn("replay_start_failed", zap.Error(ErrNoDriver))
		return false
	}
	req := replay.Request{Start: start, End: end, Speed: speed, Mode: mode}
	if err := d.StartReplay(ctx, req); err != nil {
		ex.logger.Warn("replay_start_failed",
			zap.Time("start", start),
			zap.Time("end", end),
			zap.Float64("speed", speed),
			zap.String("mode", string(mode)),
			zap.Error(err),
		)
		return false
	}
	ex.logger.Info("replay_started",
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Float64("speed", speed),
		zap.String("mode", string(mode)),
	)
	return true
}

// StopReplay returns false when there is no driver or nothing was running.
func (ex *VirtualExchange) StopReplay() bool {
	ex.mu.RLock()
	d := ex.driver
	ex.mu.RUnlock()

	if d == nil {
		ex.logger.Warn("replay_stop_failed", zap.Error(ErrNoDriver))
		return false
	}
	return d.StopReplay()
}

// AddEventListener registers l once; later calls with the same listener are ignored.
func (ex *VirtualExchange) AddEventListener(l Listener) {
	if l == nil {
		return
	}
	ex.lmu.Lock()
	defer ex.lmu.Unlock()
	for _, x := range ex.listeners {
		if sameListener(x, l) {
			return
		}
	}
	ex.listeners = append(ex.listeners, l)
}

func (ex *VirtualExchange) RemoveEventListener(l Listener) bool {
	ex.lmu.Lock()
	defer ex.lmu.Unlock()
	for i, x := range ex.listeners {
		if sameListener(x, l) {
			ex.listeners = append(ex.listeners[:i:i], ex.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (ex *VirtualExchange) notify(n Notification) {
	ex.lmu.RLock()
	ls := make([]Listener, len(ex.listeners))
	copy(ls, ex.listeners)
	ex.lmu.RUnlock()

	for _, l := range ls {
		ex.deliver(l, n)
	}
}

// deliver isolates each listener so one failure cannot block the others.
func (ex *VirtualExchange) deliver(l Listener, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			ex.logger.Error("listener_panic",
				zap.String("kind", string(n.Kind)),
				zap.String("symbol", n.Symbol),
				zap.Any("panic", r),
			)
		}
	}()
	l.OnExchangeEvent(n)
}

// sameListener compares by identity; non-comparable values never match.
func sameListener(a, b Listener) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() || va.Type() != vb.Type() || !va.Comparable() {
		return false
	}
	return va.Equal(vb)
}
