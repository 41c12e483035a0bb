// Package broker simulates order execution: market orders fill at the last
// price plus slippage, limit orders rest on the virtual exchange until it
// reports them triggered, and stop orders wait here until price crosses them.
package broker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/simex/pkg/app/core/market"
	"github.com/uhyunpark/simex/pkg/app/core/orderbook"
	"github.com/uhyunpark/simex/pkg/event"
	"github.com/uhyunpark/simex/pkg/exchange"
)

var (
	ErrNoPrice     = errors.New("broker: no market price for symbol")
	ErrUnsupported = errors.New("broker: unsupported order type")
)

// Exchange is the part of the virtual exchange the broker trades against.
type Exchange interface {
	SubmitOrder(symbol, id string, side orderbook.Side, price, qty decimal.Decimal) error
	CancelOrder(symbol, id string) bool
	FillOrder(symbol, id string, qty decimal.Decimal) (decimal.Decimal, error)
	Now() time.Time
}

type PriceSource interface {
	Price(symbol string) (decimal.Decimal, bool)
}

type Enqueuer interface {
	Enqueue(ev event.Event) error
}

type Config struct {
	// Exchange is stamped on every fill.
	Exchange string
	// CommissionBps applies to symbols without a registered market.
	CommissionBps int64
	SlippageBps   int64
}

type Option func(*SimulatedBroker)

func WithRegistry(reg *market.MarketRegistry) Option {
	return func(b *SimulatedBroker) { b.registry = reg }
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *SimulatedBroker) { b.logger = logger }
}

type Stats struct {
	Orders   uint64 `json:"orders"`
	Fills    uint64 `json:"fills"`
	Rejected uint64 `json:"rejected"`
	Resting  int    `json:"resting"`
	Stops    int    `json:"stops"`
}

type SimulatedBroker struct {
	cfg      Config
	ex       Exchange
	prices   PriceSource
	bus      Enqueuer
	registry *market.MarketRegistry
	logger   *zap.Logger

	mu      sync.Mutex
	resting map[string]event.OrderEvent   // limit orders on the exchange, by id
	stops   map[string][]event.OrderEvent // pending stop orders, by symbol
	stats   Stats
}

func New(cfg Config, ex Exchange, prices PriceSource, bus Enqueuer, opts ...Option) *SimulatedBroker {
	b := &SimulatedBroker{
		cfg:     cfg,
		ex:      ex,
		prices:  prices,
		bus:     bus,
		logger:  zap.NewNop(),
		resting: make(map[string]event.OrderEvent),
		stops:   make(map[string][]event.OrderEvent),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func side(d event.Direction) orderbook.Side {
	if d == event.Long {
		return orderbook.Buy
	}
	return orderbook.Sell
}

// OnOrder is the ORDER handler.
func (b *SimulatedBroker) OnOrder(ev event.OrderEvent) error {
	if ev.OrderID == "" {
		ev.OrderID = uuid.NewString()
	}
	if err := ev.Validate(); err != nil {
		b.reject(ev, err)
		return err
	}

	b.mu.Lock()
	b.stats.Orders++
	b.mu.Unlock()

	switch ev.Type {
	case event.OrderMarket:
		ref, ok := b.prices.Price(ev.Symbol)
		if !ok {
			err := fmt.Errorf("%w: %s", ErrNoPrice, ev.Symbol)
			b.reject(ev, err)
			return err
		}
		return b.fill(ev, ev.Quantity, b.slipped(ref, ev.Direction), false, ev.Timestamp)

	case event.OrderLimit:
		if err := b.ex.SubmitOrder(ev.Symbol, ev.OrderID, side(ev.Direction), ev.Price.Decimal, ev.Quantity); err != nil {
			b.reject(ev, err)
			return err
		}
		b.mu.Lock()
		b.resting[ev.OrderID] = ev
		b.mu.Unlock()
		b.logger.Debug("limit_order_resting",
			zap.String("symbol", ev.Symbol),
			zap.String("order_id", ev.OrderID),
			zap.String("price", ev.Price.Decimal.String()),
		)
		return nil

	case event.OrderStop:
		b.mu.Lock()
		b.stops[ev.Symbol] = append(b.stops[ev.Symbol], ev)
		b.mu.Unlock()
		b.logger.Debug("stop_order_pending",
			zap.String("symbol", ev.Symbol),
			zap.String("order_id", ev.OrderID),
			zap.String("stop", ev.Price.Decimal.String()),
		)
		return nil
	}

	err := fmt.Errorf("%w: %s", ErrUnsupported, ev.Type)
	b.reject(ev, err)
	return err
}

// OnTrigger is the exchange's trigger handler. The whole remaining quantity
// of a triggered limit order fills at its limit price with the maker fee.
func (b *SimulatedBroker) OnTrigger(symbol string, o orderbook.Order, ref decimal.Decimal) {
	b.mu.Lock()
	ev, ok := b.resting[o.ID]
	b.mu.Unlock()
	if !ok {
		// not ours: leave it resting
		return
	}

	if _, err := b.ex.FillOrder(symbol, o.ID, o.Remaining); err != nil {
		b.logger.Warn("limit_fill_failed", zap.String("order_id", o.ID), zap.Error(err))
		return
	}
	b.mu.Lock()
	delete(b.resting, o.ID)
	b.mu.Unlock()

	if err := b.fill(ev, o.Remaining, o.Price, true, b.ex.Now()); err != nil {
		b.logger.Warn("limit_fill_not_published", zap.String("order_id", o.ID), zap.Error(err))
	}
}

// OnExchangeEvent activates pending stops on each tick: a buy stop when the
// price rises to its stop, a sell stop when it falls to it. Activated stops
// fill like market orders.
func (b *SimulatedBroker) OnExchangeEvent(n exchange.Notification) {
	if n.Kind != exchange.NotifyTick || n.Tick == nil {
		return
	}
	px := n.Tick.Price

	b.mu.Lock()
	pending := b.stops[n.Symbol]
	var fire, keep []event.OrderEvent
	for _, s := range pending {
		stop := s.Price.Decimal
		if (s.Direction == event.Long && px.GreaterThanOrEqual(stop)) ||
			(s.Direction == event.Short && px.LessThanOrEqual(stop)) {
			fire = append(fire, s)
		} else {
			keep = append(keep, s)
		}
	}
	if len(keep) == 0 {
		delete(b.stops, n.Symbol)
	} else {
		b.stops[n.Symbol] = keep
	}
	b.mu.Unlock()

	for _, s := range fire {
		b.logger.Debug("stop_triggered", zap.String("order_id", s.OrderID), zap.String("price", px.String()))
		if err := b.fill(s, s.Quantity, b.slipped(px, s.Direction), false, n.Timestamp); err != nil {
			b.logger.Warn("stop_fill_not_published", zap.String("order_id", s.OrderID), zap.Error(err))
		}
	}
}

// Cancel withdraws a resting limit or a pending stop.
func (b *SimulatedBroker) Cancel(symbol, id string) bool {
	b.mu.Lock()
	if _, ok := b.resting[id]; ok {
		b.mu.Unlock()
		if !b.ex.CancelOrder(symbol, id) {
			return false
		}
		b.mu.Lock()
		delete(b.resting, id)
		b.mu.Unlock()
		return true
	}
	defer b.mu.Unlock()
	stops := b.stops[symbol]
	for i, s := range stops {
		if s.OrderID == id {
			b.stops[symbol] = append(stops[:i:i], stops[i+1:]...)
			return true
		}
	}
	return false
}

// slipped moves ref against the trader by SlippageBps.
func (b *SimulatedBroker) slipped(ref decimal.Decimal, dir event.Direction) decimal.Decimal {
	if b.cfg.SlippageBps == 0 {
		return ref
	}
	adj := market.CommissionBps(ref, b.cfg.SlippageBps)
	if dir == event.Long {
		return ref.Add(adj)
	}
	return ref.Sub(adj)
}

func (b *SimulatedBroker) commission(symbol string, notional decimal.Decimal, maker bool) decimal.Decimal {
	if b.registry != nil {
		if mkt, ok := b.registry.GetMarket(symbol); ok {
			return mkt.Commission(notional, maker)
		}
	}
	return market.CommissionBps(notional, b.cfg.CommissionBps)
}

func (b *SimulatedBroker) fill(ev event.OrderEvent, qty, price decimal.Decimal, maker bool, ts time.Time) error {
	if ts.IsZero() {
		ts = ev.Timestamp
	}
	f := event.FillEvent{
		Header:     event.Header{Timestamp: ts, Symbol: ev.Symbol},
		OrderID:    ev.OrderID,
		Quantity:   qty,
		Direction:  ev.Direction,
		Price:      price,
		Commission: b.commission(ev.Symbol, qty.Mul(price), maker),
		Exchange:   b.cfg.Exchange,
	}
	if err := b.bus.Enqueue(f); err != nil {
		return fmt.Errorf("publish fill %s: %w", ev.OrderID, err)
	}

	b.mu.Lock()
	b.stats.Fills++
	b.mu.Unlock()
	b.logger.Debug("order_filled",
		zap.String("symbol", f.Symbol),
		zap.String("order_id", f.OrderID),
		zap.Stringer("side", f.Direction),
		zap.String("qty", f.Quantity.String()),
		zap.String("price", f.Price.String()),
		zap.String("commission", f.Commission.String()),
	)
	return nil
}

func (b *SimulatedBroker) reject(ev event.OrderEvent, err error) {
	b.mu.Lock()
	b.stats.Rejected++
	b.mu.Unlock()
	b.logger.Warn("order_rejected",
		zap.String("symbol", ev.Symbol),
		zap.String("order_id", ev.OrderID),
		zap.Stringer("type", ev.Type),
		zap.Error(err),
	)
}

// RestingIDs lists resting limit order ids, sorted.
func (b *SimulatedBroker) RestingIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.resting))
	for id := range b.resting {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b *SimulatedBroker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stats
	st.Resting = len(b.resting)
	for _, s := range b.stops {
		st.Stops += len(s)
	}
	return st
}
