package broker

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/simex/pkg/app/core/account"
	"github.com/uhyunpark/simex/pkg/app/core/market"
	"github.com/uhyunpark/simex/pkg/bus"
	"github.com/uhyunpark/simex/pkg/event"
	"github.com/uhyunpark/simex/pkg/exchange"
)

var t0 = time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	bus    *bus.Bus
	ex     *exchange.VirtualExchange
	broker *SimulatedBroker
	fills  []event.FillEvent
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{bus: bus.New(0, nil)}
	h.ex = exchange.New(exchange.Config{Name: "SIMEX"}, h.bus, account.NewManager())
	h.broker = New(cfg, h.ex, h.ex.MarketData(), h.bus, opts...)
	h.ex.SetTriggerHandler(h.broker.OnTrigger)
	h.ex.AddEventListener(h.broker)
	h.bus.RegisterOrder(h.broker)
	h.bus.RegisterFill(bus.FillFunc(func(f event.FillEvent) error {
		h.fills = append(h.fills, f)
		return nil
	}))
	return h
}

func (h *harness) tick(t *testing.T, minute int, close string) {
	t.Helper()
	require.NoError(t, h.ex.OnReplayTick(t0.Add(time.Duration(minute)*time.Minute), "BTC-USD", event.Bar(close, close, close, close, "1")))
	h.bus.Drain(0)
}

func order(typ event.OrderType, dir event.Direction, qty string, price string) event.OrderEvent {
	ev := event.OrderEvent{
		Header:    event.Header{Timestamp: t0, Symbol: "BTC-USD"},
		OrderID:   "",
		Type:      typ,
		Quantity:  d(qty),
		Direction: dir,
	}
	if price != "" {
		ev.Price = decimal.NewNullDecimal(d(price))
	}
	return ev
}

func TestMarketOrderFillsWithSlippageAndCommission(t *testing.T) {
	h := newHarness(t, Config{Exchange: "SIMEX", CommissionBps: 10, SlippageBps: 50})
	h.tick(t, 0, "100")

	require.NoError(t, h.bus.Enqueue(order(event.OrderMarket, event.Long, "2", "")))
	h.bus.Drain(0)

	require.Len(t, h.fills, 1)
	f := h.fills[0]
	assert.Equal(t, "100.5", f.Price.String())
	assert.Equal(t, "2", f.Quantity.String())
	assert.Equal(t, "0.201", f.Commission.String())
	assert.Equal(t, "SIMEX", f.Exchange)
	assert.NotEmpty(t, f.OrderID, "missing ids are generated")

	require.NoError(t, h.broker.OnOrder(order(event.OrderMarket, event.Short, "1", "")))
	h.bus.Drain(0)
	assert.Equal(t, "99.5", h.fills[1].Price.String())
}

func TestMarketOrderWithoutPriceRejected(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.broker.OnOrder(order(event.OrderMarket, event.Long, "1", ""))
	require.ErrorIs(t, err, ErrNoPrice)
	assert.Equal(t, uint64(1), h.broker.Stats().Rejected)
	assert.Empty(t, h.fills)
}

func TestLimitOrderRestsUntilTriggered(t *testing.T) {
	reg := market.NewMarketRegistry()
	mkt, err := market.NewMarket("BTC-USD", "BTC", "USD", market.MarketParams{MakerFeeBps: 2, TakerFeeBps: 5})
	require.NoError(t, err)
	require.NoError(t, reg.RegisterMarket(mkt))

	h := newHarness(t, Config{SlippageBps: 100}, WithRegistry(reg))
	h.tick(t, 0, "100")

	buy := order(event.OrderLimit, event.Long, "3", "95")
	buy.OrderID = "L1"
	require.NoError(t, h.broker.OnOrder(buy))
	assert.Equal(t, []string{"L1"}, h.broker.RestingIDs())
	assert.Equal(t, 1, h.ex.OrderBook("BTC-USD").Len())

	h.tick(t, 1, "97")
	assert.Empty(t, h.fills)

	h.tick(t, 2, "94")
	require.Len(t, h.fills, 1)
	f := h.fills[0]
	assert.Equal(t, "L1", f.OrderID)
	assert.Equal(t, "95", f.Price.String(), "limit fills at its price without slippage")
	assert.Equal(t, "0.057", f.Commission.String(), "maker fee from market")
	assert.Equal(t, t0.Add(2*time.Minute), f.Timestamp)

	assert.True(t, h.ex.OrderBook("BTC-USD").IsEmpty())
	assert.Empty(t, h.broker.RestingIDs())

	h.tick(t, 3, "90")
	assert.Len(t, h.fills, 1, "no double fill")
}

func TestStopOrderActivatesOnCross(t *testing.T) {
	h := newHarness(t, Config{})
	h.tick(t, 0, "100")

	stop := order(event.OrderStop, event.Short, "1", "95")
	stop.OrderID = "S1"
	require.NoError(t, h.broker.OnOrder(stop))
	assert.Equal(t, 1, h.broker.Stats().Stops)

	h.tick(t, 1, "96")
	assert.Empty(t, h.fills)

	h.tick(t, 2, "94")
	require.Len(t, h.fills, 1)
	assert.Equal(t, "94", h.fills[0].Price.String())
	assert.Equal(t, event.Short, h.fills[0].Direction)
	assert.Zero(t, h.broker.Stats().Stops)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, Config{})
	h.tick(t, 0, "100")

	lim := order(event.OrderLimit, event.Short, "1", "110")
	lim.OrderID = "L"
	stop := order(event.OrderStop, event.Long, "1", "120")
	stop.OrderID = "S"
	require.NoError(t, h.broker.OnOrder(lim))
	require.NoError(t, h.broker.OnOrder(stop))

	assert.True(t, h.broker.Cancel("BTC-USD", "L"))
	assert.True(t, h.broker.Cancel("BTC-USD", "S"))
	assert.False(t, h.broker.Cancel("BTC-USD", "S"))

	h.tick(t, 1, "125")
	assert.Empty(t, h.fills)
	st := h.broker.Stats()
	assert.Zero(t, st.Resting)
	assert.Zero(t, st.Stops)
}

func TestInvalidOrderRejected(t *testing.T) {
	h := newHarness(t, Config{})
	bad := order(event.OrderLimit, event.Long, "1", "")
	require.ErrorIs(t, h.broker.OnOrder(bad), event.ErrMissingPrice)
	assert.Equal(t, uint64(1), h.broker.Stats().Rejected)
}
