package portfolio

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/simex/pkg/app/core/account"
	"github.com/uhyunpark/simex/pkg/bus"
	"github.com/uhyunpark/simex/pkg/event"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T, cash, size string) (*Portfolio, *account.Manager, *bus.Bus, *[]event.OrderEvent) {
	t.Helper()
	b := bus.New(0, nil)
	accts := account.NewManager()
	p, err := New(Config{QuoteAsset: "USD", InitialCash: d(cash), PositionSize: d(size)}, accts, b)
	require.NoError(t, err)

	var orders []event.OrderEvent
	b.RegisterOrder(bus.OrderFunc(func(o event.OrderEvent) error {
		orders = append(orders, o)
		return nil
	}))
	return p, accts, b, &orders
}

func signal(kind event.SignalKind, dir event.Direction) event.SignalEvent {
	return event.SignalEvent{
		Header:     event.Header{Timestamp: t0, Symbol: "BTC-USD"},
		Signal:     kind,
		Direction:  dir,
		Strength:   1,
		StrategyID: "test",
	}
}

func market(minute int, close string) event.MarketEvent {
	c := d(close)
	return event.MarketEvent{
		Header: event.Header{Timestamp: t0.Add(time.Duration(minute) * time.Minute), Symbol: "BTC-USD"},
		OHLCV:  event.OHLCV{Open: c, High: c, Low: c, Close: c, Volume: d("1")},
	}
}

func fillFor(o event.OrderEvent, price, fee string) event.FillEvent {
	return event.FillEvent{
		Header:     o.Header,
		OrderID:    o.OrderID,
		Quantity:   o.Quantity,
		Direction:  o.Direction,
		Price:      d(price),
		Commission: d(fee),
		Exchange:   "SIMEX",
	}
}

func TestNewValidatesAndFunds(t *testing.T) {
	_, err := New(Config{QuoteAsset: "USD", PositionSize: d("0")}, account.NewManager(), bus.New(0, nil))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, accts, _, _ := setup(t, "1000", "1")
	assert.Equal(t, "1000", accts.GetBalance("USD").String())
}

func TestSignalRoundTrip(t *testing.T) {
	p, accts, b, orders := setup(t, "1000", "2")
	require.NoError(t, p.OnMarketData(market(0, "100")))

	require.NoError(t, p.OnSignal(signal(event.SignalLong, event.Long)))
	b.Drain(0)
	require.Len(t, *orders, 1)
	buy := (*orders)[0]
	assert.Equal(t, event.OrderMarket, buy.Type)
	assert.Equal(t, event.Long, buy.Direction)
	assert.Equal(t, "2", buy.Quantity.String())
	assert.NotEmpty(t, buy.OrderID)

	require.NoError(t, p.OnFill(fillFor(buy, "100", "1")))
	assert.Equal(t, "799", accts.GetBalance("USD").String())

	// already long: no pyramiding
	require.NoError(t, p.OnSignal(signal(event.SignalLong, event.Long)))
	b.Drain(0)
	assert.Len(t, *orders, 1)

	require.NoError(t, p.OnSignal(signal(event.SignalExit, event.Flat)))
	b.Drain(0)
	require.Len(t, *orders, 2)
	sell := (*orders)[1]
	assert.Equal(t, event.Short, sell.Direction)
	assert.Equal(t, "2", sell.Quantity.String())
	require.NoError(t, p.OnFill(fillFor(sell, "110", "1")))

	// flat: exit is a no-op
	require.NoError(t, p.OnSignal(signal(event.SignalShort, event.Short)))
	b.Drain(0)
	assert.Len(t, *orders, 2)

	snap := p.Snapshot()
	assert.Equal(t, "1018", snap.Cash.String())
	assert.Equal(t, "1018", snap.Equity.String())
	assert.Equal(t, "0.018", snap.Return.String())
	assert.Equal(t, "20", snap.RealizedPnL.String())
	assert.Equal(t, int64(2), snap.Trades)
	assert.Equal(t, "2", snap.FeesPaid.String())
	assert.Equal(t, uint64(2), snap.Orders)
}

func TestUnaffordableLongSkipped(t *testing.T) {
	p, _, b, orders := setup(t, "50", "1")
	require.NoError(t, p.OnMarketData(market(0, "100")))
	require.NoError(t, p.OnSignal(signal(event.SignalLong, event.Long)))
	b.Drain(0)
	assert.Empty(t, *orders)
	assert.Equal(t, uint64(1), p.Snapshot().SkippedOrders)
}

func TestFillRejectedByAccount(t *testing.T) {
	p, _, _, _ := setup(t, "10", "1")
	o := event.OrderEvent{Header: event.Header{Timestamp: t0, Symbol: "BTC-USD"}, OrderID: "x", Type: event.OrderMarket, Quantity: d("1"), Direction: event.Long}
	err := p.OnFill(fillFor(o, "100", "0"))
	require.ErrorIs(t, err, account.ErrInsufficientBalance)
}

func TestEquityCurveMarksPositions(t *testing.T) {
	p, _, _, _ := setup(t, "1000", "1")
	require.NoError(t, p.OnMarketData(market(0, "100")))
	o := event.OrderEvent{Header: event.Header{Timestamp: t0, Symbol: "BTC-USD"}, OrderID: "b", Type: event.OrderMarket, Quantity: d("5"), Direction: event.Long}
	require.NoError(t, p.OnFill(fillFor(o, "100", "0")))
	require.NoError(t, p.OnMarketData(market(1, "120")))
	require.NoError(t, p.OnMarketData(market(2, "90")))

	curve := p.EquityCurve()
	require.Len(t, curve, 3)
	assert.Equal(t, "1000", curve[0].Equity.String())
	assert.Equal(t, "1100", curve[1].Equity.String())
	assert.Equal(t, "950", curve[2].Equity.String())

	snap := p.Snapshot()
	assert.Equal(t, "-50", snap.UnrealizedPnL.String())
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, "5", snap.Positions[0].Size.String())
	assert.True(t, d("150").Div(d("1100")).Equal(snap.MaxDrawdown))
}

func TestMaxDrawdown(t *testing.T) {
	pts := func(vals ...string) []EquityPoint {
		out := make([]EquityPoint, len(vals))
		for i, v := range vals {
			out[i] = EquityPoint{Timestamp: t0.Add(time.Duration(i) * time.Minute), Equity: d(v)}
		}
		return out
	}
	tests := []struct {
		name  string
		curve []EquityPoint
		want  string
	}{
		{"empty", nil, "0"},
		{"monotonic", pts("1", "2", "3"), "0"},
		{"single dip", pts("100", "80", "120"), "0.2"},
		{"deeper later", pts("100", "90", "200", "100"), "0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaxDrawdown(tt.curve).String())
		})
	}
}
