package account

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/simex/pkg/app/core/market"
	"github.com/uhyunpark/simex/pkg/event"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fill(symbol string, dir event.Direction, qty, price, fee string) event.FillEvent {
	return event.FillEvent{
		Header:     event.Header{Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Symbol: symbol},
		OrderID:    "o1",
		Quantity:   d(qty),
		Direction:  dir,
		Price:      d(price),
		Commission: d(fee),
		Exchange:   "TEST",
	}
}

func TestDepositWithdraw(t *testing.T) {
	m := NewManager()
	require.ErrorIs(t, m.Deposit("USD", d("0")), ErrInvalidAmount)
	require.NoError(t, m.Deposit("USD", d("100")))
	require.NoError(t, m.Deposit("USD", d("50.5")))
	assert.Equal(t, "150.5", m.GetBalance("USD").String())
	assert.True(t, m.GetBalance("EUR").IsZero())

	require.ErrorIs(t, m.Withdraw("USD", d("200")), ErrInsufficientBalance)
	require.NoError(t, m.Withdraw("USD", d("0.5")))
	assert.Equal(t, "150", m.GetBalance("USD").String())
}

func TestApplyFillBuySell(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Deposit("USD", d("10000")))

	require.NoError(t, m.ApplyFill(fill("BTC-USD", event.Long, "2", "100", "1")))
	assert.Equal(t, "9799", m.GetBalance("USD").String())
	assert.Equal(t, "2", m.GetBalance("BTC").String())

	require.NoError(t, m.ApplyFill(fill("BTC-USD", event.Short, "1", "110", "0.5")))
	assert.Equal(t, "9908.5", m.GetBalance("USD").String())
	assert.Equal(t, "1", m.GetBalance("BTC").String())

	pos, ok := m.Position("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, "1", pos.Size.String())
	assert.Equal(t, "100", pos.EntryPrice.String())
	assert.Equal(t, "10", pos.RealizedPnL.String())

	st := m.Stats()
	assert.Equal(t, int64(2), st.TradeCount)
	assert.Equal(t, "310", st.TotalVolume.String())
	assert.Equal(t, "1.5", st.TotalFeesPaid.String())

	equity := m.Equity("USD", map[string]decimal.Decimal{"BTC-USD": d("120")})
	assert.Equal(t, "10028.5", equity.String())
}

// Total value moves only by commission when marked at the fill price.
func TestApplyFillConservesNotional(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Deposit("USD", d("1000")))

	before := m.Equity("USD", nil)
	require.NoError(t, m.ApplyFill(fill("ETH/USD", event.Long, "3", "50", "0.75")))
	after := m.Equity("USD", map[string]decimal.Decimal{"ETH/USD": d("50")})
	assert.Equal(t, "0.75", before.Sub(after).String())
}

// A base held through two symbols is marked by the lexically first one, every time.
func TestEquitySharedBaseIsDeterministic(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Deposit("USD", d("1000")))
	require.NoError(t, m.ApplyFill(fill("BTC/USD", event.Long, "1", "100", "0")))
	require.NoError(t, m.ApplyFill(fill("BTC-USD", event.Long, "1", "100", "0")))

	prices := map[string]decimal.Decimal{"BTC-USD": d("110"), "BTC/USD": d("130")}
	for range 50 {
		assert.Equal(t, "1020", m.Equity("USD", prices).String())
	}
}

func TestApplyFillRejectsOverdraftAtomically(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Deposit("USD", d("100")))

	err := m.ApplyFill(fill("BTC-USD", event.Long, "1", "100", "1"))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, "100", m.GetBalance("USD").String())
	assert.True(t, m.GetBalance("BTC").IsZero())

	err = m.ApplyFill(fill("BTC-USD", event.Short, "1", "100", "0"))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	_, ok := m.Position("BTC-USD")
	assert.False(t, ok)
	assert.Equal(t, int64(2), m.Stats().RejectedFills)
}

func TestApplyFillAllowNegative(t *testing.T) {
	m := NewManager(WithAllowNegative(true))
	require.NoError(t, m.ApplyFill(fill("BTC-USD", event.Short, "1", "100", "0")))
	assert.Equal(t, "-1", m.GetBalance("BTC").String())
	assert.Equal(t, "100", m.GetBalance("USD").String())

	require.NoError(t, m.ApplyFill(fill("BTC-USD", event.Long, "1", "90", "0")))
	pos, _ := m.Position("BTC-USD")
	assert.True(t, pos.Size.IsZero())
	assert.Equal(t, "10", pos.RealizedPnL.String())
}

func TestResolveAssetsUsesRegistry(t *testing.T) {
	reg := market.NewMarketRegistry()
	mkt, err := market.NewMarket("AAPL", "AAPL", "USD", market.DefaultParams)
	require.NoError(t, err)
	require.NoError(t, reg.RegisterMarket(mkt))

	m := NewManager(WithRegistry(reg))
	base, quote, err := m.ResolveAssets("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", base)
	assert.Equal(t, "USD", quote)

	_, _, err = m.ResolveAssets("MSFT")
	require.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestApplyFillInvalid(t *testing.T) {
	m := NewManager()
	bad := fill("BTC-USD", event.Long, "0", "100", "0")
	require.ErrorIs(t, m.ApplyFill(bad), event.ErrInvalidQuantity)
}

func TestPositionApply(t *testing.T) {
	tests := []struct {
		name        string
		deltas      [][2]string // size delta, price
		size, entry string
		realized    string
	}{
		{"open long", [][2]string{{"2", "10"}}, "2", "10", "0"},
		{"add long vwap", [][2]string{{"1", "10"}, {"3", "14"}}, "4", "13", "0"},
		{"reduce long", [][2]string{{"4", "10"}, {"-1", "15"}}, "3", "10", "5"},
		{"close short", [][2]string{{"-2", "20"}, {"2", "15"}}, "0", "0", "10"},
		{"flip long to short", [][2]string{{"1", "10"}, {"-3", "12"}}, "-2", "12", "2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Position{Symbol: "X"}
			for _, dl := range tt.deltas {
				p.apply(d(dl[0]), d(dl[1]))
			}
			assert.Equal(t, tt.size, p.Size.String())
			assert.Equal(t, tt.entry, p.EntryPrice.String())
			assert.Equal(t, tt.realized, p.RealizedPnL.String())
		})
	}

	p := Position{Size: d("-2"), EntryPrice: d("20")}
	assert.Equal(t, "10", p.UnrealizedPnL(d("15")).String())
}
