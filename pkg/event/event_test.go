package event

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestHeaderValidate(t *testing.T) {
	tests := []struct {
		name string
		h    Header
		err  error
	}{
		{"ok", Header{Timestamp: ts, Symbol: "AAPL"}, nil},
		{"no timestamp", Header{Symbol: "AAPL"}, ErrMissingTimestamp},
		{"no symbol", Header{Timestamp: ts}, ErrMissingSymbol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.h.Validate()
			if tt.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestOrderEventValidate(t *testing.T) {
	h := Header{Timestamp: ts, Symbol: "AAPL"}
	one := decimal.NewFromInt(1)

	tests := []struct {
		name string
		ev   OrderEvent
		err  error
	}{
		{"market", OrderEvent{Header: h, Type: OrderMarket, Quantity: one, Direction: Long}, nil},
		{"limit with price", OrderEvent{Header: h, Type: OrderLimit, Quantity: one, Direction: Short, Price: decimal.NewNullDecimal(one)}, nil},
		{"limit without price", OrderEvent{Header: h, Type: OrderLimit, Quantity: one, Direction: Long}, ErrMissingPrice},
		{"stop without price", OrderEvent{Header: h, Type: OrderStop, Quantity: one, Direction: Long}, ErrMissingPrice},
		{"zero quantity", OrderEvent{Header: h, Type: OrderMarket, Direction: Long}, ErrInvalidQuantity},
		{"flat direction", OrderEvent{Header: h, Type: OrderMarket, Quantity: one}, ErrInvalidDirection},
		{"unknown type", OrderEvent{Header: h, Type: 9, Quantity: one, Direction: Long}, ErrInvalidType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestKinds(t *testing.T) {
	var evs = []Event{MarketEvent{}, SignalEvent{}, OrderEvent{}, FillEvent{}}
	for i, ev := range evs {
		assert.Equal(t, Kinds[i], ev.Kind())
		assert.True(t, ev.Kind().Valid())
	}
	assert.Equal(t, "FILL", KindFill.String())
	assert.False(t, Kind(0).Valid())
}

func TestFillNotional(t *testing.T) {
	f := FillEvent{
		Quantity: decimal.RequireFromString("2.5"),
		Price:    decimal.RequireFromString("10"),
	}
	assert.True(t, f.Notional().Equal(decimal.NewFromInt(25)))
}

func TestSignalValidate(t *testing.T) {
	h := Header{Timestamp: ts, Symbol: "AAPL"}
	require.NoError(t, SignalEvent{Header: h, Signal: SignalExit}.Validate())
	require.ErrorIs(t, SignalEvent{Header: h}.Validate(), ErrInvalidType)
}
