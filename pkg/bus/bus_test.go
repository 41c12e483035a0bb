package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/uhyunpark/simex/pkg/event"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func marketEvent(symbol string, close int64) event.MarketEvent {
	c := decimal.NewFromInt(close)
	return event.MarketEvent{
		Header: event.Header{Timestamp: t0, Symbol: symbol},
		OHLCV:  event.OHLCV{Open: c, High: c, Low: c, Close: c, Volume: decimal.NewFromInt(1)},
	}
}

func TestDispatchOrder(t *testing.T) {
	b := New(0, nil)
	var calls []string
	h1 := MarketFunc(func(ev event.MarketEvent) error {
		calls = append(calls, "h1:"+ev.Close.String())
		return nil
	})
	h2 := MarketFunc(func(ev event.MarketEvent) error {
		calls = append(calls, "h2:"+ev.Close.String())
		return nil
	})
	b.RegisterMarket(h1)
	b.RegisterMarket(h2)

	require.NoError(t, b.Enqueue(marketEvent("AAPL", 1)))
	require.NoError(t, b.Enqueue(marketEvent("AAPL", 2)))

	assert.Equal(t, 2, b.Drain(0))
	assert.Equal(t, []string{"h1:1", "h2:1", "h1:2", "h2:2"}, calls)
	assert.Zero(t, b.Len())
}

func TestFaultIsolation(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	b := New(0, zap.New(core))

	var seen []string
	b.RegisterMarket(MarketFunc(func(ev event.MarketEvent) error {
		if ev.Close.Equal(decimal.NewFromInt(1)) {
			return errors.New("boom")
		}
		panic("kaboom")
	}))
	b.RegisterMarket(MarketFunc(func(ev event.MarketEvent) error {
		seen = append(seen, ev.Close.String())
		return nil
	}))

	require.NoError(t, b.Enqueue(marketEvent("AAPL", 1)))
	require.NoError(t, b.Enqueue(marketEvent("AAPL", 2)))

	assert.NotPanics(t, func() { b.Drain(0) })
	assert.Equal(t, []string{"1", "2"}, seen)
	assert.Equal(t, uint64(2), b.Stats().HandlerErrors)

	entries := logs.FilterMessage("handler_failed").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "AAPL", entries[0].ContextMap()["symbol"])
	assert.Contains(t, fmt.Sprint(entries[1].ContextMap()["error"]), "kaboom")
}

func TestRegisterIdempotent(t *testing.T) {
	b := New(0, nil)
	count := 0
	h := FillFunc(func(event.FillEvent) error { count++; return nil })

	assert.True(t, b.RegisterFill(h))
	assert.False(t, b.RegisterFill(h))
	assert.Equal(t, 1, b.HandlerCount(event.KindFill))

	fill := event.FillEvent{
		Header:    event.Header{Timestamp: t0, Symbol: "AAPL"},
		Quantity:  decimal.NewFromInt(1),
		Direction: event.Long,
		Price:     decimal.NewFromInt(10),
	}
	require.NoError(t, b.Enqueue(fill))
	b.Drain(0)
	assert.Equal(t, 1, count)

	assert.True(t, b.UnregisterFill(h))
	assert.False(t, b.UnregisterFill(h))
	assert.Zero(t, b.HandlerCount(event.KindFill))
}

type recorder struct {
	got []event.SignalEvent
}

func (r *recorder) OnSignal(ev event.SignalEvent) error {
	r.got = append(r.got, ev)
	return nil
}

func TestStructHandler(t *testing.T) {
	b := New(0, nil)
	r := &recorder{}
	b.RegisterSignal(r)
	b.RegisterSignal(r)

	sig := event.SignalEvent{Header: event.Header{Timestamp: t0, Symbol: "MSFT"}, Signal: event.SignalLong, Direction: event.Long, Strength: 1}
	require.NoError(t, b.Enqueue(&sig))
	b.Drain(0)
	require.Len(t, r.got, 1)
	assert.Equal(t, "MSFT", r.got[0].Symbol)
}

func TestNoHandlerIsNoop(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	b := New(0, zap.New(core))

	require.NoError(t, b.Enqueue(marketEvent("AAPL", 150)))
	assert.Equal(t, 1, b.Drain(0))
	assert.Zero(t, b.Len())
	assert.Equal(t, uint64(1), b.Stats().Unhandled)
	assert.Equal(t, 1, logs.FilterMessage("no_handler").Len())
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	b := New(0, nil)
	require.ErrorIs(t, b.Enqueue(event.MarketEvent{Header: event.Header{Symbol: "AAPL"}}), event.ErrMissingTimestamp)
	require.ErrorIs(t, b.Enqueue(nil), ErrNilEvent)
	var nilEv *event.MarketEvent
	require.ErrorIs(t, b.Enqueue(nilEv), ErrNilEvent)
	assert.Zero(t, b.Len())
}

func TestBackpressure(t *testing.T) {
	b := New(2, nil)
	require.NoError(t, b.Enqueue(marketEvent("AAPL", 1)))
	require.NoError(t, b.Enqueue(marketEvent("AAPL", 2)))

	err := b.Enqueue(marketEvent("AAPL", 3))
	var bp *BackpressureError
	require.ErrorAs(t, err, &bp)
	assert.Equal(t, 2, bp.Capacity)
	assert.Equal(t, event.KindMarket, bp.Kind)
	assert.Equal(t, 2, b.Len())

	b.Drain(1)
	require.NoError(t, b.Enqueue(marketEvent("AAPL", 4)))
}

func TestDrainMaxEvents(t *testing.T) {
	b := New(0, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Enqueue(marketEvent("AAPL", int64(i+1))))
	}
	assert.Equal(t, 3, b.Drain(3))
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, 2, b.Drain(0))
}

func TestStopBetweenDispatches(t *testing.T) {
	b := New(0, nil)
	n := 0
	b.RegisterMarket(MarketFunc(func(event.MarketEvent) error {
		n++
		b.Stop()
		return nil
	}))
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Enqueue(marketEvent("AAPL", int64(i+1))))
	}

	assert.Equal(t, 1, b.Drain(0))
	assert.True(t, b.Stopped())
	assert.Equal(t, 2, b.Len())

	// a fresh drain resets to running
	assert.Equal(t, 1, b.Drain(0))
	assert.Equal(t, 2, n)
}

func TestCascadeAppendsToTail(t *testing.T) {
	b := New(0, nil)
	var order []string
	b.RegisterMarket(MarketFunc(func(ev event.MarketEvent) error {
		order = append(order, "market:"+ev.Close.String())
		return b.Enqueue(event.SignalEvent{Header: ev.Header, Signal: event.SignalLong, Direction: event.Long})
	}))
	b.RegisterMarket(MarketFunc(func(ev event.MarketEvent) error {
		order = append(order, "market2:"+ev.Close.String())
		return nil
	}))
	b.RegisterSignal(SignalFunc(func(event.SignalEvent) error {
		order = append(order, "signal")
		return nil
	}))

	require.NoError(t, b.Enqueue(marketEvent("AAPL", 1)))
	require.NoError(t, b.Enqueue(marketEvent("AAPL", 2)))
	assert.Equal(t, 4, b.Drain(0))
	assert.Equal(t, []string{"market:1", "market2:1", "market:2", "market2:2", "signal", "signal"}, order)
}

func TestDrainUntilIdle(t *testing.T) {
	b := New(0, nil)
	seen := 0
	b.RegisterMarket(MarketFunc(func(event.MarketEvent) error { seen++; return nil }))

	go func() {
		for i := 0; i < 5; i++ {
			_ = b.Enqueue(marketEvent("AAPL", int64(i+1)))
			time.Sleep(5 * time.Millisecond)
		}
	}()

	n := b.DrainUntilIdle(context.Background(), 200*time.Millisecond)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, seen)
}

func TestDrainUntilIdleContextCancel(t *testing.T) {
	b := New(0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	b.DrainUntilIdle(ctx, time.Hour)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDrainUntilIdleObservesStop(t *testing.T) {
	b := New(0, nil)
	done := make(chan struct{})
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				b.Stop()
			}
		}
	}()

	start := time.Now()
	b.DrainUntilIdle(context.Background(), 5*time.Second)
	close(done)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, b.Stopped())
}

func TestSameHandlerNonComparable(t *testing.T) {
	type mapHandler struct{ m map[string]int }
	assert.False(t, sameHandler(mapHandler{}, mapHandler{}))
	assert.False(t, sameHandler(nil, nil))
	h := MarketFunc(func(event.MarketEvent) error { return nil })
	assert.True(t, sameHandler(h, h))
	assert.False(t, sameHandler(h, MarketFunc(func(event.MarketEvent) error { return nil })))
}
