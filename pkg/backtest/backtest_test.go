package backtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/simex/params"
	"github.com/uhyunpark/simex/pkg/app/core/account"
	"github.com/uhyunpark/simex/pkg/broker"
	"github.com/uhyunpark/simex/pkg/bus"
	"github.com/uhyunpark/simex/pkg/datasource"
	"github.com/uhyunpark/simex/pkg/event"
	"github.com/uhyunpark/simex/pkg/exchange"
	"github.com/uhyunpark/simex/pkg/portfolio"
	"github.com/uhyunpark/simex/pkg/replay"
	"github.com/uhyunpark/simex/pkg/strategy"
	"github.com/uhyunpark/simex/pkg/util"
)

var t0 = time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)

func bars(symbol string, closes ...string) []datasource.Bar {
	out := make([]datasource.Bar, len(closes))
	for i, c := range closes {
		out[i] = datasource.Bar{
			Symbol:    symbol,
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			OHLCV:     event.Bar(c, c, c, c, "10"),
		}
	}
	return out
}

func components(t *testing.T, src datasource.Source, strat func(strategy.Enqueuer) strategy.Strategy) Components {
	t.Helper()
	b := bus.New(0, nil)
	accts := account.NewManager()
	ex := exchange.New(exchange.Config{Name: "SIMEX"}, b, accts)
	pf, err := portfolio.New(portfolio.Config{
		QuoteAsset:   "USD",
		InitialCash:  decimal.NewFromInt(1000),
		PositionSize: decimal.NewFromInt(2),
	}, accts, b)
	require.NoError(t, err)
	return Components{
		Bus:       b,
		Accounts:  accts,
		Exchange:  ex,
		Source:    src,
		Strategy:  strat(b),
		Portfolio: pf,
		Broker:    broker.New(broker.Config{Exchange: "SIMEX"}, ex, ex.MarketData(), b),
	}
}

func buyAndHold(b strategy.Enqueuer) strategy.Strategy { return strategy.NewBuyAndHold(b) }

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Config{}, Components{})
	require.ErrorIs(t, err, ErrMissingComponent)
}

func TestBuyAndHoldRun(t *testing.T) {
	c := components(t, datasource.NewSliceSource(bars("BTC-USD", "100", "105", "110"), nil), buyAndHold)
	bt, err := New(Config{PollTimeout: 10 * time.Millisecond}, c)
	require.NoError(t, err)

	rep := bt.Run(context.Background())
	assert.Empty(t, rep.Error)
	assert.False(t, rep.Interrupted)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, "buy_and_hold", rep.Strategy)
	assert.Equal(t, 3, rep.Bars)

	// 3 market + signal + order + fill
	assert.Equal(t, uint64(6), rep.Events.Dispatched)
	assert.Zero(t, rep.Events.HandlerErrors)
	assert.Zero(t, rep.Events.Queued)
	assert.Equal(t, uint64(1), rep.Broker.Fills)

	snap := rep.Portfolio
	assert.Equal(t, int64(1), snap.Trades)
	assert.Equal(t, "800", snap.Cash.String(), "filled at the first close")
	assert.Equal(t, "1020", snap.Equity.String())
	assert.Equal(t, "20", snap.UnrealizedPnL.String())
	require.Len(t, snap.EquityCurve, 3)
	assert.Equal(t, "1000", snap.EquityCurve[0].Equity.String(), "marked before the fill")
	assert.False(t, rep.FinishedAt.Before(rep.StartedAt))
}

func TestMovingAverageRoundTrip(t *testing.T) {
	src := datasource.NewSliceSource(
		bars("AAPL", "10", "12", "14", "9", "6", "6"),
		bars("AAPL", "10", "10", "10")[:3],
	)
	c := components(t, src, func(b strategy.Enqueuer) strategy.Strategy {
		s, err := strategy.NewMovingAverageCross(2, 4, b)
		require.NoError(t, err)
		return s
	})
	bt, err := New(Config{Symbols: []string{"AAPL"}, WarmupBars: 3}, c)
	require.NoError(t, err)

	rep := bt.Run(context.Background())
	require.Empty(t, rep.Error)
	// long at 12, exit at 6
	assert.Equal(t, int64(2), rep.Portfolio.Trades)
	pos, ok := c.Accounts.Position("AAPL")
	require.True(t, ok)
	assert.True(t, pos.Size.IsZero())
	assert.Equal(t, "-12", pos.RealizedPnL.String())
	assert.Equal(t, "988", rep.Portfolio.Cash.String())
}

func TestRunInterrupted(t *testing.T) {
	c := components(t, datasource.NewSliceSource(bars("BTC-USD", "1", "2", "3", "4", "5"), nil), buyAndHold)
	bt, err := New(Config{}, c)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := 0
	c.Bus.RegisterMarket(bus.MarketFunc(func(event.MarketEvent) error {
		seen++
		if seen == 2 {
			cancel()
		}
		return nil
	}))

	rep := bt.Run(ctx)
	assert.True(t, rep.Interrupted)
	assert.Empty(t, rep.Error)
	assert.Equal(t, 2, rep.Bars)
	assert.Len(t, rep.Portfolio.EquityCurve, 2)
}

type failingSource struct{ panics bool }

func (s failingSource) StreamMarketData(ctx context.Context, _ []string, fn func(datasource.Bar) error) error {
	if err := fn(bars("BTC-USD", "100")[0]); err != nil {
		return err
	}
	if s.panics {
		panic("feed corrupted")
	}
	return errors.New("feed closed")
}

func TestRunReportsLoopFailures(t *testing.T) {
	for _, tc := range []struct {
		name   string
		src    failingSource
		substr string
	}{
		{"error", failingSource{}, "feed closed"},
		{"panic", failingSource{panics: true}, "panic: feed corrupted"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := components(t, tc.src, buyAndHold)
			bt, err := New(Config{}, c)
			require.NoError(t, err)

			var rep Report
			require.NotPanics(t, func() { rep = bt.Run(context.Background()) })
			assert.Contains(t, rep.Error, tc.substr)
			assert.Equal(t, 1, rep.Bars)
			assert.Equal(t, int64(1), rep.Portfolio.Trades, "summary still produced")
		})
	}
}

func TestAssembledRunIsDeterministic(t *testing.T) {
	cfg := params.Default()
	cfg.Backtest.Symbols = []string{"BTC-USD", "ETH-USD"}
	cfg.Backtest.Bars = 200
	cfg.Backtest.WarmupBars = 30
	cfg.Bus.PollTimeout = 5 * time.Millisecond

	run := func() Report {
		c, err := Assemble(cfg, nil)
		require.NoError(t, err)
		bt, err := New(RunConfig(cfg), c)
		require.NoError(t, err)
		return bt.Run(context.Background())
	}

	a, b := run(), run()
	require.Empty(t, a.Error)
	assert.Equal(t, 400, a.Bars)
	assert.NotEqual(t, a.RunID, b.RunID)
	assert.Equal(t, a.Portfolio.Trades, b.Portfolio.Trades)
	assert.True(t, a.Portfolio.Equity.Equal(b.Portfolio.Equity))
	assert.Equal(t, a.Events.Dispatched, b.Events.Dispatched)
	assert.Zero(t, a.Events.HandlerErrors)
}

func TestAssembleRejectsUnknownNames(t *testing.T) {
	cfg := params.Default()
	cfg.Backtest.Source = "tape"
	_, err := Assemble(cfg, nil)
	require.ErrorIs(t, err, ErrUnknownSource)

	cfg = params.Default()
	cfg.Backtest.Strategy = "martingale"
	_, err = Assemble(cfg, nil)
	require.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestRunReplayThroughDriver(t *testing.T) {
	src := datasource.NewSliceSource(bars("BTC-USD", "100", "105", "110", "120"), nil)
	c := components(t, src, buyAndHold)
	bt, err := New(Config{PollTimeout: 20 * time.Millisecond}, c)
	require.NoError(t, err)

	clock := util.NewManualClock(t0)
	driver := replay.NewDriver(src, nil, c.Exchange, replay.WithClock(clock))
	rep := bt.RunReplay(context.Background(), driver, replay.Request{
		Start: t0.Add(time.Minute),
		Speed: 2,
		Mode:  replay.ModePaced,
	})

	require.Empty(t, rep.Error)
	assert.False(t, rep.Interrupted)
	assert.Equal(t, 3, rep.Bars, "window skips the first bar")
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, clock.Sleeps())
	assert.Equal(t, int64(1), rep.Portfolio.Trades)
	assert.Zero(t, rep.Events.HandlerErrors)
	assert.Zero(t, c.Bus.Len())
}

func TestRunReplayRejectedRequest(t *testing.T) {
	src := datasource.NewSliceSource(bars("BTC-USD", "100"), nil)
	c := components(t, src, buyAndHold)
	bt, err := New(Config{}, c)
	require.NoError(t, err)

	rep := bt.RunReplay(context.Background(), replay.NewDriver(src, nil, c.Exchange), replay.Request{Mode: replay.ModeInstant})
	assert.Equal(t, "replay did not start", rep.Error)
	assert.Zero(t, rep.Bars)
}

func TestRunReplayNilDriver(t *testing.T) {
	src := datasource.NewSliceSource(bars("BTC-USD", "100"), nil)
	bt, err := New(Config{}, components(t, src, buyAndHold))
	require.NoError(t, err)

	var rep Report
	require.NotPanics(t, func() {
		rep = bt.RunReplay(context.Background(), nil, replay.Request{Start: t0, End: t0.Add(time.Hour), Speed: 1, Mode: replay.ModeInstant})
	})
	assert.Equal(t, exchange.ErrNoDriver.Error(), rep.Error)
	assert.Zero(t, rep.Bars)
	assert.False(t, rep.FinishedAt.IsZero())
}

func TestNewTwiceRegistersOnce(t *testing.T) {
	c := components(t, datasource.NewSliceSource(bars("BTC-USD", "100", "105", "110"), nil), buyAndHold)
	_, err := New(Config{}, c)
	require.NoError(t, err)
	bt, err := New(Config{PollTimeout: 10 * time.Millisecond}, c)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Bus.HandlerCount(event.KindMarket))
	assert.Equal(t, 1, c.Bus.HandlerCount(event.KindSignal))
	assert.Equal(t, 1, c.Bus.HandlerCount(event.KindOrder))
	assert.Equal(t, 1, c.Bus.HandlerCount(event.KindFill))

	rep := bt.Run(context.Background())
	assert.Empty(t, rep.Error)
	assert.Equal(t, uint64(6), rep.Events.Dispatched)
	assert.Equal(t, int64(1), rep.Portfolio.Trades)
	assert.Equal(t, "1020", rep.Portfolio.Equity.String())
}
