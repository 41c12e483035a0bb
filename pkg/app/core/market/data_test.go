package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

func tick(price int64, i int) Tick {
	return Tick{Price: decimal.NewFromInt(price), Volume: decimal.NewFromInt(1), Timestamp: t0.Add(time.Duration(i) * time.Minute)}
}

func TestDataManagerUpdate(t *testing.T) {
	dm := NewDataManager(0)
	_, ok := dm.Latest("AAPL")
	assert.False(t, ok)
	_, ok = dm.Price("AAPL")
	assert.False(t, ok)
	assert.Nil(t, dm.History("AAPL", 10))

	dm.Update("AAPL", tick(150, 0))
	dm.Update("AAPL", tick(151, 1))
	dm.Update("MSFT", tick(300, 1))

	latest, ok := dm.Latest("AAPL")
	require.True(t, ok)
	assert.Equal(t, "151", latest.Price.String())

	p, ok := dm.Price("MSFT")
	require.True(t, ok)
	assert.Equal(t, "300", p.String())
	assert.Len(t, dm.Prices(), 2)
	assert.Equal(t, []string{"AAPL", "MSFT"}, dm.Symbols())
}

func TestHistoryEvictsOldest(t *testing.T) {
	dm := NewDataManager(3)
	for i := 0; i < 5; i++ {
		dm.Update("X", tick(int64(100+i), i))
	}

	h := dm.History("X", 0)
	require.Len(t, h, 3)
	assert.Equal(t, "102", h[0].Price.String())
	assert.Equal(t, "104", h[2].Price.String())

	h = dm.History("X", 2)
	require.Len(t, h, 2)
	assert.Equal(t, "103", h[0].Price.String())

	assert.Len(t, dm.History("X", 50), 3)
}

func TestObservedDepthIsIndependent(t *testing.T) {
	dm := NewDataManager(10)
	_, ok := dm.BestBid("X")
	assert.False(t, ok)

	bids := []Level{{Price: decimal.NewFromInt(99), Quantity: decimal.NewFromInt(1)}, {Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(2)}}
	asks := []Level{{Price: decimal.NewFromInt(102), Quantity: decimal.NewFromInt(1)}, {Price: decimal.NewFromInt(101), Quantity: decimal.NewFromInt(3)}}
	dm.UpdateDepth("X", bids, asks, t0)

	bid, ok := dm.BestBid("X")
	require.True(t, ok)
	assert.Equal(t, "100", bid.String())
	ask, ok := dm.BestAsk("X")
	require.True(t, ok)
	assert.Equal(t, "101", ask.String())

	// caller's slice is not retained
	bids[0].Price = decimal.NewFromInt(1000)
	bid, _ = dm.BestBid("X")
	assert.Equal(t, "100", bid.String())

	// depth alone is not a tick
	_, ok = dm.Latest("X")
	assert.False(t, ok)

	depth, ok := dm.Depth("X")
	require.True(t, ok)
	assert.Len(t, depth.Asks, 2)
	assert.Equal(t, t0, depth.Timestamp)
}
