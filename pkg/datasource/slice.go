package datasource

import (
	"context"
	"sort"
)

// SliceSource replays bars held in memory. Warmup bars are served by History
// and never streamed.
type SliceSource struct {
	bars   []Bar
	warmup []Bar
}

// NewSliceSource copies and time-sorts bars (stable, so equal timestamps keep
// their input order).
func NewSliceSource(bars []Bar, warmup []Bar) *SliceSource {
	return &SliceSource{bars: sortedCopy(bars), warmup: sortedCopy(warmup)}
}

func sortedCopy(bars []Bar) []Bar {
	out := append([]Bar(nil), bars...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (s *SliceSource) StreamMarketData(ctx context.Context, symbols []string, fn func(Bar) error) error {
	return emit(ctx, s.bars, symbolFilter(symbols), fn)
}

func (s *SliceSource) History(ctx context.Context, symbols []string, limit int) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return lastPerSymbol(s.warmup, symbolFilter(symbols), limit), nil
}

func (s *SliceSource) Len() int { return len(s.bars) }
