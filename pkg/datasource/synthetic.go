package datasource

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/simex/pkg/event"
)

// SyntheticConfig describes a geometric random walk per symbol.
type SyntheticConfig struct {
	Symbols    []string
	Bars       int
	Start      time.Time
	Interval   time.Duration
	StartPrice decimal.Decimal
	// Drift and Volatility are per-bar return mean and standard deviation.
	Drift      float64
	Volatility float64
	Seed       int64
}

// SyntheticSource generates the same bars for the same config.
type SyntheticSource struct {
	cfg SyntheticConfig
}

func NewSyntheticSource(cfg SyntheticConfig) *SyntheticSource {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if !cfg.StartPrice.IsPositive() {
		cfg.StartPrice = decimal.NewFromInt(100)
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.01
	}
	return &SyntheticSource{cfg: cfg}
}

func (s *SyntheticSource) StreamMarketData(ctx context.Context, symbols []string, fn func(Bar) error) error {
	bars := s.generate(s.cfg.Start, s.cfg.Bars, 0)
	return emit(ctx, bars, symbolFilter(symbols), fn)
}

// History walks a separate path that ends one interval before Start.
func (s *SyntheticSource) History(ctx context.Context, symbols []string, limit int) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	start := s.cfg.Start.Add(-time.Duration(limit) * s.cfg.Interval)
	return lastPerSymbol(s.generate(start, limit, 1), symbolFilter(symbols), limit), nil
}

func (s *SyntheticSource) generate(start time.Time, n int, stream uint64) []Bar {
	type walker struct {
		rng   *rand.Rand
		price float64
	}
	walkers := make([]walker, len(s.cfg.Symbols))
	startPrice := s.cfg.StartPrice.InexactFloat64()
	for i := range walkers {
		walkers[i] = walker{
			rng:   rand.New(rand.NewPCG(uint64(s.cfg.Seed), uint64(i)<<8|stream)),
			price: startPrice,
		}
	}

	out := make([]Bar, 0, n*len(walkers))
	for k := 0; k < n; k++ {
		ts := start.Add(time.Duration(k) * s.cfg.Interval)
		for i := range walkers {
			w := &walkers[i]
			open := w.price
			ret := s.cfg.Drift + s.cfg.Volatility*w.rng.NormFloat64()
			closePx := math.Max(open*(1+ret), 0.01)
			wick := s.cfg.Volatility / 2
			high := math.Max(open, closePx) * (1 + wick*w.rng.Float64())
			low := math.Min(open, closePx) * (1 - wick*w.rng.Float64())
			vol := 100 + w.rng.Float64()*900
			w.price = closePx

			out = append(out, Bar{
				Symbol:    s.cfg.Symbols[i],
				Timestamp: ts,
				OHLCV: event.OHLCV{
					Open:   price(open),
					High:   price(high),
					Low:    price(math.Max(low, 0.01)),
					Close:  price(closePx),
					Volume: decimal.NewFromFloat(vol).Round(0),
				},
			})
		}
	}
	return out
}

func price(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(2)
}
