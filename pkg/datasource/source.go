// Package datasource produces OHLCV bars for replay: from memory, from CSV
// files, or from a seeded random walk.
package datasource

import (
	"context"
	"errors"
	"time"

	"github.com/uhyunpark/simex/pkg/event"
)

// ErrStop ends a stream early without an error when returned from the callback.
var ErrStop = errors.New("datasource: stop")

type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	event.OHLCV
}

// Source streams bars in timestamp order. An empty symbols list means every
// symbol the source has. Returning ErrStop from fn ends the stream cleanly;
// any other error aborts it and is returned.
type Source interface {
	StreamMarketData(ctx context.Context, symbols []string, fn func(Bar) error) error
}

// HistoryProvider returns up to limit bars per symbol that precede the
// stream, oldest first, for strategy warm-up.
type HistoryProvider interface {
	History(ctx context.Context, symbols []string, limit int) ([]Bar, error)
}

func symbolFilter(symbols []string) func(string) bool {
	if len(symbols) == 0 {
		return func(string) bool { return true }
	}
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	return func(s string) bool {
		_, ok := set[s]
		return ok
	}
}

// emit runs fn over bars, honoring ctx and ErrStop.
func emit(ctx context.Context, bars []Bar, keep func(string) bool, fn func(Bar) error) error {
	for _, b := range bars {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !keep(b.Symbol) {
			continue
		}
		if err := fn(b); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// lastPerSymbol keeps the final limit bars of each symbol, preserving order.
func lastPerSymbol(bars []Bar, keep func(string) bool, limit int) []Bar {
	counts := map[string]int{}
	for _, b := range bars {
		if keep(b.Symbol) {
			counts[b.Symbol]++
		}
	}
	seen := map[string]int{}
	var out []Bar
	for _, b := range bars {
		if !keep(b.Symbol) {
			continue
		}
		seen[b.Symbol]++
		if limit <= 0 || counts[b.Symbol]-seen[b.Symbol] < limit {
			out = append(out, b)
		}
	}
	return out
}
