package market

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	ErrNilMarket         = errors.New("market: nil market")
	ErrMarketExists      = errors.New("market: already registered")
	ErrMarketNotFound    = errors.New("market: not registered")
	ErrInvalidTransition = errors.New("market: invalid status transition")
)

// MarketRegistry holds the instruments the exchange will accept orders for.
// Lookups hand out copies; status changes go through UpdateMarketStatus.
type MarketRegistry struct {
	mu      sync.RWMutex
	markets map[string]*Market
}

func NewMarketRegistry() *MarketRegistry {
	return &MarketRegistry{markets: make(map[string]*Market)}
}

func (mr *MarketRegistry) RegisterMarket(m *Market) error {
	if m == nil {
		return ErrNilMarket
	}
	if err := m.Validate(); err != nil {
		return err
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()
	if _, dup := mr.markets[m.Symbol]; dup {
		return fmt.Errorf("%w: %s", ErrMarketExists, m.Symbol)
	}
	cp := *m
	mr.markets[m.Symbol] = &cp
	return nil
}

// GetMarket returns a copy of the market, so callers cannot race status updates.
func (mr *MarketRegistry) GetMarket(symbol string) (Market, bool) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	if m, ok := mr.markets[symbol]; ok {
		return *m, true
	}
	return Market{}, false
}

// ListMarkets returns copies of all markets ordered by symbol.
func (mr *MarketRegistry) ListMarkets() []Market {
	mr.mu.RLock()
	out := make([]Market, 0, len(mr.markets))
	for _, m := range mr.markets {
		out = append(out, *m)
	}
	mr.mu.RUnlock()

	slices.SortFunc(out, func(a, b Market) int { return strings.Compare(a.Symbol, b.Symbol) })
	return out
}

func (mr *MarketRegistry) ListActiveMarkets() []Market {
	return slices.DeleteFunc(mr.ListMarkets(), func(m Market) bool { return m.Status != Active })
}

// UpdateMarketStatus moves a market along
// Active <-> Paused -> Settling -> Settled. Settled is terminal.
func (mr *MarketRegistry) UpdateMarketStatus(symbol string, status MarketStatus) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	m, ok := mr.markets[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	if !canTransition(m.Status, status) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, symbol, m.Status, status)
	}
	m.Status = status
	return nil
}

func canTransition(from, to MarketStatus) bool {
	switch from {
	case Settled:
		return false
	case Settling:
		return to == Settled
	}
	return to != Settled
}

func (mr *MarketRegistry) Count() int {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return len(mr.markets)
}

func (mr *MarketRegistry) Exists(symbol string) bool {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	_, ok := mr.markets[symbol]
	return ok
}
