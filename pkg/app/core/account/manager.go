// Package account keeps multi-asset balances and per-symbol positions for the
// simulated trader and applies fills to them.
package account

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/simex/pkg/app/core/market"
	"github.com/uhyunpark/simex/pkg/event"
)

var (
	ErrInvalidAmount       = errors.New("account: amount must be positive")
	ErrInsufficientBalance = errors.New("account: insufficient balance")
	ErrUnknownSymbol       = errors.New("account: cannot resolve assets for symbol")
)

type Option func(*Manager)

// WithRegistry resolves base and quote assets through registered markets.
func WithRegistry(reg *market.MarketRegistry) Option {
	return func(m *Manager) { m.registry = reg }
}

// WithAllowNegative lets fills overdraw balances (short selling, margin).
func WithAllowNegative(allow bool) Option {
	return func(m *Manager) { m.allowNegative = allow }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// Manager holds balances in a thread-safe manner.
type Manager struct {
	mu sync.RWMutex

	balances  map[string]decimal.Decimal // asset -> amount
	positions map[string]*Position       // symbol -> position
	assets    map[string][2]string       // symbol -> base, quote
	stats     Stats

	registry      *market.MarketRegistry
	allowNegative bool
	logger        *zap.Logger
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		balances:  make(map[string]decimal.Decimal),
		positions: make(map[string]*Position),
		assets:    make(map[string][2]string),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Deposit credits amount of asset.
func (m *Manager) Deposit(asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit %s %s", ErrInvalidAmount, amount, asset)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.balances[asset] = m.balances[asset].Add(amount)
	m.stats.DepositedTotal = m.stats.DepositedTotal.Add(amount)
	return nil
}

// Withdraw debits amount of asset. Returns error if insufficient balance
func (m *Manager) Withdraw(asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: withdraw %s %s", ErrInvalidAmount, amount, asset)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balances[asset]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, need %s", ErrInsufficientBalance, asset, bal, amount)
	}
	m.balances[asset] = bal.Sub(amount)
	return nil
}

// GetBalance returns zero for assets never seen.
func (m *Manager) GetBalance(asset string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[asset]
}

// Balances returns a snapshot copy to avoid holding the lock
func (m *Manager) Balances() map[string]decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out
}

// ResolveAssets returns the base and quote asset of symbol.
func (m *Manager) ResolveAssets(symbol string) (base, quote string, err error) {
	if m.registry != nil {
		if mkt, ok := m.registry.GetMarket(symbol); ok {
			return mkt.BaseAsset, mkt.QuoteAsset, nil
		}
	}
	if b, q, ok := market.SplitSymbol(symbol); ok {
		return b, q, nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
}

// ApplyFill moves balances for an executed trade:
//
//	BUY:  quote -= qty*price + commission, base += qty
//	SELL: base  -= qty, quote += qty*price - commission
//
// Without WithAllowNegative a fill that would overdraw is rejected and no
// balance changes.
func (m *Manager) ApplyFill(fill event.FillEvent) error {
	if err := fill.Validate(); err != nil {
		return fmt.Errorf("apply fill %s: %w", fill.OrderID, err)
	}
	base, quote, err := m.ResolveAssets(fill.Symbol)
	if err != nil {
		return err
	}

	notional := fill.Notional()
	var baseDelta, quoteDelta decimal.Decimal
	if fill.Direction == event.Long {
		baseDelta = fill.Quantity
		quoteDelta = notional.Add(fill.Commission).Neg()
	} else {
		baseDelta = fill.Quantity.Neg()
		quoteDelta = notional.Sub(fill.Commission)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	newBase := m.balances[base].Add(baseDelta)
	newQuote := m.balances[quote].Add(quoteDelta)
	if !m.allowNegative {
		if newBase.IsNegative() {
			m.stats.RejectedFills++
			return fmt.Errorf("%w: %s would be %s", ErrInsufficientBalance, base, newBase)
		}
		if newQuote.IsNegative() {
			m.stats.RejectedFills++
			return fmt.Errorf("%w: %s would be %s", ErrInsufficientBalance, quote, newQuote)
		}
	}
	m.balances[base] = newBase
	m.balances[quote] = newQuote
	m.assets[fill.Symbol] = [2]string{base, quote}

	pos, ok := m.positions[fill.Symbol]
	if !ok {
		pos = &Position{Symbol: fill.Symbol}
		m.positions[fill.Symbol] = pos
	}
	realized := pos.apply(baseDelta, fill.Price)

	m.stats.TradeCount++
	m.stats.TotalVolume = m.stats.TotalVolume.Add(notional)
	m.stats.RealizedPnL = m.stats.RealizedPnL.Add(realized)
	if fill.Commission.IsNegative() {
		m.stats.TotalRebates = m.stats.TotalRebates.Add(fill.Commission.Neg())
	} else {
		m.stats.TotalFeesPaid = m.stats.TotalFeesPaid.Add(fill.Commission)
	}

	m.logger.Debug("fill_applied",
		zap.String("symbol", fill.Symbol),
		zap.String("order_id", fill.OrderID),
		zap.Stringer("side", fill.Direction),
		zap.String("qty", fill.Quantity.String()),
		zap.String("price", fill.Price.String()),
		zap.String(quote, newQuote.String()),
		zap.String(base, newBase.String()),
	)
	return nil
}

// Position returns a copy of the position in symbol.
func (m *Manager) Position(symbol string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Positions returns copies of all positions, sorted by symbol.
func (m *Manager) Positions() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Equity values every balance in quote. The quote balance counts at face
// value; the base asset of each traded symbol quoted in quote is marked at
// prices[symbol]. A base traded under several symbols is marked once, by the
// first priced symbol in lexical order. Assets without a price are skipped.
func (m *Manager) Equity(quote string, prices map[string]decimal.Decimal) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	symbols := make([]string, 0, len(m.assets))
	for symbol := range m.assets {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	equity := m.balances[quote]
	valued := map[string]bool{quote: true}
	for _, symbol := range symbols {
		pair := m.assets[symbol]
		base := pair[0]
		if pair[1] != quote || valued[base] {
			continue
		}
		price, ok := prices[symbol]
		if !ok {
			continue
		}
		equity = equity.Add(m.balances[base].Mul(price))
		valued[base] = true
	}
	return equity
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
