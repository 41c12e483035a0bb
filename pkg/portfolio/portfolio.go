// Package portfolio turns signals into sized market orders, applies fills to
// the account manager and keeps a mark-to-market equity curve.
package portfolio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/simex/pkg/app/core/account"
	"github.com/uhyunpark/simex/pkg/event"
)

var ErrInvalidConfig = errors.New("portfolio: invalid config")

type Enqueuer interface {
	Enqueue(ev event.Event) error
}

type Config struct {
	QuoteAsset  string
	InitialCash decimal.Decimal
	// PositionSize is the quantity bought on each long signal.
	PositionSize decimal.Decimal
}

type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
}

type Snapshot struct {
	QuoteAsset    string             `json:"quote_asset"`
	InitialCash   decimal.Decimal    `json:"initial_cash"`
	Cash          decimal.Decimal    `json:"cash"`
	Equity        decimal.Decimal    `json:"equity"`
	Return        decimal.Decimal    `json:"return"`
	RealizedPnL   decimal.Decimal    `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal    `json:"unrealized_pnl"`
	MaxDrawdown   decimal.Decimal    `json:"max_drawdown"`
	Trades        int64              `json:"trades"`
	FeesPaid      decimal.Decimal    `json:"fees_paid"`
	Orders        uint64             `json:"orders"`
	SkippedOrders uint64             `json:"skipped_orders"`
	Positions     []account.Position `json:"positions"`
	EquityCurve   []EquityPoint      `json:"equity_curve"`
}

type Option func(*Portfolio)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Portfolio) { p.logger = logger }
}

type Portfolio struct {
	cfg      Config
	accounts *account.Manager
	bus      Enqueuer
	logger   *zap.Logger

	mu      sync.Mutex
	marks   map[string]decimal.Decimal
	curve   []EquityPoint
	orders  uint64
	skipped uint64
}

// New funds accounts with the initial cash in the quote asset.
func New(cfg Config, accounts *account.Manager, bus Enqueuer, opts ...Option) (*Portfolio, error) {
	if cfg.QuoteAsset == "" || !cfg.PositionSize.IsPositive() || cfg.InitialCash.IsNegative() {
		return nil, fmt.Errorf("%w: quote %q size %s cash %s", ErrInvalidConfig, cfg.QuoteAsset, cfg.PositionSize, cfg.InitialCash)
	}
	p := &Portfolio{
		cfg:      cfg,
		accounts: accounts,
		bus:      bus,
		logger:   zap.NewNop(),
		marks:    make(map[string]decimal.Decimal),
	}
	for _, opt := range opts {
		opt(p)
	}
	if cfg.InitialCash.IsPositive() {
		if err := accounts.Deposit(cfg.QuoteAsset, cfg.InitialCash); err != nil {
			return nil, fmt.Errorf("fund portfolio: %w", err)
		}
	}
	return p, nil
}

// OnMarketData marks symbol at the bar close and records an equity point.
func (p *Portfolio) OnMarketData(ev event.MarketEvent) error {
	p.mu.Lock()
	p.marks[ev.Symbol] = ev.Close
	eq := p.accounts.Equity(p.cfg.QuoteAsset, p.marks)
	p.curve = append(p.curve, EquityPoint{Timestamp: ev.Timestamp, Equity: eq})
	p.mu.Unlock()
	return nil
}

// OnSignal sizes an order for the signal. Long buys PositionSize when flat;
// Exit and Short sell the whole holding. Signals that would not change the
// position are ignored.
func (p *Portfolio) OnSignal(ev event.SignalEvent) error {
	pos, _ := p.accounts.Position(ev.Symbol)

	var (
		dir event.Direction
		qty decimal.Decimal
	)
	switch ev.Signal {
	case event.SignalLong:
		if pos.Size.IsPositive() {
			return nil
		}
		dir, qty = event.Long, p.cfg.PositionSize
		if err := p.affordable(ev.Symbol, qty); err != nil {
			p.mu.Lock()
			p.skipped++
			p.mu.Unlock()
			p.logger.Info("order_skipped", zap.String("symbol", ev.Symbol), zap.Error(err))
			return nil
		}
	case event.SignalExit, event.SignalShort:
		if !pos.Size.IsPositive() {
			return nil
		}
		dir, qty = event.Short, pos.Size
	default:
		return fmt.Errorf("%w: signal %d", event.ErrInvalidType, ev.Signal)
	}

	order := event.OrderEvent{
		Header:    ev.Header,
		OrderID:   uuid.NewString(),
		Type:      event.OrderMarket,
		Quantity:  qty,
		Direction: dir,
	}
	if err := p.bus.Enqueue(order); err != nil {
		return fmt.Errorf("publish order for %s: %w", ev.Symbol, err)
	}

	p.mu.Lock()
	p.orders++
	p.mu.Unlock()
	p.logger.Debug("order_created",
		zap.String("symbol", ev.Symbol),
		zap.String("order_id", order.OrderID),
		zap.Stringer("side", dir),
		zap.String("qty", qty.String()),
		zap.String("strategy", ev.StrategyID),
	)
	return nil
}

// affordable checks cash against qty at the last mark. Without a mark the
// broker decides.
func (p *Portfolio) affordable(symbol string, qty decimal.Decimal) error {
	p.mu.Lock()
	mark, ok := p.marks[symbol]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	cash := p.accounts.GetBalance(p.cfg.QuoteAsset)
	if need := mark.Mul(qty); need.GreaterThan(cash) {
		return fmt.Errorf("%w: need %s have %s", account.ErrInsufficientBalance, need, cash)
	}
	return nil
}

// OnFill applies the fill to the account manager.
func (p *Portfolio) OnFill(ev event.FillEvent) error {
	if err := p.accounts.ApplyFill(ev); err != nil {
		return fmt.Errorf("apply fill %s: %w", ev.OrderID, err)
	}
	return nil
}

func (p *Portfolio) EquityCurve() []EquityPoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]EquityPoint(nil), p.curve...)
}

// Snapshot values the account at the latest marks.
func (p *Portfolio) Snapshot() Snapshot {
	p.mu.Lock()
	marks := make(map[string]decimal.Decimal, len(p.marks))
	for k, v := range p.marks {
		marks[k] = v
	}
	curve := append([]EquityPoint(nil), p.curve...)
	orders, skipped := p.orders, p.skipped
	p.mu.Unlock()

	st := p.accounts.Stats()
	positions := p.accounts.Positions()

	unrealized := decimal.Zero
	for _, pos := range positions {
		if mark, ok := marks[pos.Symbol]; ok {
			unrealized = unrealized.Add(pos.UnrealizedPnL(mark))
		}
	}

	equity := p.accounts.Equity(p.cfg.QuoteAsset, marks)
	ret := decimal.Zero
	if p.cfg.InitialCash.IsPositive() {
		ret = equity.Sub(p.cfg.InitialCash).Div(p.cfg.InitialCash)
	}

	return Snapshot{
		QuoteAsset:    p.cfg.QuoteAsset,
		InitialCash:   p.cfg.InitialCash,
		Cash:          p.accounts.GetBalance(p.cfg.QuoteAsset),
		Equity:        equity,
		Return:        ret,
		RealizedPnL:   st.RealizedPnL,
		UnrealizedPnL: unrealized,
		MaxDrawdown:   MaxDrawdown(curve),
		Trades:        st.TradeCount,
		FeesPaid:      st.TotalFeesPaid,
		Orders:        orders,
		SkippedOrders: skipped,
		Positions:     positions,
		EquityCurve:   curve,
	}
}

// MaxDrawdown is the largest peak-to-trough fall of the curve as a fraction
// of the peak.
func MaxDrawdown(curve []EquityPoint) decimal.Decimal {
	worst := decimal.Zero
	var peak decimal.Decimal
	for i, pt := range curve {
		if i == 0 || pt.Equity.GreaterThan(peak) {
			peak = pt.Equity
			continue
		}
		if !peak.IsPositive() {
			continue
		}
		if dd := peak.Sub(pt.Equity).Div(peak); dd.GreaterThan(worst) {
			worst = dd
		}
	}
	return worst
}
