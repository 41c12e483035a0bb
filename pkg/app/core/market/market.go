// Package market describes tradable instruments and keeps the replayed market
// data (latest tick, bounded history, observed depth) for each symbol.
package market

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MarketStatus defines the trading status of a market
type MarketStatus int8

const (
	Active   MarketStatus = iota // Trading enabled
	Paused                       // Trading halted
	Settling                     // Winding down, no new orders
	Settled                      // Market closed
)

func (ms MarketStatus) String() string {
	switch ms {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Settling:
		return "Settling"
	case Settled:
		return "Settled"
	default:
		return "Unknown"
	}
}

var (
	ErrMarketNotActive = errors.New("market: not active")
	ErrTickSize        = errors.New("market: price not a multiple of tick size")
	ErrLotSize         = errors.New("market: quantity not a multiple of lot size")
	ErrMinQuantity     = errors.New("market: quantity below minimum")
	ErrMinNotional     = errors.New("market: notional below minimum")
)

var bpsDivisor = decimal.NewFromInt(10000)

// Market defines the trading parameters of one instrument (e.g., BTC-USD spot)
type Market struct {
	Symbol     string       `json:"symbol"`
	BaseAsset  string       `json:"base_asset"`
	QuoteAsset string       `json:"quote_asset"`
	Status     MarketStatus `json:"status"`

	// TickSize: minimum price increment. Zero disables the check.
	TickSize decimal.Decimal `json:"tick_size"`
	// LotSize: minimum quantity increment. Zero disables the check.
	LotSize decimal.Decimal `json:"lot_size"`

	MinQuantity decimal.Decimal `json:"min_quantity"`
	// MinNotional: minimum order value in quote asset; prevents dust orders
	MinNotional decimal.Decimal `json:"min_notional"`

	// Fees in basis points. Maker may be negative (rebate).
	MakerFeeBps int64 `json:"maker_fee_bps"`
	TakerFeeBps int64 `json:"taker_fee_bps"`
}

// MarketParams separates config from the runtime Market struct
type MarketParams struct {
	TickSize    decimal.Decimal
	LotSize     decimal.Decimal
	MinQuantity decimal.Decimal
	MinNotional decimal.Decimal
	MakerFeeBps int64
	TakerFeeBps int64
}

// DefaultParams is a permissive spot template: cent ticks, no lot
// constraint, 2 bps maker and 5 bps taker.
var DefaultParams = MarketParams{
	TickSize:    decimal.New(1, -2),
	LotSize:     decimal.Zero,
	MinQuantity: decimal.Zero,
	MinNotional: decimal.Zero,
	MakerFeeBps: 2,
	TakerFeeBps: 5,
}

// NewMarket creates a new market with validation
func NewMarket(symbol, baseAsset, quoteAsset string, params MarketParams) (*Market, error) {
	m := &Market{
		Symbol:      symbol,
		BaseAsset:   baseAsset,
		QuoteAsset:  quoteAsset,
		Status:      Active,
		TickSize:    params.TickSize,
		LotSize:     params.LotSize,
		MinQuantity: params.MinQuantity,
		MinNotional: params.MinNotional,
		MakerFeeBps: params.MakerFeeBps,
		TakerFeeBps: params.TakerFeeBps,
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market params: %w", err)
	}
	return m, nil
}

// NewMarketWithDefaults derives base and quote from a "BASE-QUOTE" or
// "BASE/QUOTE" symbol and applies DefaultParams.
func NewMarketWithDefaults(symbol string) (*Market, error) {
	base, quote, ok := SplitSymbol(symbol)
	if !ok {
		return nil, fmt.Errorf("cannot derive assets from symbol %q", symbol)
	}
	return NewMarket(symbol, base, quote, DefaultParams)
}

// SplitSymbol splits "BTC-USD" or "BTC/USD" into its assets.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	for _, sep := range []string{"-", "/"} {
		if b, q, found := strings.Cut(symbol, sep); found && b != "" && q != "" {
			return b, q, true
		}
	}
	return "", "", false
}

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.BaseAsset == "" || m.QuoteAsset == "" {
		return fmt.Errorf("base and quote assets must be specified")
	}
	if m.BaseAsset == m.QuoteAsset {
		return fmt.Errorf("base and quote assets must differ")
	}
	if m.TickSize.IsNegative() {
		return fmt.Errorf("tick size cannot be negative")
	}
	if m.LotSize.IsNegative() {
		return fmt.Errorf("lot size cannot be negative")
	}
	if m.MinQuantity.IsNegative() {
		return fmt.Errorf("min quantity cannot be negative")
	}
	if m.MinNotional.IsNegative() {
		return fmt.Errorf("min notional cannot be negative")
	}
	// Fees (can be negative for maker rebates)
	if m.TakerFeeBps < 0 {
		return fmt.Errorf("taker fee cannot be negative")
	}
	return nil
}

// ValidateOrder checks a resting order against the market rules.
func (m *Market) ValidateOrder(price, qty decimal.Decimal) error {
	if m.Status != Active {
		return fmt.Errorf("%w: %s is %s", ErrMarketNotActive, m.Symbol, m.Status)
	}
	if !price.IsPositive() || !qty.IsPositive() {
		return fmt.Errorf("price and quantity must be positive")
	}
	if m.TickSize.IsPositive() && !price.Mod(m.TickSize).IsZero() {
		return fmt.Errorf("%w: %s (tick %s)", ErrTickSize, price, m.TickSize)
	}
	if m.LotSize.IsPositive() && !qty.Mod(m.LotSize).IsZero() {
		return fmt.Errorf("%w: %s (lot %s)", ErrLotSize, qty, m.LotSize)
	}
	if qty.LessThan(m.MinQuantity) {
		return fmt.Errorf("%w: %s < %s", ErrMinQuantity, qty, m.MinQuantity)
	}
	if notional := price.Mul(qty); notional.LessThan(m.MinNotional) {
		return fmt.Errorf("%w: %s < %s", ErrMinNotional, notional, m.MinNotional)
	}
	return nil
}

// Commission returns the fee on notional: maker or taker bps / 10000.
func (m *Market) Commission(notional decimal.Decimal, maker bool) decimal.Decimal {
	bps := m.TakerFeeBps
	if maker {
		bps = m.MakerFeeBps
	}
	return CommissionBps(notional, bps)
}

// CommissionBps is notional * bps / 10000.
func CommissionBps(notional decimal.Decimal, bps int64) decimal.Decimal {
	return notional.Abs().Mul(decimal.NewFromInt(bps)).Div(bpsDivisor)
}

// RoundToTick rounds price down to the nearest tick.
func (m *Market) RoundToTick(price decimal.Decimal) decimal.Decimal {
	if !m.TickSize.IsPositive() {
		return price
	}
	return price.Div(m.TickSize).Floor().Mul(m.TickSize)
}
