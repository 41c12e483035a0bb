package account

import (
	"github.com/shopspring/decimal"
)

// Position is the net holding in one symbol.
// Size > 0 is long, Size < 0 is short.
type Position struct {
	Symbol string `json:"symbol"`

	Size decimal.Decimal `json:"size"`

	// Volume-weighted average entry price
	// Updated on each fill: newEntry = (oldEntry × oldSize + fillPrice × fillSize) / newSize
	EntryPrice decimal.Decimal `json:"entry_price"`

	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// UnrealizedPnL = (markPrice - entryPrice) × size
// For shorts (negative size), PnL is reversed: profit when price drops
func (p Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.Size.IsZero() {
		return decimal.Zero
	}
	return mark.Sub(p.EntryPrice).Mul(p.Size)
}

// apply adds a signed size delta at price and returns the PnL realized by
// any reduction of the existing position.
func (p *Position) apply(sizeDelta, price decimal.Decimal) decimal.Decimal {
	oldSize := p.Size
	newSize := oldSize.Add(sizeDelta)
	realized := decimal.Zero

	switch {
	case oldSize.IsZero() || oldSize.Sign() == sizeDelta.Sign():
		// Same direction: update VWAP
		if oldSize.IsZero() {
			p.EntryPrice = price
		} else {
			p.EntryPrice = p.EntryPrice.Mul(oldSize.Abs()).
				Add(price.Mul(sizeDelta.Abs())).
				Div(newSize.Abs())
		}
	default:
		// Opposite direction: reducing or flipping
		closed := decimal.Min(oldSize.Abs(), sizeDelta.Abs())
		realized = price.Sub(p.EntryPrice).Mul(closed)
		if oldSize.IsNegative() {
			realized = realized.Neg()
		}
		switch {
		case newSize.IsZero():
			p.EntryPrice = decimal.Zero
		case newSize.Sign() != oldSize.Sign():
			// Position flipped: new entry price is fill price
			p.EntryPrice = price
		}
	}

	p.Size = newSize
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	return realized
}

// Stats are cumulative trading statistics.
type Stats struct {
	TradeCount     int64           `json:"trade_count"`
	TotalVolume    decimal.Decimal `json:"total_volume"` // quote notional
	TotalFeesPaid  decimal.Decimal `json:"total_fees_paid"`
	TotalRebates   decimal.Decimal `json:"total_rebates"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	RejectedFills  int64           `json:"rejected_fills"`
	DepositedTotal decimal.Decimal `json:"deposited_total"`
}
