package orderbook

import (
	"errors"

	"github.com/shopspring/decimal"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

var (
	ErrDuplicateOrderID = errors.New("orderbook: duplicate order id")
	ErrOrderNotFound    = errors.New("orderbook: order not found")
	ErrInvalidSide      = errors.New("orderbook: invalid side")
	ErrInvalidPrice     = errors.New("orderbook: price must be positive")
	ErrInvalidQuantity  = errors.New("orderbook: quantity must be positive")
	ErrOverfill         = errors.New("orderbook: fill exceeds remaining quantity")
	ErrEmptyOrderID     = errors.New("orderbook: empty order id")
)

// Order is a resting order. Remaining stays in (0, Quantity] while the order
// is in the book.
type Order struct {
	ID        string          `json:"id"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Remaining decimal.Decimal `json:"remaining"`
	Seq       uint64          `json:"seq"` // arrival sequence, FIFO tie-break
}

// Filled is the executed part of the order.
func (o Order) Filled() decimal.Decimal {
	return o.Quantity.Sub(o.Remaining)
}

// Triggers reports whether the order would execute against ref:
// a buy when ref <= price, a sell when ref >= price.
func (o Order) Triggers(ref decimal.Decimal) bool {
	if o.Side == Buy {
		return ref.LessThanOrEqual(o.Price)
	}
	return ref.GreaterThanOrEqual(o.Price)
}

type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"` // total remaining at this price level
	Orders   int             `json:"orders"`
}

type Depth struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

type Statistics struct {
	Symbol    string              `json:"symbol"`
	Orders    int                 `json:"orders"`
	BidLevels int                 `json:"bid_levels"`
	AskLevels int                 `json:"ask_levels"`
	BestBid   decimal.NullDecimal `json:"best_bid"`
	BestAsk   decimal.NullDecimal `json:"best_ask"`
	Spread    decimal.NullDecimal `json:"spread"`
	LastFill  decimal.NullDecimal `json:"last_fill"`
}
