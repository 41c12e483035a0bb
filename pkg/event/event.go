// Package event defines the typed events that flow through the bus:
// market updates, strategy signals, orders and fills.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the closed set of event categories.
type Kind uint8

const (
	KindMarket Kind = iota + 1
	KindSignal
	KindOrder
	KindFill
)

// Kinds lists every kind in dispatch-table order.
var Kinds = []Kind{KindMarket, KindSignal, KindOrder, KindFill}

func (k Kind) String() string {
	switch k {
	case KindMarket:
		return "MARKET"
	case KindSignal:
		return "SIGNAL"
	case KindOrder:
		return "ORDER"
	case KindFill:
		return "FILL"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func (k Kind) Valid() bool { return k >= KindMarket && k <= KindFill }

var (
	ErrMissingTimestamp = errors.New("event: missing timestamp")
	ErrMissingSymbol    = errors.New("event: missing symbol")
	ErrInvalidQuantity  = errors.New("event: quantity must be positive")
	ErrInvalidDirection = errors.New("event: direction must be +1 or -1")
	ErrMissingPrice     = errors.New("event: price required for this order type")
	ErrInvalidType      = errors.New("event: unknown type")
)

// Event is implemented by MarketEvent, SignalEvent, OrderEvent and FillEvent.
type Event interface {
	Kind() Kind
	Meta() Header
	Validate() error
}

// Header carries the fields every event has.
type Header struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
}

func (h Header) Meta() Header { return h }

func (h Header) Validate() error {
	if h.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	if h.Symbol == "" {
		return ErrMissingSymbol
	}
	return nil
}

// Direction is +1 for buy/long and -1 for sell/short. Zero is only valid on signals.
type Direction int8

const (
	Flat  Direction = 0
	Long  Direction = 1
	Short Direction = -1
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "BUY"
	case Short:
		return "SELL"
	default:
		return "FLAT"
	}
}

func (d Direction) tradable() bool { return d == Long || d == Short }

type OHLCV struct {
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Bar builds an OHLCV from string literals. It panics on malformed input and is meant for fixtures.
func Bar(open, high, low, close, volume string) OHLCV {
	return OHLCV{
		Open:   decimal.RequireFromString(open),
		High:   decimal.RequireFromString(high),
		Low:    decimal.RequireFromString(low),
		Close:  decimal.RequireFromString(close),
		Volume: decimal.RequireFromString(volume),
	}
}

// MarketEvent is a bar or tick for one symbol.
type MarketEvent struct {
	Header
	OHLCV
	// Aux holds optional extra fields such as funding rate or open interest.
	Aux map[string]decimal.Decimal `json:"aux,omitempty"`
}

func (MarketEvent) Kind() Kind { return KindMarket }

func (e MarketEvent) Validate() error {
	return e.Header.Validate()
}

type SignalKind uint8

const (
	SignalLong SignalKind = iota + 1
	SignalShort
	SignalExit
)

func (s SignalKind) String() string {
	switch s {
	case SignalLong:
		return "LONG"
	case SignalShort:
		return "SHORT"
	case SignalExit:
		return "EXIT"
	default:
		return fmt.Sprintf("SignalKind(%d)", uint8(s))
	}
}

// SignalEvent is a strategy's intent. Strength is a confidence in [0, 1].
type SignalEvent struct {
	Header
	Signal     SignalKind `json:"signal"`
	Direction  Direction  `json:"direction"`
	Strength   float64    `json:"strength"`
	StrategyID string     `json:"strategy_id,omitempty"`
}

func (SignalEvent) Kind() Kind { return KindSignal }

func (e SignalEvent) Validate() error {
	if err := e.Header.Validate(); err != nil {
		return err
	}
	if e.Signal < SignalLong || e.Signal > SignalExit {
		return fmt.Errorf("%w: signal %d", ErrInvalidType, e.Signal)
	}
	return nil
}

type OrderType uint8

const (
	OrderMarket OrderType = iota + 1
	OrderLimit
	OrderStop
)

func (t OrderType) String() string {
	switch t {
	case OrderMarket:
		return "MKT"
	case OrderLimit:
		return "LMT"
	case OrderStop:
		return "STP"
	default:
		return fmt.Sprintf("OrderType(%d)", uint8(t))
	}
}

// OrderEvent is a request to trade. Price is required for limit and stop orders.
type OrderEvent struct {
	Header
	OrderID   string              `json:"order_id"`
	Type      OrderType           `json:"type"`
	Quantity  decimal.Decimal     `json:"quantity"`
	Direction Direction           `json:"direction"`
	Price     decimal.NullDecimal `json:"price"`
}

func (OrderEvent) Kind() Kind { return KindOrder }

func (e OrderEvent) Validate() error {
	if err := e.Header.Validate(); err != nil {
		return err
	}
	if !e.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if !e.Direction.tradable() {
		return ErrInvalidDirection
	}
	switch e.Type {
	case OrderMarket:
	case OrderLimit, OrderStop:
		if !e.Price.Valid || !e.Price.Decimal.IsPositive() {
			return ErrMissingPrice
		}
	default:
		return fmt.Errorf("%w: order type %d", ErrInvalidType, e.Type)
	}
	return nil
}

// FillEvent reports an executed trade.
type FillEvent struct {
	Header
	OrderID    string          `json:"order_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Direction  Direction       `json:"direction"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Exchange   string          `json:"exchange"`
}

func (FillEvent) Kind() Kind { return KindFill }

func (e FillEvent) Validate() error {
	if err := e.Header.Validate(); err != nil {
		return err
	}
	if !e.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if !e.Direction.tradable() {
		return ErrInvalidDirection
	}
	return nil
}

// Notional is quantity times price, before commission.
func (e FillEvent) Notional() decimal.Decimal {
	return e.Quantity.Mul(e.Price)
}
