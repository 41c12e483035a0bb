package api

import (
	"github.com/shopspring/decimal"
)

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// MarketInfo represents a market's static configuration
type MarketInfo struct {
	Symbol      string          `json:"symbol"`      // e.g., "BTC-USD"
	BaseAsset   string          `json:"baseAsset"`   // e.g., "BTC"
	QuoteAsset  string          `json:"quoteAsset"`  // e.g., "USD"
	Status      string          `json:"status"`      // "Active", "Paused", "Settled"
	TickSize    decimal.Decimal `json:"tickSize"`    // Minimum price increment
	LotSize     decimal.Decimal `json:"lotSize"`     // Minimum size increment
	TakerFeeBps int64           `json:"takerFeeBps"` // Taker fee in basis points
	MakerFeeBps int64           `json:"makerFeeBps"` // Maker fee in basis points (can be negative for rebates)
	Registered  bool            `json:"registered"`  // false for symbols only seen in market data
}

// OrderbookSnapshot represents current orderbook state
type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`      // Sorted high to low
	Asks      []PriceLevel `json:"asks"`      // Sorted low to high
	Timestamp int64        `json:"timestamp"` // Exchange clock, unix milliseconds
}

// PriceLevel aggregates resting quantity at one price
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
	Orders int             `json:"orders"`
}

// BookStats summarizes one order book
type BookStats struct {
	Symbol    string              `json:"symbol"`
	Orders    int                 `json:"orders"`
	BidLevels int                 `json:"bidLevels"`
	AskLevels int                 `json:"askLevels"`
	BestBid   decimal.NullDecimal `json:"bestBid"`
	BestAsk   decimal.NullDecimal `json:"bestAsk"`
	Spread    decimal.NullDecimal `json:"spread"`
	LastFill  decimal.NullDecimal `json:"lastFill"`
}

// TickInfo is one observed trade price
type TickInfo struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
}

// PositionInfo represents a net holding
type PositionInfo struct {
	Symbol        string              `json:"symbol"`
	Size          decimal.Decimal     `json:"size"` // +ve = long, -ve = short
	EntryPrice    decimal.Decimal     `json:"entryPrice"`
	MarkPrice     decimal.NullDecimal `json:"markPrice"`
	UnrealizedPnL decimal.Decimal     `json:"unrealizedPnl"`
	RealizedPnL   decimal.Decimal     `json:"realizedPnl"`
}

// ReportSummary is the list view of an archived backtest
type ReportSummary struct {
	RunID       string          `json:"runId"`
	Strategy    string          `json:"strategy"`
	StartedAt   int64           `json:"startedAt"` // Unix milliseconds
	Bars        int             `json:"bars"`
	Trades      int64           `json:"trades"`
	Equity      decimal.Decimal `json:"equity"`
	Return      decimal.Decimal `json:"return"`
	Interrupted bool            `json:"interrupted"`
	Error       string          `json:"error,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["ticks:BTC-USD", "orders:BTC-USD"]
}

// WSAck answers every subscribe/unsubscribe request
type WSAck struct {
	Type     string   `json:"type"`               // "subscribed" or "unsubscribed"
	Channels []string `json:"channels"`           // accepted channels
	Rejected []string `json:"rejected,omitempty"` // malformed or unknown channels
}

// TickUpdate is broadcast on every replayed bar
type TickUpdate struct {
	Type      string          `json:"type"` // "tick", or "snapshot" right after subscribing
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Timestamp int64           `json:"timestamp"`
}

// OrderUpdate is broadcast when a resting order changes
type OrderUpdate struct {
	Type      string              `json:"type"`   // "order"
	Status    string              `json:"status"` // "accepted" | "triggered" | "filled" | "cancelled"
	Symbol    string              `json:"symbol"`
	OrderID   string              `json:"orderId"`
	Side      string              `json:"side"`
	Price     decimal.Decimal     `json:"price"`
	Remaining decimal.Decimal     `json:"remaining"`
	Quantity  decimal.NullDecimal `json:"quantity"`  // executed quantity on fills
	Reference decimal.NullDecimal `json:"reference"` // trigger or fill price
	Timestamp int64               `json:"timestamp"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
