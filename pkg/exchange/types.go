package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/simex/pkg/app/core/market"
	"github.com/uhyunpark/simex/pkg/app/core/orderbook"
	"github.com/uhyunpark/simex/pkg/event"
	"github.com/uhyunpark/simex/pkg/replay"
)

var (
	ErrNoBook      = errors.New("exchange: no order book for symbol")
	ErrInvalidTick = errors.New("exchange: tick needs a symbol and timestamp")
	ErrNoDriver    = errors.New("exchange: no replay driver configured")
)

// AccountManager owns balances. The exchange calls into it but holds no
// balance state of its own.
type AccountManager interface {
	Deposit(asset string, amount decimal.Decimal) error
	GetBalance(asset string) decimal.Decimal
	ApplyFill(fill event.FillEvent) error
}

// ReplayDriver feeds ticks into OnReplayTick, usually from its own goroutine.
type ReplayDriver interface {
	StartReplay(ctx context.Context, req replay.Request) error
	StopReplay() bool
}

// Enqueuer is the part of the event bus the exchange publishes to.
type Enqueuer interface {
	Enqueue(ev event.Event) error
}

// TriggerHandler receives each resting order that became executable at ref.
// It is where fills, commission and account updates happen.
type TriggerHandler func(symbol string, order orderbook.Order, ref decimal.Decimal)

type NotificationKind string

const (
	NotifyTick           NotificationKind = "tick"
	NotifyOrderAccepted  NotificationKind = "order_accepted"
	NotifyOrderCancelled NotificationKind = "order_cancelled"
	NotifyOrderTriggered NotificationKind = "order_triggered"
	NotifyOrderFilled    NotificationKind = "order_filled"
)

// Notification is an exchange-level event delivered to listeners, outside
// the main bus.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	Symbol    string           `json:"symbol"`
	Timestamp time.Time        `json:"timestamp"`
	Tick      *market.Tick     `json:"tick,omitempty"`
	OHLCV     *event.OHLCV     `json:"ohlcv,omitempty"`
	Order     *orderbook.Order `json:"order,omitempty"`
	// Price is the reference price for triggers and the executed quantity's
	// price for fills.
	Price    decimal.NullDecimal `json:"price"`
	Quantity decimal.NullDecimal `json:"quantity"`
}

type Listener interface {
	OnExchangeEvent(n Notification)
}

type listenerFunc struct{ f func(Notification) }

func (l *listenerFunc) OnExchangeEvent(n Notification) { l.f(n) }

// ListenerFunc adapts f. Keep the returned value to remove it later.
func ListenerFunc(f func(Notification)) Listener { return &listenerFunc{f: f} }

type Config struct {
	Name        string
	HistorySize int
}
