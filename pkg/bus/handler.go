package bus

import (
	"reflect"

	"github.com/uhyunpark/simex/pkg/event"
)

// Handlers receive events by value and must treat them as read-only.
// A returned error is logged and counted; it never stops dispatch.

type MarketHandler interface {
	OnMarket(ev event.MarketEvent) error
}

type SignalHandler interface {
	OnSignal(ev event.SignalEvent) error
}

type OrderHandler interface {
	OnOrder(ev event.OrderEvent) error
}

type FillHandler interface {
	OnFill(ev event.FillEvent) error
}

// Func adapters return pointers so each adapter has a stable identity
// for Unregister.

type marketFunc struct{ f func(event.MarketEvent) error }

func (h *marketFunc) OnMarket(ev event.MarketEvent) error { return h.f(ev) }

func MarketFunc(f func(event.MarketEvent) error) MarketHandler { return &marketFunc{f: f} }

type signalFunc struct{ f func(event.SignalEvent) error }

func (h *signalFunc) OnSignal(ev event.SignalEvent) error { return h.f(ev) }

func SignalFunc(f func(event.SignalEvent) error) SignalHandler { return &signalFunc{f: f} }

type orderFunc struct{ f func(event.OrderEvent) error }

func (h *orderFunc) OnOrder(ev event.OrderEvent) error { return h.f(ev) }

func OrderFunc(f func(event.OrderEvent) error) OrderHandler { return &orderFunc{f: f} }

type fillFunc struct{ f func(event.FillEvent) error }

func (h *fillFunc) OnFill(ev event.FillEvent) error { return h.f(ev) }

func FillFunc(f func(event.FillEvent) error) FillHandler { return &fillFunc{f: f} }

// handlerList keeps handlers in registration order, each at most once.
type handlerList[H any] struct {
	items []H
}

func (l *handlerList[H]) add(h H) bool {
	if l.index(h) >= 0 {
		return false
	}
	l.items = append(l.items, h)
	return true
}

func (l *handlerList[H]) remove(h H) bool {
	i := l.index(h)
	if i < 0 {
		return false
	}
	l.items = append(l.items[:i:i], l.items[i+1:]...)
	return true
}

func (l *handlerList[H]) index(h H) int {
	for i, x := range l.items {
		if sameHandler(x, h) {
			return i
		}
	}
	return -1
}

// snapshot is safe to iterate while handlers register or unregister.
func (l *handlerList[H]) snapshot() []H {
	out := make([]H, len(l.items))
	copy(out, l.items)
	return out
}

// sameHandler compares by identity. Values that cannot be compared (a struct
// value holding a map, say) never match; register those by pointer.
func sameHandler(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() || va.Type() != vb.Type() {
		return false
	}
	if !va.Comparable() || !vb.Comparable() {
		return false
	}
	return va.Equal(vb)
}
