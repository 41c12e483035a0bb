package bus

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/simex/pkg/event"
)

var ErrNilEvent = errors.New("bus: nil event")

// BackpressureError is returned by Enqueue when a bounded queue is full.
type BackpressureError struct {
	Capacity int
	Kind     event.Kind
	Symbol   string
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("bus: queue full (capacity %d), rejected %s event for %s", e.Capacity, e.Kind, e.Symbol)
}

// HandlerPanicError wraps a value recovered from a panicking handler.
type HandlerPanicError struct {
	Kind  event.Kind
	Value any
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("bus: %s handler panicked: %v", e.Kind, e.Value)
}
