// Package bus is the in-process event bus: a FIFO queue plus per-kind handler
// lists, drained on a single goroutine so replays are deterministic.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/simex/pkg/event"
)

// Stats are cumulative counters since the bus was created.
type Stats struct {
	Enqueued      uint64 `json:"enqueued"`
	Rejected      uint64 `json:"rejected"`
	Dispatched    uint64 `json:"dispatched"`
	Unhandled     uint64 `json:"unhandled"`
	HandlerErrors uint64 `json:"handler_errors"`
	Queued        int    `json:"queued"`
}

type Bus struct {
	maxQueue int
	logger   *zap.Logger

	qmu    sync.Mutex
	queue  []event.Event
	head   int
	notify chan struct{}

	hmu    sync.RWMutex
	market handlerList[MarketHandler]
	signal handlerList[SignalHandler]
	order  handlerList[OrderHandler]
	fill   handlerList[FillHandler]

	stopped atomic.Bool

	enqueued      atomic.Uint64
	rejected      atomic.Uint64
	dispatched    atomic.Uint64
	unhandled     atomic.Uint64
	handlerErrors atomic.Uint64
}

// New creates a bus. maxQueue <= 0 means unbounded.
func New(maxQueue int, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	return &Bus{
		maxQueue: maxQueue,
		logger:   logger,
		notify:   make(chan struct{}, 1),
	}
}

func (b *Bus) RegisterMarket(h MarketHandler) bool {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	return b.market.add(h)
}

func (b *Bus) RegisterSignal(h SignalHandler) bool {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	return b.signal.add(h)
}

func (b *Bus) RegisterOrder(h OrderHandler) bool {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	return b.order.add(h)
}

func (b *Bus) RegisterFill(h FillHandler) bool {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	return b.fill.add(h)
}

func (b *Bus) UnregisterMarket(h MarketHandler) bool {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	return b.market.remove(h)
}

func (b *Bus) UnregisterSignal(h SignalHandler) bool {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	return b.signal.remove(h)
}

func (b *Bus) UnregisterOrder(h OrderHandler) bool {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	return b.order.remove(h)
}

func (b *Bus) UnregisterFill(h FillHandler) bool {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	return b.fill.remove(h)
}

// HandlerCount returns how many handlers are registered for kind.
func (b *Bus) HandlerCount(kind event.Kind) int {
	b.hmu.RLock()
	defer b.hmu.RUnlock()
	switch kind {
	case event.KindMarket:
		return len(b.market.items)
	case event.KindSignal:
		return len(b.signal.items)
	case event.KindOrder:
		return len(b.order.items)
	case event.KindFill:
		return len(b.fill.items)
	}
	return 0
}

// Enqueue appends ev to the tail of the queue. It never blocks: a full
// bounded queue returns *BackpressureError.
func (b *Bus) Enqueue(ev event.Event) error {
	ev = normalize(ev)
	if ev == nil {
		return ErrNilEvent
	}
	if err := ev.Validate(); err != nil {
		b.rejected.Add(1)
		return fmt.Errorf("bus: enqueue %s: %w", ev.Kind(), err)
	}

	b.qmu.Lock()
	if b.maxQueue > 0 && len(b.queue)-b.head >= b.maxQueue {
		b.qmu.Unlock()
		b.rejected.Add(1)
		return &BackpressureError{Capacity: b.maxQueue, Kind: ev.Kind(), Symbol: ev.Meta().Symbol}
	}
	b.queue = append(b.queue, ev)
	b.qmu.Unlock()

	b.enqueued.Add(1)
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// normalize dereferences pointer events so handlers always get values.
func normalize(ev event.Event) event.Event {
	switch e := ev.(type) {
	case *event.MarketEvent:
		if e == nil {
			return nil
		}
		return *e
	case *event.SignalEvent:
		if e == nil {
			return nil
		}
		return *e
	case *event.OrderEvent:
		if e == nil {
			return nil
		}
		return *e
	case *event.FillEvent:
		if e == nil {
			return nil
		}
		return *e
	}
	return ev
}

func (b *Bus) pop() (event.Event, bool) {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	if b.head >= len(b.queue) {
		return nil, false
	}
	ev := b.queue[b.head]
	b.queue[b.head] = nil
	b.head++
	// Compact once the consumed prefix dominates the backing array.
	if b.head == len(b.queue) {
		b.queue = b.queue[:0]
		b.head = 0
	} else if b.head > 1024 && b.head*2 > len(b.queue) {
		n := copy(b.queue, b.queue[b.head:])
		clear(b.queue[n:])
		b.queue = b.queue[:n]
		b.head = 0
	}
	return ev, true
}

// Len is the number of queued events.
func (b *Bus) Len() int {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	return len(b.queue) - b.head
}

// Stop makes the current Drain return before its next dispatch and wakes a
// DrainUntilIdle that is waiting for events.
func (b *Bus) Stop() {
	b.stopped.Store(true)
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Stopped reports whether Stop was called since the last Drain began.
func (b *Bus) Stopped() bool {
	return b.stopped.Load()
}

// Drain dispatches queued events in FIFO order until the queue is empty,
// maxEvents events were processed (maxEvents <= 0 means no limit), or Stop is
// called. Events enqueued by handlers join the tail and are processed by the
// same call. Each call starts in the running state. Returns the number of
// events processed.
func (b *Bus) Drain(maxEvents int) int {
	b.stopped.Store(false)
	return b.drain(maxEvents)
}

func (b *Bus) drain(maxEvents int) int {
	n := 0
	for maxEvents <= 0 || n < maxEvents {
		if b.stopped.Load() {
			break
		}
		ev, ok := b.pop()
		if !ok {
			break
		}
		b.dispatch(ev)
		n++
	}
	return n
}

// DrainUntilIdle drains, then waits up to idle for more events before
// treating the queue as truly empty. It returns early when ctx is done or Stop
// is called.
func (b *Bus) DrainUntilIdle(ctx context.Context, idle time.Duration) int {
	b.stopped.Store(false)
	total := 0
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		total += b.drain(0)
		if b.stopped.Load() || ctx.Err() != nil {
			return total
		}
		if b.Len() > 0 {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(idle)

		select {
		case <-ctx.Done():
			return total
		case <-b.notify:
		case <-timer.C:
			if b.Len() == 0 {
				return total
			}
		}
	}
}

func (b *Bus) dispatch(ev event.Event) {
	b.dispatched.Add(1)
	handled := 0

	b.hmu.RLock()
	switch e := ev.(type) {
	case event.MarketEvent:
		hs := b.market.snapshot()
		b.hmu.RUnlock()
		for _, h := range hs {
			b.invoke(ev, func() error { return h.OnMarket(e) })
		}
		handled = len(hs)
	case event.SignalEvent:
		hs := b.signal.snapshot()
		b.hmu.RUnlock()
		for _, h := range hs {
			b.invoke(ev, func() error { return h.OnSignal(e) })
		}
		handled = len(hs)
	case event.OrderEvent:
		hs := b.order.snapshot()
		b.hmu.RUnlock()
		for _, h := range hs {
			b.invoke(ev, func() error { return h.OnOrder(e) })
		}
		handled = len(hs)
	case event.FillEvent:
		hs := b.fill.snapshot()
		b.hmu.RUnlock()
		for _, h := range hs {
			b.invoke(ev, func() error { return h.OnFill(e) })
		}
		handled = len(hs)
	default:
		b.hmu.RUnlock()
		b.logger.Warn("unsupported_event_type",
			zap.String("type", fmt.Sprintf("%T", ev)),
			zap.Stringer("kind", ev.Kind()),
		)
	}

	if handled == 0 {
		b.unhandled.Add(1)
		meta := ev.Meta()
		b.logger.Debug("no_handler",
			zap.Stringer("kind", ev.Kind()),
			zap.String("symbol", meta.Symbol),
			zap.Time("event_ts", meta.Timestamp),
		)
	}
}

// invoke runs one handler, converting panics into errors.
func (b *Bus) invoke(ev event.Event, call func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &HandlerPanicError{Kind: ev.Kind(), Value: r}
			}
		}()
		return call()
	}()
	if err == nil {
		return
	}

	b.handlerErrors.Add(1)
	meta := ev.Meta()
	b.logger.Error("handler_failed",
		zap.Stringer("kind", ev.Kind()),
		zap.String("symbol", meta.Symbol),
		zap.Time("event_ts", meta.Timestamp),
		zap.Error(err),
	)
}

func (b *Bus) Stats() Stats {
	return Stats{
		Enqueued:      b.enqueued.Load(),
		Rejected:      b.rejected.Load(),
		Dispatched:    b.dispatched.Load(),
		Unhandled:     b.unhandled.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Queued:        b.Len(),
	}
}
