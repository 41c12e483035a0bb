package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultHistorySize is the per-symbol tick history capacity.
const DefaultHistorySize = 1000

// Tick is a single price observation derived from a replayed bar.
type Tick struct {
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// Level is one externally observed depth level.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// ObservedDepth is the last depth snapshot received from a data source.
// It is unrelated to the simulated order books.
type ObservedDepth struct {
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	Timestamp time.Time `json:"timestamp"`
}

// ring is a fixed-capacity FIFO that overwrites its oldest entry.
type ring struct {
	buf   []Tick
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Tick, capacity)}
}

func (r *ring) push(t Tick) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = t
		r.n++
		return
	}
	r.buf[r.start] = t
	r.start = (r.start + 1) % len(r.buf)
}

// last returns up to n most recent ticks, oldest first. n <= 0 returns all.
func (r *ring) last(n int) []Tick {
	if n <= 0 || n > r.n {
		n = r.n
	}
	out := make([]Tick, n)
	skip := r.n - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+skip+i)%len(r.buf)]
	}
	return out
}

type symbolData struct {
	latest  Tick
	history *ring
	depth   *ObservedDepth
}

// DataManager holds the latest replayed market state per symbol.
type DataManager struct {
	mu       sync.RWMutex
	capacity int
	symbols  map[string]*symbolData
	prices   map[string]decimal.Decimal
}

// NewDataManager creates a manager whose per-symbol history keeps capacity
// ticks. Non-positive capacity uses DefaultHistorySize.
func NewDataManager(capacity int) *DataManager {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &DataManager{
		capacity: capacity,
		symbols:  make(map[string]*symbolData),
		prices:   make(map[string]decimal.Decimal),
	}
}

func (dm *DataManager) entry(symbol string) *symbolData {
	sd, ok := dm.symbols[symbol]
	if !ok {
		sd = &symbolData{history: newRing(dm.capacity)}
		dm.symbols[symbol] = sd
	}
	return sd
}

// Update overwrites the snapshot, appends to history and updates the price map.
func (dm *DataManager) Update(symbol string, t Tick) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	sd := dm.entry(symbol)
	sd.latest = t
	sd.history.push(t)
	dm.prices[symbol] = t.Price
}

// UpdateDepth stores externally observed depth. Levels are copied.
func (dm *DataManager) UpdateDepth(symbol string, bids, asks []Level, ts time.Time) {
	d := &ObservedDepth{
		Bids:      append([]Level(nil), bids...),
		Asks:      append([]Level(nil), asks...),
		Timestamp: ts,
	}
	sort.SliceStable(d.Bids, func(i, j int) bool { return d.Bids[i].Price.GreaterThan(d.Bids[j].Price) })
	sort.SliceStable(d.Asks, func(i, j int) bool { return d.Asks[i].Price.LessThan(d.Asks[j].Price) })

	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.entry(symbol).depth = d
}

func (dm *DataManager) Latest(symbol string) (Tick, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	sd, ok := dm.symbols[symbol]
	if !ok || sd.history.n == 0 {
		return Tick{}, false
	}
	return sd.latest, true
}

func (dm *DataManager) Price(symbol string) (decimal.Decimal, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	p, ok := dm.prices[symbol]
	return p, ok
}

// Prices returns a copy of the latest-price map.
func (dm *DataManager) Prices() map[string]decimal.Decimal {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(dm.prices))
	for k, v := range dm.prices {
		out[k] = v
	}
	return out
}

// BestBid is the top of the last observed depth, not of the simulated book.
func (dm *DataManager) BestBid(symbol string) (decimal.Decimal, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	sd, ok := dm.symbols[symbol]
	if !ok || sd.depth == nil || len(sd.depth.Bids) == 0 {
		return decimal.Zero, false
	}
	return sd.depth.Bids[0].Price, true
}

// BestAsk is the top of the last observed depth, not of the simulated book.
func (dm *DataManager) BestAsk(symbol string) (decimal.Decimal, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	sd, ok := dm.symbols[symbol]
	if !ok || sd.depth == nil || len(sd.depth.Asks) == 0 {
		return decimal.Zero, false
	}
	return sd.depth.Asks[0].Price, true
}

func (dm *DataManager) Depth(symbol string) (ObservedDepth, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	sd, ok := dm.symbols[symbol]
	if !ok || sd.depth == nil {
		return ObservedDepth{}, false
	}
	d := *sd.depth
	d.Bids = append([]Level(nil), d.Bids...)
	d.Asks = append([]Level(nil), d.Asks...)
	return d, true
}

// History returns up to n most recent ticks, oldest first. n <= 0 returns all.
func (dm *DataManager) History(symbol string, n int) []Tick {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	sd, ok := dm.symbols[symbol]
	if !ok {
		return nil
	}
	return sd.history.last(n)
}

// Symbols lists every symbol seen so far, sorted.
func (dm *DataManager) Symbols() []string {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	out := make([]string, 0, len(dm.symbols))
	for s := range dm.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
