// Package orderbook holds the resting orders of one symbol in two price
// ladders and answers depth and trigger queries against them. It does not
// match: callers decide what to do with triggered orders.
package orderbook

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// level is the FIFO queue of orders at one price.
type level struct {
	price  decimal.Decimal
	orders []*Order
}

func (l *level) total() decimal.Decimal {
	sum := decimal.Zero
	for _, o := range l.orders {
		sum = sum.Add(o.Remaining)
	}
	return sum
}

type OrderBook struct {
	mu sync.RWMutex

	symbol string

	// Heap-based best price tracking (O(1) peek)
	bidHeap *MaxPriceHeap
	askHeap *MinPriceHeap

	// Price levels keyed by canonical decimal string
	bids map[string]*level
	asks map[string]*level

	// Order index for O(1) lookup and cancellation
	index map[string]*Order

	seq       uint64
	lastFill  decimal.Decimal
	hasFilled bool
}

func NewOrderBook(symbol string) *OrderBook {
	bidHeap := &MaxPriceHeap{}
	askHeap := &MinPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)

	return &OrderBook{
		symbol:  symbol,
		bidHeap: bidHeap,
		askHeap: askHeap,
		bids:    make(map[string]*level),
		asks:    make(map[string]*level),
		index:   make(map[string]*Order),
	}
}

func (ob *OrderBook) Symbol() string { return ob.symbol }

func priceKey(p decimal.Decimal) string { return p.String() }

// AddOrder rests a new order at the tail of its price level.
func (ob *OrderBook) AddOrder(id string, side Side, price, qty decimal.Decimal) error {
	if id == "" {
		return ErrEmptyOrderID
	}
	if !side.Valid() {
		return ErrInvalidSide
	}
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	if !qty.IsPositive() {
		return ErrInvalidQuantity
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, exists := ob.index[id]; exists {
		return ErrDuplicateOrderID
	}

	ob.seq++
	o := &Order{
		ID:        id,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Remaining: qty,
		Seq:       ob.seq,
	}

	key := priceKey(price)
	if side == Buy {
		lvl, ok := ob.bids[key]
		if !ok {
			lvl = &level{price: price}
			ob.bids[key] = lvl
			heap.Push(ob.bidHeap, price)
		}
		lvl.orders = append(lvl.orders, o)
	} else {
		lvl, ok := ob.asks[key]
		if !ok {
			lvl = &level{price: price}
			ob.asks[key] = lvl
			heap.Push(ob.askHeap, price)
		}
		lvl.orders = append(lvl.orders, o)
	}
	ob.index[id] = o
	return nil
}

// RemoveOrder drops an order from the index and its ladder. Unknown ids
// return false and leave the book untouched.
func (ob *OrderBook) RemoveOrder(id string) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	o, ok := ob.index[id]
	if !ok {
		return false
	}
	ob.unlink(o)
	return true
}

// unlink removes o from its level, dropping the level when it empties.
// Caller holds the write lock.
func (ob *OrderBook) unlink(o *Order) {
	levels := ob.asks
	if o.Side == Buy {
		levels = ob.bids
	}
	key := priceKey(o.Price)
	if lvl, ok := levels[key]; ok {
		for i, x := range lvl.orders {
			if x == o {
				lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
				break
			}
		}
		if len(lvl.orders) == 0 {
			delete(levels, key)
			if o.Side == Buy {
				ob.removeFromBidHeap(o.Price)
			} else {
				ob.removeFromAskHeap(o.Price)
			}
		}
	}
	delete(ob.index, o.ID)
}

// removeFromBidHeap removes a price level from the bid heap (O(N) worst case, but rare)
func (ob *OrderBook) removeFromBidHeap(price decimal.Decimal) {
	for i := 0; i < ob.bidHeap.Len(); i++ {
		if (*ob.bidHeap)[i].Equal(price) {
			heap.Remove(ob.bidHeap, i)
			return
		}
	}
}

// removeFromAskHeap removes a price level from the ask heap (O(N) worst case, but rare)
func (ob *OrderBook) removeFromAskHeap(price decimal.Decimal) {
	for i := 0; i < ob.askHeap.Len(); i++ {
		if (*ob.askHeap)[i].Equal(price) {
			heap.Remove(ob.askHeap, i)
			return
		}
	}
}

// Fill executes qty of a resting order and returns what remains. A fully
// filled order leaves the book.
func (ob *OrderBook) Fill(id string, qty decimal.Decimal) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, ErrInvalidQuantity
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	o, ok := ob.index[id]
	if !ok {
		return decimal.Zero, ErrOrderNotFound
	}
	if qty.GreaterThan(o.Remaining) {
		return o.Remaining, ErrOverfill
	}

	o.Remaining = o.Remaining.Sub(qty)
	ob.lastFill = o.Price
	ob.hasFilled = true
	if o.Remaining.IsZero() {
		ob.unlink(o)
	}
	return o.Remaining, nil
}

// Order returns a copy of a resting order.
func (ob *OrderBook) Order(id string) (Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	o, ok := ob.index[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Len is the number of resting orders.
func (ob *OrderBook) Len() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.index)
}

func (ob *OrderBook) IsEmpty() bool {
	return ob.Len() == 0
}

// BestBid returns the highest bid price (O(1) with heap)
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bidHeap.Peek()
}

// BestAsk returns the lowest ask price (O(1) with heap)
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.askHeap.Peek()
}

// Spread is best ask minus best bid, if both sides are present.
func (ob *OrderBook) Spread() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.spread()
}

func (ob *OrderBook) spread() (decimal.Decimal, bool) {
	bid, okBid := ob.bidHeap.Peek()
	ask, okAsk := ob.askHeap.Peek()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return ask.Sub(bid), true
}

// MidPrice is the average of best bid and best ask, if both sides are present.
func (ob *OrderBook) MidPrice() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bid, okBid := ob.bidHeap.Peek()
	ask, okAsk := ob.askHeap.Peek()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// sortedBids returns bid levels high to low (best bid first).
func (ob *OrderBook) sortedBids() []*level {
	out := make([]*level, 0, len(ob.bids))
	for _, lvl := range ob.bids {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].price.GreaterThan(out[j].price)
	})
	return out
}

// sortedAsks returns ask levels low to high (best ask first).
func (ob *OrderBook) sortedAsks() []*level {
	out := make([]*level, 0, len(ob.asks))
	for _, lvl := range ob.asks {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].price.LessThan(out[j].price)
	})
	return out
}

func aggregate(levels []*level, limit int) []PriceLevel {
	if limit > 0 && len(levels) > limit {
		levels = levels[:limit]
	}
	out := make([]PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, PriceLevel{Price: lvl.price, Quantity: lvl.total(), Orders: len(lvl.orders)})
	}
	return out
}

// Depth returns up to limit levels per side with aggregated remaining
// quantity. limit <= 0 returns every level.
func (ob *OrderBook) Depth(limit int) Depth {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	return Depth{
		Bids: aggregate(ob.sortedBids(), limit),
		Asks: aggregate(ob.sortedAsks(), limit),
	}
}

// CheckTriggers returns copies of the orders that would execute against ref,
// bids best-first then asks best-first, FIFO within a level. It does not
// modify the book.
func (ob *OrderBook) CheckTriggers(ref decimal.Decimal) []Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	var out []Order
	for _, lvl := range ob.sortedBids() {
		if ref.GreaterThan(lvl.price) {
			break
		}
		for _, o := range lvl.orders {
			out = append(out, *o)
		}
	}
	for _, lvl := range ob.sortedAsks() {
		if ref.LessThan(lvl.price) {
			break
		}
		for _, o := range lvl.orders {
			out = append(out, *o)
		}
	}
	return out
}

func (ob *OrderBook) Statistics() Statistics {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	st := Statistics{
		Symbol:    ob.symbol,
		Orders:    len(ob.index),
		BidLevels: len(ob.bids),
		AskLevels: len(ob.asks),
	}
	if bid, ok := ob.bidHeap.Peek(); ok {
		st.BestBid = decimal.NewNullDecimal(bid)
	}
	if ask, ok := ob.askHeap.Peek(); ok {
		st.BestAsk = decimal.NewNullDecimal(ask)
	}
	if spread, ok := ob.spread(); ok {
		st.Spread = decimal.NewNullDecimal(spread)
	}
	if ob.hasFilled {
		st.LastFill = decimal.NewNullDecimal(ob.lastFill)
	}
	return st
}
