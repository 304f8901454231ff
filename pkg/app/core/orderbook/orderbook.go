// Package orderbook holds the resting limit orders of one symbol in strict
// price/time priority: best price first, and within a price the order that
// arrived first (lowest id) first.
package orderbook

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/uhyunpark/xchange/pkg/app/core"
)

// Level is the aggregated depth at one price.
type Level struct {
	Price core.Amount
	Qty   core.Amount // total remaining qty at this price
	Count int
}

type side struct {
	heap   priceHeap                     // best price on top
	levels map[core.Amount][]*core.Order // price -> FIFO queue
}

// Book is the order book of one symbol.
type Book struct {
	mu     sync.RWMutex
	symbol core.Symbol
	bids   side
	asks   side
	index  map[uint64]*core.Order // order id -> resting order
}

func New(symbol core.Symbol) *Book {
	bidHeap := &MaxPriceHeap{}
	askHeap := &MinPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)

	return &Book{
		symbol: symbol,
		bids:   side{heap: bidHeap, levels: make(map[core.Amount][]*core.Order)},
		asks:   side{heap: askHeap, levels: make(map[core.Amount][]*core.Order)},
		index:  make(map[uint64]*core.Order),
	}
}

func (b *Book) Symbol() core.Symbol { return b.symbol }

func (b *Book) sideOf(s core.Side) *side {
	if s == core.Buy {
		return &b.bids
	}
	return &b.asks
}

// Insert rests a limit order with positive remaining quantity. Within a price
// level ids must arrive in increasing order.
func (b *Book) Insert(o core.Order) error {
	if o.Kind != core.Limit {
		return fmt.Errorf("orderbook: order %d is not a limit order", o.ID)
	}
	if o.Symbol != b.symbol {
		return fmt.Errorf("orderbook: order %d is for %s, book is %s", o.ID, o.Symbol, b.symbol)
	}
	if o.Remaining.IsZero() || o.Price.IsZero() || !o.Side.Valid() {
		return fmt.Errorf("orderbook: order %d has no remaining qty, no price or no side", o.ID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.index[o.ID]; dup {
		return fmt.Errorf("orderbook: duplicate order id %d", o.ID)
	}
	s := b.sideOf(o.Side)
	queue := s.levels[o.Price]
	if n := len(queue); n > 0 && queue[n-1].ID > o.ID {
		return fmt.Errorf("orderbook: order %d arrives behind %d at the same price", o.ID, queue[n-1].ID)
	}
	if len(queue) == 0 {
		// New price level
		heap.Push(s.heap, o.Price)
	}
	cp := o
	s.levels[o.Price] = append(queue, &cp)
	b.index[o.ID] = &cp
	return nil
}

// Best returns the highest priority resting order on side s.
func (b *Book) Best(s core.Side) (core.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sd := b.sideOf(s)
	if sd.heap.Len() == 0 {
		return core.Order{}, false
	}
	return *sd.levels[sd.heap.Peek()][0], true
}

// BestOpposite returns the order an incoming order of side s would meet
// first: the best ask for a buy, the best bid for a sell.
func (b *Book) BestOpposite(s core.Side) (core.Order, bool) {
	return b.Best(s.Opposite())
}

// Get returns a copy of resting order id.
func (b *Book) Get(id uint64) (core.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.index[id]
	if !ok {
		return core.Order{}, false
	}
	return *o, true
}

// ReduceOrRemove subtracts filled from order id's remaining quantity and
// removes the order when nothing remains. Filling more than remains panics.
func (b *Book) ReduceOrRemove(id uint64, filled core.Amount) (removed bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.index[id]
	if !ok {
		return false, fmt.Errorf("%w: %d", core.ErrUnknownOrder, id)
	}
	if o.Remaining.Lt(&filled) {
		panic(fmt.Sprintf("orderbook: fill of %s exceeds remaining %s on order %d",
			filled.Dec(), o.Remaining.Dec(), id))
	}
	o.Remaining.Sub(&o.Remaining, &filled)
	if !o.Remaining.IsZero() {
		return false, nil
	}
	b.removeLocked(o)
	return true, nil
}

// Remove takes order id off the book and returns it.
func (b *Book) Remove(id uint64) (core.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.index[id]
	if !ok {
		return core.Order{}, fmt.Errorf("%w: %d", core.ErrUnknownOrder, id)
	}
	b.removeLocked(o)
	return *o, nil
}

func (b *Book) removeLocked(o *core.Order) {
	s := b.sideOf(o.Side)
	queue := s.levels[o.Price]
	for i, q := range queue {
		if q.ID == o.ID {
			queue = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(s.levels, o.Price)
		removeFromHeap(s.heap, o.Price)
	} else {
		s.levels[o.Price] = queue
	}
	delete(b.index, o.ID)
}

// removeFromHeap removes a price level from the heap (O(L) scan).
func removeFromHeap(h priceHeap, price core.Amount) {
	for i := 0; i < h.Len(); i++ {
		if p := h.at(i); p.Eq(&price) {
			heap.Remove(h, i)
			return
		}
	}
}

// Walk visits the resting orders of side s in priority order until fn
// returns false. fn receives copies; the book is read-locked for the walk
// and must not be mutated from fn.
func (b *Book) Walk(s core.Side, fn func(o core.Order) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sd := b.sideOf(s)
	h := sd.heap.clone()
	for h.Len() > 0 {
		price := heap.Pop(h).(core.Amount)
		for _, o := range sd.levels[price] {
			if !fn(*o) {
				return
			}
		}
	}
}

// Snapshot returns copies of every resting order on side s in priority order.
func (b *Book) Snapshot(s core.Side) []core.Order {
	var out []core.Order
	b.Walk(s, func(o core.Order) bool {
		out = append(out, o)
		return true
	})
	return out
}

// Levels returns the depth of side s, best price first.
func (b *Book) Levels(s core.Side) []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sd := b.sideOf(s)
	h := sd.heap.clone()
	levels := make([]Level, 0, h.Len())
	for h.Len() > 0 {
		price := heap.Pop(h).(core.Amount)
		lvl := Level{Price: price}
		for _, o := range sd.levels[price] {
			// Level totals are bounded by the ledger's locked balances.
			lvl.Qty.Add(&lvl.Qty, &o.Remaining)
			lvl.Count++
		}
		levels = append(levels, lvl)
	}
	return levels
}

// Len returns the number of resting orders on side s.
func (b *Book) Len(s core.Side) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, q := range b.sideOf(s).levels {
		n += len(q)
	}
	return n
}
