// Package matching runs limit and market orders against the per-symbol books
// and settles every fill through the ledger.
//
// Submit works in two passes. The plan pass walks the opposite side of the
// book without mutating anything and computes every fill, every lock and
// every balance check. The apply pass then executes the plan and cannot fail
// for a user reason: an error from Submit always means nothing changed.
package matching

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/app/core/ledger"
	"github.com/uhyunpark/xchange/pkg/app/core/orderbook"
	"github.com/uhyunpark/xchange/pkg/util"
)

// Listings reports which symbols are tradeable.
type Listings interface {
	IsListed(symbol core.Symbol) bool
}

// Request is an order as submitted by a party. Price is ignored for market
// orders.
type Request struct {
	Party  common.Address
	Symbol core.Symbol
	Side   core.Side
	Kind   core.Kind
	Amount core.Amount
	Price  core.Amount
}

// Result describes what a submitted order did.
type Result struct {
	// Order is the incoming order after matching. Remaining is what rested
	// (limit) or was discarded (market).
	Order  core.Order
	Trades []core.Trade
	// Makers holds the resting orders that traded, in fill order, with their
	// post-fill Remaining. Zero Remaining means the order left the book.
	Makers []core.Order
	Rested bool
}

// Engine owns the books and the order/trade counters. It is not safe for
// concurrent use.
type Engine struct {
	ledger   *ledger.Ledger
	listings Listings
	quote    core.Symbol
	clock    util.Clock

	books map[core.Symbol]*orderbook.Book
	index map[uint64]core.Symbol // resting order id -> book

	nextOrderID uint64
	nextTradeID uint64
}

func NewEngine(l *ledger.Ledger, listings Listings, quote core.Symbol, clock util.Clock) *Engine {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Engine{
		ledger:      l,
		listings:    listings,
		quote:       quote,
		clock:       clock,
		books:       make(map[core.Symbol]*orderbook.Book),
		index:       make(map[uint64]core.Symbol),
		nextOrderID: 1,
		nextTradeID: 1,
	}
}

func (e *Engine) Quote() core.Symbol { return e.quote }

func (e *Engine) NextOrderID() uint64 { return e.nextOrderID }

func (e *Engine) NextTradeID() uint64 { return e.nextTradeID }

// book returns the book of symbol, creating it on first use.
func (e *Engine) book(symbol core.Symbol) *orderbook.Book {
	b, ok := e.books[symbol]
	if !ok {
		b = orderbook.New(symbol)
		e.books[symbol] = b
	}
	return b
}

// Book returns the book of symbol, or nil if no order was ever placed in it.
func (e *Engine) Book(symbol core.Symbol) *orderbook.Book {
	return e.books[symbol]
}

// Symbols returns the symbols that have a book, in byte order.
func (e *Engine) Symbols() []core.Symbol {
	out := make([]core.Symbol, 0, len(e.books))
	for s := range e.books {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i][:]) < string(out[j][:]) })
	return out
}

// Orders returns the resting orders of one side in priority order.
func (e *Engine) Orders(symbol core.Symbol, side core.Side) []core.Order {
	b := e.books[symbol]
	if b == nil {
		return nil
	}
	return b.Snapshot(side)
}

// Depth returns the aggregated price levels of one side, best first.
func (e *Engine) Depth(symbol core.Symbol, side core.Side) []orderbook.Level {
	b := e.books[symbol]
	if b == nil {
		return nil
	}
	return b.Levels(side)
}

// Order returns resting order id.
func (e *Engine) Order(id uint64) (core.Order, bool) {
	sym, ok := e.index[id]
	if !ok {
		return core.Order{}, false
	}
	return e.books[sym].Get(id)
}

// RestingOrders returns every resting order ordered by id.
func (e *Engine) RestingOrders() []core.Order {
	out := make([]core.Order, 0, len(e.index))
	for id, sym := range e.index {
		if o, ok := e.books[sym].Get(id); ok {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type fill struct {
	maker core.Order
	qty   core.Amount
	value core.Amount // qty × maker price, in quote
}

type plan struct {
	fills     []fill
	remaining core.Amount
	cost      core.Amount // Σ fill value
	lockSym   core.Symbol
	lock      core.Amount
}

func (e *Engine) validate(req *Request) error {
	if req.Symbol.IsZero() {
		return core.ErrInvalidSymbol
	}
	if !e.listings.IsListed(req.Symbol) {
		return fmt.Errorf("%w: %s", core.ErrNotListed, req.Symbol)
	}
	if req.Symbol == e.quote {
		return fmt.Errorf("%w: %s", core.ErrQuoteSymbol, req.Symbol)
	}
	if !e.listings.IsListed(e.quote) {
		return fmt.Errorf("%w: quote symbol %s", core.ErrNotListed, e.quote)
	}
	if !req.Side.Valid() {
		return fmt.Errorf("invalid side %d", req.Side)
	}
	if req.Amount.IsZero() {
		return fmt.Errorf("%w: zero amount", core.ErrInvalidAmount)
	}
	switch req.Kind {
	case core.Limit:
		if req.Price.IsZero() {
			return fmt.Errorf("%w: zero limit price", core.ErrInvalidPrice)
		}
	case core.Market:
		req.Price = core.Amount{}
	default:
		return fmt.Errorf("unknown order kind %d", req.Kind)
	}
	return nil
}

// plan computes the fills and locks of req without mutating any state.
func (e *Engine) plan(req *Request) (*plan, error) {
	p := &plan{remaining: req.Amount}
	incoming := core.Order{Party: req.Party, Side: req.Side, Kind: req.Kind, Price: req.Price}

	var err error
	if b := e.books[req.Symbol]; b != nil {
		b.Walk(req.Side.Opposite(), func(maker core.Order) bool {
			if p.remaining.IsZero() || !incoming.Crosses(&maker) {
				return false
			}
			if maker.Party == req.Party {
				err = fmt.Errorf("%w: order would cross %s's resting order %d",
					core.ErrSelfTrade, req.Party.Hex(), maker.ID)
				return false
			}
			qty := core.MinAmount(p.remaining, maker.Remaining)
			var value core.Amount
			if value, err = core.Mul(qty, maker.Price); err != nil {
				return false
			}
			if p.cost, err = core.Add(p.cost, value); err != nil {
				return false
			}
			p.remaining.Sub(&p.remaining, &qty)
			p.fills = append(p.fills, fill{maker: maker, qty: qty, value: value})
			return true
		})
	}
	if err != nil {
		return nil, err
	}

	switch {
	case req.Side == core.Sell:
		p.lockSym, p.lock = req.Symbol, req.Amount
	case req.Kind == core.Limit:
		p.lockSym = e.quote
		if p.lock, err = core.Mul(req.Amount, req.Price); err != nil {
			return nil, err
		}
	default:
		// Market buy: nothing is locked, fills are paid from free quote.
		free, _ := e.ledger.Balance(req.Party, e.quote)
		if free.Lt(&p.cost) {
			return nil, fmt.Errorf("%w: %s has %s %s free, market buy costs %s",
				core.ErrInsufficientFreeBalance, req.Party.Hex(), free.Dec(), e.quote, p.cost.Dec())
		}
		return p, nil
	}

	free, _ := e.ledger.Balance(req.Party, p.lockSym)
	if free.Lt(&p.lock) {
		return nil, fmt.Errorf("%w: %s has %s %s free, order locks %s",
			core.ErrInsufficientFreeBalance, req.Party.Hex(), free.Dec(), p.lockSym, p.lock.Dec())
	}
	return p, nil
}

// Submit validates, matches and settles req. On error no state has changed.
func (e *Engine) Submit(req Request) (*Result, error) {
	if err := e.validate(&req); err != nil {
		return nil, err
	}
	p, err := e.plan(&req)
	if err != nil {
		return nil, err
	}
	return e.apply(&req, p), nil
}

func (e *Engine) apply(req *Request, p *plan) *Result {
	order := core.Order{
		ID:        e.nextOrderID,
		Party:     req.Party,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Kind:      req.Kind,
		Price:     req.Price,
		Original:  req.Amount,
		Remaining: req.Amount,
	}
	e.nextOrderID++

	if !p.lock.IsZero() {
		if err := e.ledger.Lock(req.Party, p.lockSym, p.lock); err != nil {
			panic(fmt.Sprintf("matching: planned lock failed: %v", err))
		}
	}

	res := &Result{}
	now := e.clock.Now().UnixMilli()
	b := e.book(req.Symbol)
	for _, f := range p.fills {
		buyer, seller := req.Party, f.maker.Party
		if req.Side == core.Sell {
			buyer, seller = seller, buyer
		}

		e.ledger.UnlockAndTransfer(seller, buyer, req.Symbol, f.qty)
		if req.Side == core.Buy && req.Kind == core.Market {
			e.ledger.TransferFree(buyer, seller, e.quote, f.value)
		} else {
			e.ledger.UnlockAndTransfer(buyer, seller, e.quote, f.value)
		}
		if req.Side == core.Buy && req.Kind == core.Limit && req.Price.Gt(&f.maker.Price) {
			// Price improvement: release qty × (limit - trade) of the lock.
			var diff, surplus core.Amount
			diff.Sub(&req.Price, &f.maker.Price)
			surplus.Mul(&f.qty, &diff)
			e.ledger.ReleaseLock(buyer, e.quote, surplus)
		}

		removed, err := b.ReduceOrRemove(f.maker.ID, f.qty)
		if err != nil {
			panic(fmt.Sprintf("matching: planned maker vanished: %v", err))
		}
		if removed {
			delete(e.index, f.maker.ID)
		}
		order.Remaining.Sub(&order.Remaining, &f.qty)

		maker := f.maker
		maker.Remaining.Sub(&maker.Remaining, &f.qty)
		res.Makers = append(res.Makers, maker)
		res.Trades = append(res.Trades, core.Trade{
			ID:           e.nextTradeID,
			Symbol:       req.Symbol,
			Price:        f.maker.Price,
			Qty:          f.qty,
			TakerOrderID: order.ID,
			MakerOrderID: f.maker.ID,
			TakerSide:    req.Side,
			Buyer:        buyer,
			Seller:       seller,
			Timestamp:    now,
		})
		e.nextTradeID++
	}

	if !order.Remaining.IsZero() {
		switch {
		case order.Kind == core.Limit:
			if err := b.Insert(order); err != nil {
				panic(fmt.Sprintf("matching: rest order %d: %v", order.ID, err))
			}
			e.index[order.ID] = order.Symbol
			res.Rested = true
		case order.Side == core.Sell:
			e.ledger.ReleaseLock(order.Party, order.Symbol, order.Remaining)
		}
	}
	res.Order = order
	return res
}

// Cancel removes party's resting order id and releases its remaining lock.
func (e *Engine) Cancel(party common.Address, id uint64) (core.Order, error) {
	sym, ok := e.index[id]
	if !ok {
		return core.Order{}, fmt.Errorf("%w: %d", core.ErrUnknownOrder, id)
	}
	b := e.books[sym]
	o, ok := b.Get(id)
	if !ok {
		panic(fmt.Sprintf("matching: indexed order %d missing from %s book", id, sym))
	}
	if o.Party != party {
		return core.Order{}, fmt.Errorf("%w: order %d belongs to %s", core.ErrUnauthorized, id, o.Party.Hex())
	}

	if _, err := b.Remove(id); err != nil {
		panic(fmt.Sprintf("matching: cancel %d: %v", id, err))
	}
	delete(e.index, id)

	lockSym, lock := lockOf(&o, e.quote)
	e.ledger.ReleaseLock(party, lockSym, lock)
	return o, nil
}

// lockOf returns the exact lock held by resting order o.
func lockOf(o *core.Order, quote core.Symbol) (core.Symbol, core.Amount) {
	if o.Side == core.Sell {
		return o.Symbol, o.Remaining
	}
	var lock core.Amount
	lock.Mul(&o.Remaining, &o.Price)
	return quote, lock
}

// Restore reinserts persisted resting orders and resets the counters. The
// ledger must already hold the matching locks.
func (e *Engine) Restore(orders []core.Order, nextOrderID, nextTradeID uint64) error {
	if nextOrderID == 0 || nextTradeID == 0 {
		return fmt.Errorf("restore orders: counters start at 1")
	}
	sorted := append([]core.Order(nil), orders...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	books := make(map[core.Symbol]*orderbook.Book)
	index := make(map[uint64]core.Symbol, len(sorted))
	for _, o := range sorted {
		if o.ID >= nextOrderID {
			return fmt.Errorf("restore orders: order %d not below next id %d", o.ID, nextOrderID)
		}
		b, ok := books[o.Symbol]
		if !ok {
			b = orderbook.New(o.Symbol)
			books[o.Symbol] = b
		}
		if err := b.Insert(o); err != nil {
			return fmt.Errorf("restore orders: %w", err)
		}
		index[o.ID] = o.Symbol
	}

	e.books = books
	e.index = index
	e.nextOrderID = nextOrderID
	e.nextTradeID = nextTradeID
	return nil
}
