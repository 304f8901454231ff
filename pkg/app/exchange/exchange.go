// Package exchange is the single entry point to the custodial exchange. It
// serialises every mutation behind one lock, commits each applied operation
// to the store in one batch and notifies subscribers after the lock is
// released.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/app/core/governance"
	"github.com/uhyunpark/xchange/pkg/app/core/ledger"
	"github.com/uhyunpark/xchange/pkg/app/core/matching"
	"github.com/uhyunpark/xchange/pkg/app/core/orderbook"
	"github.com/uhyunpark/xchange/pkg/storage"
	"github.com/uhyunpark/xchange/pkg/token"
	"github.com/uhyunpark/xchange/pkg/util"
)

// ErrStaleNonce rejects a signed request whose nonce is not above the
// owner's last accepted one.
var ErrStaleNonce = errors.New("stale nonce")

// Store persists committed change sets.
type Store interface {
	Commit(cs *storage.ChangeSet) error
	RecentTrades(symbol core.Symbol, limit int) ([]core.Trade, error)
}

// RequestObserver is told about every operation once it has finished.
type RequestObserver interface {
	ObserveRequest(action string, err error, took time.Duration)
}

type Config struct {
	Quorum            []common.Address
	RequiredApprovals int
	QuoteSymbol       core.Symbol
	// Address is the custody account that holds deposited tokens.
	Address common.Address
}

type Exchange struct {
	mu sync.RWMutex

	address  common.Address
	registry *governance.Registry
	ledger   *ledger.Ledger
	engine   *matching.Engine
	tokens   token.Resolver
	nonces   map[common.Address]uint64
	halted   error

	store    Store
	journal  storage.Journal
	observer RequestObserver
	clock    util.Clock
	log      *zap.SugaredLogger

	tradeHooks []func(core.Trade)
	bookHooks  []func(core.Symbol)
}

type Option func(*Exchange)

func WithStore(s Store) Option               { return func(x *Exchange) { x.store = s } }
func WithJournal(j storage.Journal) Option   { return func(x *Exchange) { x.journal = j } }
func WithLogger(l *zap.SugaredLogger) Option { return func(x *Exchange) { x.log = l } }
func WithClock(c util.Clock) Option          { return func(x *Exchange) { x.clock = c } }
func WithObserver(o RequestObserver) Option  { return func(x *Exchange) { x.observer = o } }

// WithTradeHook registers fn to receive every trade after it is committed.
// fn runs on the caller's goroutine and must not block.
func WithTradeHook(fn func(core.Trade)) Option {
	return func(x *Exchange) { x.tradeHooks = append(x.tradeHooks, fn) }
}

// WithBookHook registers fn to be told which book changed after a commit.
func WithBookHook(fn func(core.Symbol)) Option {
	return func(x *Exchange) { x.bookHooks = append(x.bookHooks, fn) }
}

func New(cfg Config, tokens token.Resolver, opts ...Option) (*Exchange, error) {
	if cfg.QuoteSymbol.IsZero() {
		return nil, fmt.Errorf("%w: quote symbol", core.ErrInvalidSymbol)
	}
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("exchange address must be set")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token resolver must be set")
	}
	reg, err := governance.New(cfg.Quorum, cfg.RequiredApprovals)
	if err != nil {
		return nil, err
	}

	x := &Exchange{
		address:  cfg.Address,
		registry: reg,
		ledger:   ledger.New(),
		tokens:   tokens,
		nonces:   make(map[common.Address]uint64),
		store:    discardStore{},
		journal:  storage.NewNopJournal(),
		clock:    util.RealClock{},
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(x)
	}
	x.engine = matching.NewEngine(x.ledger, x.registry, cfg.QuoteSymbol, x.clock)
	return x, nil
}

// Restore loads persisted state. It must run before the first operation.
// Resting orders must account for every locked balance exactly.
func (x *Exchange) Restore(st *storage.State) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.registry.Restore(st.Listings); err != nil {
		return err
	}
	if err := x.ledger.Restore(st.Entries); err != nil {
		return err
	}
	if err := checkLocks(st.Entries, st.Orders, x.engine.Quote()); err != nil {
		return err
	}
	if err := x.engine.Restore(st.Orders, st.Counters.NextOrderID, st.Counters.NextTradeID); err != nil {
		return err
	}
	x.nonces = make(map[common.Address]uint64, len(st.Nonces))
	for k, v := range st.Nonces {
		x.nonces[k] = v
	}
	x.log.Infow("state_restored",
		"listings", len(st.Listings),
		"entries", len(st.Entries),
		"orders", len(st.Orders),
		"next_order_id", st.Counters.NextOrderID,
	)
	return nil
}

func checkLocks(entries []ledger.Entry, orders []core.Order, quote core.Symbol) error {
	type key struct {
		party  common.Address
		symbol core.Symbol
	}
	want := make(map[key]core.Amount)
	for i := range orders {
		o := &orders[i]
		k, lock := key{o.Party, o.Symbol}, o.Remaining
		if o.Side == core.Buy {
			k.symbol = quote
			var err error
			if lock, err = core.Mul(o.Remaining, o.Price); err != nil {
				return fmt.Errorf("restore: order %d: %w", o.ID, err)
			}
		}
		sum, err := core.Add(want[k], lock)
		if err != nil {
			return fmt.Errorf("restore: locks of %s/%s: %w", k.party.Hex(), k.symbol, err)
		}
		want[k] = sum
	}
	for _, e := range entries {
		k := key{e.Party, e.Symbol}
		w := want[k]
		if !w.Eq(&e.Locked) {
			return fmt.Errorf("restore: %s/%s locked %s but resting orders hold %s",
				e.Party.Hex(), e.Symbol, e.Locked.Dec(), w.Dec())
		}
		delete(want, k)
	}
	for k, w := range want {
		return fmt.Errorf("restore: resting orders hold %s %s for %s without a ledger entry",
			w.Dec(), k.symbol, k.party.Hex())
	}
	return nil
}

func (x *Exchange) Address() common.Address { return x.address }

func (x *Exchange) Quote() core.Symbol { return x.engine.Quote() }

// Quorum returns the governance members fixed at construction.
func (x *Exchange) Quorum() []common.Address { return x.registry.Quorum() }

func (x *Exchange) RequiredApprovals() int { return x.registry.RequiredApprovals() }

// Halted returns the commit error that stopped the exchange, or nil.
func (x *Exchange) Halted() error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.halted
}

func (x *Exchange) Listings() []governance.Listing { return x.registry.Listings() }

func (x *Exchange) Listing(id uint64) (governance.Listing, error) { return x.registry.Listing(id) }

// GetOrders returns the resting orders of one side in priority order.
func (x *Exchange) GetOrders(symbol core.Symbol, side core.Side) []core.Order {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.engine.Orders(symbol, side)
}

func (x *Exchange) Depth(symbol core.Symbol, side core.Side) []orderbook.Level {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.engine.Depth(symbol, side)
}

func (x *Exchange) BalanceOf(party common.Address, symbol core.Symbol) (free, locked core.Amount) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.ledger.Balance(party, symbol)
}

// Nonce returns the last accepted request nonce of owner.
func (x *Exchange) Nonce(owner common.Address) uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.nonces[owner]
}

// RecentTrades returns up to limit trades of symbol, newest first.
func (x *Exchange) RecentTrades(symbol core.Symbol, limit int) ([]core.Trade, error) {
	return x.store.RecentTrades(symbol, limit)
}

// Owed is what the ledger owes all parties in symbol, free plus locked.
func (x *Exchange) Owed(symbol core.Symbol) (core.Amount, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.ledger.Total(symbol)
}

// CheckSolvency verifies that the custody account holds at least what the
// ledger owes in symbol.
func (x *Exchange) CheckSolvency(ctx context.Context, symbol core.Symbol) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	tok, err := x.tokenFor(symbol)
	if err != nil {
		return err
	}
	owed, err := x.ledger.Total(symbol)
	if err != nil {
		return err
	}
	held := tok.BalanceOf(x.address)
	if owed.Gt(&held) {
		return fmt.Errorf("%w: %s owes %s, holds %s", core.ErrInsolvent, symbol, owed.Dec(), held.Dec())
	}
	return nil
}

func (x *Exchange) tokenFor(symbol core.Symbol) (token.Token, error) {
	addr, err := x.registry.TokenAddressFor(symbol)
	if err != nil {
		return nil, err
	}
	tok, err := x.tokens.Token(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrTokenTransferFailed, symbol, err)
	}
	return tok, nil
}

type discardStore struct{}

func (discardStore) Commit(*storage.ChangeSet) error                     { return nil }
func (discardStore) RecentTrades(core.Symbol, int) ([]core.Trade, error) { return nil, nil }
