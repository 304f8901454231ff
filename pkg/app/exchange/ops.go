package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/app/core/governance"
	"github.com/uhyunpark/xchange/pkg/app/core/matching"
	"github.com/uhyunpark/xchange/pkg/crypto"
	"github.com/uhyunpark/xchange/pkg/storage"
)

// txn collects the effects of one operation until it is committed.
type txn struct {
	cs     storage.ChangeSet
	books  map[core.Symbol]struct{}
	fields map[string]string
}

func (t *txn) touchBook(s core.Symbol) {
	if t.books == nil {
		t.books = make(map[core.Symbol]struct{})
	}
	t.books[s] = struct{}{}
}

func (t *txn) set(k, v string) {
	if t.fields == nil {
		t.fields = make(map[string]string)
	}
	t.fields[k] = v
}

// do runs fn under the write lock and commits its change set. A nonce of
// zero means the call did not come from a signed request.
func (x *Exchange) do(action string, caller common.Address, nonce uint64, fn func(t *txn) error) error {
	start := time.Now()
	t, err := x.doLocked(action, caller, nonce, fn)
	if x.observer != nil {
		x.observer.ObserveRequest(action, err, time.Since(start))
	}
	if err != nil {
		return err
	}

	for _, tr := range t.cs.Trades {
		for _, h := range x.tradeHooks {
			h(tr)
		}
	}
	for s := range t.books {
		for _, h := range x.bookHooks {
			h(s)
		}
	}
	return nil
}

func (x *Exchange) doLocked(action string, caller common.Address, nonce uint64, fn func(t *txn) error) (*txn, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.halted != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrHalted, x.halted)
	}
	if nonce != 0 && nonce <= x.nonces[caller] {
		return nil, fmt.Errorf("%w: %d, last accepted %d", ErrStaleNonce, nonce, x.nonces[caller])
	}

	t := &txn{}
	err := fn(t)
	// Drained even on failure: each commit carries only its own entries.
	t.cs.Entries = x.ledger.Touched()
	if err != nil {
		x.log.Debugw("request_rejected", "action", action, "caller", caller.Hex(), "err", err)
		return nil, err
	}
	if nonce != 0 {
		t.cs.Nonces = map[common.Address]uint64{caller: nonce}
	}

	if err := x.store.Commit(&t.cs); err != nil {
		x.halted = err
		x.log.Errorw("store_commit_failed", "action", action, "caller", caller.Hex(), "err", err)
		return nil, fmt.Errorf("%w: %v", core.ErrHalted, err)
	}
	if nonce != 0 {
		x.nonces[caller] = nonce
	}

	x.journal.Append(storage.JournalRecord{
		Time:   x.clock.Now().UTC(),
		Op:     action,
		Caller: caller.Hex(),
		Fields: t.fields,
	})
	return t, nil
}

// ProposeListing opens a listing proposal. Only quorum members may propose.
func (x *Exchange) ProposeListing(caller common.Address, symbol core.Symbol, tokenAddr common.Address) (uint64, error) {
	var id uint64
	err := x.do(crypto.ActionPropose, caller, 0, func(t *txn) (err error) {
		id, err = x.propose(t, caller, symbol, tokenAddr)
		return err
	})
	return id, err
}

func (x *Exchange) propose(t *txn, caller common.Address, symbol core.Symbol, tokenAddr common.Address) (uint64, error) {
	id, err := x.registry.Propose(symbol, tokenAddr, caller)
	if err != nil {
		return 0, err
	}
	l, err := x.registry.Listing(id)
	if err != nil {
		panic(fmt.Sprintf("exchange: proposal %d vanished: %v", id, err))
	}
	t.cs.Listings = append(t.cs.Listings, l)
	t.set("proposal_id", strconv.FormatUint(id, 10))
	t.set("symbol", symbol.String())
	t.set("token", tokenAddr.Hex())
	x.log.Infow("listing_proposed", "proposal_id", id, "symbol", symbol.String(), "token", tokenAddr.Hex(), "proposer", caller.Hex())
	return id, nil
}

// ApproveListing records caller's approval and returns the listing after it.
func (x *Exchange) ApproveListing(caller common.Address, proposalID uint64) (governance.Listing, error) {
	var l governance.Listing
	err := x.do(crypto.ActionApprove, caller, 0, func(t *txn) (err error) {
		l, err = x.approve(t, caller, proposalID)
		return err
	})
	return l, err
}

func (x *Exchange) approve(t *txn, caller common.Address, proposalID uint64) (governance.Listing, error) {
	l, err := x.registry.Approve(proposalID, caller)
	if err != nil {
		return governance.Listing{}, err
	}
	t.cs.Listings = append(t.cs.Listings, l)
	t.set("proposal_id", strconv.FormatUint(proposalID, 10))
	t.set("status", l.Status.String())
	if l.Status == governance.Listed {
		x.log.Infow("listing_approved", "proposal_id", proposalID, "symbol", l.Symbol.String(), "approvals", len(l.Approvals))
	}
	return l, nil
}

// Deposit pulls amount of symbol's token from caller into custody and
// credits caller's free balance. The caller must have approved the
// exchange address as spender beforehand.
func (x *Exchange) Deposit(ctx context.Context, caller common.Address, symbol core.Symbol, amount core.Amount) error {
	return x.do(crypto.ActionDeposit, caller, 0, func(t *txn) error {
		return x.deposit(ctx, t, caller, symbol, amount)
	})
}

func (x *Exchange) deposit(ctx context.Context, t *txn, caller common.Address, symbol core.Symbol, amount core.Amount) error {
	if !x.registry.IsListed(symbol) {
		return fmt.Errorf("%w: %s", core.ErrNotListed, symbol)
	}
	if amount.IsZero() {
		return core.ErrInvalidAmount
	}
	if err := x.ledger.CanCredit(caller, symbol, amount); err != nil {
		return err
	}
	tok, err := x.tokenFor(symbol)
	if err != nil {
		return err
	}
	if err := tok.TransferFrom(ctx, x.address, caller, x.address, amount); err != nil {
		return fmt.Errorf("%w: deposit %s %s: %v", core.ErrTokenTransferFailed, amount.Dec(), symbol, err)
	}
	if err := x.ledger.Credit(caller, symbol, amount); err != nil {
		// CanCredit passed under the same lock.
		panic(fmt.Sprintf("exchange: credit after transfer: %v", err))
	}
	t.set("symbol", symbol.String())
	t.set("amount", amount.Dec())
	x.log.Infow("deposit", "party", caller.Hex(), "symbol", symbol.String(), "amount", amount.Dec())
	return nil
}

// Withdraw pushes amount of symbol's token from custody to caller and
// debits caller's free balance.
func (x *Exchange) Withdraw(ctx context.Context, caller common.Address, symbol core.Symbol, amount core.Amount) error {
	return x.do(crypto.ActionWithdraw, caller, 0, func(t *txn) error {
		return x.withdraw(ctx, t, caller, symbol, amount)
	})
}

func (x *Exchange) withdraw(ctx context.Context, t *txn, caller common.Address, symbol core.Symbol, amount core.Amount) error {
	if !x.registry.IsListed(symbol) {
		return fmt.Errorf("%w: %s", core.ErrNotListed, symbol)
	}
	if amount.IsZero() {
		return core.ErrInvalidAmount
	}
	free, _ := x.ledger.Balance(caller, symbol)
	if free.Lt(&amount) {
		return fmt.Errorf("%w: %s has %s %s free, needs %s",
			core.ErrInsufficientFreeBalance, caller.Hex(), free.Dec(), symbol, amount.Dec())
	}
	tok, err := x.tokenFor(symbol)
	if err != nil {
		return err
	}
	if err := tok.Transfer(ctx, x.address, caller, amount); err != nil {
		return fmt.Errorf("%w: withdraw %s %s: %v", core.ErrTokenTransferFailed, amount.Dec(), symbol, err)
	}
	if err := x.ledger.DebitFree(caller, symbol, amount); err != nil {
		panic(fmt.Sprintf("exchange: debit after transfer: %v", err))
	}
	t.set("symbol", symbol.String())
	t.set("amount", amount.Dec())
	x.log.Infow("withdraw", "party", caller.Hex(), "symbol", symbol.String(), "amount", amount.Dec())
	return nil
}

// CreateLimitOrder locks the order's cost, matches it and rests the
// remainder.
func (x *Exchange) CreateLimitOrder(caller common.Address, symbol core.Symbol, amount, price core.Amount, side core.Side) (*matching.Result, error) {
	req := matching.Request{Party: caller, Symbol: symbol, Side: side, Kind: core.Limit, Amount: amount, Price: price}
	var res *matching.Result
	err := x.do(crypto.ActionLimit, caller, 0, func(t *txn) (err error) {
		res, err = x.submit(t, req)
		return err
	})
	return res, err
}

// CreateMarketOrder matches against the book until amount is filled or the
// book side is empty. Nothing rests.
func (x *Exchange) CreateMarketOrder(caller common.Address, symbol core.Symbol, amount core.Amount, side core.Side) (*matching.Result, error) {
	req := matching.Request{Party: caller, Symbol: symbol, Side: side, Kind: core.Market, Amount: amount}
	var res *matching.Result
	err := x.do(crypto.ActionMarket, caller, 0, func(t *txn) (err error) {
		res, err = x.submit(t, req)
		return err
	})
	return res, err
}

func (x *Exchange) submit(t *txn, req matching.Request) (*matching.Result, error) {
	res, err := x.engine.Submit(req)
	if err != nil {
		return nil, err
	}

	for _, m := range res.Makers {
		if m.Remaining.IsZero() {
			t.cs.DeleteOrders = append(t.cs.DeleteOrders, m)
		} else {
			t.cs.UpsertOrders = append(t.cs.UpsertOrders, m)
		}
	}
	if res.Rested {
		t.cs.UpsertOrders = append(t.cs.UpsertOrders, res.Order)
	}
	t.cs.Trades = res.Trades
	t.cs.Counters = &storage.Counters{NextOrderID: x.engine.NextOrderID(), NextTradeID: x.engine.NextTradeID()}
	t.touchBook(req.Symbol)

	o := res.Order
	t.set("order_id", strconv.FormatUint(o.ID, 10))
	t.set("symbol", o.Symbol.String())
	t.set("side", o.Side.String())
	t.set("amount", o.Original.Dec())
	if o.Kind == core.Limit {
		t.set("price", o.Price.Dec())
	}
	t.set("trades", strconv.Itoa(len(res.Trades)))

	x.log.Infow("order_submitted",
		"order_id", o.ID,
		"kind", o.Kind.String(),
		"side", o.Side.String(),
		"symbol", o.Symbol.String(),
		"amount", o.Original.Dec(),
		"price", o.Price.Dec(),
		"trades", len(res.Trades),
		"rested", res.Rested,
	)
	if o.Kind == core.Market && !o.Remaining.IsZero() {
		x.log.Infow("market_remainder_discarded", "order_id", o.ID, "remaining", o.Remaining.Dec())
	}
	return res, nil
}

// CancelOrder removes caller's resting order and releases its lock.
func (x *Exchange) CancelOrder(caller common.Address, orderID uint64) (core.Order, error) {
	var o core.Order
	err := x.do(crypto.ActionCancel, caller, 0, func(t *txn) (err error) {
		o, err = x.cancel(t, caller, orderID)
		return err
	})
	return o, err
}

func (x *Exchange) cancel(t *txn, caller common.Address, orderID uint64) (core.Order, error) {
	o, err := x.engine.Cancel(caller, orderID)
	if err != nil {
		return core.Order{}, err
	}
	t.cs.DeleteOrders = append(t.cs.DeleteOrders, o)
	t.touchBook(o.Symbol)
	t.set("order_id", strconv.FormatUint(orderID, 10))
	x.log.Infow("order_cancelled", "order_id", orderID, "symbol", o.Symbol.String(), "remaining", o.Remaining.Dec())
	return o, nil
}

// Call is a verified signed request.
type Call struct {
	Action string
	Caller common.Address
	Nonce  uint64
	Symbol core.Symbol
	Token  common.Address
	Amount core.Amount
	Price  core.Amount
	Side   core.Side
	Ref    uint64
}

// Outcome carries whatever the dispatched action returns. Only the field
// matching the action is set.
type Outcome struct {
	ProposalID *uint64
	Listing    *governance.Listing
	Order      *matching.Result
	Cancelled  *core.Order
}

// Dispatch applies a signed request. The nonce must exceed the caller's
// last accepted nonce and is consumed in the same commit as the request.
func (x *Exchange) Dispatch(ctx context.Context, c Call) (*Outcome, error) {
	if c.Nonce == 0 {
		return nil, fmt.Errorf("%w: nonces start at 1", ErrStaleNonce)
	}
	out := &Outcome{}
	err := x.do(c.Action, c.Caller, c.Nonce, func(t *txn) error {
		switch c.Action {
		case crypto.ActionPropose:
			id, err := x.propose(t, c.Caller, c.Symbol, c.Token)
			out.ProposalID = &id
			return err
		case crypto.ActionApprove:
			l, err := x.approve(t, c.Caller, c.Ref)
			out.Listing = &l
			return err
		case crypto.ActionDeposit:
			return x.deposit(ctx, t, c.Caller, c.Symbol, c.Amount)
		case crypto.ActionWithdraw:
			return x.withdraw(ctx, t, c.Caller, c.Symbol, c.Amount)
		case crypto.ActionLimit, crypto.ActionMarket:
			req := matching.Request{Party: c.Caller, Symbol: c.Symbol, Side: c.Side, Kind: core.Limit, Amount: c.Amount, Price: c.Price}
			if c.Action == crypto.ActionMarket {
				req.Kind = core.Market
			}
			res, err := x.submit(t, req)
			out.Order = res
			return err
		case crypto.ActionCancel:
			o, err := x.cancel(t, c.Caller, c.Ref)
			out.Cancelled = &o
			return err
		default:
			return fmt.Errorf("unknown action %q", c.Action)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
