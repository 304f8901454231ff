// Package ledger keeps per-party, per-symbol balances split into a free part
// (withdrawable, usable for new orders) and a locked part (committed to
// resting or in-flight orders).
//
// The ledger is not safe for concurrent use. The exchange owns it and
// serialises every call.
package ledger

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/xchange/pkg/app/core"
)

// Entry is the balance of one party in one symbol.
type Entry struct {
	Party  common.Address
	Symbol core.Symbol
	Free   core.Amount
	Locked core.Amount
}

// Total returns Free + Locked. Entries never exceed 2^256 in total because
// Credit refuses amounts that would.
func (e *Entry) Total() core.Amount {
	var z core.Amount
	z.Add(&e.Free, &e.Locked)
	return z
}

type key struct {
	party  common.Address
	symbol core.Symbol
}

// Ledger maps (party, symbol) to an Entry. Entries are created lazily on the
// first credit and never deleted.
type Ledger struct {
	entries map[key]*Entry
	touched map[key]struct{}
}

func New() *Ledger {
	return &Ledger{
		entries: make(map[key]*Entry),
		touched: make(map[key]struct{}),
	}
}

func (l *Ledger) lookup(party common.Address, symbol core.Symbol) *Entry {
	return l.entries[key{party, symbol}]
}

func (l *Ledger) getOrCreate(party common.Address, symbol core.Symbol) *Entry {
	k := key{party, symbol}
	e, ok := l.entries[k]
	if !ok {
		e = &Entry{Party: party, Symbol: symbol}
		l.entries[k] = e
	}
	l.touched[k] = struct{}{}
	return e
}

// CanCredit reports whether amount can be credited to party without the
// entry's total overflowing.
func (l *Ledger) CanCredit(party common.Address, symbol core.Symbol, amount core.Amount) error {
	e := l.lookup(party, symbol)
	if e == nil {
		return nil
	}
	total := e.Total()
	if _, err := core.Add(total, amount); err != nil {
		return err
	}
	return nil
}

// Credit increases party's free balance.
func (l *Ledger) Credit(party common.Address, symbol core.Symbol, amount core.Amount) error {
	if err := l.CanCredit(party, symbol, amount); err != nil {
		return err
	}
	e := l.getOrCreate(party, symbol)
	e.Free.Add(&e.Free, &amount)
	return nil
}

// DebitFree decreases party's free balance.
func (l *Ledger) DebitFree(party common.Address, symbol core.Symbol, amount core.Amount) error {
	e := l.lookup(party, symbol)
	if !covers(e, amount) {
		return insufficient(party, symbol, e, amount)
	}
	e = l.getOrCreate(party, symbol)
	e.Free.Sub(&e.Free, &amount)
	return nil
}

// Lock moves amount from free to locked.
func (l *Ledger) Lock(party common.Address, symbol core.Symbol, amount core.Amount) error {
	e := l.lookup(party, symbol)
	if !covers(e, amount) {
		return insufficient(party, symbol, e, amount)
	}
	e = l.getOrCreate(party, symbol)
	e.Free.Sub(&e.Free, &amount)
	e.Locked.Add(&e.Locked, &amount)
	return nil
}

// UnlockAndTransfer moves amount from from's locked balance to to's free
// balance. Callers guarantee the lock exists; a shortfall panics.
func (l *Ledger) UnlockAndTransfer(from, to common.Address, symbol core.Symbol, amount core.Amount) {
	src := l.mustLocked(from, symbol, amount, "unlock-and-transfer")
	src.Locked.Sub(&src.Locked, &amount)
	l.creditFree(to, symbol, amount)
}

// ReleaseLock moves amount from locked back to free for party. A shortfall
// panics.
func (l *Ledger) ReleaseLock(party common.Address, symbol core.Symbol, amount core.Amount) {
	e := l.mustLocked(party, symbol, amount, "release-lock")
	e.Locked.Sub(&e.Locked, &amount)
	e.Free.Add(&e.Free, &amount)
}

// TransferFree moves amount between free balances. Callers check coverage
// first; a shortfall panics.
func (l *Ledger) TransferFree(from, to common.Address, symbol core.Symbol, amount core.Amount) {
	src := l.lookup(from, symbol)
	if !covers(src, amount) {
		panic(fmt.Sprintf("ledger: transfer-free of %s %s from %s exceeds free balance", amount.Dec(), symbol, from.Hex()))
	}
	src = l.getOrCreate(from, symbol)
	src.Free.Sub(&src.Free, &amount)
	l.creditFree(to, symbol, amount)
}

func (l *Ledger) mustLocked(party common.Address, symbol core.Symbol, amount core.Amount, op string) *Entry {
	e := l.lookup(party, symbol)
	if e == nil || e.Locked.Lt(&amount) {
		have := "0"
		if e != nil {
			have = e.Locked.Dec()
		}
		panic(fmt.Sprintf("ledger: %s of %s %s for %s exceeds locked balance %s",
			op, amount.Dec(), symbol, party.Hex(), have))
	}
	return l.getOrCreate(party, symbol)
}

func (l *Ledger) creditFree(party common.Address, symbol core.Symbol, amount core.Amount) {
	e := l.getOrCreate(party, symbol)
	if _, overflow := e.Free.AddOverflow(&e.Free, &amount); overflow {
		panic(fmt.Sprintf("ledger: free balance of %s in %s overflowed", party.Hex(), symbol))
	}
}

// Balance returns party's free and locked balances. Unknown entries read as
// zero and are not created.
func (l *Ledger) Balance(party common.Address, symbol core.Symbol) (free, locked core.Amount) {
	if e := l.lookup(party, symbol); e != nil {
		return e.Free, e.Locked
	}
	return core.Amount{}, core.Amount{}
}

// Entry returns a copy of the entry and whether it exists.
func (l *Ledger) Entry(party common.Address, symbol core.Symbol) (Entry, bool) {
	if e := l.lookup(party, symbol); e != nil {
		return *e, true
	}
	return Entry{}, false
}

// Entries returns copies of every entry ordered by party then symbol.
func (l *Ledger) Entries() []Entry {
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	sortEntries(out)
	return out
}

// Total returns the sum of free and locked balances in symbol across all
// parties.
func (l *Ledger) Total(symbol core.Symbol) (core.Amount, error) {
	var sum core.Amount
	for k, e := range l.entries {
		if k.symbol != symbol {
			continue
		}
		var err error
		if sum, err = core.Add(sum, e.Total()); err != nil {
			return core.Amount{}, err
		}
	}
	return sum, nil
}

// Touched returns copies of the entries modified since the previous call and
// resets the journal.
func (l *Ledger) Touched() []Entry {
	if len(l.touched) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(l.touched))
	for k := range l.touched {
		out = append(out, *l.entries[k])
	}
	l.touched = make(map[key]struct{})
	sortEntries(out)
	return out
}

// Restore replaces the ledger content with persisted entries.
func (l *Ledger) Restore(entries []Entry) error {
	restored := make(map[key]*Entry, len(entries))
	for i := range entries {
		e := entries[i]
		k := key{e.Party, e.Symbol}
		if _, dup := restored[k]; dup {
			return fmt.Errorf("restore ledger: duplicate entry %s/%s", e.Party.Hex(), e.Symbol)
		}
		if _, err := core.Add(e.Free, e.Locked); err != nil {
			return fmt.Errorf("restore ledger: %s/%s: %w", e.Party.Hex(), e.Symbol, err)
		}
		restored[k] = &e
	}
	l.entries = restored
	l.touched = make(map[key]struct{})
	return nil
}

func covers(e *Entry, amount core.Amount) bool {
	if e == nil {
		return amount.IsZero()
	}
	return !e.Free.Lt(&amount)
}

func insufficient(party common.Address, symbol core.Symbol, e *Entry, amount core.Amount) error {
	have := "0"
	if e != nil {
		have = e.Free.Dec()
	}
	return fmt.Errorf("%w: %s has %s %s free, needs %s",
		core.ErrInsufficientFreeBalance, party.Hex(), have, symbol, amount.Dec())
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if c := bytes.Compare(es[i].Party[:], es[j].Party[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(es[i].Symbol[:], es[j].Symbol[:]) < 0
	})
}
