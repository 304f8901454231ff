// Package storage persists exchange state in Pebble as flat records: the
// listing table, the ledger, the resting orders, the trade history and the
// counters that sequence them.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/app/core/governance"
	"github.com/uhyunpark/xchange/pkg/app/core/ledger"
)

// ChangeSet is everything one exchange operation changed. It is committed
// as a single atomic batch.
type ChangeSet struct {
	Listings     []governance.Listing
	Entries      []ledger.Entry
	UpsertOrders []core.Order // resting orders added or partially filled
	DeleteOrders []core.Order // resting orders filled or cancelled
	Trades       []core.Trade
	Counters     *Counters
	Nonces       map[common.Address]uint64
}

// Empty reports whether the change set writes nothing.
func (c *ChangeSet) Empty() bool {
	return len(c.Listings) == 0 && len(c.Entries) == 0 && len(c.UpsertOrders) == 0 &&
		len(c.DeleteOrders) == 0 && len(c.Trades) == 0 && c.Counters == nil && len(c.Nonces) == 0
}

// State is the full durable state as loaded at startup.
type State struct {
	Listings []governance.Listing
	Entries  []ledger.Entry
	Orders   []core.Order // ordered by symbol, then id
	Counters Counters
	Nonces   map[common.Address]uint64
}

type PebbleStore struct {
	db *pebble.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize: 32 << 20,
		MaxOpenFiles: 1000,
		BytesPerSync: 512 << 10,
	}
	defer opts.Cache.Unref()

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// OpenInMemory opens a database backed by an in-memory filesystem.
func OpenInMemory() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory pebble db: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// Commit writes cs in one synced batch.
func (s *PebbleStore) Commit(cs *ChangeSet) error {
	if cs == nil || cs.Empty() {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()

	set := func(key []byte, val []byte, err error) error {
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		return b.Set(key, val, nil)
	}

	for _, l := range cs.Listings {
		val, err := encodeListing(l)
		if err := set(listingKey(l.ProposalID), val, err); err != nil {
			return err
		}
	}
	for _, e := range cs.Entries {
		val, err := encodeEntry(e)
		if err := set(balanceKey(e.Party, e.Symbol), val, err); err != nil {
			return err
		}
	}
	for _, o := range cs.DeleteOrders {
		if err := b.Delete(orderKey(o.Symbol, o.ID), nil); err != nil {
			return err
		}
	}
	for _, o := range cs.UpsertOrders {
		val, err := encodeOrder(o)
		if err := set(orderKey(o.Symbol, o.ID), val, err); err != nil {
			return err
		}
	}
	for _, t := range cs.Trades {
		val, err := encodeTrade(t)
		if err := set(tradeKey(t.Symbol, t.ID), val, err); err != nil {
			return err
		}
	}
	if cs.Counters != nil {
		val, err := json.Marshal(cs.Counters)
		if err := set([]byte(keyCounters), val, err); err != nil {
			return err
		}
	}
	for addr, n := range cs.Nonces {
		if err := b.Set(nonceKey(addr), []byte(strconv.FormatUint(n, 10)), nil); err != nil {
			return err
		}
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Load reads the whole durable state.
func (s *PebbleStore) Load() (*State, error) {
	st := &State{
		Counters: Counters{NextOrderID: 1, NextTradeID: 1},
		Nonces:   make(map[common.Address]uint64),
	}

	err := s.scan([]byte(prefixListing), func(_, val []byte) error {
		l, err := decodeListing(val)
		if err != nil {
			return err
		}
		st.Listings = append(st.Listings, l)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load listings: %w", err)
	}

	err = s.scan([]byte(prefixBalance), func(_, val []byte) error {
		e, err := decodeEntry(val)
		if err != nil {
			return err
		}
		st.Entries = append(st.Entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	err = s.scan([]byte(prefixOrder), func(_, val []byte) error {
		o, err := decodeOrder(val)
		if err != nil {
			return err
		}
		st.Orders = append(st.Orders, o)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}

	err = s.scan([]byte(prefixNonce), func(key, val []byte) error {
		n, err := strconv.ParseUint(string(val), 10, 64)
		if err != nil {
			return err
		}
		addr := string(bytes.TrimPrefix(key, []byte(prefixNonce)))
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid address in key %q", key)
		}
		st.Nonces[common.HexToAddress(addr)] = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load nonces: %w", err)
	}

	val, closer, err := s.db.Get([]byte(keyCounters))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load counters: %w", err)
	default:
		defer closer.Close()
		if err := json.Unmarshal(val, &st.Counters); err != nil {
			return nil, fmt.Errorf("load counters: %w", err)
		}
	}
	return st, nil
}

// RecentTrades returns up to limit trades of symbol, newest first.
func (s *PebbleStore) RecentTrades(symbol core.Symbol, limit int) ([]core.Trade, error) {
	prefix := tradePrefix(symbol)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var trades []core.Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		t, err := decodeTrade(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("decode trade %s: %w", iter.Key(), err)
		}
		trades = append(trades, t)
	}
	return trades, iter.Error()
}

func (s *PebbleStore) scan(prefix []byte, fn func(key, val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return fmt.Errorf("%s: %w", iter.Key(), err)
		}
	}
	return iter.Error()
}
