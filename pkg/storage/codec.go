package storage

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/app/core/governance"
	"github.com/uhyunpark/xchange/pkg/app/core/ledger"
)

// Records are stored as JSON with amounts as base-10 strings and symbols as
// full-width hex, so a record decodes to exactly the value that was written.

type listingRecord struct {
	ProposalID uint64           `json:"proposal_id"`
	Symbol     string           `json:"symbol"`
	Token      common.Address   `json:"token"`
	Approvals  []common.Address `json:"approvals"`
	Listed     bool             `json:"listed"`
}

type entryRecord struct {
	Party  common.Address `json:"party"`
	Symbol string         `json:"symbol"`
	Free   string         `json:"free"`
	Locked string         `json:"locked"`
}

type orderRecord struct {
	ID        uint64         `json:"id"`
	Party     common.Address `json:"party"`
	Symbol    string         `json:"symbol"`
	Side      core.Side      `json:"side"`
	Kind      core.Kind      `json:"kind"`
	Price     string         `json:"price"`
	Original  string         `json:"original"`
	Remaining string         `json:"remaining"`
}

type tradeRecord struct {
	ID           uint64         `json:"id"`
	Symbol       string         `json:"symbol"`
	Price        string         `json:"price"`
	Qty          string         `json:"qty"`
	TakerOrderID uint64         `json:"taker_order_id"`
	MakerOrderID uint64         `json:"maker_order_id"`
	TakerSide    core.Side      `json:"taker_side"`
	Buyer        common.Address `json:"buyer"`
	Seller       common.Address `json:"seller"`
	Timestamp    int64          `json:"ts"`
}

// Counters are the next ids the matching engine hands out.
type Counters struct {
	NextOrderID uint64 `json:"next_order_id"`
	NextTradeID uint64 `json:"next_trade_id"`
}

func encodeListing(l governance.Listing) ([]byte, error) {
	return json.Marshal(listingRecord{
		ProposalID: l.ProposalID,
		Symbol:     l.Symbol.Hex(),
		Token:      l.Token,
		Approvals:  l.Approvals,
		Listed:     l.Status == governance.Listed,
	})
}

func decodeListing(b []byte) (governance.Listing, error) {
	var r listingRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return governance.Listing{}, err
	}
	sym, err := core.SymbolFromHex(r.Symbol)
	if err != nil {
		return governance.Listing{}, fmt.Errorf("listing %d symbol: %w", r.ProposalID, err)
	}
	l := governance.Listing{
		ProposalID: r.ProposalID,
		Symbol:     sym,
		Token:      r.Token,
		Approvals:  r.Approvals,
		Status:     governance.Proposed,
	}
	if r.Listed {
		l.Status = governance.Listed
	}
	return l, nil
}

func encodeEntry(e ledger.Entry) ([]byte, error) {
	return json.Marshal(entryRecord{
		Party:  e.Party,
		Symbol: e.Symbol.Hex(),
		Free:   e.Free.Dec(),
		Locked: e.Locked.Dec(),
	})
}

func decodeEntry(b []byte) (ledger.Entry, error) {
	var r entryRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return ledger.Entry{}, err
	}
	var (
		e   = ledger.Entry{Party: r.Party}
		err error
	)
	if e.Symbol, err = core.SymbolFromHex(r.Symbol); err != nil {
		return ledger.Entry{}, err
	}
	if e.Free, err = core.ParseAmount(r.Free); err != nil {
		return ledger.Entry{}, err
	}
	if e.Locked, err = core.ParseAmount(r.Locked); err != nil {
		return ledger.Entry{}, err
	}
	return e, nil
}

func encodeOrder(o core.Order) ([]byte, error) {
	return json.Marshal(orderRecord{
		ID:        o.ID,
		Party:     o.Party,
		Symbol:    o.Symbol.Hex(),
		Side:      o.Side,
		Kind:      o.Kind,
		Price:     o.Price.Dec(),
		Original:  o.Original.Dec(),
		Remaining: o.Remaining.Dec(),
	})
}

func decodeOrder(b []byte) (core.Order, error) {
	var r orderRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return core.Order{}, err
	}
	var (
		o   = core.Order{ID: r.ID, Party: r.Party, Side: r.Side, Kind: r.Kind}
		err error
	)
	if o.Symbol, err = core.SymbolFromHex(r.Symbol); err != nil {
		return core.Order{}, err
	}
	if o.Price, err = core.ParseAmount(r.Price); err != nil {
		return core.Order{}, err
	}
	if o.Original, err = core.ParseAmount(r.Original); err != nil {
		return core.Order{}, err
	}
	if o.Remaining, err = core.ParseAmount(r.Remaining); err != nil {
		return core.Order{}, err
	}
	return o, nil
}

func encodeTrade(t core.Trade) ([]byte, error) {
	return json.Marshal(tradeRecord{
		ID:           t.ID,
		Symbol:       t.Symbol.Hex(),
		Price:        t.Price.Dec(),
		Qty:          t.Qty.Dec(),
		TakerOrderID: t.TakerOrderID,
		MakerOrderID: t.MakerOrderID,
		TakerSide:    t.TakerSide,
		Buyer:        t.Buyer,
		Seller:       t.Seller,
		Timestamp:    t.Timestamp,
	})
}

func decodeTrade(b []byte) (core.Trade, error) {
	var r tradeRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return core.Trade{}, err
	}
	t := core.Trade{
		ID:           r.ID,
		TakerOrderID: r.TakerOrderID,
		MakerOrderID: r.MakerOrderID,
		TakerSide:    r.TakerSide,
		Buyer:        r.Buyer,
		Seller:       r.Seller,
		Timestamp:    r.Timestamp,
	}
	var err error
	if t.Symbol, err = core.SymbolFromHex(r.Symbol); err != nil {
		return core.Trade{}, err
	}
	if t.Price, err = core.ParseAmount(r.Price); err != nil {
		return core.Trade{}, err
	}
	if t.Qty, err = core.ParseAmount(r.Qty); err != nil {
		return core.Trade{}, err
	}
	return t, nil
}
