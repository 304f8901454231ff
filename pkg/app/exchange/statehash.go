package exchange

import (
	"encoding/binary"
	"hash"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/xchange/pkg/app/core"
)

// StateHash returns a Keccak-256 digest of the full exchange state, so two
// replicas (or a node before and after a restart) can be compared.
//
// Components, in order:
//  1. proposals by id: id, symbol, token, status, approvals
//  2. ledger entries by party then symbol: free, locked
//  3. per non-empty book, by symbol: bids then asks in priority order
//  4. next order id, next trade id
func (x *Exchange) StateHash() common.Hash {
	x.mu.RLock()
	defer x.mu.RUnlock()

	h := sha3.NewLegacyKeccak256()

	for _, l := range x.registry.Listings() {
		writeUint(h, l.ProposalID)
		h.Write(l.Symbol[:])
		h.Write(l.Token[:])
		h.Write([]byte{byte(l.Status)})
		writeUint(h, uint64(len(l.Approvals)))
		for _, a := range l.Approvals {
			h.Write(a[:])
		}
	}

	for _, e := range x.ledger.Entries() {
		h.Write(e.Party[:])
		h.Write(e.Symbol[:])
		writeAmount(h, &e.Free)
		writeAmount(h, &e.Locked)
	}

	for _, sym := range x.engine.Symbols() {
		bids, asks := x.engine.Orders(sym, core.Buy), x.engine.Orders(sym, core.Sell)
		if len(bids)+len(asks) == 0 {
			continue
		}
		h.Write(sym[:])
		for _, orders := range [][]core.Order{bids, asks} {
			writeUint(h, uint64(len(orders)))
			for i := range orders {
				o := &orders[i]
				writeUint(h, o.ID)
				h.Write(o.Party[:])
				writeAmount(h, &o.Price)
				writeAmount(h, &o.Original)
				writeAmount(h, &o.Remaining)
			}
		}
	}

	writeUint(h, x.engine.NextOrderID())
	writeUint(h, x.engine.NextTradeID())

	var out common.Hash
	h.Sum(out[:0])
	return out
}

func writeUint(h hash.Hash, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

func writeAmount(h hash.Hash, a *core.Amount) {
	b := a.Bytes32()
	h.Write(b[:])
}
