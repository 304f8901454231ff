package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/xchange/pkg/app/core"
)

// Key schema. Every durable record is flat and rebuildable on its own:
//
//	lst:<proposalID>            → Listing
//	bal:<address>:<symbolHex>   → ledger entry
//	ord:<symbolHex>:<orderID>   → resting order
//	trd:<symbolHex>:<tradeID>   → trade (audit history)
//	nonce:<address>             → last accepted request nonce
//	meta:seq                    → order/trade counters
//
// Numeric ids are zero-padded to 20 digits so keys sort numerically.
const (
	prefixListing = "lst:"
	prefixBalance = "bal:"
	prefixOrder   = "ord:"
	prefixTrade   = "trd:"
	prefixNonce   = "nonce:"
	keyCounters   = "meta:seq"
)

// listingKey returns "lst:{proposalID}".
func listingKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixListing, id))
}

// balanceKey returns "bal:{address}:{symbolHex}".
func balanceKey(addr common.Address, symbol core.Symbol) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, addr.Hex(), symbol.Hex()))
}

// orderKey returns "ord:{symbolHex}:{orderID}".
func orderKey(symbol core.Symbol, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixOrder, symbol.Hex(), id))
}

// tradeKey returns "trd:{symbolHex}:{tradeID}".
func tradeKey(symbol core.Symbol, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTrade, symbol.Hex(), id))
}

// tradePrefix returns the prefix of every trade in symbol.
func tradePrefix(symbol core.Symbol) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, symbol.Hex()))
}

// nonceKey returns "nonce:{address}".
func nonceKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixNonce, addr.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
