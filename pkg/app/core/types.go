// Package core holds the value types shared by the governance registry,
// the balance ledger, the order books and the matching engine.
package core

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Side of an order. The numeric values match the wire encoding (0 = buy).
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side an order of this side trades against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Valid reports whether s is Buy or Sell.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// ParseSide accepts "buy"/"sell" in any case, and "0"/"1".
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(v) {
	case "buy", "0":
		return Buy, nil
	case "sell", "1":
		return Sell, nil
	}
	return 0, fmt.Errorf("unknown side %q", v)
}

// Kind distinguishes limit orders from market orders.
type Kind uint8

const (
	Limit Kind = iota
	Market
)

func (k Kind) String() string {
	switch k {
	case Limit:
		return "limit"
	case Market:
		return "market"
	default:
		return "unknown"
	}
}

// Order is a limit or market order. ID is assigned from a single increasing
// counter and doubles as the time-priority sequence number.
type Order struct {
	ID     uint64
	Party  common.Address
	Symbol Symbol
	Side   Side
	Kind   Kind

	// Price is zero for market orders.
	Price     Amount
	Original  Amount
	Remaining Amount
}

// Filled returns the quantity matched so far.
func (o *Order) Filled() Amount {
	var z Amount
	z.Sub(&o.Original, &o.Remaining)
	return z
}

// Crosses reports whether o, arriving now, may trade against the resting
// order r on the opposite side.
func (o *Order) Crosses(r *Order) bool {
	if o.Kind == Market {
		return true
	}
	if o.Side == Buy {
		return !o.Price.Lt(&r.Price)
	}
	return !o.Price.Gt(&r.Price)
}

// Trade is one fill between an incoming (taker) and a resting (maker) order.
// Price is always the maker's price.
type Trade struct {
	ID           uint64
	Symbol       Symbol
	Price        Amount
	Qty          Amount
	TakerOrderID uint64
	MakerOrderID uint64
	TakerSide    Side
	Buyer        common.Address
	Seller       common.Address
	Timestamp    int64 // unix milliseconds
}

// QuoteValue returns Qty × Price.
func (t *Trade) QuoteValue() Amount {
	var z Amount
	z.Mul(&t.Qty, &t.Price)
	return z
}
