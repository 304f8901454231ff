package core

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Amount is a non-negative quantity of token base units (or a price in quote
// base units per base unit). 256 bits cover 18-decimal token supplies.
type Amount = uint256.Int

// NewAmount returns v as an Amount.
func NewAmount(v uint64) Amount {
	return *uint256.NewInt(v)
}

// ParseAmount parses a base-10 integer string.
func ParseAmount(s string) (Amount, error) {
	var z Amount
	if err := z.SetFromDecimal(s); err != nil {
		return Amount{}, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	return z, nil
}

// Add returns a+b, or ErrOverflow.
func Add(a, b Amount) (Amount, error) {
	var z Amount
	if _, overflow := z.AddOverflow(&a, &b); overflow {
		return Amount{}, fmt.Errorf("%w: %s + %s", ErrOverflow, a.Dec(), b.Dec())
	}
	return z, nil
}

// Mul returns a*b, or ErrOverflow.
func Mul(a, b Amount) (Amount, error) {
	var z Amount
	if _, overflow := z.MulOverflow(&a, &b); overflow {
		return Amount{}, fmt.Errorf("%w: %s * %s", ErrOverflow, a.Dec(), b.Dec())
	}
	return z, nil
}

// Sub returns a-b and false when b > a.
func Sub(a, b Amount) (Amount, bool) {
	var z Amount
	if _, underflow := z.SubOverflow(&a, &b); underflow {
		return Amount{}, false
	}
	return z, true
}

// MinAmount returns the smaller of a and b.
func MinAmount(a, b Amount) Amount {
	if a.Lt(&b) {
		return a
	}
	return b
}
