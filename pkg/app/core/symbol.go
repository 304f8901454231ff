package core

import (
	"bytes"
	"encoding/hex"
)

// SymbolWidth is the fixed byte width of a ticker.
const SymbolWidth = 32

// Symbol is a fixed-width token ticker such as "USDC" or "BOND".
// Shorter tickers are zero padded, longer ones truncated; symbols compare by
// exact byte equality and are case-sensitive.
type Symbol [SymbolWidth]byte

// NewSymbol pads or truncates s to SymbolWidth bytes.
func NewSymbol(s string) Symbol {
	var sym Symbol
	copy(sym[:], s)
	return sym
}

// String returns the ticker without its zero padding.
func (s Symbol) String() string {
	return string(bytes.TrimRight(s[:], "\x00"))
}

// IsZero reports whether s is the empty ticker.
func (s Symbol) IsZero() bool {
	return s == Symbol{}
}

// Hex returns the full-width hex encoding, used as a storage key component.
func (s Symbol) Hex() string {
	return hex.EncodeToString(s[:])
}

// SymbolFromHex is the inverse of Symbol.Hex.
func SymbolFromHex(h string) (Symbol, error) {
	var sym Symbol
	b, err := hex.DecodeString(h)
	if err != nil {
		return sym, err
	}
	copy(sym[:], b)
	return sym, nil
}

func (s Symbol) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Symbol) UnmarshalText(b []byte) error {
	*s = NewSymbol(string(b))
	return nil
}
