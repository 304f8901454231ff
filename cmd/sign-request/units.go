package main

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// toBaseUnits scales a decimal string by 10^decimals. The result must be a
// non-negative integer.
func toBaseUnits(v string, decimals int32) (string, error) {
	if decimals < 0 || decimals > 77 {
		return "", fmt.Errorf("decimals %d out of range", decimals)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return "", err
	}
	if d.IsNegative() {
		return "", fmt.Errorf("%s is negative", v)
	}
	scaled := d.Shift(decimals)
	if !scaled.IsInteger() {
		return "", fmt.Errorf("%s has more than %d decimals", v, decimals)
	}
	return scaled.BigInt().String(), nil
}
