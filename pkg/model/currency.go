package model

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Currency describes the settlement currency used for display only; all
// stored and transferred amounts are in its smallest unit.
type Currency struct {
	Symbol   string
	Decimals int32
}

// DefaultCurrency is SOL with lamport precision.
var DefaultCurrency = Currency{Symbol: "SOL", Decimals: 9}

// Format renders an amount in smallest units as a human-readable decimal string.
func (c Currency) Format(amount uint64) string {
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(amount), 0).Shift(-c.Decimals)
	return d.StringFixed(c.Decimals)
}

// Parse converts a display amount such as "1.5" into smallest units.
// Amounts with more precision than the currency supports are rejected.
func (c Currency) Parse(display string) (uint64, error) {
	d, err := decimal.NewFromString(display)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", display, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("invalid amount %q: negative", display)
	}
	units := d.Shift(c.Decimals)
	if !units.Equal(units.Truncate(0)) {
		return 0, fmt.Errorf("invalid amount %q: more than %d decimals", display, c.Decimals)
	}
	bi := units.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("invalid amount %q: out of range", display)
	}
	return bi.Uint64(), nil
}
