package oracle

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// UnitForDecimals returns 10^decimals.
func UnitForDecimals(decimals uint8) uint256.Int {
	return *new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
}

// ParseAmount converts a human-readable base-currency amount such as "1999.5"
// into fixed-point atoms of unit. Amounts finer than unit are rejected.
func ParseAmount(s string, unit uint256.Int) (uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return uint256.Int{}, fmt.Errorf("amount %q is negative", s)
	}
	atoms := d.Mul(decimal.NewFromBigInt(unit.ToBig(), 0))
	if !atoms.Equal(atoms.Truncate(0)) {
		return uint256.Int{}, fmt.Errorf("amount %q has more precision than unit %s", s, unit.Dec())
	}
	out, overflow := uint256.FromBig(atoms.BigInt())
	if overflow {
		return uint256.Int{}, fmt.Errorf("amount %q overflows", s)
	}
	return *out, nil
}

// FormatAmount renders atoms of unit as a decimal.
func FormatAmount(atoms, unit uint256.Int) decimal.Decimal {
	if unit.IsZero() {
		return decimal.NewFromBigInt(atoms.ToBig(), 0)
	}
	return decimal.NewFromBigInt(atoms.ToBig(), 0).Div(decimal.NewFromBigInt(unit.ToBig(), 0))
}
