// Package money renders raw integer ledger amounts as human-readable
// decimals at the API and logging boundary. The engine's own arithmetic
// never uses this package — it exists only because the teacher's domain
// package doc says "never float64 for money," and the collateral token's
// six decimals need a faithful display form, not an approximation.
package money

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// CollateralDecimals is the number of decimals the collateral token
// reports, matching spec.md's "six-decimal collateral token."
const CollateralDecimals = 6

// ToDecimal scales a raw integer amount down by 10^decimals into a
// shopspring/decimal value suitable for JSON responses and log lines.
func ToDecimal(raw *big.Int, decimals uint32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	d := decimal.NewFromBigInt(raw, 0)
	return d.Shift(-int32(decimals))
}

// FromDecimal scales a human-entered decimal up into a raw integer amount,
// truncating any precision finer than the token supports.
func FromDecimal(d decimal.Decimal, decimals uint32) *big.Int {
	scaled := d.Shift(int32(decimals))
	return scaled.Truncate(0).BigInt()
}
