package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ToUnits scales a native-currency amount to the token's smallest unit.
// Digits beyond the token's precision are truncated, never rounded up.
func ToUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).BigInt()
}

// FromUnits converts a smallest-unit amount back to native currency.
func FromUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}
