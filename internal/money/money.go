// Package money holds the rounding primitives shared by every pricing surface.
// All rounding goes through shopspring/decimal so replayed totals reproduce exactly.
package money

import (
	"math"

	"github.com/shopspring/decimal"
)

// Round2 rounds a dollar amount to two decimal places, half away from zero.
func Round2(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return decimal.NewFromFloat(x).Round(2).InexactFloat64()
}

// RoundCents rounds a minor-unit amount to the nearest whole cent (half up).
func RoundCents(x float64) int64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return decimal.NewFromFloat(x).Add(decimal.NewFromFloat(0.5)).Floor().IntPart()
}

// MulCents multiplies a cent amount by a factor and rounds the result.
func MulCents(cents int64, factor float64) int64 {
	return RoundCents(float64(cents) * factor)
}

// CentsToDollars converts minor units into a two-decimal dollar amount.
func CentsToDollars(cents int64) float64 {
	return decimal.New(cents, -2).InexactFloat64()
}

// DollarsToCents converts a dollar amount into rounded minor units.
func DollarsToCents(dollars float64) int64 {
	return decimal.NewFromFloat(dollars).Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
