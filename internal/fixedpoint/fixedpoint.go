// Package fixedpoint implements the engine's arbitrary-precision money math.
//
// Prices, sizes, and balances never touch a float on a critical path; every
// quantity is a *big.Int scaled by one of the named constants below.
package fixedpoint

import (
	"math/big"
	"strings"
)

// Named scales. A price of "2.5" in human terms is stored as
// 2_500_000_000_000_000_000 (2.5 * PriceScale).
var (
	PriceScale = big.NewInt(1_000_000_000_000_000_000) // 1e18
	SizeScale  = big.NewInt(1_000_000_000_000_000_000) // 1e18
	RateScale  = big.NewInt(10_000)                    // 1e4
)

// scoreDivisor truncates a PRICE_SCALE price to 1e6 resolution before it is
// inserted into a float64-keyed sorted index (trigger/liquidation sets).
// 1e18 / 1e12 = 1e6.
var scoreDivisor = big.NewInt(1_000_000_000_000)

// MaxTriggerScore is the largest price representable in a float64 sorted
// index after the ÷1e12 truncation, expressed in PRICE_SCALE units.
// float64 carries 53 bits of integer precision (~9.007e15); at 1e6
// resolution that bounds the quote-unit price to roughly 9e9.
var MaxTriggerScore = new(big.Int).Mul(big.NewInt(9_000_000_000), PriceScale)

// MulDiv computes a*b/d, truncating toward zero (big.Int.Quo semantics —
// the fractional remainder is simply discarded, never rounded).
func MulDiv(a, b, d *big.Int) *big.Int {
	if d.Sign() == 0 {
		return big.NewInt(0)
	}
	prod := new(big.Int).Mul(a, b)
	return new(big.Int).Quo(prod, d)
}

// PnL computes (mark-entry) * size * sign(isLong) / PriceScale.
func PnL(entry, mark, size *big.Int, isLong bool) *big.Int {
	diff := new(big.Int).Sub(mark, entry)
	if !isLong {
		diff.Neg(diff)
	}
	return MulDiv(diff, size, PriceScale)
}

// Notional computes size * price / PriceScale.
func Notional(size, price *big.Int) *big.Int {
	return MulDiv(size, price, PriceScale)
}

// BpsOf computes value * bps / RateScale, the basis-points-of-a-quantity
// idiom used throughout margin and fee math.
func BpsOf(value *big.Int, bps int64) *big.Int {
	return MulDiv(value, big.NewInt(bps), RateScale)
}

// ParseDecimal accepts a decimal string, scientific notation, or a bare
// integer string and returns the PRICE_SCALE/SIZE_SCALE-equivalent integer.
// Any unrecognizable input returns fallback rather than an error — this
// mirrors the defensive deserialization the store layer needs when reading
// hashes that may carry malformed legacy data.
func ParseDecimal(s string, scale *big.Int, fallback *big.Int) *big.Int {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}

	f, ok := new(big.Float).SetPrec(256).SetString(s)
	if !ok {
		return fallback
	}
	scaled := new(big.Float).SetPrec(256).Mul(f, new(big.Float).SetInt(scale))
	result, _ := scaled.Int(nil)
	if result == nil {
		return fallback
	}
	return result
}

// TruncateToScore truncates a PRICE_SCALE price to the 1e6-resolution
// representation used as a float64 sorted-set score, and reports whether it
// exceeds MaxTriggerScore (callers must reject insertion in that case).
func TruncateToScore(price *big.Int) (score float64, overflow bool) {
	if price.CmpAbs(MaxTriggerScore) > 0 {
		return 0, true
	}
	truncated := new(big.Int).Quo(price, scoreDivisor)
	f := new(big.Float).SetInt(truncated)
	score, _ = f.Float64()
	return score, false
}

// Abs mirrors the teacher's absInt64 helper, generalized to big.Int via
// a value-returning (non-mutating) wrapper.
func Abs(v *big.Int) *big.Int {
	return new(big.Int).Abs(v)
}
