package position

import "math/big"

// LiquidationPrice solves margin(liquidationPrice) = maintenanceMargin for
// liquidationPrice (§3 Position invariant), given entry price, size,
// current collateral, side, and maintenance-margin rate in basis points
// (RATE_SCALE = 1e4).
//
// Derivation (sign = +1 for long, -1 for short), scaled to avoid
// intermediate fractions:
//
//	collateral + sign*(P-entry)*size/PRICE_SCALE = size*P*mmrBps/(PRICE_SCALE*RATE_SCALE)
//	=> P = (collateral*PRICE_SCALE*RATE_SCALE - sign*size*entry*RATE_SCALE) /
//	       (size*(mmrBps - sign*RATE_SCALE))
func LiquidationPrice(entry, size, collateral *big.Int, isLong bool, mmrBps int64) *big.Int {
	if size.Sign() == 0 {
		return big.NewInt(0)
	}
	sign := int64(1)
	if !isLong {
		sign = -1
	}

	rateScale := big.NewInt(10_000)
	priceScale := big.NewInt(1_000_000_000_000_000_000)

	numerator := new(big.Int).Mul(collateral, priceScale)
	numerator.Mul(numerator, rateScale)

	signedEntryTerm := new(big.Int).Mul(size, entry)
	signedEntryTerm.Mul(signedEntryTerm, rateScale)
	signedEntryTerm.Mul(signedEntryTerm, big.NewInt(sign))
	numerator.Sub(numerator, signedEntryTerm)

	denomRate := mmrBps - sign*10_000
	denominator := new(big.Int).Mul(size, big.NewInt(denomRate))
	if denominator.Sign() == 0 {
		return big.NewInt(0)
	}

	result := new(big.Int).Quo(numerator, denominator)
	if result.Sign() < 0 {
		return big.NewInt(0)
	}
	return result
}

// BankruptcyPrice is the price at which a position's entire collateral is
// consumed (margin = 0): the MMR-free case of the same derivation.
func BankruptcyPrice(entry, size, collateral *big.Int, isLong bool) *big.Int {
	return LiquidationPrice(entry, size, collateral, isLong, 0)
}
