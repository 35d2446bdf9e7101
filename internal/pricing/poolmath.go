package pricing

import (
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	// priceScale is the fixed-point scale of intermediate ratios (1e18)
	priceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	// priceScaleSquared is used to invert a scaled ratio (1e36)
	priceScaleSquared = new(big.Int).Mul(priceScale, priceScale)

	// q192 is 2^192, the square of the X96 fixed-point factor
	q192 = new(big.Int).Lsh(big.NewInt(1), 192)

	// maxSafeInteger is the largest integer part accepted (2^53 - 1)
	maxSafeInteger = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 53), big.NewInt(1))
)

// PriceFromSqrtPriceX96 converts a pool's sqrtPriceX96 into the price of one
// token in units of the other. With isToken0 the result is token1 per token0,
// otherwise the inverse. All arithmetic is integer; divisions truncate.
func PriceFromSqrtPriceX96(sqrtPriceX96 *big.Int, isToken0 bool) (decimal.Decimal, Reason) {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() < 0 {
		return decimal.Zero, ReasonZeroRatio
	}

	scaled := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	scaled.Mul(scaled, priceScale)
	scaled.Quo(scaled, q192)

	if !isToken0 {
		if scaled.Sign() == 0 {
			return decimal.Zero, ReasonZeroRatio
		}
		scaled = new(big.Int).Quo(priceScaleSquared, scaled)
	}

	intPart, fracPart := new(big.Int).QuoRem(scaled, priceScale, new(big.Int))
	if intPart.Cmp(maxSafeInteger) > 0 {
		return decimal.Zero, ReasonOverflow
	}

	return decimal.NewFromBigInt(intPart, 0).Add(decimal.NewFromBigInt(fracPart, -18)), ReasonNone
}
