package scanner

import (
	"math"
	"math/big"
	"strconv"
)

var q96 = new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 96))

// poolPrices derives both human price directions from a pool's
// sqrtPriceX96. priceC1InC0 applies the Uniswap v3/v4 price formula
// (sqrtPriceX96 / 2^96)^2 * 10^(decimals0 - decimals1); priceC0InC1 is
// its inverse.
func poolPrices(sqrtPriceX96 *big.Int, decimals0, decimals1 uint8) (priceC1InC0, priceC0InC1 float64) {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return 0, 0
	}

	ratio := new(big.Float).Quo(new(big.Float).SetInt(sqrtPriceX96), q96)
	raw := new(big.Float).Mul(ratio, ratio)

	exp := int(decimals0) - int(decimals1)
	if exp != 0 {
		adj := new(big.Float).SetInt(exp10(exp))
		if exp > 0 {
			raw.Mul(raw, adj)
		} else {
			raw.Quo(raw, adj)
		}
	}

	priceC1InC0, _ = raw.Float64()
	if priceC1InC0 > 0 {
		priceC0InC1 = 1 / priceC1InC0
	}
	return priceC1InC0, priceC0InC1
}

func exp10(exp int) *big.Int {
	if exp < 0 {
		exp = -exp
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

// formatPrice renders a price in fixed-point notation. Sub-unit values
// down to 1e-6 get six decimal places; everything else scales the
// precision with the magnitude so six significant digits survive,
// whether the value is sub-micro or in the thousands.
func formatPrice(p float64) string {
	if p <= 0 || math.IsInf(p, 0) || math.IsNaN(p) {
		return "0"
	}
	if p >= 1e-6 && p < 1 {
		return strconv.FormatFloat(p, 'f', 6, 64)
	}
	exp := int(math.Floor(math.Log10(p)))
	// Log10 can land a hair below a whole power of ten.
	if math.Pow10(exp+1) <= p {
		exp++
	}
	decimals := 5 - exp
	if decimals < 0 {
		decimals = 0
	}
	return strconv.FormatFloat(p, 'f', decimals, 64)
}
