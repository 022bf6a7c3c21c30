package lending

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	ray         = mustBigInt("1000000000000000000000000000") // 1e27 precision
)

const blocksPerYear = 31_536_000

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func ratToRay(r *big.Rat) *big.Int {
	if r == nil {
		return new(big.Int).Set(ray)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(ray))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom())
}

// rateFactor returns the ray-scaled growth factor 1 + rate*delta/blocksPerYear.
func rateFactor(rate *big.Rat, delta uint64) *big.Int {
	if rate == nil || rate.Sign() == 0 || delta == 0 {
		return new(big.Int).Set(ray)
	}
	perBlock := new(big.Rat).Set(rate)
	perBlock.Quo(perBlock, new(big.Rat).SetUint64(blocksPerYear))
	perBlock.Mul(perBlock, new(big.Rat).SetUint64(delta))
	factor := new(big.Rat).Add(big.NewRat(1, 1), perBlock)
	return ratToRay(factor)
}

// sharesFromLiquidity converts underlying into market shares, rounding down.
func sharesFromLiquidity(amount, totalShares, totalAssets *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	if totalShares == nil || totalShares.Sign() == 0 || totalAssets == nil || totalAssets.Sign() == 0 {
		return new(big.Int).Set(amount)
	}
	scaled := new(big.Int).Mul(amount, totalShares)
	return scaled.Quo(scaled, totalAssets)
}

// sharesForWithdrawal returns the shares burned to release amount, rounding up.
func sharesForWithdrawal(amount, totalShares, totalAssets *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || totalAssets == nil || totalAssets.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(amount, totalShares)
	quo, rem := new(big.Int).QuoRem(scaled, totalAssets, new(big.Int))
	if rem.Sign() > 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

// liquidityFromShares converts shares into underlying, rounding down.
func liquidityFromShares(shares, totalShares, totalAssets *big.Int) *big.Int {
	if shares == nil || shares.Sign() <= 0 || totalShares == nil || totalShares.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(shares, totalAssets)
	return scaled.Quo(scaled, totalShares)
}

func bpsOf(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || bps == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, basisPoints)
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
