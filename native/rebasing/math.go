package rebasing

import (
	"math/big"

	"github.com/holiman/uint256"
)

// initialCreditsPerUnit is the credits issued per rebasing unit when no credits
// are outstanding. A high resolution keeps credit rounding well below one unit.
var initialCreditsPerUnit = big.NewInt(1_000_000_000)

// mulDivDown returns floor(a*b/c). A zero divisor yields zero.
func mulDivDown(a, b, c *big.Int) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, c)
}

// mulDivUp returns ceil(a*b/c). A zero divisor yields zero.
func mulDivUp(a, b, c *big.Int) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	quo, rem := new(big.Int).QuoRem(product, c, new(big.Int))
	if rem.Sign() > 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

// fitsU256 reports whether v is a valid unsigned 256-bit quantity.
func fitsU256(v *big.Int) bool {
	if v == nil || v.Sign() < 0 {
		return false
	}
	_, overflow := uint256.FromBig(v)
	return !overflow
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
