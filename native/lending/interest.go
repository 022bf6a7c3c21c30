package lending

import "math/big"

// InterestModel is a kinked utilisation curve for the borrow rate.
type InterestModel struct {
	// BaseRate is the minimum borrow APR applied when utilisation is zero.
	BaseRate *big.Rat
	// Slope1 applies up to the kink.
	Slope1 *big.Rat
	// Slope2 applies to utilisation above the kink.
	Slope2 *big.Rat
	// Kink is the utilisation ratio where the slope changes.
	Kink *big.Rat
}

// NewInterestModel constructs an interest model from decimal inputs, e.g. a 2%
// base rate is 0.02 and an 80% kink is 0.8.
func NewInterestModel(baseRate, slope1, slope2, kink float64) *InterestModel {
	return &InterestModel{
		BaseRate: new(big.Rat).SetFloat64(baseRate),
		Slope1:   new(big.Rat).SetFloat64(slope1),
		Slope2:   new(big.Rat).SetFloat64(slope2),
		Kink:     new(big.Rat).SetFloat64(kink),
	}
}

// Utilisation returns borrowed / (cash + borrowed), zero for an empty market.
func (m *InterestModel) Utilisation(borrowed, cash *big.Int) *big.Rat {
	if borrowed == nil || borrowed.Sign() == 0 {
		return new(big.Rat)
	}
	total := new(big.Int).Add(borrowed, cloneBig(cash))
	if total.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(borrowed, total)
}

// BorrowAPR derives the borrow APR at the current utilisation.
func (m *InterestModel) BorrowAPR(borrowed, cash *big.Int) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := cloneRat(m.BaseRate)
	utilisation := m.Utilisation(borrowed, cash)
	if utilisation.Sign() == 0 {
		return rate
	}
	kink := cloneRat(m.Kink)
	if kink.Sign() == 0 || utilisation.Cmp(kink) <= 0 {
		return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), utilisation))
	}
	rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), kink))
	excess := new(big.Rat).Sub(utilisation, kink)
	return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope2), excess))
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

// DefaultInterestModel is a kinked curve with a modest base rate.
var DefaultInterestModel = NewInterestModel(0.02, 0.15, 0.6, 0.8)
