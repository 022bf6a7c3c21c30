package lending

import "math/big"

// Market captures the global accounting state of one lending pool. Cash is
// not stored: it is the bank balance of the pool's module account.
type Market struct {
	// TotalShares is the supply-side share count across all suppliers.
	TotalShares *big.Int
	// TotalBorrowed is the outstanding debt including accrued interest.
	TotalBorrowed *big.Int
	// BorrowIndex is the ray-scaled cumulative interest factor.
	BorrowIndex *big.Int
	// Reserves is the interest share withheld from suppliers.
	Reserves *big.Int
	// RewardIndex is the ray-scaled cumulative reward per share.
	RewardIndex *big.Int
	// LastUpdateBlock records the height of the last accrual.
	LastUpdateBlock uint64
}

// Clone returns a deep copy of the market.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	return &Market{
		TotalShares:     cloneBig(m.TotalShares),
		TotalBorrowed:   cloneBig(m.TotalBorrowed),
		BorrowIndex:     cloneBig(m.BorrowIndex),
		Reserves:        cloneBig(m.Reserves),
		RewardIndex:     cloneBig(m.RewardIndex),
		LastUpdateBlock: m.LastUpdateBlock,
	}
}

func (m *Market) ensureDefaults() {
	if m.TotalShares == nil {
		m.TotalShares = big.NewInt(0)
	}
	if m.TotalBorrowed == nil {
		m.TotalBorrowed = big.NewInt(0)
	}
	if m.BorrowIndex == nil || m.BorrowIndex.Sign() == 0 {
		m.BorrowIndex = new(big.Int).Set(ray)
	}
	if m.Reserves == nil {
		m.Reserves = big.NewInt(0)
	}
	if m.RewardIndex == nil {
		m.RewardIndex = big.NewInt(0)
	}
}

// Position is an account's supply stake and debt in a pool.
type Position struct {
	Shares *big.Int
	// ScaledDebt is the debt divided by the borrow index at the time of borrowing.
	ScaledDebt *big.Int
	// RewardIndex is the market reward index at the last settlement.
	RewardIndex *big.Int
	// Rewards are settled but unclaimed reward tokens.
	Rewards *big.Int
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	return &Position{
		Shares:      cloneBig(p.Shares),
		ScaledDebt:  cloneBig(p.ScaledDebt),
		RewardIndex: cloneBig(p.RewardIndex),
		Rewards:     cloneBig(p.Rewards),
	}
}

func (p *Position) ensureDefaults() {
	if p.Shares == nil {
		p.Shares = big.NewInt(0)
	}
	if p.ScaledDebt == nil {
		p.ScaledDebt = big.NewInt(0)
	}
	if p.RewardIndex == nil {
		p.RewardIndex = big.NewInt(0)
	}
	if p.Rewards == nil {
		p.Rewards = big.NewInt(0)
	}
}
