package rebasing

import (
	"math/big"

	"vaultchain/crypto"
)

// reduceBasis removes the share of an account's principal and unrealised yield
// that leaves with amount. The yield part is moved to the realised tally so
// cumulative yield never decreases when a holder spends or redeems.
func reduceBasis(acct *account, amount, balanceBefore *big.Int) {
	if acct == nil || balanceBefore == nil || balanceBefore.Sign() == 0 {
		return
	}
	share := minBig(amount, balanceBefore)
	principalOut := mulDivDown(acct.principal, share, balanceBefore)
	unrealised := new(big.Int).Sub(balanceBefore, acct.principal)
	if unrealised.Sign() > 0 {
		acct.realized.Add(acct.realized, mulDivDown(unrealised, share, balanceBefore))
	}
	acct.principal.Sub(acct.principal, principalOut)
	if acct.principal.Sign() < 0 {
		acct.principal.SetInt64(0)
	}
}

// Principal returns the net amount the account deposited or received, in
// rebasing units.
func (l *Ledger) Principal(addr crypto.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[addr]
	if !ok {
		return big.NewInt(0)
	}
	return copyBig(acct.principal)
}

// YieldEarned returns the cumulative yield accrued by the account: yield
// already realised through burns and transfers plus the unrealised growth of
// the current balance over its principal.
func (l *Ledger) YieldEarned(addr crypto.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.yieldLocked(addr)
}

func (l *Ledger) yieldLocked(addr crypto.Address) *big.Int {
	acct, ok := l.accounts[addr]
	if !ok {
		return big.NewInt(0)
	}
	earned := copyBig(acct.realized)
	unrealised := new(big.Int).Sub(l.balanceLocked(addr), acct.principal)
	if unrealised.Sign() > 0 {
		earned.Add(earned, unrealised)
	}
	return earned
}

// Holding is a point-in-time view of one account.
type Holding struct {
	Account   crypto.Address
	Balance   *big.Int
	Free      *big.Int
	Locked    *big.Int
	Credits   *big.Int
	Principal *big.Int
	Yield     *big.Int
}

// Holding returns the current view of an account.
func (l *Ledger) Holding(addr crypto.Address) Holding {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.holdingLocked(addr)
}

// Holdings returns a consistent view of every account, sorted by address.
func (l *Ledger) Holdings() []Holding {
	l.mu.RLock()
	defer l.mu.RUnlock()
	addrs := l.accountsLocked()
	out := make([]Holding, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, l.holdingLocked(addr))
	}
	return out
}

func (l *Ledger) holdingLocked(addr crypto.Address) Holding {
	h := Holding{
		Account:   addr,
		Balance:   l.balanceLocked(addr),
		Locked:    l.lockedBalanceLocked(addr),
		Free:      l.freeBalanceLocked(addr),
		Credits:   big.NewInt(0),
		Principal: big.NewInt(0),
		Yield:     l.yieldLocked(addr),
	}
	if acct, ok := l.accounts[addr]; ok {
		h.Credits = copyBig(acct.credits)
		h.Principal = copyBig(acct.principal)
	}
	return h
}
