package vault

import (
	"fmt"
	"math/big"
	"time"

	coreerrors "vaultchain/core/errors"
	"vaultchain/crypto"
	"vaultchain/native/bank"
	"vaultchain/storage"
)

// MockVault is a passthrough backend: its value is the underlying it holds.
// Yield is simulated by crediting the vault address directly. Liquidity
// limits, deposit rejection and an exit penalty can be dialled in to exercise
// controller failure handling.
type MockVault struct {
	*base
	liquidityLimit *big.Int
	exitPenaltyBps uint64
	rejectDeposits bool
}

// NewMockVault constructs a passthrough backend for asset.
func NewMockVault(id, asset string, controller crypto.Address, ledger bank.Ledger) *MockVault {
	return &MockVault{base: newBase(KindMock, id, asset, controller, ledger)}
}

// SetLiquidityLimit caps how much a single withdraw can return. Nil removes
// the cap.
func (v *MockVault) SetLiquidityLimit(limit *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if limit == nil {
		v.liquidityLimit = nil
		return
	}
	v.liquidityLimit = new(big.Int).Set(limit)
}

// SetExitPenaltyBps withholds a fraction of every withdrawal inside the vault.
func (v *MockVault) SetExitPenaltyBps(bps uint64) {
	v.mu.Lock()
	v.exitPenaltyBps = bps
	v.mu.Unlock()
}

// SetRejectDeposits makes Deposit fail as if the market were closed.
func (v *MockVault) SetRejectDeposits(reject bool) {
	v.mu.Lock()
	v.rejectDeposits = reject
	v.mu.Unlock()
}

func (v *MockVault) Deposit(caller crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := v.checkDeposit(caller, amount); err != nil {
		return nil, err
	}
	v.mu.RLock()
	reject := v.rejectDeposits
	v.mu.RUnlock()
	if reject {
		return nil, fmt.Errorf("vault %s: %w", v.id, coreerrors.ErrStrategyUnavailable)
	}
	if err := v.bank.Transfer(v.asset, caller, v.address, amount); err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

// exit splits a withdrawal of amount into what the vault can release now and
// the penalty withheld from it.
func (v *MockVault) exit(amount *big.Int) (redeemed, penalty *big.Int) {
	held := v.bank.BalanceOf(v.asset, v.address)
	redeemed = new(big.Int).Set(amount)
	if redeemed.Cmp(held) > 0 {
		redeemed.Set(held)
	}
	v.mu.RLock()
	if v.liquidityLimit != nil && redeemed.Cmp(v.liquidityLimit) > 0 {
		redeemed.Set(v.liquidityLimit)
	}
	penaltyBps := v.exitPenaltyBps
	v.mu.RUnlock()
	penalty = new(big.Int).Mul(redeemed, new(big.Int).SetUint64(penaltyBps))
	penalty.Quo(penalty, big.NewInt(10_000))
	return redeemed, penalty
}

func (v *MockVault) PreviewWithdraw(amount *big.Int) (WithdrawPreview, error) {
	if amount == nil || amount.Sign() <= 0 {
		return WithdrawPreview{}, coreerrors.ErrZeroAmount
	}
	redeemed, penalty := v.exit(amount)
	return WithdrawPreview{Redeemable: redeemed, Out: new(big.Int).Sub(redeemed, penalty)}, nil
}

func (v *MockVault) Withdraw(caller crypto.Address, amount *big.Int, recipient crypto.Address) (*big.Int, error) {
	if err := v.checkWithdraw(caller, amount); err != nil {
		return nil, err
	}
	redeemed, penalty := v.exit(amount)
	out := new(big.Int).Sub(redeemed, penalty)
	// The withheld penalty leaves the vault as strategy cost.
	if penalty.Sign() > 0 {
		if err := v.bank.Transfer(v.asset, v.address, crypto.ModuleAddress("vault/penalty"), penalty); err != nil {
			return nil, err
		}
	}
	if out.Sign() == 0 {
		return out, nil
	}
	if err := v.bank.Transfer(v.asset, v.address, recipient, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (v *MockVault) TotalValue() (*big.Int, error) {
	return v.bank.BalanceOf(v.asset, v.address), nil
}

func (v *MockVault) Harvestable() bool { return false }

func (v *MockVault) Harvest(caller crypto.Address) (HarvestReport, error) {
	if err := v.authorize(caller); err != nil {
		return HarvestReport{}, err
	}
	return skipped(), nil
}

func (v *MockVault) Recover(caller crypto.Address, token string, amount *big.Int, recipient crypto.Address) (*big.Int, error) {
	return v.recoverToken(caller, token, amount, recipient)
}

func (v *MockVault) Checkpoint(db storage.Database) error {
	return v.saveMeta(db, time.Time{})
}

func (v *MockVault) Restore(db storage.Database) (bool, error) {
	_, ok, err := v.loadMeta(db)
	return ok, err
}
