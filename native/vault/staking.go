package vault

import (
	"fmt"
	"math/big"

	coreerrors "vaultchain/core/errors"
	"vaultchain/crypto"
	"vaultchain/native/bank"
	"vaultchain/storage"
)

// RewardPool is a staking pool paying a reward token pro rata to stake.
type RewardPool interface {
	Asset() string
	RewardAsset() string
	Stake(addr crypto.Address, amount *big.Int) error
	Unstake(addr, recipient crypto.Address, amount *big.Int) (*big.Int, error)
	Staked(addr crypto.Address) *big.Int
	Pending(addr crypto.Address) *big.Int
	Claim(addr, recipient crypto.Address) (*big.Int, error)
}

// StakingVault stakes backing into a reward pool and restakes the swapped
// rewards on harvest.
type StakingVault struct {
	*base
	pool       RewardPool
	reinvester *Reinvester
}

// NewStakingVault wraps pool.
func NewStakingVault(id string, pool RewardPool, controller crypto.Address, ledger bank.Ledger, reinvester *Reinvester) *StakingVault {
	return &StakingVault{
		base:       newBase(KindStaking, id, pool.Asset(), controller, ledger),
		pool:       pool,
		reinvester: reinvester,
	}
}

// Reinvester exposes the harvest helper for configuration.
func (v *StakingVault) Reinvester() *Reinvester { return v.reinvester }

func (v *StakingVault) Deposit(caller crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := v.checkDeposit(caller, amount); err != nil {
		return nil, err
	}
	if err := v.bank.Transfer(v.asset, caller, v.address, amount); err != nil {
		return nil, err
	}
	if err := v.pool.Stake(v.address, amount); err != nil {
		if refundErr := v.bank.Transfer(v.asset, v.address, caller, amount); refundErr != nil {
			return nil, fmt.Errorf("vault %s: refund after failed stake: %w", v.id, refundErr)
		}
		return nil, fmt.Errorf("vault %s: %w: %w", v.id, coreerrors.ErrStrategyUnavailable, err)
	}
	return new(big.Int).Set(amount), nil
}

func (v *StakingVault) Withdraw(caller crypto.Address, amount *big.Int, recipient crypto.Address) (*big.Int, error) {
	if err := v.checkWithdraw(caller, amount); err != nil {
		return nil, err
	}
	return v.pool.Unstake(v.address, recipient, amount)
}

func (v *StakingVault) PreviewWithdraw(amount *big.Int) (WithdrawPreview, error) {
	if amount == nil || amount.Sign() <= 0 {
		return WithdrawPreview{}, coreerrors.ErrZeroAmount
	}
	out := minOf(amount, v.pool.Staked(v.address))
	return WithdrawPreview{Redeemable: out, Out: new(big.Int).Set(out)}, nil
}

func (v *StakingVault) TotalValue() (*big.Int, error) {
	return v.pool.Staked(v.address), nil
}

func (v *StakingVault) Harvestable() bool {
	if v.reinvester == nil || v.Retired() {
		return false
	}
	return v.reinvester.Ready(v.pool.Pending(v.address))
}

func (v *StakingVault) Harvest(caller crypto.Address) (HarvestReport, error) {
	if err := v.authorize(caller); err != nil {
		return HarvestReport{}, err
	}
	if !v.Harvestable() {
		return skipped(), nil
	}
	return v.reinvester.compound(v.base,
		func() (*big.Int, error) { return v.pool.Claim(v.address, v.address) },
		func(amount *big.Int) error { return v.pool.Stake(v.address, amount) })
}

func (v *StakingVault) Recover(caller crypto.Address, token string, amount *big.Int, recipient crypto.Address) (*big.Int, error) {
	if err := v.authorize(caller); err != nil {
		return nil, err
	}
	if token == v.asset && v.Retired() {
		if staked := v.pool.Staked(v.address); staked.Sign() > 0 {
			if _, err := v.pool.Unstake(v.address, v.address, staked); err != nil {
				return nil, err
			}
		}
	}
	return v.recoverToken(caller, token, amount, recipient)
}

func (v *StakingVault) Checkpoint(db storage.Database) error {
	return v.saveMeta(db, v.reinvester.LastRun())
}

func (v *StakingVault) Restore(db storage.Database) (bool, error) {
	record, ok, err := v.loadMeta(db)
	if err != nil || !ok {
		return ok, err
	}
	v.reinvester.restoreLastRun(unixTime(record.LastHarvest))
	return true, nil
}
