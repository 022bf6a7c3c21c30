package vault

import (
	"fmt"
	"math/big"

	coreerrors "vaultchain/core/errors"
	"vaultchain/crypto"
	"vaultchain/native/bank"
	"vaultchain/storage"
)

// LendingMarket is the supply side of a lending pool.
type LendingMarket interface {
	Asset() string
	RewardAsset() string
	Supply(supplier crypto.Address, amount *big.Int) (*big.Int, error)
	Redeem(owner, recipient crypto.Address, amount *big.Int) (*big.Int, error)
	BalanceOf(owner crypto.Address) (*big.Int, error)
	AvailableLiquidity() *big.Int
	PendingRewards(owner crypto.Address) (*big.Int, error)
	ClaimRewards(owner, recipient crypto.Address) (*big.Int, error)
}

// LendingVault supplies backing to a lending market and auto-compounds the
// market's incentive rewards on harvest.
type LendingVault struct {
	*base
	market     LendingMarket
	reinvester *Reinvester
}

// NewLendingVault wraps market. The reinvester may be nil when the market
// pays no rewards.
func NewLendingVault(id string, market LendingMarket, controller crypto.Address, ledger bank.Ledger, reinvester *Reinvester) *LendingVault {
	return &LendingVault{
		base:       newBase(KindLending, id, market.Asset(), controller, ledger),
		market:     market,
		reinvester: reinvester,
	}
}

// Reinvester exposes the harvest helper for configuration.
func (v *LendingVault) Reinvester() *Reinvester { return v.reinvester }

func (v *LendingVault) Deposit(caller crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := v.checkDeposit(caller, amount); err != nil {
		return nil, err
	}
	if err := v.bank.Transfer(v.asset, caller, v.address, amount); err != nil {
		return nil, err
	}
	shares, err := v.market.Supply(v.address, amount)
	if err != nil {
		if refundErr := v.bank.Transfer(v.asset, v.address, caller, amount); refundErr != nil {
			return nil, fmt.Errorf("vault %s: refund after failed supply: %w", v.id, refundErr)
		}
		return nil, fmt.Errorf("vault %s: %w: %w", v.id, coreerrors.ErrStrategyUnavailable, err)
	}
	return shares, nil
}

func (v *LendingVault) Withdraw(caller crypto.Address, amount *big.Int, recipient crypto.Address) (*big.Int, error) {
	if err := v.checkWithdraw(caller, amount); err != nil {
		return nil, err
	}
	return v.market.Redeem(v.address, recipient, amount)
}

// PreviewWithdraw caps the request by the vault's position and the cash the
// market can release.
func (v *LendingVault) PreviewWithdraw(amount *big.Int) (WithdrawPreview, error) {
	if amount == nil || amount.Sign() <= 0 {
		return WithdrawPreview{}, coreerrors.ErrZeroAmount
	}
	owned, err := v.market.BalanceOf(v.address)
	if err != nil {
		return WithdrawPreview{}, err
	}
	out := minOf(amount, owned)
	out = minOf(out, v.market.AvailableLiquidity())
	return WithdrawPreview{Redeemable: out, Out: new(big.Int).Set(out)}, nil
}

func (v *LendingVault) TotalValue() (*big.Int, error) {
	return v.market.BalanceOf(v.address)
}

func (v *LendingVault) Harvestable() bool {
	if v.reinvester == nil || v.Retired() {
		return false
	}
	pending, err := v.market.PendingRewards(v.address)
	if err != nil {
		return false
	}
	return v.reinvester.Ready(pending)
}

func (v *LendingVault) Harvest(caller crypto.Address) (HarvestReport, error) {
	if err := v.authorize(caller); err != nil {
		return HarvestReport{}, err
	}
	if !v.Harvestable() {
		return skipped(), nil
	}
	return v.reinvester.compound(v.base,
		func() (*big.Int, error) { return v.market.ClaimRewards(v.address, v.address) },
		func(amount *big.Int) error {
			_, err := v.market.Supply(v.address, amount)
			return err
		})
}

func (v *LendingVault) Recover(caller crypto.Address, token string, amount *big.Int, recipient crypto.Address) (*big.Int, error) {
	if err := v.authorize(caller); err != nil {
		return nil, err
	}
	if token == v.asset && v.Retired() {
		// Pull whatever the market will release before sweeping.
		value, err := v.market.BalanceOf(v.address)
		if err != nil {
			return nil, err
		}
		if value.Sign() > 0 {
			if _, err := v.market.Redeem(v.address, v.address, value); err != nil {
				return nil, err
			}
		}
	}
	return v.recoverToken(caller, token, amount, recipient)
}

func (v *LendingVault) Checkpoint(db storage.Database) error {
	return v.saveMeta(db, v.reinvester.LastRun())
}

func (v *LendingVault) Restore(db storage.Database) (bool, error) {
	record, ok, err := v.loadMeta(db)
	if err != nil || !ok {
		return ok, err
	}
	v.reinvester.restoreLastRun(unixTime(record.LastHarvest))
	return true, nil
}
