package lending

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	coreerrors "vaultchain/core/errors"
	"vaultchain/crypto"
	"vaultchain/native/bank"
	nativecommon "vaultchain/native/common"
)

const moduleName = "lending"

// RewardMinter issues incentive tokens to suppliers when they claim.
type RewardMinter interface {
	Credit(asset string, to crypto.Address, amount *big.Int) error
}

// Engine runs a single-asset lending pool. Suppliers receive shares whose
// value grows as borrowers pay interest; cash sits in the pool's module
// account inside the bank.
type Engine struct {
	mu             sync.Mutex
	state          engineState
	bank           bank.Ledger
	minter         RewardMinter
	poolID         string
	asset          string
	moduleAddress  crypto.Address
	interestModel  *InterestModel
	reserveFactor  uint64
	blockHeight    uint64
	rewardAsset    string
	rewardPerBlock *big.Int
	supplyCap      *big.Int
	pauses         nativecommon.PauseView
}

// NewEngine creates a pool for asset backed by state and the bank ledger.
func NewEngine(poolID, asset string, state engineState, ledger bank.Ledger) *Engine {
	poolID = strings.TrimSpace(poolID)
	return &Engine{
		state:          state,
		bank:           ledger,
		poolID:         poolID,
		asset:          strings.TrimSpace(asset),
		moduleAddress:  crypto.ModuleAddress(moduleName + "/" + poolID),
		interestModel:  DefaultInterestModel,
		rewardPerBlock: big.NewInt(0),
		supplyCap:      big.NewInt(0),
	}
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetInterestModel configures the borrow rate curve.
func (e *Engine) SetInterestModel(model *InterestModel) {
	if e == nil {
		return
	}
	e.interestModel = model
}

// SetReserveFactor configures the share of interest retained as reserves.
func (e *Engine) SetReserveFactor(bps uint64) {
	if e == nil {
		return
	}
	e.reserveFactor = bps
}

// SetBlockHeight advances the clock used for interest and reward accrual.
func (e *Engine) SetBlockHeight(height uint64) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if height > e.blockHeight {
		e.blockHeight = height
	}
}

// SetRewards configures the incentive token emitted to suppliers per block.
func (e *Engine) SetRewards(asset string, perBlock *big.Int) {
	if e == nil {
		return
	}
	e.rewardAsset = strings.TrimSpace(asset)
	e.rewardPerBlock = cloneBig(perBlock)
}

// SetRewardMinter wires the issuer used by ClaimRewards.
func (e *Engine) SetRewardMinter(m RewardMinter) {
	if e == nil {
		return
	}
	e.minter = m
}

// SetSupplyCap bounds the pool's total assets. Zero disables the cap.
func (e *Engine) SetSupplyCap(limit *big.Int) {
	if e == nil {
		return
	}
	e.supplyCap = cloneBig(limit)
}

func (e *Engine) PoolID() string                { return e.poolID }
func (e *Engine) Asset() string                 { return e.asset }
func (e *Engine) RewardAsset() string           { return e.rewardAsset }
func (e *Engine) ModuleAddress() crypto.Address { return e.moduleAddress }

// BlockHeight returns the engine clock.
func (e *Engine) BlockHeight() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blockHeight
}

// Supply deposits amount from supplier and returns the minted shares.
func (e *Engine) Supply(supplier crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, coreerrors.ErrZeroAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	market, err := e.accrueLocked()
	if err != nil {
		return nil, err
	}
	totalAssets := e.totalAssetsLocked(market)
	if e.supplyCap.Sign() > 0 && new(big.Int).Add(totalAssets, amount).Cmp(e.supplyCap) > 0 {
		return nil, fmt.Errorf("lending: supply cap %s reached: %w", e.supplyCap, coreerrors.ErrStrategyUnavailable)
	}
	shares := sharesFromLiquidity(amount, market.TotalShares, totalAssets)
	if shares.Sign() == 0 {
		return nil, coreerrors.ErrDustAmount
	}
	pos, err := e.positionLocked(supplier)
	if err != nil {
		return nil, err
	}
	settleRewards(pos, market)
	if err := e.bank.Transfer(e.asset, supplier, e.moduleAddress, amount); err != nil {
		return nil, err
	}
	pos.Shares.Add(pos.Shares, shares)
	market.TotalShares.Add(market.TotalShares, shares)
	if err := e.state.PutPosition(e.poolID, supplier, pos); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(e.poolID, market); err != nil {
		return nil, err
	}
	return shares, nil
}

// Redeem withdraws up to amount of underlying for owner and sends it to
// recipient. When the pool is short on cash it releases what it holds and
// reports the smaller figure.
func (e *Engine) Redeem(owner, recipient crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, coreerrors.ErrZeroAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	market, err := e.accrueLocked()
	if err != nil {
		return nil, err
	}
	pos, err := e.positionLocked(owner)
	if err != nil {
		return nil, err
	}
	totalAssets := e.totalAssetsLocked(market)
	owned := liquidityFromShares(pos.Shares, market.TotalShares, totalAssets)
	released := new(big.Int).Set(amount)
	if released.Cmp(owned) > 0 {
		released.Set(owned)
	}
	if cash := e.cashLocked(); released.Cmp(cash) > 0 {
		released.Set(cash)
	}
	if released.Sign() == 0 {
		return big.NewInt(0), nil
	}
	burned := sharesForWithdrawal(released, market.TotalShares, totalAssets)
	if burned.Cmp(pos.Shares) > 0 {
		burned.Set(pos.Shares)
	}
	settleRewards(pos, market)
	if err := e.bank.Transfer(e.asset, e.moduleAddress, recipient, released); err != nil {
		return nil, err
	}
	pos.Shares.Sub(pos.Shares, burned)
	market.TotalShares.Sub(market.TotalShares, burned)
	if err := e.state.PutPosition(e.poolID, owner, pos); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(e.poolID, market); err != nil {
		return nil, err
	}
	return released, nil
}

// Borrow lends amount of pool cash to borrower.
func (e *Engine) Borrow(borrower crypto.Address, amount *big.Int) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return coreerrors.ErrZeroAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	market, err := e.accrueLocked()
	if err != nil {
		return err
	}
	if amount.Cmp(e.cashLocked()) > 0 {
		return fmt.Errorf("lending: borrow %s exceeds cash: %w", amount, coreerrors.ErrInsufficientLiquidity)
	}
	pos, err := e.positionLocked(borrower)
	if err != nil {
		return err
	}
	scaled := new(big.Int).Mul(amount, ray)
	scaled.Quo(scaled, market.BorrowIndex)
	if err := e.bank.Transfer(e.asset, e.moduleAddress, borrower, amount); err != nil {
		return err
	}
	pos.ScaledDebt.Add(pos.ScaledDebt, scaled)
	market.TotalBorrowed.Add(market.TotalBorrowed, amount)
	if err := e.state.PutPosition(e.poolID, borrower, pos); err != nil {
		return err
	}
	return e.state.PutMarket(e.poolID, market)
}

// Repay settles up to amount of borrower's debt and returns what was repaid.
func (e *Engine) Repay(borrower crypto.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, coreerrors.ErrZeroAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	market, err := e.accrueLocked()
	if err != nil {
		return nil, err
	}
	pos, err := e.positionLocked(borrower)
	if err != nil {
		return nil, err
	}
	debt := debtOf(pos, market)
	repaid := new(big.Int).Set(amount)
	if repaid.Cmp(debt) > 0 {
		repaid.Set(debt)
	}
	if repaid.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if err := e.bank.Transfer(e.asset, borrower, e.moduleAddress, repaid); err != nil {
		return nil, err
	}
	if repaid.Cmp(debt) == 0 {
		pos.ScaledDebt.SetInt64(0)
	} else {
		scaled := new(big.Int).Mul(repaid, ray)
		scaled.Quo(scaled, market.BorrowIndex)
		pos.ScaledDebt.Sub(pos.ScaledDebt, scaled)
		if pos.ScaledDebt.Sign() < 0 {
			pos.ScaledDebt.SetInt64(0)
		}
	}
	market.TotalBorrowed.Sub(market.TotalBorrowed, repaid)
	if market.TotalBorrowed.Sign() < 0 {
		market.TotalBorrowed.SetInt64(0)
	}
	if err := e.state.PutPosition(e.poolID, borrower, pos); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(e.poolID, market); err != nil {
		return nil, err
	}
	return repaid, nil
}

// Accrue brings interest and reward indices up to the current block.
func (e *Engine) Accrue() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.accrueLocked()
	return err
}

// BalanceOf returns the underlying value of owner's shares.
func (e *Engine) BalanceOf(owner crypto.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	market, err := e.accrueLocked()
	if err != nil {
		return nil, err
	}
	pos, err := e.positionLocked(owner)
	if err != nil {
		return nil, err
	}
	return liquidityFromShares(pos.Shares, market.TotalShares, e.totalAssetsLocked(market)), nil
}

// DebtOf returns borrower's outstanding debt including accrued interest.
func (e *Engine) DebtOf(borrower crypto.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	market, err := e.accrueLocked()
	if err != nil {
		return nil, err
	}
	pos, err := e.positionLocked(borrower)
	if err != nil {
		return nil, err
	}
	return debtOf(pos, market), nil
}

// TotalAssets returns cash plus borrowed minus reserves.
func (e *Engine) TotalAssets() (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	market, err := e.accrueLocked()
	if err != nil {
		return nil, err
	}
	return e.totalAssetsLocked(market), nil
}

// AvailableLiquidity returns the cash the pool can release right now.
func (e *Engine) AvailableLiquidity() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cashLocked()
}

// Market returns a snapshot of the pool accounting.
func (e *Engine) Market() (*Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accrueLocked()
}

// PendingRewards returns settled plus unsettled rewards for owner.
func (e *Engine) PendingRewards(owner crypto.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	market, err := e.accrueLocked()
	if err != nil {
		return nil, err
	}
	pos, err := e.positionLocked(owner)
	if err != nil {
		return nil, err
	}
	settleRewards(pos, market)
	return cloneBig(pos.Rewards), nil
}

// ClaimRewards pays owner's rewards to recipient and returns the amount.
func (e *Engine) ClaimRewards(owner, recipient crypto.Address) (*big.Int, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	market, err := e.accrueLocked()
	if err != nil {
		return nil, err
	}
	pos, err := e.positionLocked(owner)
	if err != nil {
		return nil, err
	}
	settleRewards(pos, market)
	amount := cloneBig(pos.Rewards)
	if amount.Sign() == 0 {
		return amount, nil
	}
	if e.minter == nil || e.rewardAsset == "" {
		return nil, fmt.Errorf("lending: rewards not configured: %w", coreerrors.ErrStrategyUnavailable)
	}
	if err := e.minter.Credit(e.rewardAsset, recipient, amount); err != nil {
		return nil, err
	}
	pos.Rewards.SetInt64(0)
	if err := e.state.PutPosition(e.poolID, owner, pos); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(e.poolID, market); err != nil {
		return nil, err
	}
	return amount, nil
}

func (e *Engine) accrueLocked() (*Market, error) {
	if e.state == nil {
		return nil, fmt.Errorf("lending: state not configured")
	}
	market, err := e.state.GetMarket(e.poolID)
	if err != nil {
		return nil, err
	}
	if market == nil {
		market = &Market{LastUpdateBlock: e.blockHeight}
	}
	market.ensureDefaults()
	if e.blockHeight <= market.LastUpdateBlock {
		return market, nil
	}
	delta := e.blockHeight - market.LastUpdateBlock
	if market.TotalBorrowed.Sign() > 0 {
		rate := e.interestModel.BorrowAPR(market.TotalBorrowed, e.cashLocked())
		factor := rateFactor(rate, delta)
		interest := new(big.Int).Sub(factor, ray)
		interest.Mul(interest, market.TotalBorrowed)
		interest.Quo(interest, ray)
		market.TotalBorrowed.Add(market.TotalBorrowed, interest)
		market.Reserves.Add(market.Reserves, bpsOf(interest, e.reserveFactor))
		index := new(big.Int).Mul(market.BorrowIndex, factor)
		market.BorrowIndex = index.Quo(index, ray)
	}
	if e.rewardPerBlock.Sign() > 0 && market.TotalShares.Sign() > 0 {
		emitted := new(big.Int).Mul(e.rewardPerBlock, new(big.Int).SetUint64(delta))
		emitted.Mul(emitted, ray)
		emitted.Quo(emitted, market.TotalShares)
		market.RewardIndex.Add(market.RewardIndex, emitted)
	}
	market.LastUpdateBlock = e.blockHeight
	if err := e.state.PutMarket(e.poolID, market); err != nil {
		return nil, err
	}
	return market, nil
}

func (e *Engine) positionLocked(addr crypto.Address) (*Position, error) {
	pos, err := e.state.GetPosition(e.poolID, addr)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &Position{}
	}
	pos.ensureDefaults()
	return pos, nil
}

func (e *Engine) cashLocked() *big.Int {
	return e.bank.BalanceOf(e.asset, e.moduleAddress)
}

func (e *Engine) totalAssetsLocked(market *Market) *big.Int {
	total := new(big.Int).Add(e.cashLocked(), market.TotalBorrowed)
	total.Sub(total, market.Reserves)
	if total.Sign() < 0 {
		return big.NewInt(0)
	}
	return total
}

func settleRewards(pos *Position, market *Market) {
	if pos.Shares.Sign() > 0 {
		delta := new(big.Int).Sub(market.RewardIndex, pos.RewardIndex)
		if delta.Sign() > 0 {
			earned := new(big.Int).Mul(pos.Shares, delta)
			earned.Quo(earned, ray)
			pos.Rewards.Add(pos.Rewards, earned)
		}
	}
	pos.RewardIndex = cloneBig(market.RewardIndex)
}

func debtOf(pos *Position, market *Market) *big.Int {
	if pos.ScaledDebt.Sign() == 0 {
		return big.NewInt(0)
	}
	debt := new(big.Int).Mul(pos.ScaledDebt, market.BorrowIndex)
	quo, rem := new(big.Int).QuoRem(debt, ray, new(big.Int))
	if rem.Sign() > 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}
