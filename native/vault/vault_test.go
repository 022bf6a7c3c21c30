package vault

import (
	"errors"
	"math/big"
	"testing"
	"time"

	coreerrors "vaultchain/core/errors"
	"vaultchain/crypto"
	"vaultchain/native/bank"
	"vaultchain/native/lending"
	"vaultchain/native/router"
	"vaultchain/native/staking"
	"vaultchain/storage"
)

const (
	underlying = "USDC"
	reward     = "VCR"
)

var controller = crypto.ModuleAddress("treasury/fiUSDC")

func testAddress(b byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = b
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func fundController(t *testing.T, ledger *bank.Bank, amount int64) {
	t.Helper()
	if err := ledger.Credit(underlying, controller, big.NewInt(amount)); err != nil {
		t.Fatalf("credit: %v", err)
	}
}

func TestMockVaultAuthorization(t *testing.T) {
	ledger := bank.New()
	v := NewMockVault("mock-1", underlying, controller, ledger)
	stranger := testAddress(9)
	_ = ledger.Credit(underlying, stranger, big.NewInt(10))
	if _, err := v.Deposit(stranger, big.NewInt(10)); !errors.Is(err, coreerrors.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if _, err := v.Withdraw(stranger, big.NewInt(1), stranger); !errors.Is(err, coreerrors.ErrAuthorization) {
		t.Fatalf("expected authorization kind, got %v", err)
	}
	if err := v.Retire(stranger); !errors.Is(err, coreerrors.ErrNotAuthorized) {
		t.Fatalf("expected not authorized on retire, got %v", err)
	}
}

func TestMockVaultPartialWithdraw(t *testing.T) {
	ledger := bank.New()
	v := NewMockVault("mock-1", underlying, controller, ledger)
	fundController(t, ledger, 1_000)
	if _, err := v.Deposit(controller, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	v.SetLiquidityLimit(big.NewInt(400))
	if preview, err := v.PreviewWithdraw(big.NewInt(600)); err != nil || preview.Redeemable.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("preview %+v, %v", preview, err)
	}
	recipient := testAddress(1)
	out, err := v.Withdraw(controller, big.NewInt(600), recipient)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if out.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("expected partial 400, got %s", out)
	}
	value, _ := v.TotalValue()
	if value.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("value %s", value)
	}
	if bal := ledger.BalanceOf(underlying, recipient); bal.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("recipient %s", bal)
	}
}

func TestMockVaultExitPenalty(t *testing.T) {
	ledger := bank.New()
	v := NewMockVault("mock-1", underlying, controller, ledger)
	fundController(t, ledger, 10_000)
	_, _ = v.Deposit(controller, big.NewInt(10_000))
	v.SetExitPenaltyBps(50)
	preview, err := v.PreviewWithdraw(big.NewInt(10_000))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.Out.Cmp(big.NewInt(9_950)) != 0 || preview.ExitCost().Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected preview %+v", preview)
	}
	if value, _ := v.TotalValue(); value.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("preview moved value: %s", value)
	}
	out, err := v.Withdraw(controller, big.NewInt(10_000), controller)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if out.Cmp(big.NewInt(9_950)) != 0 {
		t.Fatalf("expected 9950 after penalty, got %s", out)
	}
	if value, _ := v.TotalValue(); value.Sign() != 0 {
		t.Fatalf("vault should be empty, holds %s", value)
	}
}

func TestRetiredVaultRejectsDepositsAndAllowsRecovery(t *testing.T) {
	ledger := bank.New()
	v := NewMockVault("mock-1", underlying, controller, ledger)
	fundController(t, ledger, 100)
	_, _ = v.Deposit(controller, big.NewInt(60))
	if _, err := v.Recover(controller, underlying, nil, controller); !errors.Is(err, coreerrors.ErrBackendNotActive) {
		t.Fatalf("expected recover refusal while active, got %v", err)
	}
	if err := v.Retire(controller); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if _, err := v.Deposit(controller, big.NewInt(10)); !errors.Is(err, coreerrors.ErrBackendRetired) {
		t.Fatalf("expected retired error, got %v", err)
	}
	recovered, err := v.Recover(controller, underlying, nil, controller)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("recovered %s", recovered)
	}
}

func TestMockVaultRejectDeposits(t *testing.T) {
	ledger := bank.New()
	v := NewMockVault("mock-1", underlying, controller, ledger)
	fundController(t, ledger, 100)
	v.SetRejectDeposits(true)
	if _, err := v.Deposit(controller, big.NewInt(100)); !errors.Is(err, coreerrors.ErrStrategyUnavailable) {
		t.Fatalf("expected strategy unavailable, got %v", err)
	}
	if bal := ledger.BalanceOf(underlying, controller); bal.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("controller balance moved: %s", bal)
	}
}

func newRouter(t *testing.T, ledger *bank.Bank) *router.FixedRate {
	t.Helper()
	r := router.NewFixedRate(ledger)
	if err := r.SetRate(reward, underlying, big.NewRat(1, 1)); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if err := ledger.Credit(underlying, r.Address(), big.NewInt(1_000_000)); err != nil {
		t.Fatalf("inventory: %v", err)
	}
	return r
}

func TestLendingVaultCompoundsRewards(t *testing.T) {
	ledger := bank.New()
	engine := lending.NewEngine("usdc-pool", underlying, lending.NewMemoryState(), ledger)
	engine.SetRewards(reward, big.NewInt(10))
	engine.SetRewardMinter(ledger)
	reinvester := NewReinvester(newRouter(t, ledger), reward, underlying, ReinvestParams{SlippageBps: 100})
	v := NewLendingVault("lend-1", engine, controller, ledger, reinvester)

	fundController(t, ledger, 1_000_000)
	if _, err := v.Deposit(controller, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if v.Harvestable() {
		t.Fatalf("nothing to harvest yet")
	}
	engine.SetBlockHeight(100)
	if !v.Harvestable() {
		t.Fatalf("expected harvestable rewards")
	}
	report, err := v.Harvest(controller)
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if report.RewardIn.Cmp(big.NewInt(1_000)) != 0 || report.Reinvested.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	value, err := v.TotalValue()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if value.Cmp(big.NewInt(1_001_000)) != 0 {
		t.Fatalf("value after compounding %s", value)
	}
}

func TestLendingVaultPartialWhenBorrowed(t *testing.T) {
	ledger := bank.New()
	engine := lending.NewEngine("usdc-pool", underlying, lending.NewMemoryState(), ledger)
	v := NewLendingVault("lend-1", engine, controller, ledger, nil)
	fundController(t, ledger, 1_000)
	if _, err := v.Deposit(controller, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Borrow(testAddress(5), big.NewInt(900)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	preview, err := v.PreviewWithdraw(big.NewInt(500))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.Redeemable.Cmp(big.NewInt(100)) != 0 || preview.ExitCost().Sign() != 0 {
		t.Fatalf("unexpected preview %+v", preview)
	}
	out, err := v.Withdraw(controller, big.NewInt(500), controller)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if out.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected 100 of cash, got %s", out)
	}
}

func TestStakingVaultCompoundsRewards(t *testing.T) {
	ledger := bank.New()
	pool := staking.NewPool("usdc-stake", underlying, reward, ledger, ledger)
	pool.SetRewardPerBlock(big.NewInt(5))
	reinvester := NewReinvester(newRouter(t, ledger), reward, underlying, ReinvestParams{MinAmountIn: big.NewInt(100)})
	v := NewStakingVault("stake-1", pool, controller, ledger, reinvester)

	fundController(t, ledger, 500)
	if _, err := v.Deposit(controller, big.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	pool.SetBlockHeight(10)
	if v.Harvestable() {
		t.Fatalf("50 pending is below the minimum")
	}
	pool.SetBlockHeight(40)
	report, err := v.Harvest(controller)
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if report.Skipped || report.Reinvested.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if value, _ := v.TotalValue(); value.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("value %s", value)
	}
}

func TestReinvesterWaitInterval(t *testing.T) {
	ledger := bank.New()
	now := time.Unix(1_700_000_000, 0)
	r := NewReinvester(newRouter(t, ledger), reward, underlying, ReinvestParams{Wait: time.Hour})
	r.SetClock(func() time.Time { return now })
	holder := testAddress(3)
	_ = ledger.Credit(reward, holder, big.NewInt(50))
	if !r.Ready(big.NewInt(50)) {
		t.Fatalf("first run should be ready")
	}
	out, err := r.Convert(holder, big.NewInt(50))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if out.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("out %s", out)
	}
	now = now.Add(30 * time.Minute)
	if r.Ready(big.NewInt(50)) {
		t.Fatalf("wait interval not elapsed")
	}
	now = now.Add(time.Hour)
	if !r.Ready(big.NewInt(50)) {
		t.Fatalf("wait interval elapsed")
	}
	if err := r.SetParams(ReinvestParams{SlippageBps: 20_000}); !errors.Is(err, coreerrors.ErrInvalidFee) {
		t.Fatalf("expected invalid slippage, got %v", err)
	}
}

func TestBackendCheckpointRestore(t *testing.T) {
	ledger := bank.New()
	v := NewMockVault("mock-1", underlying, controller, ledger)
	if err := v.Retire(controller); err != nil {
		t.Fatalf("retire: %v", err)
	}
	db := storage.NewMemDB()
	if err := v.Checkpoint(db); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	restored := NewMockVault("mock-1", underlying, controller, ledger)
	ok, err := restored.Restore(db)
	if err != nil || !ok {
		t.Fatalf("restore: ok=%v err=%v", ok, err)
	}
	if !restored.Retired() {
		t.Fatalf("retired flag lost")
	}
	mismatched := NewMockVault("mock-1", "DAI", controller, ledger)
	if _, err := mismatched.Restore(db); !errors.Is(err, coreerrors.ErrAssetMismatch) {
		t.Fatalf("expected asset mismatch, got %v", err)
	}
}
