package treasury

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	coreerrors "vaultchain/core/errors"
	"vaultchain/core/events"
	"vaultchain/crypto"
	"vaultchain/native/bank"
	nativecommon "vaultchain/native/common"
	"vaultchain/native/router"
	"vaultchain/native/vault"
	"vaultchain/storage"
)

const (
	asset  = "USDC"
	symbol = "fiUSDC"
)

var (
	admin     = testAddress(0xA0)
	collector = testAddress(0xC0)
	alice     = testAddress(1)
	bob       = testAddress(2)
	stranger  = testAddress(9)
)

func testAddress(b byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = b
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func usdc(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000)) }

func fi(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000)) }

type fixture struct {
	t      *testing.T
	bank   *bank.Bank
	ctrl   *Controller
	mock   *vault.MockVault
	events *events.Collector
	pauses *nativecommon.Pauses
}

func newFixture(t *testing.T, mutate func(*Config), opts ...Option) *fixture {
	t.Helper()
	cfg := DefaultConfig(symbol, asset, 6, admin)
	cfg.FeeCollector = collector
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{t: t, bank: bank.New(), events: &events.Collector{}, pauses: nativecommon.NewPauses()}
	base := []Option{
		WithEmitter(f.events),
		WithPauses(f.pauses),
		WithMetrics(nil),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	ctrl, err := NewController(cfg, f.bank, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	f.ctrl = ctrl
	f.mock = vault.NewMockVault("mock-a", asset, ctrl.Address(), f.bank)
	if err := ctrl.RegisterBackend(admin, f.mock); err != nil {
		t.Fatalf("register: %v", err)
	}
	return f
}

func (f *fixture) backend(id string) *vault.MockVault {
	f.t.Helper()
	b := vault.NewMockVault(id, asset, f.ctrl.Address(), f.bank)
	if err := f.ctrl.RegisterBackend(admin, b); err != nil {
		f.t.Fatalf("register %s: %v", id, err)
	}
	return b
}

func (f *fixture) deposit(addr crypto.Address, amount *big.Int) DepositResult {
	f.t.Helper()
	if err := f.bank.Credit(asset, addr, amount); err != nil {
		f.t.Fatalf("credit: %v", err)
	}
	res, err := f.ctrl.Deposit(context.Background(), DepositRequest{Caller: addr, Amount: amount})
	if err != nil {
		f.t.Fatalf("deposit: %v", err)
	}
	return res
}

func (f *fixture) yield(amount *big.Int) {
	f.t.Helper()
	b, ok := f.ctrl.ActiveBackend()
	if !ok {
		f.t.Fatalf("no active backend")
	}
	if err := f.bank.Credit(asset, b.Address(), amount); err != nil {
		f.t.Fatalf("yield: %v", err)
	}
}

func value(t *testing.T, b vault.Backend) *big.Int {
	t.Helper()
	v, err := b.TotalValue()
	if err != nil {
		t.Fatalf("total value: %v", err)
	}
	return v
}

func expectEqual(t *testing.T, name string, got, want *big.Int) {
	t.Helper()
	if got.Cmp(want) != 0 {
		t.Fatalf("%s: got %s want %s", name, got, want)
	}
}

func TestDepositFillsBufferThenBackend(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.BufferReserve = usdc(100) })
	res := f.deposit(alice, usdc(1_000))
	expectEqual(t, "buffered", res.Buffered, usdc(100))
	expectEqual(t, "deployed", res.Deployed, usdc(900))
	expectEqual(t, "minted", res.Minted, fi(1_000))
	if res.Backend != "mock-a" {
		t.Fatalf("backend %q", res.Backend)
	}

	res = f.deposit(bob, usdc(50))
	expectEqual(t, "second buffered", res.Buffered, big.NewInt(0))
	expectEqual(t, "second deployed", res.Deployed, usdc(50))

	expectEqual(t, "buffer", f.ctrl.Buffer(), usdc(100))
	expectEqual(t, "backend value", value(t, f.mock), usdc(950))
	expectEqual(t, "alice", f.ctrl.BalanceOf(alice), fi(1_000))
	expectEqual(t, "supply", f.ctrl.Ledger().TotalSupply(), fi(1_050))
	if got := len(f.events.OfType(events.TypeTreasuryDeposit)); got != 2 {
		t.Fatalf("expected 2 deposit events, got %d", got)
	}
	if f.ctrl.Status() != StatusIdle {
		t.Fatalf("status %s", f.ctrl.Status())
	}
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MinDeposit = usdc(5) })
	ctx := context.Background()
	_ = f.bank.Credit(asset, alice, usdc(10))

	if _, err := f.ctrl.Deposit(ctx, DepositRequest{Caller: alice, Amount: big.NewInt(0)}); !errors.Is(err, coreerrors.ErrZeroAmount) {
		t.Fatalf("expected zero amount, got %v", err)
	}
	if _, err := f.ctrl.Deposit(ctx, DepositRequest{Caller: alice, Amount: usdc(1)}); !errors.Is(err, coreerrors.ErrBelowMinimum) {
		t.Fatalf("expected below minimum, got %v", err)
	}
	_, err := f.ctrl.Deposit(ctx, DepositRequest{Caller: alice, Amount: usdc(10), MinOut: fi(11)})
	if !errors.Is(err, coreerrors.ErrSlippage) {
		t.Fatalf("expected slippage kind, got %v", err)
	}
	expectEqual(t, "alice underlying after slippage", f.bank.BalanceOf(asset, alice), usdc(10))

	disabled := false
	if _, err := f.ctrl.UpdateConfig(alice, ConfigUpdate{MintEnabled: &disabled}); !errors.Is(err, coreerrors.ErrNotAdmin) {
		t.Fatalf("expected not admin, got %v", err)
	}
	if _, err := f.ctrl.UpdateConfig(admin, ConfigUpdate{MintEnabled: &disabled}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := f.ctrl.Deposit(ctx, DepositRequest{Caller: alice, Amount: usdc(10)}); !errors.Is(err, coreerrors.ErrMintDisabled) {
		t.Fatalf("expected mint disabled, got %v", err)
	}

	enabled := true
	if _, err := f.ctrl.UpdateConfig(admin, ConfigUpdate{MintEnabled: &enabled, WhitelistOnly: &enabled}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := f.ctrl.Deposit(ctx, DepositRequest{Caller: alice, Amount: usdc(10)}); !errors.Is(err, coreerrors.ErrAuthorization) {
		t.Fatalf("expected whitelist rejection, got %v", err)
	}
	if err := f.ctrl.SetWhitelisted(admin, alice, true); err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	if _, err := f.ctrl.Deposit(ctx, DepositRequest{Caller: alice, Amount: usdc(10)}); err != nil {
		t.Fatalf("whitelisted deposit: %v", err)
	}

	tooHigh := uint64(10_001)
	if _, err := f.ctrl.UpdateConfig(admin, ConfigUpdate{MintFeeBps: &tooHigh}); !errors.Is(err, coreerrors.ErrInvalidFee) {
		t.Fatalf("expected invalid fee, got %v", err)
	}
	if f.ctrl.Config().MintFeeBps != 0 {
		t.Fatalf("rejected update leaked into config")
	}
}

func TestDepositDustAndOverflow(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Decimals = 24 })
	ctx := context.Background()
	_ = f.bank.Credit(asset, alice, big.NewInt(1))
	if _, err := f.ctrl.Deposit(ctx, DepositRequest{Caller: alice, Amount: big.NewInt(1)}); !errors.Is(err, coreerrors.ErrDustAmount) {
		t.Fatalf("expected dust, got %v", err)
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	if _, err := f.ctrl.Deposit(ctx, DepositRequest{Caller: alice, Amount: huge}); !errors.Is(err, coreerrors.ErrAmountOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestDepositWithoutBackend(t *testing.T) {
	ledger := bank.New()
	cfg := DefaultConfig(symbol, asset, 6, admin)
	ctrl, err := NewController(cfg, ledger, WithMetrics(nil))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	_ = ledger.Credit(asset, alice, usdc(10))
	if _, err := ctrl.Deposit(context.Background(), DepositRequest{Caller: alice, Amount: usdc(10)}); !errors.Is(err, coreerrors.ErrNoActiveBackend) {
		t.Fatalf("expected no active backend, got %v", err)
	}
	expectEqual(t, "alice", ledger.BalanceOf(asset, alice), usdc(10))
}

func TestPausedControllerRejectsOperations(t *testing.T) {
	f := newFixture(t, nil)
	f.deposit(alice, usdc(10))
	f.pauses.SetPaused(f.ctrl.ModuleName(), true)
	_ = f.bank.Credit(asset, alice, usdc(10))
	if _, err := f.ctrl.Deposit(context.Background(), DepositRequest{Caller: alice, Amount: usdc(10)}); !errors.Is(err, coreerrors.ErrPaused) {
		t.Fatalf("expected paused, got %v", err)
	}
	if _, err := f.ctrl.Rebase(context.Background(), stranger); !errors.Is(err, coreerrors.ErrState) {
		t.Fatalf("expected state kind, got %v", err)
	}
	if err := f.ctrl.Transfer(alice, bob, fi(1)); !errors.Is(err, coreerrors.ErrPaused) {
		t.Fatalf("expected paused transfer, got %v", err)
	}
	if err := f.ctrl.Approve(alice, bob, fi(1)); !errors.Is(err, coreerrors.ErrPaused) {
		t.Fatalf("expected paused approve, got %v", err)
	}
	if err := f.ctrl.TransferFrom(bob, alice, bob, fi(1)); !errors.Is(err, coreerrors.ErrPaused) {
		t.Fatalf("expected paused transfer from, got %v", err)
	}
	expectEqual(t, "alice units while paused", f.ctrl.BalanceOf(alice), fi(10))
	expectEqual(t, "allowance while paused", f.ctrl.Ledger().Allowance(alice, bob), big.NewInt(0))
	f.pauses.SetPaused(f.ctrl.ModuleName(), false)
	if err := f.ctrl.Transfer(alice, bob, fi(1)); err != nil {
		t.Fatalf("transfer after resume: %v", err)
	}
	if _, err := f.ctrl.Deposit(context.Background(), DepositRequest{Caller: alice, Amount: usdc(10)}); err != nil {
		t.Fatalf("deposit after resume: %v", err)
	}
}

func TestWithdrawServesBufferFirst(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.BufferReserve = usdc(100) })
	f.deposit(alice, usdc(1_000))
	ctx := context.Background()

	res, err := f.ctrl.Withdraw(ctx, WithdrawRequest{Caller: alice, Amount: fi(60)})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	expectEqual(t, "from buffer", res.FromBuffer, usdc(60))
	expectEqual(t, "from backend", res.FromBackend, big.NewInt(0))

	res, err = f.ctrl.Withdraw(ctx, WithdrawRequest{Caller: alice, Amount: fi(100), MinOut: usdc(100)})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	expectEqual(t, "from buffer", res.FromBuffer, usdc(40))
	expectEqual(t, "from backend", res.FromBackend, usdc(60))
	expectEqual(t, "alice underlying", f.bank.BalanceOf(asset, alice), usdc(160))
	expectEqual(t, "buffer", f.ctrl.Buffer(), big.NewInt(0))
	expectEqual(t, "backend", value(t, f.mock), usdc(840))
	expectEqual(t, "alice units", f.ctrl.BalanceOf(alice), fi(840))

	if _, err := f.ctrl.Withdraw(ctx, WithdrawRequest{Caller: alice, Amount: fi(10), MinOut: usdc(11)}); !errors.Is(err, coreerrors.ErrSlippageExceeded) {
		t.Fatalf("expected slippage, got %v", err)
	}
}

func TestWithdrawShortfallAbortsEverything(t *testing.T) {
	f := newFixture(t, nil)
	f.deposit(alice, usdc(1_000))
	f.mock.SetLiquidityLimit(usdc(300))
	f.events.Reset()

	_, err := f.ctrl.Withdraw(context.Background(), WithdrawRequest{Caller: alice, Amount: fi(500)})
	if !errors.Is(err, coreerrors.ErrInsufficientLiquidity) || !errors.Is(err, coreerrors.ErrLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
	expectEqual(t, "alice units", f.ctrl.BalanceOf(alice), fi(1_000))
	expectEqual(t, "supply", f.ctrl.Ledger().TotalSupply(), fi(1_000))
	expectEqual(t, "alice underlying", f.bank.BalanceOf(asset, alice), big.NewInt(0))
	expectEqual(t, "backend", value(t, f.mock), usdc(1_000))
	expectEqual(t, "buffer", f.ctrl.Buffer(), big.NewInt(0))
	if n := len(f.events.Events()); n != 0 {
		t.Fatalf("reverted withdraw emitted %d events", n)
	}
	if f.ctrl.Status() != StatusIdle {
		t.Fatalf("status %s", f.ctrl.Status())
	}

	if _, err := f.ctrl.Withdraw(context.Background(), WithdrawRequest{Caller: alice, Amount: fi(300)}); err != nil {
		t.Fatalf("withdraw within liquidity: %v", err)
	}
}

func TestWithdrawPaysNetOfExitPenalty(t *testing.T) {
	f := newFixture(t, nil)
	f.deposit(alice, usdc(1_000))
	f.mock.SetExitPenaltyBps(10)
	ctx := context.Background()

	estimate, _, err := f.ctrl.EstimateWithdraw(fi(100))
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	expectEqual(t, "estimate", estimate, big.NewInt(99_900_000))

	for i := 0; i < 3; i++ {
		res, err := f.ctrl.Withdraw(ctx, WithdrawRequest{Caller: alice, Amount: fi(100), MinOut: usdc(99)})
		if err != nil {
			t.Fatalf("withdraw %d: %v", i, err)
		}
		expectEqual(t, "underlying", res.Underlying, big.NewInt(99_900_000))
		expectEqual(t, "from backend", res.FromBackend, big.NewInt(99_900_000))
		expectEqual(t, "exit cost", res.ExitCost, big.NewInt(100_000))
	}
	expectEqual(t, "alice underlying", f.bank.BalanceOf(asset, alice), big.NewInt(299_700_000))
	expectEqual(t, "alice units", f.ctrl.BalanceOf(alice), fi(700))
	expectEqual(t, "supply", f.ctrl.Ledger().TotalSupply(), fi(700))
	expectEqual(t, "backend", value(t, f.mock), usdc(700))
	expectEqual(t, "controller", f.ctrl.Buffer(), big.NewInt(0))
}

func TestWithdrawBelowMinOutLeavesBackingIntact(t *testing.T) {
	f := newFixture(t, nil)
	f.deposit(alice, usdc(1_000))
	f.mock.SetExitPenaltyBps(10)
	f.events.Reset()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.ctrl.Withdraw(ctx, WithdrawRequest{Caller: alice, Amount: fi(100), MinOut: usdc(100)})
		if !errors.Is(err, coreerrors.ErrSlippageExceeded) {
			t.Fatalf("attempt %d: expected slippage, got %v", i, err)
		}
		if errors.Is(err, coreerrors.ErrInsufficientLiquidity) {
			t.Fatalf("attempt %d: exit cost reported as liquidity: %v", i, err)
		}
	}
	expectEqual(t, "backend", value(t, f.mock), usdc(1_000))
	expectEqual(t, "penalty sink", f.bank.BalanceOf(asset, crypto.ModuleAddress("vault/penalty")), big.NewInt(0))
	expectEqual(t, "alice units", f.ctrl.BalanceOf(alice), fi(1_000))
	expectEqual(t, "supply", f.ctrl.Ledger().TotalSupply(), fi(1_000))
	expectEqual(t, "alice underlying", f.bank.BalanceOf(asset, alice), big.NewInt(0))
	if n := len(f.events.Events()); n != 0 {
		t.Fatalf("reverted withdraws emitted %d events", n)
	}

	f.mock.SetLiquidityLimit(usdc(50))
	_, err := f.ctrl.Withdraw(ctx, WithdrawRequest{Caller: alice, Amount: fi(100)})
	if !errors.Is(err, coreerrors.ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
	expectEqual(t, "backend after capped attempt", value(t, f.mock), usdc(1_000))
}

func TestWithdrawRedeemFee(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RedeemFeeBps = 100 })
	f.deposit(alice, usdc(1_000))
	res, err := f.ctrl.Withdraw(context.Background(), WithdrawRequest{Caller: alice, Amount: fi(100)})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	expectEqual(t, "fee", res.Fee, fi(1))
	expectEqual(t, "burned", res.Burned, fi(99))
	expectEqual(t, "underlying", res.Underlying, usdc(99))
	expectEqual(t, "collector", f.ctrl.BalanceOf(collector), fi(1))
	expectEqual(t, "alice", f.ctrl.BalanceOf(alice), fi(900))
	expectEqual(t, "supply", f.ctrl.Ledger().TotalSupply(), fi(901))
}

func TestWithdrawOnBehalfSpendsAllowance(t *testing.T) {
	f := newFixture(t, nil)
	f.deposit(alice, usdc(100))
	ctx := context.Background()
	req := WithdrawRequest{Caller: bob, Owner: alice, Amount: fi(10)}
	if _, err := f.ctrl.Withdraw(ctx, req); !errors.Is(err, coreerrors.ErrInsufficientAllowance) {
		t.Fatalf("expected allowance error, got %v", err)
	}
	if err := f.ctrl.Approve(alice, bob, fi(10)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.ctrl.Withdraw(ctx, req); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	expectEqual(t, "bob underlying", f.bank.BalanceOf(asset, bob), usdc(10))
	expectEqual(t, "allowance", f.ctrl.Ledger().Allowance(alice, bob), big.NewInt(0))
	expectEqual(t, "alice", f.ctrl.BalanceOf(alice), fi(90))
}

func TestLockedBalanceCannotBeWithdrawn(t *testing.T) {
	f := newFixture(t, nil)
	f.deposit(alice, usdc(1_000))
	ctx := context.Background()
	if err := f.ctrl.Lock(ctx, alice, alice, fi(700)); !errors.Is(err, coreerrors.ErrNotAdmin) {
		t.Fatalf("expected not admin, got %v", err)
	}
	if err := f.ctrl.Lock(ctx, admin, alice, fi(700)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := f.ctrl.Withdraw(ctx, WithdrawRequest{Caller: alice, Amount: fi(400)}); !errors.Is(err, coreerrors.ErrInsufficientFreeBalance) {
		t.Fatalf("expected free balance error, got %v", err)
	}
	if _, err := f.ctrl.Withdraw(ctx, WithdrawRequest{Caller: alice, Amount: fi(300)}); err != nil {
		t.Fatalf("withdraw free part: %v", err)
	}
	expectEqual(t, "locked", f.ctrl.LockedBalanceOf(alice), fi(700))
	if err := f.ctrl.Unlock(ctx, admin, alice, fi(700)); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	expectEqual(t, "free", f.ctrl.FreeBalanceOf(alice), fi(700))
}

func TestRebaseDistributesYieldNetOfFee(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ServiceFeeBps = 1_000 })
	f.deposit(alice, usdc(300))
	f.deposit(bob, usdc(100))
	f.yield(usdc(40))

	res, err := f.ctrl.Rebase(context.Background(), stranger)
	if err != nil {
		t.Fatalf("rebase: %v", err)
	}
	if res.Skipped {
		t.Fatalf("rebase skipped")
	}
	expectEqual(t, "gross", res.Gross, fi(40))
	expectEqual(t, "fee", res.Fee, fi(4))
	expectEqual(t, "distributed", res.Distributed, fi(36))
	expectEqual(t, "supply", res.SupplyAfter, fi(440))

	a, b := f.ctrl.BalanceOf(alice), f.ctrl.BalanceOf(bob)
	if a.Cmp(fi(327)) < 0 || b.Cmp(fi(109)) < 0 {
		t.Fatalf("holders under-credited: alice %s bob %s", a, b)
	}
	// Ratio 3:1 survives the rebase within rounding.
	diff := new(big.Int).Sub(a, new(big.Int).Mul(b, big.NewInt(3)))
	if diff.CmpAbs(big.NewInt(3)) > 0 {
		t.Fatalf("ratio drift %s", diff)
	}
	fee := f.ctrl.BalanceOf(collector)
	if fee.Cmp(fi(4)) > 0 || new(big.Int).Sub(fi(4), fee).Cmp(big.NewInt(1)) > 0 {
		t.Fatalf("collector %s", fee)
	}
	if f.ctrl.YieldEarned(alice).Cmp(fi(27)) < 0 {
		t.Fatalf("alice yield %s", f.ctrl.YieldEarned(alice))
	}
	if got := len(f.events.OfType(events.TypeTreasuryRebase)); got != 1 {
		t.Fatalf("rebase events %d", got)
	}
}

func TestRebaseNoopsAndThreshold(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.yield(usdc(10))
	res, err := f.ctrl.Rebase(ctx, stranger)
	if err != nil || !res.Skipped {
		t.Fatalf("rebase without holders: %+v %v", res, err)
	}

	f.deposit(alice, usdc(100))
	threshold := fi(5)
	if _, err := f.ctrl.UpdateConfig(admin, ConfigUpdate{RebaseThreshold: threshold}); err != nil {
		t.Fatalf("update: %v", err)
	}
	// The 10 units of yield that arrived before any holder are backing
	// surplus; they clear the threshold on the first rebase with holders.
	res, err = f.ctrl.Rebase(ctx, stranger)
	if err != nil || res.Skipped {
		t.Fatalf("rebase: %+v %v", res, err)
	}
	expectEqual(t, "gross", res.Gross, fi(10))

	res, err = f.ctrl.Rebase(ctx, stranger)
	if err != nil || !res.Skipped {
		t.Fatalf("second rebase should skip: %+v %v", res, err)
	}
	f.yield(usdc(5))
	res, err = f.ctrl.Rebase(ctx, stranger)
	if err != nil || !res.Skipped {
		t.Fatalf("yield at threshold should skip: %+v %v", res, err)
	}
	f.yield(usdc(1))
	res, err = f.ctrl.Rebase(ctx, stranger)
	if err != nil || res.Skipped {
		t.Fatalf("yield above threshold should rebase: %+v %v", res, err)
	}
	expectEqual(t, "supply", f.ctrl.Ledger().TotalSupply(), fi(116))
}

// reentrantVault calls back into its controller while a deposit is in flight.
type reentrantVault struct {
	*vault.MockVault
	ctrl      *Controller
	observed  Status
	rebaseErr error
	xferErr   error
}

func (v *reentrantVault) Deposit(caller crypto.Address, amount *big.Int) (*big.Int, error) {
	v.observed = v.ctrl.Status()
	_, v.rebaseErr = v.ctrl.Rebase(context.Background(), stranger)
	v.xferErr = v.ctrl.Transfer(alice, bob, big.NewInt(1))
	if v.rebaseErr != nil {
		return nil, v.rebaseErr
	}
	return v.MockVault.Deposit(caller, amount)
}

func TestReentrantCallsAreRejected(t *testing.T) {
	ledger := bank.New()
	cfg := DefaultConfig(symbol, asset, 6, admin)
	ctrl, err := NewController(cfg, ledger, WithMetrics(nil), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	evil := &reentrantVault{MockVault: vault.NewMockVault("evil", asset, ctrl.Address(), ledger), ctrl: ctrl}
	if err := ctrl.RegisterBackend(admin, evil); err != nil {
		t.Fatalf("register: %v", err)
	}
	_ = ledger.Credit(asset, alice, usdc(100))

	_, err = ctrl.Deposit(context.Background(), DepositRequest{Caller: alice, Amount: usdc(100)})
	if !errors.Is(err, coreerrors.ErrReentrant) {
		t.Fatalf("expected reentrant, got %v", err)
	}
	if evil.observed != StatusDepositing {
		t.Fatalf("backend observed status %s", evil.observed)
	}
	if !errors.Is(evil.rebaseErr, coreerrors.ErrReentrant) || !errors.Is(evil.xferErr, coreerrors.ErrReentrant) {
		t.Fatalf("inner calls not rejected: %v / %v", evil.rebaseErr, evil.xferErr)
	}
	expectEqual(t, "alice refunded", ledger.BalanceOf(asset, alice), usdc(100))
	expectEqual(t, "supply", ctrl.Ledger().TotalSupply(), big.NewInt(0))
	expectEqual(t, "backend", value(t, evil), big.NewInt(0))
	if ctrl.Status() != StatusIdle {
		t.Fatalf("status %s", ctrl.Status())
	}
}

func TestMigrationLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.BufferReserve = usdc(50) })
	ctx := context.Background()
	f.deposit(alice, usdc(600))
	f.deposit(bob, usdc(400))
	f.yield(usdc(20))
	if _, err := f.ctrl.Rebase(ctx, stranger); err != nil {
		t.Fatalf("rebase: %v", err)
	}
	next := f.backend("mock-b")

	if _, err := f.ctrl.Migrate(ctx, admin, "mock-a", "mock-b"); !errors.Is(err, coreerrors.ErrMigrationNotEnabled) {
		t.Fatalf("expected migration not enabled, got %v", err)
	}
	if err := f.ctrl.SetMigrationEnabled(admin, "mock-a", "mock-b", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if _, err := f.ctrl.Migrate(ctx, alice, "mock-a", "mock-b"); !errors.Is(err, coreerrors.ErrNotAdmin) {
		t.Fatalf("expected not admin, got %v", err)
	}

	type snapshot struct{ credits, locked, balance *big.Int }
	take := func() map[crypto.Address]snapshot {
		out := make(map[crypto.Address]snapshot)
		for _, a := range []crypto.Address{alice, bob} {
			c, l := f.ctrl.Ledger().CreditsOf(a)
			out[a] = snapshot{c, l, f.ctrl.BalanceOf(a)}
		}
		return out
	}
	before := take()
	supply := f.ctrl.Ledger().TotalSupply()
	credits := f.ctrl.Ledger().TotalCredits()

	res, err := f.ctrl.Migrate(ctx, admin, "mock-a", "mock-b")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	expectEqual(t, "requested", res.Requested, usdc(970))
	expectEqual(t, "received", res.Received, usdc(970))
	expectEqual(t, "shortfall", res.Shortfall, big.NewInt(0))
	expectEqual(t, "deposited", res.Deposited, usdc(970))

	after := take()
	for a, s := range before {
		got := after[a]
		if s.credits.Cmp(got.credits) != 0 || s.locked.Cmp(got.locked) != 0 || s.balance.Cmp(got.balance) != 0 {
			t.Fatalf("%s changed across migration", a)
		}
	}
	expectEqual(t, "supply", f.ctrl.Ledger().TotalSupply(), supply)
	expectEqual(t, "credits", f.ctrl.Ledger().TotalCredits(), credits)

	active, _ := f.ctrl.ActiveBackend()
	if active.ID() != "mock-b" || !f.mock.Retired() {
		t.Fatalf("active %s, old retired %v", active.ID(), f.mock.Retired())
	}
	expectEqual(t, "new backend", value(t, next), usdc(970))
	expectEqual(t, "old backend", value(t, f.mock), big.NewInt(0))
	expectEqual(t, "buffer", f.ctrl.Buffer(), usdc(50))
	if _, err := f.mock.Deposit(f.ctrl.Address(), big.NewInt(1)); !errors.Is(err, coreerrors.ErrBackendRetired) {
		t.Fatalf("retired backend accepted deposit: %v", err)
	}
	res2, err := f.ctrl.Rebase(ctx, stranger)
	if err != nil || !res2.Skipped {
		t.Fatalf("rebase after lossless migration should skip: %+v %v", res2, err)
	}
	if got := len(f.events.OfType(events.TypeTreasuryMigration)); got != 1 {
		t.Fatalf("migration events %d", got)
	}
}

func TestMigrationShortfallIsRecordedAndRecoverable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.deposit(alice, usdc(1_000))
	next := f.backend("mock-b")
	if err := f.ctrl.SetMigrationEnabled(admin, "mock-a", "mock-b", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	f.mock.SetLiquidityLimit(usdc(700))
	f.mock.SetExitPenaltyBps(100)

	res, err := f.ctrl.Migrate(ctx, admin, "mock-a", "mock-b")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	expectEqual(t, "received", res.Received, usdc(693))
	expectEqual(t, "shortfall", res.Shortfall, usdc(307))
	expectEqual(t, "stranded", res.Stranded, usdc(300))
	expectEqual(t, "exit cost", res.ExitCost, usdc(7))
	expectEqual(t, "recorded", f.ctrl.Stranded("mock-a"), usdc(300))
	expectEqual(t, "alice untouched", f.ctrl.BalanceOf(alice), fi(1_000))

	if _, err := f.ctrl.RecoverStranded(ctx, alice, "mock-a"); !errors.Is(err, coreerrors.ErrNotAdmin) {
		t.Fatalf("expected not admin, got %v", err)
	}
	if _, err := f.ctrl.RecoverStranded(ctx, admin, "mock-b"); !errors.Is(err, coreerrors.ErrBackendNotActive) {
		t.Fatalf("expected active backend rejection, got %v", err)
	}
	recovered, err := f.ctrl.RecoverStranded(ctx, admin, "mock-a")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	expectEqual(t, "recovered", recovered, usdc(300))
	expectEqual(t, "new backend", value(t, next), usdc(993))
	expectEqual(t, "stranded left", f.ctrl.Stranded("mock-a"), big.NewInt(0))
	expectEqual(t, "retired backend", value(t, f.mock), big.NewInt(0))
	if got := len(f.events.OfType(events.TypeTreasuryRecovery)); got != 1 {
		t.Fatalf("recovery events %d", got)
	}

	again, err := f.ctrl.RecoverStranded(ctx, admin, "mock-a")
	if err != nil {
		t.Fatalf("second recover: %v", err)
	}
	expectEqual(t, "second recovery", again, big.NewInt(0))
	expectEqual(t, "stranded after sweep", f.ctrl.Stranded("mock-a"), big.NewInt(0))
}

func TestFailedMigrationRestoresOldBackend(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.deposit(alice, usdc(1_000))
	next := f.backend("mock-b")
	retired := f.backend("mock-c")
	for _, to := range []string{"mock-b", "mock-c"} {
		if err := f.ctrl.SetMigrationEnabled(admin, "mock-a", to, true); err != nil {
			t.Fatalf("enable: %v", err)
		}
	}
	if err := f.ctrl.SetMigrationEnabled(admin, "mock-b", "mock-a", true); err != nil {
		t.Fatalf("enable: %v", err)
	}

	next.SetRejectDeposits(true)
	if _, err := f.ctrl.Migrate(ctx, admin, "mock-a", "mock-b"); !errors.Is(err, coreerrors.ErrStrategyUnavailable) {
		t.Fatalf("expected strategy unavailable, got %v", err)
	}
	active, _ := f.ctrl.ActiveBackend()
	if active.ID() != "mock-a" || f.mock.Retired() {
		t.Fatalf("failed migration moved pointer or retired old backend")
	}
	expectEqual(t, "old backend", value(t, f.mock), usdc(1_000))
	expectEqual(t, "new backend", value(t, next), big.NewInt(0))
	expectEqual(t, "buffer", f.ctrl.Buffer(), big.NewInt(0))

	if _, err := f.ctrl.Migrate(ctx, admin, "mock-b", "mock-a"); !errors.Is(err, coreerrors.ErrBackendNotActive) {
		t.Fatalf("expected not active, got %v", err)
	}
	if err := retired.Retire(f.ctrl.Address()); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if _, err := f.ctrl.Migrate(ctx, admin, "mock-a", "mock-c"); !errors.Is(err, coreerrors.ErrBackendRetired) {
		t.Fatalf("expected retired, got %v", err)
	}
}

func TestRegisterBackendChecks(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.ctrl.RegisterBackend(admin, vault.NewMockVault("mock-a", asset, f.ctrl.Address(), f.bank)); !errors.Is(err, coreerrors.ErrDuplicateBackend) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := f.ctrl.RegisterBackend(admin, vault.NewMockVault("dai", "DAI", f.ctrl.Address(), f.bank)); !errors.Is(err, coreerrors.ErrAssetMismatch) {
		t.Fatalf("expected asset mismatch, got %v", err)
	}
	other := crypto.ModuleAddress("treasury/other")
	if err := f.ctrl.RegisterBackend(admin, vault.NewMockVault("foreign", asset, other, f.bank)); !errors.Is(err, coreerrors.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if err := f.ctrl.RegisterBackend(alice, vault.NewMockVault("mock-z", asset, f.ctrl.Address(), f.bank)); !errors.Is(err, coreerrors.ErrNotAdmin) {
		t.Fatalf("expected not admin, got %v", err)
	}
	if err := f.ctrl.SetMigrationEnabled(admin, "mock-a", "missing", true); !errors.Is(err, coreerrors.ErrUnknownBackend) {
		t.Fatalf("expected unknown backend, got %v", err)
	}
}

func TestCheckpointRestore(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MintFeeBps = 10 })
	ctx := context.Background()
	f.deposit(alice, usdc(1_000))
	f.deposit(bob, usdc(500))
	f.backend("mock-b")
	if err := f.ctrl.SetMigrationEnabled(admin, "mock-a", "mock-b", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := f.ctrl.SetWhitelisted(admin, alice, true); err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	if _, err := f.ctrl.Migrate(ctx, admin, "mock-a", "mock-b"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	db := storage.NewMemDB()
	if err := f.bank.Commit(db); err != nil {
		t.Fatalf("bank commit: %v", err)
	}
	if err := f.ctrl.Checkpoint(db); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	ledger := bank.New()
	if err := ledger.Load(db); err != nil {
		t.Fatalf("bank load: %v", err)
	}
	cfg := DefaultConfig(symbol, asset, 6, admin)
	restored, err := NewController(cfg, ledger, WithMetrics(nil))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	oldB := vault.NewMockVault("mock-a", asset, restored.Address(), ledger)
	newB := vault.NewMockVault("mock-b", asset, restored.Address(), ledger)
	for _, b := range []vault.Backend{oldB, newB} {
		if err := restored.RegisterBackend(admin, b); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	ok, err := restored.Restore(db)
	if err != nil || !ok {
		t.Fatalf("restore: %v %v", ok, err)
	}
	active, _ := restored.ActiveBackend()
	if active.ID() != "mock-b" || !oldB.Retired() {
		t.Fatalf("active %s old retired %v", active.ID(), oldB.Retired())
	}
	expectEqual(t, "alice", restored.BalanceOf(alice), f.ctrl.BalanceOf(alice))
	expectEqual(t, "collector", restored.BalanceOf(collector), f.ctrl.BalanceOf(collector))
	expectEqual(t, "supply", restored.Ledger().TotalSupply(), f.ctrl.Ledger().TotalSupply())
	expectEqual(t, "value", value(t, newB), usdc(1_500))
	if restored.Config().MintFeeBps != 10 || restored.Config().FeeCollector != collector {
		t.Fatalf("config not restored: %+v", restored.Config())
	}
	if !restored.Whitelisted(alice) || !restored.MigrationEnabled("mock-a", "mock-b") {
		t.Fatalf("whitelist or migrations not restored")
	}

	mismatch, err := NewController(DefaultConfig(symbol, asset, 18, admin), ledger, WithMetrics(nil))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	if _, err := mismatch.Restore(db); err == nil {
		t.Fatalf("expected decimals mismatch")
	}
}

func newRouter(t *testing.T, ledger *bank.Bank) *router.FixedRate {
	t.Helper()
	r := router.NewFixedRate(ledger)
	if err := r.SetDecimal("DAI", asset, "0.000000000001"); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if err := r.SetDecimal(asset, "DAI", "1000000000000"); err != nil {
		t.Fatalf("rate: %v", err)
	}
	_ = ledger.Credit(asset, r.Address(), usdc(1_000))
	_ = ledger.Credit("DAI", r.Address(), fi(1_000))
	return r
}

func TestEnterAndExitThroughRouter(t *testing.T) {
	f := newFixture(t, nil)
	r := newRouter(t, f.bank)
	f.ctrl.router = r
	ctx := context.Background()
	_ = f.bank.Credit("DAI", alice, fi(100))

	minted, _, err := f.ctrl.EstimateEnter("DAI", fi(100))
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	expectEqual(t, "estimate", minted, fi(100))

	res, err := f.ctrl.EnterWithToken(ctx, EnterRequest{Caller: alice, Token: "DAI", Amount: fi(100), MinUnderlying: usdc(100)})
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	expectEqual(t, "minted", res.Minted, fi(100))
	expectEqual(t, "alice DAI", f.bank.BalanceOf("DAI", alice), big.NewInt(0))
	expectEqual(t, "backend", value(t, f.mock), usdc(100))

	out, err := f.ctrl.ExitToToken(ctx, ExitRequest{Caller: alice, Token: "DAI", Amount: fi(40), MinOut: fi(40)})
	if err != nil {
		t.Fatalf("exit: %v", err)
	}
	expectEqual(t, "token out", out.TokenOut, fi(40))
	expectEqual(t, "alice DAI", f.bank.BalanceOf("DAI", alice), fi(40))
	expectEqual(t, "alice units", f.ctrl.BalanceOf(alice), fi(60))

	// A failed deposit leg after the swap refunds the underlying.
	_, err = f.ctrl.EnterWithToken(ctx, EnterRequest{Caller: alice, Token: "DAI", Amount: fi(40), MinOut: fi(41)})
	if !errors.Is(err, coreerrors.ErrSlippageExceeded) {
		t.Fatalf("expected slippage, got %v", err)
	}
	expectEqual(t, "alice DAI", f.bank.BalanceOf("DAI", alice), big.NewInt(0))
	expectEqual(t, "alice USDC", f.bank.BalanceOf(asset, alice), usdc(40))
	expectEqual(t, "supply", f.ctrl.Ledger().TotalSupply(), fi(60))
}

func TestEnterWithoutRouter(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.bank.Credit("DAI", alice, fi(1))
	_, err := f.ctrl.EnterWithToken(context.Background(), EnterRequest{Caller: alice, Token: "DAI", Amount: fi(1)})
	if !errors.Is(err, coreerrors.ErrStrategyUnavailable) {
		t.Fatalf("expected strategy unavailable, got %v", err)
	}
}

func TestDirectory(t *testing.T) {
	f := newFixture(t, nil)
	dir := NewDirectory()
	if err := dir.Add(f.ctrl); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := dir.Add(f.ctrl); err == nil {
		t.Fatalf("expected duplicate error")
	}
	for _, name := range []string{"fiUSDC", "usdc", " USDC "} {
		c, err := dir.Lookup(name)
		if err != nil || c != f.ctrl {
			t.Fatalf("lookup %q: %v", name, err)
		}
	}
	b, err := dir.GetVault(asset)
	if err != nil || b.ID() != "mock-a" {
		t.Fatalf("get vault: %v", err)
	}
	if _, err := dir.GetVault("DAI"); !errors.Is(err, coreerrors.ErrUnknownAsset) {
		t.Fatalf("expected unknown asset, got %v", err)
	}
	f.deposit(alice, usdc(10))
	f.yield(usdc(1))
	results, err := dir.RebaseAll(context.Background(), stranger)
	if err != nil {
		t.Fatalf("rebase all: %v", err)
	}
	expectEqual(t, "gross", results[symbol].Gross, fi(1))
}
