package router

import (
	"errors"
	"math/big"
	"testing"
	"time"

	coreerrors "vaultchain/core/errors"
	"vaultchain/crypto"
	"vaultchain/native/bank"
)

func testAddress(b byte) crypto.Address {
	raw := make([]byte, 20)
	raw[0] = b
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func TestFixedRateSwap(t *testing.T) {
	ledger := bank.New()
	r := NewFixedRate(ledger)
	if err := r.SetDecimal("DAI", "USDC", "0.000000000001"); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	if err := r.SetFeeBps(30); err != nil {
		t.Fatalf("fee: %v", err)
	}
	user := testAddress(1)
	_ = ledger.Credit("DAI", user, new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil))
	_ = ledger.Credit("USDC", r.Address(), big.NewInt(1_000_000_000))

	amountIn := new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil) // 100 DAI
	estimate, err := r.EstimateOut(amountIn, "DAI", "USDC")
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	// 100e6 less 0.3%
	if estimate.Cmp(big.NewInt(99_700_000)) != 0 {
		t.Fatalf("estimate %s", estimate)
	}
	if _, err := r.Swap(user, amountIn, "DAI", "USDC", big.NewInt(99_800_000)); !errors.Is(err, coreerrors.ErrSlippageExceeded) {
		t.Fatalf("expected slippage error, got %v", err)
	}
	out, err := r.Swap(user, amountIn, "DAI", "USDC", estimate)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if out.Cmp(estimate) != 0 {
		t.Fatalf("out %s", out)
	}
	if bal := ledger.BalanceOf("USDC", user); bal.Cmp(estimate) != 0 {
		t.Fatalf("user USDC %s", bal)
	}
	if bal := ledger.BalanceOf("DAI", user); bal.Sign() != 0 {
		t.Fatalf("user DAI %s", bal)
	}
}

func TestFixedRateRejectsStaleAndMissingQuotes(t *testing.T) {
	ledger := bank.New()
	r := NewFixedRate(ledger)
	now := time.Unix(1_700_000_000, 0)
	r.SetClock(func() time.Time { return now })
	r.SetMaxAge(time.Minute)
	if _, err := r.EstimateOut(big.NewInt(1), "A", "B"); !errors.Is(err, coreerrors.ErrStrategyUnavailable) {
		t.Fatalf("expected missing quote error, got %v", err)
	}
	if err := r.SetRate("A", "B", big.NewRat(2, 1)); err != nil {
		t.Fatalf("set: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := r.EstimateOut(big.NewInt(1), "A", "B"); !errors.Is(err, coreerrors.ErrStrategyUnavailable) {
		t.Fatalf("expected stale quote error, got %v", err)
	}
}

func TestFixedRateInventoryShortfall(t *testing.T) {
	ledger := bank.New()
	r := NewFixedRate(ledger)
	_ = r.SetRate("A", "B", big.NewRat(1, 1))
	user := testAddress(2)
	_ = ledger.Credit("A", user, big.NewInt(10))
	if _, err := r.Swap(user, big.NewInt(10), "A", "B", nil); !errors.Is(err, coreerrors.ErrInsufficientLiquidity) {
		t.Fatalf("expected liquidity error, got %v", err)
	}
	if bal := ledger.BalanceOf("A", user); bal.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("input moved on failure: %s", bal)
	}
}
