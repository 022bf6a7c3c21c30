package router

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	coreerrors "vaultchain/core/errors"
	"vaultchain/crypto"
	"vaultchain/native/bank"
)

// Router converts between token pairs. Controllers and reinvest helpers treat
// it as an opaque, slippage-bounded converter.
type Router interface {
	EstimateOut(amountIn *big.Int, tokenIn, tokenOut string) (*big.Int, error)
	Swap(caller crypto.Address, amountIn *big.Int, tokenIn, tokenOut string, minOut *big.Int) (*big.Int, error)
}

// Quote is a configured conversion rate: units of tokenOut per unit of tokenIn.
type Quote struct {
	Rate      *big.Rat
	Timestamp time.Time
}

// FixedRate is a reference Router that settles swaps at operator supplied
// rates against inventory held by its module account.
type FixedRate struct {
	mu      sync.RWMutex
	bank    bank.Ledger
	address crypto.Address
	quotes  map[string]Quote
	feeBps  uint64
	maxAge  time.Duration
	nowFn   func() time.Time
}

// NewFixedRate constructs a router that settles through ledger.
func NewFixedRate(ledger bank.Ledger) *FixedRate {
	return &FixedRate{
		bank:    ledger,
		address: crypto.ModuleAddress("router"),
		quotes:  make(map[string]Quote),
		nowFn:   time.Now,
	}
}

// Address returns the module account holding swap inventory.
func (r *FixedRate) Address() crypto.Address { return r.address }

// SetFeeBps configures the fee deducted from every swap output.
func (r *FixedRate) SetFeeBps(bps uint64) error {
	if bps > 10_000 {
		return coreerrors.ErrInvalidFee
	}
	r.mu.Lock()
	r.feeBps = bps
	r.mu.Unlock()
	return nil
}

// SetMaxAge rejects quotes older than maxAge. Zero disables the check.
func (r *FixedRate) SetMaxAge(maxAge time.Duration) {
	r.mu.Lock()
	r.maxAge = maxAge
	r.mu.Unlock()
}

// SetClock overrides the time source.
func (r *FixedRate) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	r.mu.Lock()
	r.nowFn = now
	r.mu.Unlock()
}

// SetDecimal records a decimal rate such as "0.9985" for the pair.
func (r *FixedRate) SetDecimal(tokenIn, tokenOut, rate string) error {
	rat, ok := new(big.Rat).SetString(strings.TrimSpace(rate))
	if !ok {
		return fmt.Errorf("router: invalid rate %q", rate)
	}
	return r.SetRate(tokenIn, tokenOut, rat)
}

// SetRate records the rational rate for the pair.
func (r *FixedRate) SetRate(tokenIn, tokenOut string, rate *big.Rat) error {
	if rate == nil || rate.Sign() <= 0 {
		return fmt.Errorf("router: rate must be positive")
	}
	key := pairKey(tokenIn, tokenOut)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quotes[key] = Quote{Rate: new(big.Rat).Set(rate), Timestamp: r.nowFn()}
	return nil
}

// EstimateOut quotes the output of swapping amountIn, net of the router fee.
func (r *FixedRate) EstimateOut(amountIn *big.Int, tokenIn, tokenOut string) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, coreerrors.ErrZeroAmount
	}
	if strings.TrimSpace(tokenIn) == strings.TrimSpace(tokenOut) {
		return new(big.Int).Set(amountIn), nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	quote, ok := r.quotes[pairKey(tokenIn, tokenOut)]
	if !ok {
		return nil, fmt.Errorf("router: no quote for %s/%s: %w", tokenIn, tokenOut, coreerrors.ErrStrategyUnavailable)
	}
	if r.maxAge > 0 && r.nowFn().Sub(quote.Timestamp) > r.maxAge {
		return nil, fmt.Errorf("router: quote for %s/%s is stale: %w", tokenIn, tokenOut, coreerrors.ErrStrategyUnavailable)
	}
	out := new(big.Int).Mul(amountIn, quote.Rate.Num())
	out.Quo(out, quote.Rate.Denom())
	if r.feeBps > 0 {
		fee := new(big.Int).Mul(out, new(big.Int).SetUint64(r.feeBps))
		fee.Quo(fee, big.NewInt(10_000))
		out.Sub(out, fee)
	}
	return out, nil
}

// Swap pulls amountIn of tokenIn from caller and pays tokenOut from the
// router inventory.
func (r *FixedRate) Swap(caller crypto.Address, amountIn *big.Int, tokenIn, tokenOut string, minOut *big.Int) (*big.Int, error) {
	out, err := r.EstimateOut(amountIn, tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	if minOut != nil && out.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("router: %s %s out < %s: %w", out, tokenOut, minOut, coreerrors.ErrSlippageExceeded)
	}
	if strings.TrimSpace(tokenIn) == strings.TrimSpace(tokenOut) {
		return out, nil
	}
	if r.bank.BalanceOf(tokenOut, r.address).Cmp(out) < 0 {
		return nil, fmt.Errorf("router: %s inventory: %w", tokenOut, coreerrors.ErrInsufficientLiquidity)
	}
	if err := r.bank.Transfer(tokenIn, caller, r.address, amountIn); err != nil {
		return nil, err
	}
	if err := r.bank.Transfer(tokenOut, r.address, caller, out); err != nil {
		// Inventory was checked above; return the input before surfacing.
		_ = r.bank.Transfer(tokenIn, r.address, caller, amountIn)
		return nil, err
	}
	return out, nil
}

func pairKey(tokenIn, tokenOut string) string {
	return strings.TrimSpace(tokenIn) + "->" + strings.TrimSpace(tokenOut)
}
