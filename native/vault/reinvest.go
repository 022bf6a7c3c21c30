package vault

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	coreerrors "vaultchain/core/errors"
	"vaultchain/crypto"
	"vaultchain/native/router"
)

// ReinvestParams bounds how harvested rewards are swapped back into the
// underlying.
type ReinvestParams struct {
	// MinAmountIn skips harvests whose reward is below this amount.
	MinAmountIn *big.Int
	// SlippageBps is the tolerated shortfall against the router estimate.
	SlippageBps uint64
	// Wait is the minimum interval between two harvests.
	Wait time.Duration
}

// Reinvester swaps reward tokens into the underlying. Backend variants hold
// one by composition.
type Reinvester struct {
	mu          sync.Mutex
	router      router.Router
	rewardToken string
	underlying  string
	params      ReinvestParams
	lastRun     time.Time
	nowFn       func() time.Time
}

// NewReinvester constructs a helper converting rewardToken to underlying.
func NewReinvester(r router.Router, rewardToken, underlying string, params ReinvestParams) *Reinvester {
	if params.MinAmountIn == nil {
		params.MinAmountIn = big.NewInt(0)
	}
	return &Reinvester{
		router:      r,
		rewardToken: strings.TrimSpace(rewardToken),
		underlying:  strings.TrimSpace(underlying),
		params:      params,
		nowFn:       time.Now,
	}
}

// SetClock overrides the time source.
func (r *Reinvester) SetClock(now func() time.Time) {
	if r == nil || now == nil {
		return
	}
	r.mu.Lock()
	r.nowFn = now
	r.mu.Unlock()
}

// SetParams replaces the reinvest bounds.
func (r *Reinvester) SetParams(params ReinvestParams) error {
	if params.SlippageBps > 10_000 {
		return coreerrors.ErrInvalidFee
	}
	if params.MinAmountIn == nil {
		params.MinAmountIn = big.NewInt(0)
	}
	r.mu.Lock()
	r.params = params
	r.mu.Unlock()
	return nil
}

// Params returns the current bounds.
func (r *Reinvester) Params() ReinvestParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	params := r.params
	params.MinAmountIn = new(big.Int).Set(r.params.MinAmountIn)
	return params
}

// RewardToken returns the token being converted.
func (r *Reinvester) RewardToken() string { return r.rewardToken }

// Ready reports whether pending rewards clear the minimum and the wait
// interval has elapsed.
func (r *Reinvester) Ready(pending *big.Int) bool {
	if r == nil || pending == nil || pending.Sign() <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if pending.Cmp(r.params.MinAmountIn) < 0 {
		return false
	}
	return r.lastRun.IsZero() || r.nowFn().Sub(r.lastRun) >= r.params.Wait
}

// Convert swaps amount of the reward token held by holder into underlying
// and returns the underlying received.
func (r *Reinvester) Convert(holder crypto.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	r.mu.Lock()
	slippage := r.params.SlippageBps
	r.mu.Unlock()
	if r.rewardToken == r.underlying {
		r.markRun()
		return new(big.Int).Set(amount), nil
	}
	if r.router == nil {
		return nil, fmt.Errorf("reinvest: no router for %s: %w", r.rewardToken, coreerrors.ErrStrategyUnavailable)
	}
	estimate, err := r.router.EstimateOut(amount, r.rewardToken, r.underlying)
	if err != nil {
		return nil, err
	}
	minOut := new(big.Int).Mul(estimate, new(big.Int).SetUint64(10_000-slippage))
	minOut.Quo(minOut, big.NewInt(10_000))
	out, err := r.router.Swap(holder, amount, r.rewardToken, r.underlying, minOut)
	if err != nil {
		return nil, err
	}
	r.markRun()
	return out, nil
}

func (r *Reinvester) markRun() {
	r.mu.Lock()
	r.lastRun = r.nowFn()
	r.mu.Unlock()
}

// LastRun returns the time of the last successful conversion.
func (r *Reinvester) LastRun() time.Time {
	if r == nil {
		return time.Time{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun
}

func (r *Reinvester) restoreLastRun(t time.Time) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.lastRun = t
	r.mu.Unlock()
}

// compound claims rewards into the backend address, converts everything
// held in the reward token and redeploys the proceeds through deploy.
func (r *Reinvester) compound(b *base, claim func() (*big.Int, error), deploy func(*big.Int) error) (HarvestReport, error) {
	claimed, err := claim()
	if err != nil {
		return HarvestReport{}, err
	}
	held := b.bank.BalanceOf(r.rewardToken, b.address)
	if r.rewardToken == b.asset {
		held = claimed
	}
	report := HarvestReport{RewardIn: new(big.Int).Set(held), Reinvested: big.NewInt(0)}
	if held.Sign() == 0 {
		report.Skipped = true
		return report, nil
	}
	out, err := r.Convert(b.address, held)
	if err != nil {
		return report, err
	}
	if out.Sign() > 0 {
		if err := deploy(out); err != nil {
			return report, err
		}
	}
	report.Reinvested = out
	return report, nil
}
