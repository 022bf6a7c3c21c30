package treasury

import (
	"fmt"
	"math/big"
	"strings"

	coreerrors "vaultchain/core/errors"
	"vaultchain/crypto"
)

const (
	// FiDecimals is the fixed-point precision of every rebasing token.
	FiDecimals = 18
	maxBps     = 10_000
)

// Config is the per-asset controller configuration.
type Config struct {
	// Symbol names the rebasing token, e.g. fiUSDC.
	Symbol string
	// Asset is the underlying token held by the buffer and the backends.
	Asset    string
	Decimals uint8

	Admin        crypto.Address
	FeeCollector crypto.Address

	// BufferReserve is the underlying kept liquid outside any backend.
	BufferReserve *big.Int
	MintFeeBps    uint64
	RedeemFeeBps  uint64
	// ServiceFeeBps is the protocol cut of rebase yield.
	ServiceFeeBps uint64

	// MinDeposit is in underlying units, MinWithdraw in rebasing units.
	MinDeposit  *big.Int
	MinWithdraw *big.Int
	// RebaseThreshold is the minimum gross yield, in rebasing units, that
	// triggers a supply change.
	RebaseThreshold *big.Int

	MintEnabled   bool
	RedeemEnabled bool
	WhitelistOnly bool
}

// DefaultConfig returns an enabled configuration with no fees.
func DefaultConfig(symbol, asset string, decimals uint8, admin crypto.Address) Config {
	return Config{
		Symbol:          symbol,
		Asset:           asset,
		Decimals:        decimals,
		Admin:           admin,
		FeeCollector:    admin,
		BufferReserve:   big.NewInt(0),
		MinDeposit:      big.NewInt(0),
		MinWithdraw:     big.NewInt(0),
		RebaseThreshold: big.NewInt(0),
		MintEnabled:     true,
		RedeemEnabled:   true,
	}
}

func (c *Config) normalize() {
	c.Symbol = strings.TrimSpace(c.Symbol)
	c.Asset = strings.TrimSpace(c.Asset)
	for _, v := range []**big.Int{&c.BufferReserve, &c.MinDeposit, &c.MinWithdraw, &c.RebaseThreshold} {
		if *v == nil {
			*v = big.NewInt(0)
		} else {
			*v = new(big.Int).Set(*v)
		}
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Symbol) == "" || strings.TrimSpace(c.Asset) == "" {
		return fmt.Errorf("treasury: symbol and asset required: %w", coreerrors.ErrUnknownAsset)
	}
	if c.Decimals > 2*FiDecimals {
		return fmt.Errorf("treasury: %d decimals: %w", c.Decimals, coreerrors.ErrInvalidDecimals)
	}
	if c.Admin.IsZero() || c.FeeCollector.IsZero() {
		return fmt.Errorf("treasury: admin and fee collector required: %w", coreerrors.ErrInvalidAddress)
	}
	for name, bps := range map[string]uint64{"mint": c.MintFeeBps, "redeem": c.RedeemFeeBps, "service": c.ServiceFeeBps} {
		if bps > maxBps {
			return fmt.Errorf("treasury: %s fee %d: %w", name, bps, coreerrors.ErrInvalidFee)
		}
	}
	for name, v := range map[string]*big.Int{
		"buffer reserve":   c.BufferReserve,
		"min deposit":      c.MinDeposit,
		"min withdraw":     c.MinWithdraw,
		"rebase threshold": c.RebaseThreshold,
	} {
		if v != nil && v.Sign() < 0 {
			return fmt.Errorf("treasury: negative %s: %w", name, coreerrors.ErrInput)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.normalize()
	return out
}

// ConfigUpdate carries optional changes applied by UpdateConfig. Nil fields
// are left untouched.
type ConfigUpdate struct {
	FeeCollector    *crypto.Address
	BufferReserve   *big.Int
	MintFeeBps      *uint64
	RedeemFeeBps    *uint64
	ServiceFeeBps   *uint64
	MinDeposit      *big.Int
	MinWithdraw     *big.Int
	RebaseThreshold *big.Int
	MintEnabled     *bool
	RedeemEnabled   *bool
	WhitelistOnly   *bool
}

func (u ConfigUpdate) apply(cfg Config) Config {
	out := cfg.Clone()
	if u.FeeCollector != nil {
		out.FeeCollector = *u.FeeCollector
	}
	if u.BufferReserve != nil {
		out.BufferReserve = new(big.Int).Set(u.BufferReserve)
	}
	if u.MintFeeBps != nil {
		out.MintFeeBps = *u.MintFeeBps
	}
	if u.RedeemFeeBps != nil {
		out.RedeemFeeBps = *u.RedeemFeeBps
	}
	if u.ServiceFeeBps != nil {
		out.ServiceFeeBps = *u.ServiceFeeBps
	}
	if u.MinDeposit != nil {
		out.MinDeposit = new(big.Int).Set(u.MinDeposit)
	}
	if u.MinWithdraw != nil {
		out.MinWithdraw = new(big.Int).Set(u.MinWithdraw)
	}
	if u.RebaseThreshold != nil {
		out.RebaseThreshold = new(big.Int).Set(u.RebaseThreshold)
	}
	if u.MintEnabled != nil {
		out.MintEnabled = *u.MintEnabled
	}
	if u.RedeemEnabled != nil {
		out.RedeemEnabled = *u.RedeemEnabled
	}
	if u.WhitelistOnly != nil {
		out.WhitelistOnly = *u.WhitelistOnly
	}
	return out
}

// scaling converts between underlying units and 18-decimal rebasing units.
type scaling struct {
	factor *big.Int
	// up is true when the underlying has fewer decimals than the ledger.
	up bool
}

func newScaling(decimals uint8) scaling {
	if decimals <= FiDecimals {
		return scaling{factor: pow10(FiDecimals - decimals), up: true}
	}
	return scaling{factor: pow10(decimals - FiDecimals)}
}

// toFi converts underlying to rebasing units, rounding down.
func (s scaling) toFi(amount *big.Int) *big.Int {
	if s.up {
		return new(big.Int).Mul(amount, s.factor)
	}
	return new(big.Int).Quo(amount, s.factor)
}

// fromFi converts rebasing units to underlying, rounding down.
func (s scaling) fromFi(amount *big.Int) *big.Int {
	if s.up {
		return new(big.Int).Quo(amount, s.factor)
	}
	return new(big.Int).Mul(amount, s.factor)
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func bpsOf(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || bps == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, big.NewInt(maxBps))
}
