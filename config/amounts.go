package config

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseAmount parses a non-negative base-unit amount. Empty means zero.
// Underscores may be used as digit separators.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(raw), "_", "")
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must not be negative", raw)
	}
	return v, nil
}

// ParseRate parses a positive decimal exchange rate.
func ParseRate(raw string) (*big.Rat, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(raw))
	if !ok {
		return nil, fmt.Errorf("invalid rate %q", raw)
	}
	if r.Sign() <= 0 {
		return nil, fmt.Errorf("rate %q must be positive", raw)
	}
	return r, nil
}

// Amounts holds the parsed numeric settings of an asset.
type Amounts struct {
	BufferReserve   *big.Int
	MinDeposit      *big.Int
	MinWithdraw     *big.Int
	RebaseThreshold *big.Int
}

// Amounts parses the asset's numeric settings.
func (a AssetGenesis) Amounts() (Amounts, error) {
	var (
		out Amounts
		err error
	)
	fields := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"BufferReserve", a.BufferReserve, &out.BufferReserve},
		{"MinDeposit", a.MinDeposit, &out.MinDeposit},
		{"MinWithdraw", a.MinWithdraw, &out.MinWithdraw},
		{"RebaseThreshold", a.RebaseThreshold, &out.RebaseThreshold},
	}
	for _, f := range fields {
		if *f.dst, err = ParseAmount(f.raw); err != nil {
			return out, fmt.Errorf("asset %s: %s: %w", a.Symbol, f.name, err)
		}
	}
	return out, nil
}
