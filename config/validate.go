package config

import (
	"fmt"
	"strings"

	"vaultchain/crypto"
)

// MaxFeeBps bounds every fee in the genesis.
const MaxFeeBps = 10_000

// Validate checks the genesis for structural errors before anything is built.
func Validate(g *Genesis) error {
	if g == nil {
		return fmt.Errorf("genesis: nil")
	}
	if _, err := crypto.DecodeAddress(g.Admin); err != nil {
		return fmt.Errorf("genesis: admin: %w", err)
	}
	if g.FeeCollector != "" {
		if _, err := crypto.DecodeAddress(g.FeeCollector); err != nil {
			return fmt.Errorf("genesis: fee collector: %w", err)
		}
	}
	if g.Router.FeeBps >= MaxFeeBps {
		return fmt.Errorf("router: fee %d bps out of range", g.Router.FeeBps)
	}
	for _, rate := range g.Router.Rates {
		if strings.TrimSpace(rate.In) == "" || strings.TrimSpace(rate.Out) == "" {
			return fmt.Errorf("router: rate requires In and Out")
		}
		if _, err := ParseRate(rate.Rate); err != nil {
			return fmt.Errorf("router: %s->%s: %w", rate.In, rate.Out, err)
		}
	}
	for _, inv := range g.Router.Inventory {
		if err := validateBalance(inv, false); err != nil {
			return fmt.Errorf("router inventory: %w", err)
		}
	}
	if len(g.Assets) == 0 {
		return fmt.Errorf("genesis: at least one asset must be configured")
	}

	symbols := make(map[string]bool)
	assets := make(map[string]bool)
	for _, a := range g.Assets {
		if err := validateAsset(a); err != nil {
			return err
		}
		sym, under := strings.ToLower(a.Symbol), strings.ToLower(a.Asset)
		if symbols[sym] || assets[sym] {
			return fmt.Errorf("asset %s: duplicate symbol", a.Symbol)
		}
		if assets[under] || symbols[under] {
			return fmt.Errorf("asset %s: underlying %s configured twice", a.Symbol, a.Asset)
		}
		symbols[sym] = true
		assets[under] = true
	}
	for _, bal := range g.Balances {
		if err := validateBalance(bal, true); err != nil {
			return fmt.Errorf("balances: %w", err)
		}
	}
	return nil
}

func validateAsset(a AssetGenesis) error {
	if a.Symbol == "" || a.Asset == "" {
		return fmt.Errorf("asset: Symbol and Asset are required")
	}
	if a.Decimals > 18 {
		return fmt.Errorf("asset %s: decimals %d exceed 18", a.Symbol, a.Decimals)
	}
	for name, bps := range map[string]uint64{
		"MintFeeBps":    a.MintFeeBps,
		"RedeemFeeBps":  a.RedeemFeeBps,
		"ServiceFeeBps": a.ServiceFeeBps,
	} {
		if bps >= MaxFeeBps {
			return fmt.Errorf("asset %s: %s %d out of range", a.Symbol, name, bps)
		}
	}
	if a.FeeCollector != "" {
		if _, err := crypto.DecodeAddress(a.FeeCollector); err != nil {
			return fmt.Errorf("asset %s: fee collector: %w", a.Symbol, err)
		}
	}
	if _, err := a.Amounts(); err != nil {
		return err
	}
	for _, w := range a.Whitelist {
		if _, err := crypto.DecodeAddress(w); err != nil {
			return fmt.Errorf("asset %s: whitelist: %w", a.Symbol, err)
		}
	}
	if len(a.Backends) == 0 {
		return fmt.Errorf("asset %s: at least one backend must be configured", a.Symbol)
	}
	ids := make(map[string]bool, len(a.Backends))
	for _, b := range a.Backends {
		if err := validateBackend(a, b); err != nil {
			return err
		}
		if ids[b.ID] {
			return fmt.Errorf("asset %s: duplicate backend %s", a.Symbol, b.ID)
		}
		ids[b.ID] = true
	}
	if !ids[a.Active] {
		return fmt.Errorf("asset %s: active backend %s not configured", a.Symbol, a.Active)
	}
	for _, m := range a.Migrations {
		if !ids[m.From] || !ids[m.To] {
			return fmt.Errorf("asset %s: migration %s->%s names unknown backend", a.Symbol, m.From, m.To)
		}
		if m.From == m.To {
			return fmt.Errorf("asset %s: migration %s->%s is a self-migration", a.Symbol, m.From, m.To)
		}
	}
	return nil
}

func validateBackend(a AssetGenesis, b BackendGenesis) error {
	if b.ID == "" {
		return fmt.Errorf("asset %s: backend id required", a.Symbol)
	}
	switch b.Kind {
	case BackendMock:
		if _, err := ParseAmount(b.Mock.LiquidityLimit); err != nil {
			return fmt.Errorf("backend %s: liquidity limit: %w", b.ID, err)
		}
		if b.Mock.ExitPenaltyBps >= MaxFeeBps {
			return fmt.Errorf("backend %s: exit penalty %d out of range", b.ID, b.Mock.ExitPenaltyBps)
		}
		return nil
	case BackendLending:
		if err := b.Lending.Validate(); err != nil {
			return fmt.Errorf("backend %s: %w", b.ID, err)
		}
	case BackendStaking:
		if strings.TrimSpace(b.Staking.RewardAsset) == "" {
			return fmt.Errorf("backend %s: staking reward asset required", b.ID)
		}
		if _, err := ParseAmount(b.Staking.RewardPerBlock); err != nil {
			return fmt.Errorf("backend %s: reward per block: %w", b.ID, err)
		}
	default:
		return fmt.Errorf("backend %s: unknown kind %q", b.ID, b.Kind)
	}
	if _, err := ParseAmount(b.Reinvest.MinAmountIn); err != nil {
		return fmt.Errorf("backend %s: reinvest min amount: %w", b.ID, err)
	}
	if b.Reinvest.SlippageBps >= MaxFeeBps {
		return fmt.Errorf("backend %s: reinvest slippage %d out of range", b.ID, b.Reinvest.SlippageBps)
	}
	return nil
}

func validateBalance(b BalanceGenesis, needAccount bool) error {
	if strings.TrimSpace(b.Asset) == "" {
		return fmt.Errorf("asset required")
	}
	if needAccount {
		if _, err := crypto.DecodeAddress(b.Account); err != nil {
			return fmt.Errorf("%s: %w", b.Asset, err)
		}
	}
	if _, err := ParseAmount(b.Amount); err != nil {
		return fmt.Errorf("%s: %w", b.Asset, err)
	}
	return nil
}
