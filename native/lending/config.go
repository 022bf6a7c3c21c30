package lending

import (
	"fmt"
	"math/big"
)

// Config captures the genesis configuration of a lending pool.
type Config struct {
	PoolID           string  `toml:"PoolID"`
	ReserveFactorBps uint64  `toml:"ReserveFactorBps"`
	BaseRate         float64 `toml:"BaseRate"`
	Slope1           float64 `toml:"Slope1"`
	Slope2           float64 `toml:"Slope2"`
	Kink             float64 `toml:"Kink"`
	RewardAsset      string  `toml:"RewardAsset"`
	RewardPerBlock   string  `toml:"RewardPerBlock"`
	SupplyCap        string  `toml:"SupplyCap"`
}

// InterestModel builds the configured curve, falling back to the default one
// when every parameter is zero.
func (c Config) InterestModel() *InterestModel {
	if c.BaseRate == 0 && c.Slope1 == 0 && c.Slope2 == 0 && c.Kink == 0 {
		return DefaultInterestModel
	}
	return NewInterestModel(c.BaseRate, c.Slope1, c.Slope2, c.Kink)
}

// Validate checks ranges and parses numeric strings.
func (c Config) Validate() error {
	if c.PoolID == "" {
		return fmt.Errorf("lending: pool id required")
	}
	if c.ReserveFactorBps > 10_000 {
		return fmt.Errorf("lending: reserve factor %d exceeds 10000 bps", c.ReserveFactorBps)
	}
	if _, err := parseAmount(c.RewardPerBlock); err != nil {
		return fmt.Errorf("lending: reward per block: %w", err)
	}
	if _, err := parseAmount(c.SupplyCap); err != nil {
		return fmt.Errorf("lending: supply cap: %w", err)
	}
	if c.RewardPerBlock != "" && c.RewardAsset == "" {
		return fmt.Errorf("lending: reward asset required when rewards are emitted")
	}
	return nil
}

// Apply configures the engine from the config.
func (c Config) Apply(e *Engine) error {
	if err := c.Validate(); err != nil {
		return err
	}
	e.SetInterestModel(c.InterestModel())
	e.SetReserveFactor(c.ReserveFactorBps)
	rewards, _ := parseAmount(c.RewardPerBlock)
	e.SetRewards(c.RewardAsset, rewards)
	capAmount, _ := parseAmount(c.SupplyCap)
	e.SetSupplyCap(capAmount)
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return v, nil
}
