package config

import (
	"strings"

	"vaultchain/native/lending"
)

// Backend kinds understood by the genesis builder.
const (
	BackendMock    = "mock"
	BackendLending = "lending"
	BackendStaking = "staking"
)

// Genesis describes the assets, strategies and balances a node starts with.
// Amounts are decimal strings in the base units of their token.
type Genesis struct {
	Admin             string `toml:"Admin"`
	AdminKeystorePath string `toml:"AdminKeystorePath"`
	// FeeCollector defaults to Admin for assets that do not set one.
	FeeCollector     string           `toml:"FeeCollector"`
	BlockTimeSeconds uint64           `toml:"BlockTimeSeconds"`
	Router           RouterGenesis    `toml:"Router"`
	Assets           []AssetGenesis   `toml:"Assets"`
	Balances         []BalanceGenesis `toml:"Balances"`
}

// RouterGenesis configures the fixed-rate swap router used for harvest
// conversions and for deposits in other tokens.
type RouterGenesis struct {
	FeeBps        uint64           `toml:"FeeBps"`
	MaxAgeSeconds uint64           `toml:"MaxAgeSeconds"`
	Rates         []RateGenesis    `toml:"Rates"`
	Inventory     []BalanceGenesis `toml:"Inventory"`
}

// RateGenesis quotes Out units per In unit as a decimal string.
type RateGenesis struct {
	In   string `toml:"In"`
	Out  string `toml:"Out"`
	Rate string `toml:"Rate"`
}

// AssetGenesis configures one controller.
type AssetGenesis struct {
	Symbol          string             `toml:"Symbol"`
	Asset           string             `toml:"Asset"`
	Decimals        uint8              `toml:"Decimals"`
	FeeCollector    string             `toml:"FeeCollector"`
	BufferReserve   string             `toml:"BufferReserve"`
	MintFeeBps      uint64             `toml:"MintFeeBps"`
	RedeemFeeBps    uint64             `toml:"RedeemFeeBps"`
	ServiceFeeBps   uint64             `toml:"ServiceFeeBps"`
	MinDeposit      string             `toml:"MinDeposit"`
	MinWithdraw     string             `toml:"MinWithdraw"`
	RebaseThreshold string             `toml:"RebaseThreshold"`
	MintDisabled    bool               `toml:"MintDisabled"`
	RedeemDisabled  bool               `toml:"RedeemDisabled"`
	WhitelistOnly   bool               `toml:"WhitelistOnly"`
	Whitelist       []string           `toml:"Whitelist"`
	Paused          bool               `toml:"Paused"`
	Active          string             `toml:"Active"`
	Backends        []BackendGenesis   `toml:"Backends"`
	Migrations      []MigrationGenesis `toml:"Migrations"`
}

// BackendGenesis configures a strategy. Only the section matching Kind is read.
type BackendGenesis struct {
	ID       string          `toml:"ID"`
	Kind     string          `toml:"Kind"`
	Mock     MockGenesis     `toml:"Mock"`
	Lending  lending.Config  `toml:"Lending"`
	Staking  StakingGenesis  `toml:"Staking"`
	Reinvest ReinvestGenesis `toml:"Reinvest"`
}

// MockGenesis tunes the in-memory strategy.
type MockGenesis struct {
	LiquidityLimit string `toml:"LiquidityLimit"`
	ExitPenaltyBps uint64 `toml:"ExitPenaltyBps"`
}

// StakingGenesis configures the reward pool behind a staking backend.
type StakingGenesis struct {
	PoolID         string `toml:"PoolID"`
	RewardAsset    string `toml:"RewardAsset"`
	RewardPerBlock string `toml:"RewardPerBlock"`
}

// ReinvestGenesis configures reward compounding for lending and staking
// backends.
type ReinvestGenesis struct {
	MinAmountIn string `toml:"MinAmountIn"`
	SlippageBps uint64 `toml:"SlippageBps"`
	WaitSeconds uint64 `toml:"WaitSeconds"`
}

// MigrationGenesis pre-approves moving backing between two backends.
type MigrationGenesis struct {
	From string `toml:"From"`
	To   string `toml:"To"`
}

// BalanceGenesis credits an account in the underlying bank.
type BalanceGenesis struct {
	Account string `toml:"Account"`
	Asset   string `toml:"Asset"`
	Amount  string `toml:"Amount"`
}

func (g *Genesis) normalize() {
	g.Admin = strings.TrimSpace(g.Admin)
	g.FeeCollector = strings.TrimSpace(g.FeeCollector)
	for i := range g.Assets {
		a := &g.Assets[i]
		a.Symbol = strings.TrimSpace(a.Symbol)
		a.Asset = strings.TrimSpace(a.Asset)
		a.Active = strings.TrimSpace(a.Active)
		for j := range a.Backends {
			b := &a.Backends[j]
			b.ID = strings.TrimSpace(b.ID)
			b.Kind = strings.ToLower(strings.TrimSpace(b.Kind))
			if b.Kind == BackendLending && b.Lending.PoolID == "" {
				b.Lending.PoolID = b.ID
			}
			if b.Kind == BackendStaking && b.Staking.PoolID == "" {
				b.Staking.PoolID = b.ID
			}
		}
		if a.Active == "" && len(a.Backends) > 0 {
			a.Active = a.Backends[0].ID
		}
	}
}

// Backend returns the backend with the given id.
func (a AssetGenesis) Backend(id string) (BackendGenesis, bool) {
	for _, b := range a.Backends {
		if b.ID == id {
			return b, true
		}
	}
	return BackendGenesis{}, false
}

// Collector resolves the fee collector for the asset.
func (g *Genesis) Collector(a AssetGenesis) string {
	if a.FeeCollector != "" {
		return a.FeeCollector
	}
	if g.FeeCollector != "" {
		return g.FeeCollector
	}
	return g.Admin
}
