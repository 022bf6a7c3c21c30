package events

import (
	"math/big"
	"strconv"

	"vaultchain/core/types"
)

const (
	TypeTreasuryDeposit   = "treasury.deposit"
	TypeTreasuryWithdraw  = "treasury.withdraw"
	TypeTreasuryRebase    = "treasury.rebase"
	TypeTreasuryMigration = "treasury.migration"
	TypeTreasuryHarvest   = "treasury.harvest"
	TypeTreasuryRecovery  = "treasury.recovery"
)

// TreasuryDeposit records underlying entering a controller.
type TreasuryDeposit struct {
	Asset      string
	Caller     string
	Recipient  string
	Referral   string
	Underlying *big.Int
	Minted     *big.Int
	Fee        *big.Int
	Buffered   *big.Int
	Backend    string
}

func (TreasuryDeposit) EventType() string { return TypeTreasuryDeposit }

func (e TreasuryDeposit) Event() *types.Event {
	attrs := map[string]string{
		"asset":      normalizeAsset(e.Asset),
		"caller":     e.Caller,
		"recipient":  e.Recipient,
		"underlying": formatAmount(e.Underlying),
		"minted":     formatAmount(e.Minted),
		"fee":        formatAmount(e.Fee),
		"buffered":   formatAmount(e.Buffered),
		"backend":    e.Backend,
	}
	if e.Referral != "" {
		attrs["referral"] = e.Referral
	}
	return &types.Event{Type: TypeTreasuryDeposit, Attributes: attrs}
}

// TreasuryWithdraw records a redemption of rebasing units for underlying.
type TreasuryWithdraw struct {
	Asset       string
	Caller      string
	Owner       string
	Recipient   string
	Burned      *big.Int
	Fee         *big.Int
	Underlying  *big.Int
	FromBuffer  *big.Int
	FromBackend *big.Int
}

func (TreasuryWithdraw) EventType() string { return TypeTreasuryWithdraw }

func (e TreasuryWithdraw) Event() *types.Event {
	attrs := map[string]string{
		"asset":       normalizeAsset(e.Asset),
		"caller":      e.Caller,
		"owner":       e.Owner,
		"recipient":   e.Recipient,
		"burned":      formatAmount(e.Burned),
		"fee":         formatAmount(e.Fee),
		"underlying":  formatAmount(e.Underlying),
		"fromBuffer":  formatAmount(e.FromBuffer),
		"fromBackend": formatAmount(e.FromBackend),
	}
	return &types.Event{Type: TypeTreasuryWithdraw, Attributes: attrs}
}

// TreasuryRebase records yield distributed through a supply change.
type TreasuryRebase struct {
	Asset       string
	Backend     string
	Gross       *big.Int
	Fee         *big.Int
	Distributed *big.Int
	SupplyAfter *big.Int
	Harvested   *big.Int
}

func (TreasuryRebase) EventType() string { return TypeTreasuryRebase }

func (e TreasuryRebase) Event() *types.Event {
	attrs := map[string]string{
		"asset":       normalizeAsset(e.Asset),
		"backend":     e.Backend,
		"gross":       formatAmount(e.Gross),
		"fee":         formatAmount(e.Fee),
		"distributed": formatAmount(e.Distributed),
		"supplyAfter": formatAmount(e.SupplyAfter),
		"harvested":   formatAmount(e.Harvested),
	}
	return &types.Event{Type: TypeTreasuryRebase, Attributes: attrs}
}

// TreasuryMigration records backing moved between backends.
type TreasuryMigration struct {
	Asset     string
	From      string
	To        string
	Requested *big.Int
	Received  *big.Int
	Shortfall *big.Int
	Deposited *big.Int
	Buffered  *big.Int
}

func (TreasuryMigration) EventType() string { return TypeTreasuryMigration }

func (e TreasuryMigration) Event() *types.Event {
	attrs := map[string]string{
		"asset":     normalizeAsset(e.Asset),
		"from":      e.From,
		"to":        e.To,
		"requested": formatAmount(e.Requested),
		"received":  formatAmount(e.Received),
		"shortfall": formatAmount(e.Shortfall),
		"deposited": formatAmount(e.Deposited),
		"buffered":  formatAmount(e.Buffered),
	}
	return &types.Event{Type: TypeTreasuryMigration, Attributes: attrs}
}

// TreasuryHarvest records rewards reinvested by a backend.
type TreasuryHarvest struct {
	Asset      string
	Backend    string
	RewardIn   *big.Int
	Reinvested *big.Int
	Skipped    bool
}

func (TreasuryHarvest) EventType() string { return TypeTreasuryHarvest }

func (e TreasuryHarvest) Event() *types.Event {
	attrs := map[string]string{
		"asset":      normalizeAsset(e.Asset),
		"backend":    e.Backend,
		"rewardIn":   formatAmount(e.RewardIn),
		"reinvested": formatAmount(e.Reinvested),
		"skipped":    strconv.FormatBool(e.Skipped),
	}
	return &types.Event{Type: TypeTreasuryHarvest, Attributes: attrs}
}

// TreasuryRecovery records stranded value pulled out of a retired backend.
type TreasuryRecovery struct {
	Asset     string
	Backend   string
	Recovered *big.Int
}

func (TreasuryRecovery) EventType() string { return TypeTreasuryRecovery }

func (e TreasuryRecovery) Event() *types.Event {
	attrs := map[string]string{
		"asset":     normalizeAsset(e.Asset),
		"backend":   e.Backend,
		"recovered": formatAmount(e.Recovered),
	}
	return &types.Event{Type: TypeTreasuryRecovery, Attributes: attrs}
}
