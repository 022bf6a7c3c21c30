package treasury

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	coreerrors "vaultchain/core/errors"
	"vaultchain/core/events"
	"vaultchain/crypto"
	"vaultchain/native/vault"
)

// RebaseResult reports the yield distributed by a rebase. Skipped is set when
// growth did not clear the threshold; no state changed in that case apart from
// a harvest.
type RebaseResult struct {
	Backend     string
	Assets      *big.Int
	Gross       *big.Int
	Fee         *big.Int
	Distributed *big.Int
	SupplyAfter *big.Int
	Harvest     *vault.HarvestReport
	Skipped     bool
}

// Rebase harvests the active backend when it has rewards ready, measures the
// backing against the ledger supply and distributes any growth above the
// threshold, net of the service fee. Anyone may call it.
func (c *Controller) Rebase(ctx context.Context, caller crypto.Address) (RebaseResult, error) {
	var res RebaseResult
	err := c.run(ctx, "rebase", StatusHarvesting, func(*journal) error {
		var err error
		res, err = c.rebase()
		return err
	})
	if err != nil {
		return RebaseResult{}, err
	}
	if res.Harvest != nil && !res.Harvest.Skipped {
		c.emit(events.TreasuryHarvest{
			Asset:      c.cfg.Symbol,
			Backend:    res.Backend,
			RewardIn:   res.Harvest.RewardIn,
			Reinvested: res.Harvest.Reinvested,
		})
	}
	if res.Skipped {
		c.logger.Debug("treasury: rebase skipped", "backend", res.Backend, "gross", res.Gross.String(), "caller", caller.String())
		return res, nil
	}
	c.metrics.RecordYield(c.cfg.Symbol, res.Distributed)
	c.emit(events.TreasuryRebase{
		Asset:       c.cfg.Symbol,
		Backend:     res.Backend,
		Gross:       res.Gross,
		Fee:         res.Fee,
		Distributed: res.Distributed,
		SupplyAfter: res.SupplyAfter,
		Harvested:   harvested(res.Harvest),
	})
	c.logger.Info("treasury: rebase",
		"backend", res.Backend,
		"gross", res.Gross.String(),
		"fee", res.Fee.String(),
		"supply", res.SupplyAfter.String())
	return res, nil
}

func (c *Controller) rebase() (RebaseResult, error) {
	cfg := c.Config()
	res := RebaseResult{
		Gross:       big.NewInt(0),
		Fee:         big.NewInt(0),
		Distributed: big.NewInt(0),
	}
	assets := c.Buffer()
	if backend, err := c.activeBackend(); err == nil {
		res.Backend = backend.ID()
		if backend.Harvestable() {
			report, err := backend.Harvest(c.address)
			if err != nil {
				c.logger.Warn("treasury: harvest failed, rebasing on current value", "backend", backend.ID(), "error", err)
			} else {
				res.Harvest = &report
			}
		}
		value, err := backend.TotalValue()
		if err != nil {
			return RebaseResult{}, fmt.Errorf("treasury %s: value %s: %w", cfg.Symbol, backend.ID(), err)
		}
		assets.Add(assets, value)
	}
	res.Assets = c.scale.toFi(assets)
	supply := c.ledger.TotalSupply()
	res.SupplyAfter = supply
	if c.ledger.TotalCredits().Sign() == 0 {
		res.Skipped = true
		return res, nil
	}
	gross := new(big.Int).Sub(res.Assets, supply)
	if gross.Sign() <= 0 || gross.Cmp(cfg.RebaseThreshold) <= 0 {
		if gross.Sign() > 0 {
			res.Gross = gross
		}
		res.Skipped = true
		return res, nil
	}

	// Holders receive gross-fee through the supply change; the fee is minted
	// afterwards so the collector does not share in the distribution.
	fee := bpsOf(gross, cfg.ServiceFeeBps)
	distributed := new(big.Int).Sub(gross, fee)
	if err := c.ledger.ChangeSupply(c.address, distributed); err != nil {
		return RebaseResult{}, err
	}
	if fee.Sign() > 0 {
		if err := c.ledger.Mint(c.address, cfg.FeeCollector, fee); err != nil {
			if !errors.Is(err, coreerrors.ErrDustAmount) {
				return RebaseResult{}, err
			}
			// A fee too small to carry a credit stays in the backing.
			fee = big.NewInt(0)
		}
	}
	res.Gross = gross
	res.Fee = fee
	res.Distributed = distributed
	res.SupplyAfter = c.ledger.TotalSupply()
	return res, nil
}

func harvested(report *vault.HarvestReport) *big.Int {
	if report == nil || report.Reinvested == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(report.Reinvested)
}
