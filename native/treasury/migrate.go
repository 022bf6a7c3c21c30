package treasury

import (
	"context"
	"fmt"
	"math/big"

	coreerrors "vaultchain/core/errors"
	"vaultchain/core/events"
	"vaultchain/crypto"
	"vaultchain/native/vault"
)

// MigrationResult reports a completed backend switch. Shortfall is the value
// the old backend failed to return. Of that, Stranded is still held by the old
// backend and stays recorded against it until recovered; ExitCost was
// withheld on the way out and cannot be recovered.
type MigrationResult struct {
	From      string
	To        string
	Requested *big.Int
	Received  *big.Int
	Shortfall *big.Int
	Stranded  *big.Int
	ExitCost  *big.Int
	Deposited *big.Int
	Buffered  *big.Int
}

// Migrate moves all backing from the active backend to another allow-listed
// backend and switches the active pointer. Ledger balances are untouched.
func (c *Controller) Migrate(ctx context.Context, caller crypto.Address, from, to string) (MigrationResult, error) {
	if err := c.requireAdmin(caller); err != nil {
		return MigrationResult{}, err
	}
	var res MigrationResult
	err := c.run(ctx, "migrate", StatusMigrating, func(j *journal) error {
		var err error
		res, err = c.migrate(j, from, to)
		return err
	})
	if err != nil {
		return MigrationResult{}, err
	}
	if res.Shortfall.Sign() > 0 {
		c.metrics.RecordShortfall(c.cfg.Symbol, from, res.Shortfall)
		c.logger.Warn("treasury: migration left value behind",
			"backend", from,
			"shortfall", res.Shortfall.String(),
			"stranded", res.Stranded.String(),
			"exitCost", res.ExitCost.String())
	}
	c.emit(events.TreasuryMigration{
		Asset:     c.cfg.Symbol,
		From:      res.From,
		To:        res.To,
		Requested: res.Requested,
		Received:  res.Received,
		Shortfall: res.Shortfall,
		Deposited: res.Deposited,
		Buffered:  res.Buffered,
	})
	c.logger.Info("treasury: migrated",
		"backend", to,
		"requested", res.Requested.String(),
		"received", res.Received.String())
	return res, nil
}

func (c *Controller) migrationPair(from, to string) (vault.Backend, vault.Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	oldB, ok := c.backends[from]
	if !ok {
		return nil, nil, fmt.Errorf("treasury %s: %s: %w", c.cfg.Symbol, from, coreerrors.ErrUnknownBackend)
	}
	newB, ok := c.backends[to]
	if !ok {
		return nil, nil, fmt.Errorf("treasury %s: %s: %w", c.cfg.Symbol, to, coreerrors.ErrUnknownBackend)
	}
	if c.active != from {
		return nil, nil, fmt.Errorf("treasury %s: %s: %w", c.cfg.Symbol, from, coreerrors.ErrBackendNotActive)
	}
	if from == to {
		return nil, nil, fmt.Errorf("treasury %s: migration onto itself: %w", c.cfg.Symbol, coreerrors.ErrInput)
	}
	if !c.migrations[migrationKey{from, to}] {
		return nil, nil, fmt.Errorf("treasury %s: %s -> %s: %w", c.cfg.Symbol, from, to, coreerrors.ErrMigrationNotEnabled)
	}
	if newB.Retired() {
		return nil, nil, fmt.Errorf("treasury %s: %s: %w", c.cfg.Symbol, to, coreerrors.ErrBackendRetired)
	}
	if newB.Asset() != c.cfg.Asset {
		return nil, nil, fmt.Errorf("treasury %s: %s: %w", c.cfg.Symbol, to, coreerrors.ErrAssetMismatch)
	}
	return oldB, newB, nil
}

func (c *Controller) migrate(j *journal, from, to string) (MigrationResult, error) {
	oldB, newB, err := c.migrationPair(from, to)
	if err != nil {
		return MigrationResult{}, err
	}
	requested, err := oldB.TotalValue()
	if err != nil {
		return MigrationResult{}, err
	}
	bufferBefore := c.Buffer()
	received := big.NewInt(0)
	if requested.Sign() > 0 {
		if received, err = c.draw(j, oldB, requested); err != nil {
			return MigrationResult{}, err
		}
	}
	shortfall := new(big.Int).Sub(requested, received)
	if shortfall.Sign() < 0 {
		shortfall.SetInt64(0)
	}
	stranded, err := oldB.TotalValue()
	if err != nil {
		return MigrationResult{}, err
	}
	stranded = minBig(stranded, shortfall)
	exitCost := new(big.Int).Sub(shortfall, stranded)
	buffered := minBig(c.bufferRoom(bufferBefore), received)
	deposited := new(big.Int).Sub(received, buffered)
	if err := c.place(j, newB, deposited); err != nil {
		return MigrationResult{}, err
	}

	// Retirement is the last fallible step: nothing after it can fail.
	if err := oldB.Retire(c.address); err != nil {
		return MigrationResult{}, err
	}
	c.mu.Lock()
	c.active = to
	if stranded.Sign() > 0 {
		c.stranded[from] = new(big.Int).Set(stranded)
	} else {
		delete(c.stranded, from)
	}
	c.mu.Unlock()
	return MigrationResult{
		From:      from,
		To:        to,
		Requested: requested,
		Received:  received,
		Shortfall: shortfall,
		Stranded:  stranded,
		ExitCost:  exitCost,
		Deposited: deposited,
		Buffered:  buffered,
	}, nil
}

// RecoverStranded pulls whatever underlying remains in a retired backend into
// the controller and deploys it like a deposit. The stranded record is reset
// to what the backend still holds afterwards and cleared once it is empty.
func (c *Controller) RecoverStranded(ctx context.Context, caller crypto.Address, id string) (*big.Int, error) {
	if err := c.requireAdmin(caller); err != nil {
		return nil, err
	}
	b, ok := c.Backend(id)
	if !ok {
		return nil, fmt.Errorf("treasury %s: %s: %w", c.cfg.Symbol, id, coreerrors.ErrUnknownBackend)
	}
	var recovered *big.Int
	err := c.run(ctx, "recover", StatusMigrating, func(j *journal) error {
		if !b.Retired() {
			return fmt.Errorf("treasury %s: %s: %w", c.cfg.Symbol, id, coreerrors.ErrBackendNotActive)
		}
		bufferBefore := c.Buffer()
		got, err := b.Recover(c.address, c.cfg.Asset, nil, c.address)
		if err != nil {
			return err
		}
		recovered = got
		left, err := b.TotalValue()
		if err != nil {
			return err
		}
		c.mu.Lock()
		if left.Sign() > 0 {
			c.stranded[id] = new(big.Int).Set(left)
		} else {
			delete(c.stranded, id)
		}
		c.mu.Unlock()
		if got.Sign() == 0 {
			return nil
		}
		if active, err := c.activeBackend(); err == nil {
			deployed := new(big.Int).Sub(got, minBig(c.bufferRoom(bufferBefore), got))
			// The retired backend takes nothing back, so a refused deposit
			// leaves the value in the buffer.
			if err := c.place(j, active, deployed); err != nil {
				c.logger.Warn("treasury: recovered value kept in buffer", "backend", active.ID(), "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.emit(events.TreasuryRecovery{
		Asset:     c.cfg.Symbol,
		Backend:   id,
		Recovered: new(big.Int).Set(recovered),
	})
	c.logger.Info("treasury: recovered stranded value", "backend", id, "amount", recovered.String())
	return recovered, nil
}
