package treasury

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	coreerrors "vaultchain/core/errors"
	"vaultchain/crypto"
	"vaultchain/native/vault"
	"vaultchain/storage"
)

// Directory indexes controllers by rebasing symbol and by underlying asset.
// Each asset has exactly one controller.
type Directory struct {
	mu       sync.RWMutex
	bySymbol map[string]*Controller
	byAsset  map[string]*Controller
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		bySymbol: make(map[string]*Controller),
		byAsset:  make(map[string]*Controller),
	}
}

// Add registers a controller.
func (d *Directory) Add(c *Controller) error {
	if c == nil {
		return fmt.Errorf("treasury directory: nil controller: %w", coreerrors.ErrInput)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	symbol := key(c.Symbol())
	asset := key(c.Asset())
	if _, ok := d.bySymbol[symbol]; ok {
		return fmt.Errorf("treasury directory: symbol %s registered: %w", c.Symbol(), coreerrors.ErrInput)
	}
	if _, ok := d.byAsset[asset]; ok {
		return fmt.Errorf("treasury directory: asset %s registered: %w", c.Asset(), coreerrors.ErrInput)
	}
	d.bySymbol[symbol] = c
	d.byAsset[asset] = c
	return nil
}

// Lookup resolves a controller by rebasing symbol or underlying asset.
func (d *Directory) Lookup(name string) (*Controller, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	k := key(name)
	if c, ok := d.bySymbol[k]; ok {
		return c, nil
	}
	if c, ok := d.byAsset[k]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("treasury directory: %s: %w", name, coreerrors.ErrUnknownAsset)
}

// GetVault returns the active backend for an underlying asset.
func (d *Directory) GetVault(asset string) (vault.Backend, error) {
	c, err := d.Lookup(asset)
	if err != nil {
		return nil, err
	}
	b, ok := c.ActiveBackend()
	if !ok {
		return nil, fmt.Errorf("treasury %s: %w", c.Symbol(), coreerrors.ErrNoActiveBackend)
	}
	return b, nil
}

// Controllers lists controllers sorted by symbol.
func (d *Directory) Controllers() []*Controller {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Controller, 0, len(d.bySymbol))
	for _, c := range d.bySymbol {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol() < out[j].Symbol() })
	return out
}

// RebaseAll rebases every controller. Failures are collected and do not stop
// the remaining assets.
func (d *Directory) RebaseAll(ctx context.Context, caller crypto.Address) (map[string]RebaseResult, error) {
	results := make(map[string]RebaseResult)
	var errs []error
	for _, c := range d.Controllers() {
		res, err := c.Rebase(ctx, caller)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Symbol(), err))
			continue
		}
		results[c.Symbol()] = res
	}
	return results, errors.Join(errs...)
}

// Checkpoint persists every controller.
func (d *Directory) Checkpoint(db storage.Database) error {
	for _, c := range d.Controllers() {
		if err := c.Checkpoint(db); err != nil {
			return err
		}
	}
	return nil
}

// Restore loads every controller that has a stored record.
func (d *Directory) Restore(db storage.Database) error {
	for _, c := range d.Controllers() {
		if _, err := c.Restore(db); err != nil {
			return err
		}
	}
	return nil
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
