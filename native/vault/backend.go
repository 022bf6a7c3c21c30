package vault

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	coreerrors "vaultchain/core/errors"
	"vaultchain/crypto"
	"vaultchain/native/bank"
	"vaultchain/storage"
)

const (
	KindMock    = "mock"
	KindLending = "lending"
	KindStaking = "staking"
)

// Backend is a pluggable yield strategy holding backing on behalf of a single
// controller. Mutating entry points reject any caller other than that
// controller.
type Backend interface {
	ID() string
	Kind() string
	Asset() string
	Address() crypto.Address
	Controller() crypto.Address

	// Deposit pulls amount of the underlying from caller and deploys it.
	Deposit(caller crypto.Address, amount *big.Int) (*big.Int, error)
	// Withdraw returns up to amount of underlying to recipient. A result
	// smaller than amount signals that the strategy ran out of liquidity or
	// charged an exit cost.
	Withdraw(caller crypto.Address, amount *big.Int, recipient crypto.Address) (*big.Int, error)
	// PreviewWithdraw reports what Withdraw(amount) would release right now
	// without moving anything.
	PreviewWithdraw(amount *big.Int) (WithdrawPreview, error)
	// TotalValue is the underlying value held, rounded down.
	TotalValue() (*big.Int, error)
	Harvestable() bool
	Harvest(caller crypto.Address) (HarvestReport, error)
	// Recover moves stray tokens out. The underlying itself can only be
	// recovered once the backend is retired.
	Recover(caller crypto.Address, token string, amount *big.Int, recipient crypto.Address) (*big.Int, error)
	Retire(caller crypto.Address) error
	Retired() bool

	Checkpoint(db storage.Database) error
	Restore(db storage.Database) (bool, error)
}

// WithdrawPreview splits a prospective withdrawal. Redeemable is the part of
// the request the strategy has liquidity for; Out is what reaches the
// recipient after exit costs.
type WithdrawPreview struct {
	Redeemable *big.Int
	Out        *big.Int
}

// ExitCost is the value withheld by the strategy.
func (p WithdrawPreview) ExitCost() *big.Int {
	return new(big.Int).Sub(p.Redeemable, p.Out)
}

// HarvestReport summarises one harvest.
type HarvestReport struct {
	RewardIn   *big.Int
	Reinvested *big.Int
	Skipped    bool
}

func skipped() HarvestReport {
	return HarvestReport{RewardIn: big.NewInt(0), Reinvested: big.NewInt(0), Skipped: true}
}

// base carries identity, authorization and lifecycle shared by every variant.
type base struct {
	mu         sync.RWMutex
	id         string
	kind       string
	asset      string
	address    crypto.Address
	controller crypto.Address
	bank       bank.Ledger
	retired    bool
}

func newBase(kind, id, asset string, controller crypto.Address, ledger bank.Ledger) *base {
	id = strings.TrimSpace(id)
	return &base{
		id:         id,
		kind:       kind,
		asset:      strings.TrimSpace(asset),
		address:    crypto.ModuleAddress("vault/" + id),
		controller: controller,
		bank:       ledger,
	}
}

func (b *base) ID() string                 { return b.id }
func (b *base) Kind() string               { return b.kind }
func (b *base) Asset() string              { return b.asset }
func (b *base) Address() crypto.Address    { return b.address }
func (b *base) Controller() crypto.Address { return b.controller }

func (b *base) Retired() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.retired
}

// Retire marks the backend as migrated away from.
func (b *base) Retire(caller crypto.Address) error {
	if err := b.authorize(caller); err != nil {
		return err
	}
	b.mu.Lock()
	b.retired = true
	b.mu.Unlock()
	return nil
}

func (b *base) authorize(caller crypto.Address) error {
	if caller != b.controller {
		return fmt.Errorf("vault %s: %w", b.id, coreerrors.ErrNotAuthorized)
	}
	return nil
}

func (b *base) checkDeposit(caller crypto.Address, amount *big.Int) error {
	if err := b.authorize(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return coreerrors.ErrZeroAmount
	}
	if b.Retired() {
		return fmt.Errorf("vault %s: %w", b.id, coreerrors.ErrBackendRetired)
	}
	return nil
}

func (b *base) checkWithdraw(caller crypto.Address, amount *big.Int) error {
	if err := b.authorize(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return coreerrors.ErrZeroAmount
	}
	return nil
}

// recoverToken moves loose tokens held at the backend address.
func (b *base) recoverToken(caller crypto.Address, token string, amount *big.Int, recipient crypto.Address) (*big.Int, error) {
	if err := b.authorize(caller); err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == b.asset && !b.Retired() {
		return nil, fmt.Errorf("vault %s: underlying recoverable only after retirement: %w", b.id, coreerrors.ErrBackendNotActive)
	}
	held := b.bank.BalanceOf(token, b.address)
	out := held
	if amount != nil && amount.Sign() > 0 && amount.Cmp(held) < 0 {
		out = new(big.Int).Set(amount)
	}
	if out.Sign() == 0 {
		return out, nil
	}
	if err := b.bank.Transfer(token, b.address, recipient, out); err != nil {
		return nil, err
	}
	return out, nil
}

type metaRecord struct {
	Kind        string
	Asset       string
	Retired     bool
	LastHarvest uint64
}

func (b *base) metaKey() []byte {
	return storage.Key("vault", b.id, "meta")
}

func (b *base) saveMeta(db storage.Database, lastHarvest time.Time) error {
	record := metaRecord{Kind: b.kind, Asset: b.asset, Retired: b.Retired()}
	if !lastHarvest.IsZero() {
		record.LastHarvest = uint64(lastHarvest.Unix())
	}
	return storage.PutRLP(db, b.metaKey(), &record)
}

func (b *base) loadMeta(db storage.Database) (metaRecord, bool, error) {
	var record metaRecord
	ok, err := storage.GetRLP(db, b.metaKey(), &record)
	if err != nil || !ok {
		return record, ok, err
	}
	if record.Kind != b.kind || record.Asset != b.asset {
		return record, false, fmt.Errorf("vault %s: stored %s/%s does not match %s/%s: %w",
			b.id, record.Kind, record.Asset, b.kind, b.asset, coreerrors.ErrAssetMismatch)
	}
	b.mu.Lock()
	b.retired = record.Retired
	b.mu.Unlock()
	return record, true, nil
}

func unixTime(sec uint64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0)
}

func minOf(a, b *big.Int) *big.Int {
	if b == nil || a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
