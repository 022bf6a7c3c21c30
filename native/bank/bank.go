package bank

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	coreerrors "vaultchain/core/errors"
	"vaultchain/crypto"
	"vaultchain/storage"
)

const storePrefix = "bank"

// Ledger is the subset of the bank used by protocol modules to move
// underlying tokens.
type Ledger interface {
	BalanceOf(asset string, account crypto.Address) *big.Int
	Transfer(asset string, from, to crypto.Address, amount *big.Int) error
}

type holding struct {
	asset   string
	account crypto.Address
}

// Bank keeps plain (non-rebasing) token balances for every underlying asset,
// reward token and swap input known to the node.
type Bank struct {
	mu       sync.RWMutex
	balances map[holding]*big.Int
	supply   map[string]*big.Int
	dirty    map[holding]struct{}
}

// New returns an empty bank.
func New() *Bank {
	return &Bank{
		balances: make(map[holding]*big.Int),
		supply:   make(map[string]*big.Int),
		dirty:    make(map[holding]struct{}),
	}
}

// BalanceOf returns a copy of the account balance in asset.
func (b *Bank) BalanceOf(asset string, account crypto.Address) *big.Int {
	if b == nil {
		return big.NewInt(0)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if bal, ok := b.balances[holding{normalizeAsset(asset), account}]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// Supply returns the total issued amount of asset.
func (b *Bank) Supply(asset string) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if total, ok := b.supply[normalizeAsset(asset)]; ok {
		return new(big.Int).Set(total)
	}
	return big.NewInt(0)
}

// Transfer moves amount of asset between accounts. Zero transfers are no-ops.
func (b *Bank) Transfer(asset string, from, to crypto.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	asset = normalizeAsset(asset)
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.balanceLocked(asset, from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("bank: %s %s has %s, needs %s: %w", asset, from, src, amount, coreerrors.ErrInsufficientFunds)
	}
	src.Sub(src, amount)
	dst := b.balanceLocked(asset, to)
	dst.Add(dst, amount)
	b.dirty[holding{asset, from}] = struct{}{}
	b.dirty[holding{asset, to}] = struct{}{}
	return nil
}

// Credit issues new tokens to an account (genesis allocations, faucets and
// simulated strategy yield).
func (b *Bank) Credit(asset string, to crypto.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	asset = normalizeAsset(asset)
	b.mu.Lock()
	defer b.mu.Unlock()
	dst := b.balanceLocked(asset, to)
	dst.Add(dst, amount)
	b.addSupplyLocked(asset, amount)
	b.dirty[holding{asset, to}] = struct{}{}
	return nil
}

// Debit destroys tokens held by an account.
func (b *Bank) Debit(asset string, from crypto.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	asset = normalizeAsset(asset)
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.balanceLocked(asset, from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("bank: debit %s from %s: %w", asset, from, coreerrors.ErrInsufficientFunds)
	}
	src.Sub(src, amount)
	b.addSupplyLocked(asset, new(big.Int).Neg(amount))
	b.dirty[holding{asset, from}] = struct{}{}
	return nil
}

func (b *Bank) balanceLocked(asset string, account crypto.Address) *big.Int {
	key := holding{asset, account}
	bal, ok := b.balances[key]
	if !ok {
		bal = big.NewInt(0)
		b.balances[key] = bal
	}
	return bal
}

func (b *Bank) addSupplyLocked(asset string, delta *big.Int) {
	total, ok := b.supply[asset]
	if !ok {
		total = big.NewInt(0)
		b.supply[asset] = total
	}
	total.Add(total, delta)
}

type balanceRecord struct {
	Asset   string
	Account []byte
	Balance *big.Int
}

// Commit writes every balance touched since the previous commit.
func (b *Bank) Commit(db storage.Database) error {
	if db == nil {
		return errors.New("bank: database required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]holding, 0, len(b.dirty))
	for key := range b.dirty {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].asset != keys[j].asset {
			return keys[i].asset < keys[j].asset
		}
		return keys[i].account.String() < keys[j].account.String()
	})
	for _, key := range keys {
		bal := b.balances[key]
		storeKey := storage.Key(storePrefix, key.asset, key.account.String())
		if bal == nil || bal.Sign() == 0 {
			if err := db.Delete(storeKey); err != nil {
				return err
			}
			continue
		}
		rec := balanceRecord{Asset: key.asset, Account: key.account.Bytes(), Balance: bal}
		if err := storage.PutRLP(db, storeKey, rec); err != nil {
			return fmt.Errorf("bank: commit %s: %w", storeKey, err)
		}
	}
	b.dirty = make(map[holding]struct{})
	return nil
}

// Load replaces in-memory balances with the committed state.
func (b *Bank) Load(db storage.Database) error {
	if db == nil {
		return errors.New("bank: database required")
	}
	balances := make(map[holding]*big.Int)
	supply := make(map[string]*big.Int)
	err := db.Iterate([]byte(storePrefix+"/"), func(_ []byte, value []byte) error {
		var rec balanceRecord
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			return err
		}
		if len(rec.Account) != crypto.AddressLength {
			return fmt.Errorf("bank: corrupt account record for %s", rec.Asset)
		}
		key := holding{rec.Asset, crypto.NewAddress(crypto.AccountPrefix, rec.Account)}
		balances[key] = new(big.Int).Set(rec.Balance)
		total, ok := supply[rec.Asset]
		if !ok {
			total = big.NewInt(0)
			supply[rec.Asset] = total
		}
		total.Add(total, rec.Balance)
		return nil
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.balances = balances
	b.supply = supply
	b.dirty = make(map[holding]struct{})
	b.mu.Unlock()
	return nil
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("bank: %w", coreerrors.ErrInput)
	}
	return nil
}

func normalizeAsset(asset string) string {
	return strings.TrimSpace(asset)
}
