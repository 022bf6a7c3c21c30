package rebasing

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"vaultchain/crypto"
	"vaultchain/storage"
)

const storePrefix = "rebasing"

type supplyRecord struct {
	Supply  *big.Int
	Credits *big.Int
}

type accountRecord struct {
	Account   []byte
	Credits   *big.Int
	Locked    *big.Int
	Principal *big.Int
	Realized  *big.Int
}

type allowanceRecord struct {
	Owner   []byte
	Spender []byte
	Amount  *big.Int
}

func (l *Ledger) supplyKey() []byte {
	return storage.Key(storePrefix, l.symbol, "supply")
}

func (l *Ledger) accountKey(addr crypto.Address) []byte {
	return storage.Key(storePrefix, l.symbol, "acct", addr.String())
}

func (l *Ledger) allowanceKey(key allowanceKey) []byte {
	return storage.Key(storePrefix, l.symbol, "allow", key.owner.String(), key.spender.String())
}

// Checkpoint writes the supply record and every account and allowance touched
// since the previous checkpoint. It refuses to run while a transaction is open.
func (l *Ledger) Checkpoint(db storage.Database) error {
	if l == nil {
		return errNilLedger
	}
	if db == nil {
		return errors.New("rebasing ledger: database required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tx != nil {
		return errTxActive
	}
	if err := storage.PutRLP(db, l.supplyKey(), supplyRecord{Supply: l.totalSupply, Credits: l.totalCredits}); err != nil {
		return fmt.Errorf("rebasing ledger: write supply: %w", err)
	}

	addrs := make([]crypto.Address, 0, len(l.dirty))
	for addr := range l.dirty {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
	for _, addr := range addrs {
		acct, ok := l.accounts[addr]
		if !ok || acct.empty() {
			if err := db.Delete(l.accountKey(addr)); err != nil {
				return err
			}
			continue
		}
		rec := accountRecord{
			Account:   addr.Bytes(),
			Credits:   acct.credits,
			Locked:    acct.locked,
			Principal: acct.principal,
			Realized:  acct.realized,
		}
		if err := storage.PutRLP(db, l.accountKey(addr), rec); err != nil {
			return fmt.Errorf("rebasing ledger: write account %s: %w", addr, err)
		}
	}

	for key := range l.dirtyAllowances {
		amount, ok := l.allowances[key]
		if !ok || amount.Sign() == 0 {
			if err := db.Delete(l.allowanceKey(key)); err != nil {
				return err
			}
			continue
		}
		rec := allowanceRecord{Owner: key.owner.Bytes(), Spender: key.spender.Bytes(), Amount: amount}
		if err := storage.PutRLP(db, l.allowanceKey(key), rec); err != nil {
			return err
		}
	}
	l.dirty = make(map[crypto.Address]struct{})
	l.dirtyAllowances = make(map[allowanceKey]struct{})
	return nil
}

// Restore replaces the in-memory ledger with the last checkpoint. It returns
// false when no checkpoint exists for the symbol. Restored state is validated
// against the credits invariant.
func (l *Ledger) Restore(db storage.Database) (bool, error) {
	if l == nil {
		return false, errNilLedger
	}
	if db == nil {
		return false, errors.New("rebasing ledger: database required")
	}
	var supply supplyRecord
	ok, err := storage.GetRLP(db, l.supplyKey(), &supply)
	if err != nil || !ok {
		return false, err
	}

	accounts := make(map[crypto.Address]*account)
	creditSum := big.NewInt(0)
	acctPrefix := append(storage.Key(storePrefix, l.symbol, "acct"), '/')
	err = db.Iterate(acctPrefix, func(_ []byte, value []byte) error {
		var rec accountRecord
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			return err
		}
		if len(rec.Account) != crypto.AddressLength {
			return fmt.Errorf("rebasing ledger: corrupt account record")
		}
		addr := crypto.NewAddress(crypto.AccountPrefix, rec.Account)
		accounts[addr] = &account{
			credits:   copyBig(rec.Credits),
			locked:    copyBig(rec.Locked),
			principal: copyBig(rec.Principal),
			realized:  copyBig(rec.Realized),
		}
		creditSum.Add(creditSum, rec.Credits)
		return nil
	})
	if err != nil {
		return false, err
	}
	if creditSum.Cmp(supply.Credits) != 0 {
		return false, fmt.Errorf("rebasing ledger: %s credits mismatch: accounts %s, total %s", l.symbol, creditSum, supply.Credits)
	}

	allowances := make(map[allowanceKey]*big.Int)
	allowPrefix := append(storage.Key(storePrefix, l.symbol, "allow"), '/')
	err = db.Iterate(allowPrefix, func(_ []byte, value []byte) error {
		var rec allowanceRecord
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			return err
		}
		if len(rec.Owner) != crypto.AddressLength || len(rec.Spender) != crypto.AddressLength {
			return fmt.Errorf("rebasing ledger: corrupt allowance record")
		}
		key := allowanceKey{
			owner:   crypto.NewAddress(crypto.AccountPrefix, rec.Owner),
			spender: crypto.NewAddress(crypto.AccountPrefix, rec.Spender),
		}
		allowances[key] = copyBig(rec.Amount)
		return nil
	})
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tx != nil {
		return false, errTxActive
	}
	l.totalSupply = copyBig(supply.Supply)
	l.totalCredits = copyBig(supply.Credits)
	l.accounts = accounts
	l.allowances = allowances
	l.dirty = make(map[crypto.Address]struct{})
	l.dirtyAllowances = make(map[allowanceKey]struct{})
	return true, nil
}
