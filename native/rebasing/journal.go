package rebasing

import (
	"math/big"

	"vaultchain/core/events"
	"vaultchain/crypto"
)

// journal records the pre-images of everything an open transaction touches so
// the ledger can be restored exactly on rollback. Events are held back until
// commit.
type journal struct {
	supply       *big.Int
	credits      *big.Int
	supplySaved  bool
	accounts     map[crypto.Address]*account
	allowances   map[allowanceKey]*big.Int
	allowanceSet map[allowanceKey]bool
	events       []events.Event
}

// Begin opens a transaction. Every mutation until Commit or Rollback is
// journaled. Only the owning controller may open transactions and they do not
// nest.
func (l *Ledger) Begin(caller crypto.Address) error {
	if l == nil {
		return errNilLedger
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.authorize(caller); err != nil {
		return err
	}
	if l.tx != nil {
		return errTxActive
	}
	l.tx = &journal{
		accounts:     make(map[crypto.Address]*account),
		allowances:   make(map[allowanceKey]*big.Int),
		allowanceSet: make(map[allowanceKey]bool),
	}
	return nil
}

// Commit closes the open transaction and releases its buffered events.
func (l *Ledger) Commit() error {
	if l == nil {
		return errNilLedger
	}
	l.mu.Lock()
	tx := l.tx
	l.tx = nil
	emitter := l.emitter
	l.mu.Unlock()
	if tx == nil {
		return errTxNotActive
	}
	for _, evt := range tx.events {
		emitter.Emit(evt)
	}
	return nil
}

// Rollback restores every value touched since Begin and drops buffered events.
func (l *Ledger) Rollback() error {
	if l == nil {
		return errNilLedger
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tx := l.tx
	if tx == nil {
		return errTxNotActive
	}
	l.tx = nil
	if tx.supplySaved {
		l.totalSupply = tx.supply
		l.totalCredits = tx.credits
	}
	for addr, prev := range tx.accounts {
		if prev == nil {
			delete(l.accounts, addr)
			continue
		}
		l.accounts[addr] = prev
	}
	for key, prev := range tx.allowances {
		if !tx.allowanceSet[key] {
			delete(l.allowances, key)
			continue
		}
		l.allowances[key] = prev
	}
	return nil
}

// InTx reports whether a transaction is open.
func (l *Ledger) InTx() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tx != nil
}

func (l *Ledger) touch(addr crypto.Address) {
	l.dirty[addr] = struct{}{}
	if l.tx == nil {
		return
	}
	if _, seen := l.tx.accounts[addr]; seen {
		return
	}
	l.tx.accounts[addr] = l.accounts[addr].clone()
}

func (l *Ledger) touchAllowance(key allowanceKey) {
	l.dirtyAllowances[key] = struct{}{}
	if l.tx == nil {
		return
	}
	if _, seen := l.tx.allowances[key]; seen {
		return
	}
	prev, ok := l.allowances[key]
	l.tx.allowanceSet[key] = ok
	l.tx.allowances[key] = copyBig(prev)
}

func (l *Ledger) journalSupply() {
	if l.tx == nil || l.tx.supplySaved {
		return
	}
	l.tx.supplySaved = true
	l.tx.supply = copyBig(l.totalSupply)
	l.tx.credits = copyBig(l.totalCredits)
}
