package rebasing

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	coreerrors "vaultchain/core/errors"
	"vaultchain/core/events"
	"vaultchain/crypto"
)

var (
	errNilLedger   = errors.New("rebasing ledger: not initialised")
	errNoSymbol    = errors.New("rebasing ledger: symbol required")
	errNoApp       = errors.New("rebasing ledger: owning controller required")
	errNilAmount   = errors.New("rebasing ledger: amount required")
	errTxActive    = fmt.Errorf("rebasing ledger: transaction already open: %w", coreerrors.ErrReentrant)
	errTxNotActive = errors.New("rebasing ledger: no open transaction")
)

type account struct {
	credits   *big.Int
	locked    *big.Int
	principal *big.Int
	realized  *big.Int
}

func newAccount() *account {
	return &account{
		credits:   big.NewInt(0),
		locked:    big.NewInt(0),
		principal: big.NewInt(0),
		realized:  big.NewInt(0),
	}
}

func (a *account) clone() *account {
	if a == nil {
		return nil
	}
	return &account{
		credits:   copyBig(a.credits),
		locked:    copyBig(a.locked),
		principal: copyBig(a.principal),
		realized:  copyBig(a.realized),
	}
}

func (a *account) empty() bool {
	return a.credits.Sign() == 0 && a.locked.Sign() == 0 && a.principal.Sign() == 0 && a.realized.Sign() == 0
}

type allowanceKey struct {
	owner   crypto.Address
	spender crypto.Address
}

// Ledger is the supply-elastic balance sheet of one rebasing token. Balances
// are derived from per-account credits and a single global ratio
// totalSupply/totalCredits, so distributing yield is a constant-time supply
// change.
type Ledger struct {
	mu sync.RWMutex

	symbol       string
	app          crypto.Address
	totalSupply  *big.Int
	totalCredits *big.Int
	accounts     map[crypto.Address]*account
	allowances   map[allowanceKey]*big.Int
	emitter      events.Emitter

	tx              *journal
	dirty           map[crypto.Address]struct{}
	dirtyAllowances map[allowanceKey]struct{}
}

// NewLedger constructs an empty ledger owned by the controller at app. Only
// the owning controller may mint, burn, rebase or lock.
func NewLedger(symbol string, app crypto.Address) (*Ledger, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, errNoSymbol
	}
	if app.IsZero() {
		return nil, errNoApp
	}
	return &Ledger{
		symbol:          symbol,
		app:             app,
		totalSupply:     big.NewInt(0),
		totalCredits:    big.NewInt(0),
		accounts:        make(map[crypto.Address]*account),
		allowances:      make(map[allowanceKey]*big.Int),
		emitter:         events.NoopEmitter{},
		dirty:           make(map[crypto.Address]struct{}),
		dirtyAllowances: make(map[allowanceKey]struct{}),
	}, nil
}

// SetEmitter configures the sink for supply, transfer and lock events.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	l.emitter = emitter
}

// Symbol returns the rebasing token symbol.
func (l *Ledger) Symbol() string { return l.symbol }

// App returns the owning controller address.
func (l *Ledger) App() crypto.Address { return l.app }

// TotalSupply returns the sum of all balances, rounding dust included.
func (l *Ledger) TotalSupply() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyBig(l.totalSupply)
}

// TotalCredits returns the outstanding credits.
func (l *Ledger) TotalCredits() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyBig(l.totalCredits)
}

// BalanceOf returns floor(credits * totalSupply / totalCredits).
func (l *Ledger) BalanceOf(addr crypto.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balanceLocked(addr)
}

// LockedBalanceOf returns the frozen part of the balance.
func (l *Ledger) LockedBalanceOf(addr crypto.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lockedBalanceLocked(addr)
}

// FreeBalanceOf returns the transferable and redeemable part of the balance.
func (l *Ledger) FreeBalanceOf(addr crypto.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.freeBalanceLocked(addr)
}

// CreditsOf returns the account credits and the locked subset.
func (l *Ledger) CreditsOf(addr crypto.Address) (*big.Int, *big.Int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[addr]
	if !ok {
		return big.NewInt(0), big.NewInt(0)
	}
	return copyBig(acct.credits), copyBig(acct.locked)
}

// Allowance returns how much spender may move on behalf of owner.
func (l *Ledger) Allowance(owner, spender crypto.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyBig(l.allowances[allowanceKey{owner, spender}])
}

// Accounts lists every account holding credits or yield history, sorted by
// address.
func (l *Ledger) Accounts() []crypto.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accountsLocked()
}

func (l *Ledger) accountsLocked() []crypto.Address {
	out := make([]crypto.Address, 0, len(l.accounts))
	for addr := range l.accounts {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Mint issues credits worth amount to the account at the current rate, leaving
// every existing balance unchanged.
func (l *Ledger) Mint(caller, to crypto.Address, amount *big.Int) error {
	if l == nil {
		return errNilLedger
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	if to.IsZero() {
		return coreerrors.ErrInvalidAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.authorize(caller); err != nil {
		return err
	}

	supply := l.totalSupply
	if l.totalCredits.Sign() == 0 {
		// Dust left behind by the last holder is released to the backing
		// surplus and surfaces as yield on the next rebase.
		supply = big.NewInt(0)
	}
	var credits *big.Int
	if supply.Sign() == 0 {
		credits = new(big.Int).Mul(amount, initialCreditsPerUnit)
	} else {
		credits = mulDivDown(amount, l.totalCredits, supply)
	}
	if credits.Sign() == 0 {
		return coreerrors.ErrDustAmount
	}
	newSupply := new(big.Int).Add(supply, amount)
	newCredits := new(big.Int).Add(l.totalCredits, credits)
	if !fitsU256(newSupply) || !fitsU256(newCredits) {
		return coreerrors.ErrAmountOverflow
	}

	l.touch(to)
	l.journalSupply()
	acct := l.accountLocked(to)
	acct.credits.Add(acct.credits, credits)
	acct.principal.Add(acct.principal, amount)
	l.totalSupply = newSupply
	l.totalCredits = newCredits
	l.emit(events.TokenSupply{
		Token:   l.symbol,
		Account: to.String(),
		Total:   copyBig(l.totalSupply),
		Delta:   copyBig(amount),
		Reason:  events.SupplyReasonMint,
	})
	return nil
}

// Burn destroys amount from the account's free balance.
func (l *Ledger) Burn(caller, from crypto.Address, amount *big.Int) error {
	if l == nil {
		return errNilLedger
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.authorize(caller); err != nil {
		return err
	}
	free := l.freeBalanceLocked(from)
	if amount.Cmp(free) > 0 {
		return fmt.Errorf("burn %s from %s (free %s): %w", amount, from, free, coreerrors.ErrInsufficientFreeBalance)
	}
	credits := l.debitCreditsLocked(from, amount, free)
	balanceBefore := l.balanceLocked(from)

	l.touch(from)
	l.journalSupply()
	acct := l.accountLocked(from)
	reduceBasis(acct, amount, balanceBefore)
	acct.credits.Sub(acct.credits, credits)
	l.totalCredits = new(big.Int).Sub(l.totalCredits, credits)
	l.totalSupply = new(big.Int).Sub(l.totalSupply, amount)
	l.emit(events.TokenSupply{
		Token:   l.symbol,
		Account: from.String(),
		Total:   copyBig(l.totalSupply),
		Delta:   new(big.Int).Neg(amount),
		Reason:  events.SupplyReasonBurn,
	})
	return nil
}

// ChangeSupply grows totalSupply by delta without touching credits, which
// raises every balance by the ratio (totalSupply+delta)/totalSupply. A zero
// delta is a no-op.
func (l *Ledger) ChangeSupply(caller crypto.Address, delta *big.Int) error {
	if l == nil {
		return errNilLedger
	}
	if delta == nil {
		return errNilAmount
	}
	if delta.Sign() < 0 {
		return fmt.Errorf("rebasing ledger: negative supply change: %w", coreerrors.ErrInput)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.authorize(caller); err != nil {
		return err
	}
	if delta.Sign() == 0 {
		return nil
	}
	if l.totalCredits.Sign() == 0 {
		return coreerrors.ErrEmptySupply
	}
	newSupply := new(big.Int).Add(l.totalSupply, delta)
	if !fitsU256(newSupply) {
		return coreerrors.ErrAmountOverflow
	}
	l.journalSupply()
	l.totalSupply = newSupply
	l.emit(events.TokenSupply{
		Token:  l.symbol,
		Total:  copyBig(l.totalSupply),
		Delta:  copyBig(delta),
		Reason: events.SupplyReasonRebase,
	})
	return nil
}

// Lock freezes amount of the account balance. Locked credits keep earning
// yield but cannot be transferred or burned.
func (l *Ledger) Lock(caller, addr crypto.Address, amount *big.Int) error {
	if l == nil {
		return errNilLedger
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.authorize(caller); err != nil {
		return err
	}
	balance := l.balanceLocked(addr)
	lockedBalance := l.lockedBalanceLocked(addr)
	if new(big.Int).Add(lockedBalance, amount).Cmp(balance) > 0 {
		return fmt.Errorf("lock %s of %s (balance %s, locked %s): %w", amount, addr, balance, lockedBalance, coreerrors.ErrExceedsBalance)
	}
	l.touch(addr)
	acct := l.accountLocked(addr)
	credits := mulDivUp(amount, l.totalCredits, l.totalSupply)
	locked := new(big.Int).Add(acct.locked, credits)
	if locked.Cmp(acct.credits) > 0 {
		locked.Set(acct.credits)
	}
	acct.locked = locked
	l.emit(events.Lock{
		Token:   l.symbol,
		Account: addr.String(),
		Amount:  copyBig(amount),
		Locked:  l.lockedBalanceLocked(addr),
	})
	return nil
}

// Unlock releases amount of previously locked balance.
func (l *Ledger) Unlock(caller, addr crypto.Address, amount *big.Int) error {
	if l == nil {
		return errNilLedger
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.authorize(caller); err != nil {
		return err
	}
	lockedBalance := l.lockedBalanceLocked(addr)
	if amount.Cmp(lockedBalance) > 0 {
		return fmt.Errorf("unlock %s of %s (locked %s): %w", amount, addr, lockedBalance, coreerrors.ErrExceedsLocked)
	}
	l.touch(addr)
	acct := l.accountLocked(addr)
	if amount.Cmp(lockedBalance) == 0 {
		acct.locked = big.NewInt(0)
	} else {
		credits := mulDivDown(amount, l.totalCredits, l.totalSupply)
		acct.locked = new(big.Int).Sub(acct.locked, minBig(credits, acct.locked))
	}
	l.emit(events.Lock{
		Token:   l.symbol,
		Account: addr.String(),
		Amount:  copyBig(amount),
		Locked:  l.lockedBalanceLocked(addr),
		Release: true,
	})
	return nil
}

// Transfer moves amount of the caller's free balance to another account.
func (l *Ledger) Transfer(caller, to crypto.Address, amount *big.Int) error {
	return l.TransferFrom(caller, caller, to, amount)
}

// TransferFrom moves amount from one account to another. A caller other than
// the owner or the owning controller spends allowance.
func (l *Ledger) TransferFrom(caller, from, to crypto.Address, amount *big.Int) error {
	if l == nil {
		return errNilLedger
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	if to.IsZero() {
		return coreerrors.ErrInvalidAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	free := l.freeBalanceLocked(from)
	if amount.Cmp(free) > 0 {
		return fmt.Errorf("transfer %s from %s (free %s): %w", amount, from, free, coreerrors.ErrInsufficientFreeBalance)
	}
	if caller != from && caller != l.app {
		if err := l.spendAllowanceLocked(from, caller, amount); err != nil {
			return err
		}
	}
	if from == to {
		return nil
	}
	credits := l.debitCreditsLocked(from, amount, free)
	balanceBefore := l.balanceLocked(from)

	l.touch(from)
	l.touch(to)
	src := l.accountLocked(from)
	dst := l.accountLocked(to)
	reduceBasis(src, amount, balanceBefore)
	src.credits.Sub(src.credits, credits)
	dst.credits.Add(dst.credits, credits)
	dst.principal.Add(dst.principal, amount)
	l.emit(events.Transfer{
		Token:  l.symbol,
		From:   from.String(),
		To:     to.String(),
		Amount: copyBig(amount),
	})
	return nil
}

// Approve sets the amount spender may move on behalf of owner.
func (l *Ledger) Approve(owner, spender crypto.Address, amount *big.Int) error {
	if l == nil {
		return errNilLedger
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("rebasing ledger: invalid allowance: %w", coreerrors.ErrInput)
	}
	if !fitsU256(amount) {
		return coreerrors.ErrAmountOverflow
	}
	if spender.IsZero() || owner.IsZero() {
		return coreerrors.ErrInvalidAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := allowanceKey{owner, spender}
	l.touchAllowance(key)
	l.allowances[key] = copyBig(amount)
	l.emit(events.Approval{
		Token:   l.symbol,
		Owner:   owner.String(),
		Spender: spender.String(),
		Amount:  copyBig(amount),
	})
	return nil
}

// SpendAllowance consumes allowance on behalf of the owning controller, e.g.
// when a spender redeems an owner's balance.
func (l *Ledger) SpendAllowance(caller, owner, spender crypto.Address, amount *big.Int) error {
	if l == nil {
		return errNilLedger
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.authorize(caller); err != nil {
		return err
	}
	if owner == spender {
		return nil
	}
	return l.spendAllowanceLocked(owner, spender, amount)
}

func (l *Ledger) spendAllowanceLocked(owner, spender crypto.Address, amount *big.Int) error {
	key := allowanceKey{owner, spender}
	current := copyBig(l.allowances[key])
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("allowance %s < %s: %w", current, amount, coreerrors.ErrInsufficientAllowance)
	}
	l.touchAllowance(key)
	l.allowances[key] = current.Sub(current, amount)
	return nil
}

// debitCreditsLocked returns the credits removed from an account when amount
// leaves its free balance. Credits round up in the protocol's favour, capped at
// the account's free credits; moving the whole free balance clears every free
// credit so no orphaned credits remain.
func (l *Ledger) debitCreditsLocked(addr crypto.Address, amount, free *big.Int) *big.Int {
	acct, ok := l.accounts[addr]
	if !ok {
		return big.NewInt(0)
	}
	freeCredits := new(big.Int).Sub(acct.credits, acct.locked)
	if amount.Cmp(free) == 0 {
		return freeCredits
	}
	return minBig(mulDivUp(amount, l.totalCredits, l.totalSupply), freeCredits)
}

func (l *Ledger) authorize(caller crypto.Address) error {
	if caller != l.app {
		return fmt.Errorf("%s ledger: %s: %w", l.symbol, caller, coreerrors.ErrNotAuthorized)
	}
	return nil
}

func (l *Ledger) balanceLocked(addr crypto.Address) *big.Int {
	acct, ok := l.accounts[addr]
	if !ok {
		return big.NewInt(0)
	}
	return mulDivDown(acct.credits, l.totalSupply, l.totalCredits)
}

func (l *Ledger) lockedBalanceLocked(addr crypto.Address) *big.Int {
	acct, ok := l.accounts[addr]
	if !ok || acct.locked.Sign() == 0 {
		return big.NewInt(0)
	}
	locked := mulDivDown(acct.locked, l.totalSupply, l.totalCredits)
	balance := l.balanceLocked(addr)
	if locked.Cmp(balance) > 0 {
		return balance
	}
	return locked
}

func (l *Ledger) freeBalanceLocked(addr crypto.Address) *big.Int {
	balance := l.balanceLocked(addr)
	return balance.Sub(balance, l.lockedBalanceLocked(addr))
}

func (l *Ledger) accountLocked(addr crypto.Address) *account {
	acct, ok := l.accounts[addr]
	if !ok {
		acct = newAccount()
		l.accounts[addr] = acct
	}
	return acct
}

func (l *Ledger) emit(evt events.Event) {
	if l.tx != nil {
		l.tx.events = append(l.tx.events, evt)
		return
	}
	if l.emitter != nil {
		l.emitter.Emit(evt)
	}
}

func validateAmount(amount *big.Int) error {
	if amount == nil {
		return errNilAmount
	}
	if amount.Sign() <= 0 {
		return coreerrors.ErrZeroAmount
	}
	if !fitsU256(amount) {
		return coreerrors.ErrAmountOverflow
	}
	return nil
}
