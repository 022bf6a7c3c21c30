package events

import (
	"math/big"

	"vaultchain/core/types"
)

const (
	// TypeTransfer is emitted for rebasing token balance movements.
	TypeTransfer = "token.transfer"
	// TypeLock is emitted when part of a balance is frozen.
	TypeLock = "token.lock"
	// TypeUnlock is emitted when frozen balance is released.
	TypeUnlock = "token.unlock"
	// TypeApproval is emitted when an allowance changes.
	TypeApproval = "token.approval"
)

type Transfer struct {
	Token  string
	From   string
	To     string
	Amount *big.Int
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{
		"token":  normalizeAsset(e.Token),
		"from":   e.From,
		"to":     e.To,
		"amount": formatAmount(e.Amount),
	}
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}

// Lock captures a lock or unlock of an account balance.
type Lock struct {
	Token   string
	Account string
	Amount  *big.Int
	Locked  *big.Int
	Release bool
}

func (e Lock) EventType() string {
	if e.Release {
		return TypeUnlock
	}
	return TypeLock
}

func (e Lock) Event() *types.Event {
	attrs := map[string]string{
		"token":   normalizeAsset(e.Token),
		"account": e.Account,
		"amount":  formatAmount(e.Amount),
		"locked":  formatAmount(e.Locked),
	}
	return &types.Event{Type: e.EventType(), Attributes: attrs}
}

// Approval captures an allowance update.
type Approval struct {
	Token   string
	Owner   string
	Spender string
	Amount  *big.Int
}

func (Approval) EventType() string { return TypeApproval }

func (e Approval) Event() *types.Event {
	attrs := map[string]string{
		"token":   normalizeAsset(e.Token),
		"owner":   e.Owner,
		"spender": e.Spender,
		"amount":  formatAmount(e.Amount),
	}
	return &types.Event{Type: TypeApproval, Attributes: attrs}
}
