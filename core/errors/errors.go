package errors

import (
	stderrors "errors"
	"fmt"
)

// Error kinds. Every concrete error below wraps exactly one kind so callers can
// classify failures with errors.Is without enumerating sentinels.
var (
	ErrInput         = stderrors.New("input error")
	ErrAuthorization = stderrors.New("authorization error")
	ErrSlippage      = stderrors.New("slippage error")
	ErrLiquidity     = stderrors.New("liquidity error")
	ErrState         = stderrors.New("state error")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }

func newKind(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Input errors.
var (
	ErrZeroAmount        = newKind(ErrInput, "amount must be positive")
	ErrAmountOverflow    = newKind(ErrInput, "amount exceeds u256")
	ErrInvalidDecimals   = newKind(ErrInput, "invalid decimals")
	ErrBelowMinimum      = newKind(ErrInput, "amount below configured minimum")
	ErrInvalidAddress    = newKind(ErrInput, "invalid address")
	ErrInvalidFee        = newKind(ErrInput, "fee exceeds 10000 bps")
	ErrUnknownAsset      = newKind(ErrInput, "unknown asset")
	ErrUnknownBackend    = newKind(ErrInput, "unknown backend")
	ErrAssetMismatch     = newKind(ErrInput, "backend underlying does not match asset")
	ErrDuplicateBackend  = newKind(ErrInput, "backend already registered")
	ErrExceedsBalance    = newKind(ErrInput, "lock exceeds balance")
	ErrExceedsLocked     = newKind(ErrInput, "unlock exceeds locked balance")
	ErrInsufficientFunds = newKind(ErrInput, "insufficient balance")
	ErrDustAmount        = newKind(ErrInput, "amount rounds to zero")
)

// Authorization errors.
var (
	ErrNotAuthorized         = newKind(ErrAuthorization, "caller not authorized")
	ErrNotAdmin              = newKind(ErrAuthorization, "caller is not the admin")
	ErrNotOwner              = newKind(ErrAuthorization, "caller is not the owner")
	ErrInsufficientAllowance = newKind(ErrAuthorization, "insufficient allowance")
	ErrNotWhitelisted        = newKind(ErrAuthorization, "account not whitelisted")
)

// Slippage errors.
var (
	ErrSlippageExceeded = newKind(ErrSlippage, "output below minimum")
)

// Liquidity errors.
var (
	ErrInsufficientLiquidity   = newKind(ErrLiquidity, "insufficient liquidity")
	ErrInsufficientFreeBalance = newKind(ErrLiquidity, "insufficient free balance")
	ErrStrategyUnavailable     = newKind(ErrLiquidity, "strategy unavailable")
)

// State errors.
var (
	ErrReentrant           = newKind(ErrState, "operation already in progress")
	ErrMigrationNotEnabled = newKind(ErrState, "migration not enabled")
	ErrBackendRetired      = newKind(ErrState, "backend retired")
	ErrBackendNotActive    = newKind(ErrState, "backend is not the active backend")
	ErrNoActiveBackend     = newKind(ErrState, "no active backend")
	ErrEmptySupply         = newKind(ErrState, "no credits outstanding")
	ErrMintDisabled        = newKind(ErrState, "minting disabled")
	ErrRedeemDisabled      = newKind(ErrState, "redemption disabled")
	ErrPaused              = newKind(ErrState, "module paused")
)

// Kind returns the kind sentinel wrapped by err, or nil for unclassified
// errors.
func Kind(err error) error {
	for _, kind := range []error{ErrInput, ErrAuthorization, ErrSlippage, ErrLiquidity, ErrState} {
		if stderrors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Wrapf annotates a classified error with context while keeping it matchable.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
