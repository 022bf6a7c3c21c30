package treasury

import (
	"context"
	"fmt"
	"math/big"

	coreerrors "vaultchain/core/errors"
	"vaultchain/core/events"
	"vaultchain/crypto"
	nativecommon "vaultchain/native/common"
	"vaultchain/native/vault"
)

// WithdrawRequest redeems rebasing units for underlying.
type WithdrawRequest struct {
	Caller crypto.Address
	// Owner holds the units; a caller other than the owner spends allowance.
	Owner     crypto.Address
	Recipient crypto.Address
	// Amount is in rebasing units.
	Amount *big.Int
	// MinOut is the minimum underlying the recipient accepts.
	MinOut *big.Int
}

// WithdrawResult reports where the underlying came from. Underlying is what
// the recipient is paid; ExitCost is the part of the owed amount the backend
// withheld on the way out.
type WithdrawResult struct {
	Burned      *big.Int
	Fee         *big.Int
	Underlying  *big.Int
	FromBuffer  *big.Int
	FromBackend *big.Int
	ExitCost    *big.Int
}

type withdrawQuote struct {
	fee    *big.Int
	burned *big.Int
	owed   *big.Int
}

func (c *Controller) quoteWithdraw(amount *big.Int) (withdrawQuote, error) {
	if err := validateAmount(amount); err != nil {
		return withdrawQuote{}, err
	}
	cfg := c.Config()
	if !cfg.RedeemEnabled {
		return withdrawQuote{}, fmt.Errorf("treasury %s: %w", cfg.Symbol, coreerrors.ErrRedeemDisabled)
	}
	if amount.Cmp(cfg.MinWithdraw) < 0 {
		return withdrawQuote{}, fmt.Errorf("treasury %s: withdraw %s < %s: %w", cfg.Symbol, amount, cfg.MinWithdraw, coreerrors.ErrBelowMinimum)
	}
	fee := bpsOf(amount, cfg.RedeemFeeBps)
	burned := new(big.Int).Sub(amount, fee)
	owed := c.scale.fromFi(burned)
	if owed.Sign() == 0 {
		return withdrawQuote{}, fmt.Errorf("treasury %s: withdraw %s: %w", cfg.Symbol, amount, coreerrors.ErrDustAmount)
	}
	return withdrawQuote{fee: fee, burned: burned, owed: owed}, nil
}

// EstimateWithdraw returns the underlying a redemption of amount would pay
// right now, net of the active backend's exit cost.
func (c *Controller) EstimateWithdraw(amount *big.Int) (underlying, fee *big.Int, err error) {
	q, err := c.quoteWithdraw(amount)
	if err != nil {
		return nil, nil, err
	}
	fromBuffer, _, preview, err := c.previewExit(q.owed)
	if err != nil {
		return nil, nil, err
	}
	return new(big.Int).Add(fromBuffer, preview.Out), q.fee, nil
}

// previewExit splits owed between the buffer and the active backend. The
// backend leg must be redeemable in full.
func (c *Controller) previewExit(owed *big.Int) (*big.Int, vault.Backend, vault.WithdrawPreview, error) {
	fromBuffer := minBig(c.Buffer(), owed)
	shortfall := new(big.Int).Sub(owed, fromBuffer)
	none := vault.WithdrawPreview{Redeemable: big.NewInt(0), Out: big.NewInt(0)}
	if shortfall.Sign() == 0 {
		return fromBuffer, nil, none, nil
	}
	backend, err := c.activeBackend()
	if err != nil {
		return nil, nil, none, fmt.Errorf("treasury %s: buffer short by %s: %w", c.cfg.Symbol, shortfall, coreerrors.ErrInsufficientLiquidity)
	}
	preview, err := backend.PreviewWithdraw(shortfall)
	if err != nil {
		return nil, nil, none, err
	}
	if preview.Redeemable.Cmp(shortfall) < 0 || preview.Out.Sign() == 0 {
		return nil, nil, none, fmt.Errorf("treasury %s: backend %s can release %s of %s: %w",
			c.cfg.Symbol, backend.ID(), preview.Redeemable, shortfall, coreerrors.ErrInsufficientLiquidity)
	}
	return fromBuffer, backend, preview, nil
}

// Withdraw burns rebasing units from the owner's free balance and pays the
// underlying, buffer first. The operation aborts with ErrInsufficientLiquidity
// when the backend cannot release the rest, and with ErrSlippageExceeded when
// the payout net of exit costs falls below MinOut.
func (c *Controller) Withdraw(ctx context.Context, req WithdrawRequest) (WithdrawResult, error) {
	if req.Caller.IsZero() {
		return WithdrawResult{}, coreerrors.ErrInvalidAddress
	}
	if req.Owner.IsZero() {
		req.Owner = req.Caller
	}
	if req.Recipient.IsZero() {
		req.Recipient = req.Caller
	}
	q, err := c.quoteWithdraw(req.Amount)
	if err != nil {
		return WithdrawResult{}, err
	}
	if err := c.checkMinOut(q.owed, req.MinOut); err != nil {
		return WithdrawResult{}, err
	}

	var res WithdrawResult
	err = c.run(ctx, "withdraw", StatusWithdrawing, func(j *journal) error {
		var err error
		res, err = c.redeem(j, req.Caller, req.Owner, req.Amount, q, req.MinOut)
		if err != nil {
			return err
		}
		return c.pay(j, c.cfg.Asset, req.Recipient, res.Underlying)
	})
	if err != nil {
		return WithdrawResult{}, err
	}
	c.emit(events.TreasuryWithdraw{
		Asset:       c.cfg.Symbol,
		Caller:      req.Caller.String(),
		Owner:       req.Owner.String(),
		Recipient:   req.Recipient.String(),
		Burned:      res.Burned,
		Fee:         res.Fee,
		Underlying:  res.Underlying,
		FromBuffer:  res.FromBuffer,
		FromBackend: res.FromBackend,
	})
	c.logger.Info("treasury: withdraw",
		"amount", req.Amount.String(),
		"underlying", res.Underlying.String(),
		"exitCost", res.ExitCost.String())
	return res, nil
}

// redeem burns the owner's units and gathers the payout in the controller.
// The caller pays it out. Slippage and liquidity are checked against the
// backend preview before anything is drawn, then against the actual return.
func (c *Controller) redeem(j *journal, caller, owner crypto.Address, amount *big.Int, q withdrawQuote, minOut *big.Int) (WithdrawResult, error) {
	if caller != owner {
		if err := c.ledger.SpendAllowance(c.address, owner, caller, amount); err != nil {
			return WithdrawResult{}, err
		}
	}
	if free := c.ledger.FreeBalanceOf(owner); free.Cmp(amount) < 0 {
		return WithdrawResult{}, fmt.Errorf("treasury %s: withdraw %s (free %s): %w", c.cfg.Symbol, amount, free, coreerrors.ErrInsufficientFreeBalance)
	}
	fromBuffer, backend, preview, err := c.previewExit(q.owed)
	if err != nil {
		return WithdrawResult{}, err
	}
	if err := c.checkMinOut(new(big.Int).Add(fromBuffer, preview.Out), minOut); err != nil {
		return WithdrawResult{}, err
	}
	if q.fee.Sign() > 0 {
		if err := c.ledger.TransferFrom(c.address, owner, c.Config().FeeCollector, q.fee); err != nil {
			return WithdrawResult{}, err
		}
	}
	if err := c.ledger.Burn(c.address, owner, q.burned); err != nil {
		return WithdrawResult{}, err
	}

	fromBackend := big.NewInt(0)
	if backend != nil {
		shortfall := new(big.Int).Sub(q.owed, fromBuffer)
		got, err := c.draw(j, backend, shortfall)
		if err != nil {
			return WithdrawResult{}, err
		}
		if got.Cmp(preview.Out) < 0 {
			return WithdrawResult{}, fmt.Errorf("treasury %s: backend %s returned %s of %s: %w", c.cfg.Symbol, backend.ID(), got, preview.Out, coreerrors.ErrInsufficientLiquidity)
		}
		fromBackend = got
	}
	payout := new(big.Int).Add(fromBuffer, fromBackend)
	if err := c.checkMinOut(payout, minOut); err != nil {
		return WithdrawResult{}, err
	}
	exitCost := new(big.Int).Sub(q.owed, payout)
	if exitCost.Sign() < 0 {
		exitCost.SetInt64(0)
	}
	return WithdrawResult{
		Burned:      new(big.Int).Set(q.burned),
		Fee:         new(big.Int).Set(q.fee),
		Underlying:  payout,
		FromBuffer:  fromBuffer,
		FromBackend: fromBackend,
		ExitCost:    exitCost,
	}, nil
}

func (c *Controller) checkMinOut(payout, minOut *big.Int) error {
	if minOut != nil && payout.Cmp(minOut) < 0 {
		return fmt.Errorf("treasury %s: payout %s < min %s: %w", c.cfg.Symbol, payout, minOut, coreerrors.ErrSlippageExceeded)
	}
	return nil
}

// Transfer moves free rebasing units between holders.
func (c *Controller) Transfer(caller, to crypto.Address, amount *big.Int) error {
	return c.direct(func() error { return c.ledger.Transfer(caller, to, amount) })
}

// TransferFrom moves units on the owner's behalf, spending allowance.
func (c *Controller) TransferFrom(caller, from, to crypto.Address, amount *big.Int) error {
	return c.direct(func() error { return c.ledger.TransferFrom(caller, from, to, amount) })
}

// Approve sets the units spender may move or redeem for owner.
func (c *Controller) Approve(owner, spender crypto.Address, amount *big.Int) error {
	return c.direct(func() error { return c.ledger.Approve(owner, spender, amount) })
}

// direct claims the state machine for a plain ledger call so it never lands
// inside another operation's transaction. Pausing the module stops it too.
func (c *Controller) direct(fn func() error) error {
	if err := nativecommon.Guard(c.pauses, c.ModuleName()); err != nil {
		return err
	}
	if err := c.enter(StatusTransferring); err != nil {
		return err
	}
	defer c.exit()
	return fn()
}
