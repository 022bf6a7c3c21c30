package treasury

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	coreerrors "vaultchain/core/errors"
	"vaultchain/core/events"
	"vaultchain/crypto"
)

// EnterRequest deposits a token other than the underlying by swapping it
// through the router first.
type EnterRequest struct {
	Caller    crypto.Address
	Recipient crypto.Address
	Token     string
	// Amount is in Token units.
	Amount *big.Int
	// MinUnderlying bounds the swap leg, MinOut the minted rebasing units.
	MinUnderlying *big.Int
	MinOut        *big.Int
	Referral      string
}

// ExitRequest redeems rebasing units and swaps the underlying into Token.
type ExitRequest struct {
	Caller    crypto.Address
	Owner     crypto.Address
	Recipient crypto.Address
	Token     string
	// Amount is in rebasing units.
	Amount *big.Int
	// MinOut is the minimum Token the recipient accepts.
	MinOut *big.Int
}

// ExitResult reports a redemption paid in another token.
type ExitResult struct {
	WithdrawResult
	Token    string
	TokenOut *big.Int
}

func (c *Controller) requireRouter() error {
	if c.router == nil {
		return fmt.Errorf("treasury %s: no router configured: %w", c.cfg.Symbol, coreerrors.ErrStrategyUnavailable)
	}
	return nil
}

// EstimateEnter quotes the rebasing units minted for amount of token.
func (c *Controller) EstimateEnter(token string, amount *big.Int) (minted, fee *big.Int, err error) {
	token = strings.TrimSpace(token)
	if token == c.cfg.Asset {
		return c.EstimateDeposit(amount)
	}
	if err := c.requireRouter(); err != nil {
		return nil, nil, err
	}
	if err := validateAmount(amount); err != nil {
		return nil, nil, err
	}
	underlying, err := c.router.EstimateOut(amount, token, c.cfg.Asset)
	if err != nil {
		return nil, nil, err
	}
	return c.EstimateDeposit(underlying)
}

// EnterWithToken swaps token into the underlying and deposits the proceeds.
// If the deposit leg fails after the swap, the caller receives the swapped
// underlying rather than the original token.
func (c *Controller) EnterWithToken(ctx context.Context, req EnterRequest) (DepositResult, error) {
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == c.cfg.Asset {
		return c.Deposit(ctx, DepositRequest{
			Caller:    req.Caller,
			Recipient: req.Recipient,
			Amount:    req.Amount,
			MinOut:    req.MinOut,
			Referral:  req.Referral,
		})
	}
	if req.Caller.IsZero() {
		return DepositResult{}, coreerrors.ErrInvalidAddress
	}
	if req.Recipient.IsZero() {
		req.Recipient = req.Caller
	}
	if err := c.requireRouter(); err != nil {
		return DepositResult{}, err
	}
	if err := validateAmount(req.Amount); err != nil {
		return DepositResult{}, err
	}
	if err := c.checkWhitelist(req.Caller); err != nil {
		return DepositResult{}, err
	}

	var (
		res      DepositResult
		received *big.Int
	)
	err := c.run(ctx, "enter", StatusDepositing, func(j *journal) error {
		swapped := false
		if err := c.bank.Transfer(req.Token, req.Caller, c.address, req.Amount); err != nil {
			return err
		}
		j.record("pull "+req.Token, func() error {
			if swapped {
				return nil
			}
			return c.bank.Transfer(req.Token, c.address, req.Caller, req.Amount)
		})
		got, err := c.router.Swap(c.address, req.Amount, req.Token, c.cfg.Asset, req.MinUnderlying)
		if err != nil {
			return err
		}
		swapped = true
		received = got
		j.record("swap "+req.Token, func() error {
			return c.bank.Transfer(c.cfg.Asset, c.address, req.Caller, got)
		})
		q, err := c.quoteDeposit(got)
		if err != nil {
			return err
		}
		if req.MinOut != nil && q.net.Cmp(req.MinOut) < 0 {
			return fmt.Errorf("treasury %s: mint %s < min %s: %w", c.cfg.Symbol, q.net, req.MinOut, coreerrors.ErrSlippageExceeded)
		}
		res, err = c.deposit(j, c.address, req.Recipient, got, q)
		return err
	})
	if err != nil {
		return DepositResult{}, err
	}
	c.emit(events.TreasuryDeposit{
		Asset:      c.cfg.Symbol,
		Caller:     req.Caller.String(),
		Recipient:  req.Recipient.String(),
		Referral:   req.Referral,
		Underlying: received,
		Minted:     res.Minted,
		Fee:        res.Fee,
		Buffered:   res.Buffered,
		Backend:    res.Backend,
	})
	c.logger.Info("treasury: deposit via swap",
		"token", req.Token,
		"amount", req.Amount.String(),
		"minted", res.Minted.String())
	return res, nil
}

// ExitToToken redeems rebasing units and swaps the underlying into token.
func (c *Controller) ExitToToken(ctx context.Context, req ExitRequest) (ExitResult, error) {
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == c.cfg.Asset {
		res, err := c.Withdraw(ctx, WithdrawRequest{
			Caller:    req.Caller,
			Owner:     req.Owner,
			Recipient: req.Recipient,
			Amount:    req.Amount,
			MinOut:    req.MinOut,
		})
		if err != nil {
			return ExitResult{}, err
		}
		return ExitResult{WithdrawResult: res, Token: req.Token, TokenOut: new(big.Int).Set(res.Underlying)}, nil
	}
	if req.Caller.IsZero() {
		return ExitResult{}, coreerrors.ErrInvalidAddress
	}
	if req.Owner.IsZero() {
		req.Owner = req.Caller
	}
	if req.Recipient.IsZero() {
		req.Recipient = req.Caller
	}
	if err := c.requireRouter(); err != nil {
		return ExitResult{}, err
	}
	q, err := c.quoteWithdraw(req.Amount)
	if err != nil {
		return ExitResult{}, err
	}

	var res ExitResult
	err = c.run(ctx, "exit", StatusWithdrawing, func(j *journal) error {
		wres, err := c.redeem(j, req.Caller, req.Owner, req.Amount, q, nil)
		if err != nil {
			return err
		}
		// The swap is the last fallible step and is not reversible.
		out, err := c.router.Swap(c.address, wres.Underlying, c.cfg.Asset, req.Token, req.MinOut)
		if err != nil {
			return err
		}
		res = ExitResult{WithdrawResult: wres, Token: req.Token, TokenOut: out}
		return c.pay(j, req.Token, req.Recipient, out)
	})
	if err != nil {
		return ExitResult{}, err
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
	c.logger.Info("treasury: withdraw via swap",
		"token", req.Token,
		"amount", req.Amount.String(),
		"out", res.TokenOut.String())
	return res, nil
}
