package treasury

import (
	"context"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	coreerrors "vaultchain/core/errors"
	"vaultchain/core/events"
	"vaultchain/crypto"
)

// DepositRequest moves underlying into the controller in exchange for
// rebasing units.
type DepositRequest struct {
	Caller crypto.Address
	// Recipient receives the minted units; zero means the caller.
	Recipient crypto.Address
	// Amount is in underlying units.
	Amount *big.Int
	// MinOut is the minimum rebasing units the recipient accepts.
	MinOut   *big.Int
	Referral string
}

// DepositResult reports how a deposit was split.
type DepositResult struct {
	Minted   *big.Int
	Fee      *big.Int
	Buffered *big.Int
	Deployed *big.Int
	Backend  string
}

// depositQuote is the fee and normalisation applied to an underlying amount.
type depositQuote struct {
	gross *big.Int
	fee   *big.Int
	net   *big.Int
}

func (c *Controller) quoteDeposit(amount *big.Int) (depositQuote, error) {
	if err := validateAmount(amount); err != nil {
		return depositQuote{}, err
	}
	cfg := c.Config()
	if !cfg.MintEnabled {
		return depositQuote{}, fmt.Errorf("treasury %s: %w", cfg.Symbol, coreerrors.ErrMintDisabled)
	}
	if amount.Cmp(cfg.MinDeposit) < 0 {
		return depositQuote{}, fmt.Errorf("treasury %s: deposit %s < %s: %w", cfg.Symbol, amount, cfg.MinDeposit, coreerrors.ErrBelowMinimum)
	}
	gross := c.scale.toFi(amount)
	fee := bpsOf(gross, cfg.MintFeeBps)
	net := new(big.Int).Sub(gross, fee)
	if net.Sign() == 0 {
		return depositQuote{}, fmt.Errorf("treasury %s: deposit %s: %w", cfg.Symbol, amount, coreerrors.ErrDustAmount)
	}
	return depositQuote{gross: gross, fee: fee, net: net}, nil
}

// EstimateDeposit returns the rebasing units and fee a deposit of amount would
// mint right now.
func (c *Controller) EstimateDeposit(amount *big.Int) (minted, fee *big.Int, err error) {
	q, err := c.quoteDeposit(amount)
	if err != nil {
		return nil, nil, err
	}
	return q.net, q.fee, nil
}

// Deposit pulls underlying from the caller, tops up the liquid buffer,
// deploys the remainder to the active backend and mints rebasing units.
func (c *Controller) Deposit(ctx context.Context, req DepositRequest) (DepositResult, error) {
	if req.Caller.IsZero() {
		return DepositResult{}, coreerrors.ErrInvalidAddress
	}
	if req.Recipient.IsZero() {
		req.Recipient = req.Caller
	}
	if err := c.checkWhitelist(req.Caller); err != nil {
		return DepositResult{}, err
	}
	q, err := c.quoteDeposit(req.Amount)
	if err != nil {
		return DepositResult{}, err
	}
	if req.MinOut != nil && q.net.Cmp(req.MinOut) < 0 {
		return DepositResult{}, fmt.Errorf("treasury %s: mint %s < min %s: %w", c.cfg.Symbol, q.net, req.MinOut, coreerrors.ErrSlippageExceeded)
	}

	var res DepositResult
	err = c.run(ctx, "deposit", StatusDepositing, func(j *journal) error {
		var err error
		res, err = c.deposit(j, req.Caller, req.Recipient, req.Amount, q)
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
		Underlying: new(big.Int).Set(req.Amount),
		Minted:     res.Minted,
		Fee:        res.Fee,
		Buffered:   res.Buffered,
		Backend:    res.Backend,
	})
	c.logger.Info("treasury: deposit",
		"backend", res.Backend,
		"amount", req.Amount.String(),
		"minted", res.Minted.String())
	return res, nil
}

// deposit runs inside an open operation. amount must already sit with from
// or, when from is the controller, in the buffer.
func (c *Controller) deposit(j *journal, from, recipient crypto.Address, amount *big.Int, q depositQuote) (DepositResult, error) {
	backend, err := c.activeBackend()
	if err != nil {
		return DepositResult{}, err
	}
	bufferBefore := c.Buffer()
	if from != c.address {
		if err := c.pull(j, c.cfg.Asset, from, amount); err != nil {
			return DepositResult{}, err
		}
	} else {
		bufferBefore.Sub(bufferBefore, amount)
	}
	buffered := minBig(c.bufferRoom(bufferBefore), amount)
	deployed := new(big.Int).Sub(amount, buffered)
	if err := c.place(j, backend, deployed); err != nil {
		return DepositResult{}, err
	}
	if err := c.ledger.Mint(c.address, recipient, q.net); err != nil {
		return DepositResult{}, err
	}
	if q.fee.Sign() > 0 {
		if err := c.ledger.Mint(c.address, c.Config().FeeCollector, q.fee); err != nil {
			return DepositResult{}, err
		}
	}
	return DepositResult{
		Minted:   new(big.Int).Set(q.net),
		Fee:      new(big.Int).Set(q.fee),
		Buffered: buffered,
		Deployed: deployed,
		Backend:  backend.ID(),
	}, nil
}

func (c *Controller) checkWhitelist(caller crypto.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.WhitelistOnly && !c.whitelist[caller] {
		return fmt.Errorf("treasury %s: %s: %w", c.cfg.Symbol, caller, coreerrors.ErrNotWhitelisted)
	}
	return nil
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return coreerrors.ErrZeroAmount
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return coreerrors.ErrAmountOverflow
	}
	return nil
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
