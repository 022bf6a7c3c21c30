package server

import (
	"context"
	"math/big"
	"net/http"
	"strings"

	"vaultchain/native/treasury"
)

type depositPayload struct {
	Amount    string `json:"amount"`
	Recipient string `json:"recipient,omitempty"`
	MinOut    string `json:"minOut,omitempty"`
	Referral  string `json:"referral,omitempty"`
}

type withdrawPayload struct {
	Amount    string `json:"amount"`
	Owner     string `json:"owner,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	MinOut    string `json:"minOut,omitempty"`
}

type approvePayload struct {
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type transferPayload struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type enterPayload struct {
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	Recipient     string `json:"recipient,omitempty"`
	MinUnderlying string `json:"minUnderlying,omitempty"`
	MinOut        string `json:"minOut,omitempty"`
	Referral      string `json:"referral,omitempty"`
}

type exitPayload struct {
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Owner     string `json:"owner,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	MinOut    string `json:"minOut,omitempty"`
}

func depositJSON(c *treasury.Controller, res treasury.DepositResult, recipient string) map[string]string {
	return map[string]string{
		"asset":     c.Symbol(),
		"recipient": recipient,
		"minted":    amountString(res.Minted),
		"fee":       amountString(res.Fee),
		"buffered":  amountString(res.Buffered),
		"deployed":  amountString(res.Deployed),
		"backend":   res.Backend,
	}
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload depositPayload
	if err := decode(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	req := treasury.DepositRequest{Caller: caller(r), Referral: strings.TrimSpace(payload.Referral)}
	if req.Amount, err = parseAmount("amount", payload.Amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Recipient, err = parseOptionalAddress("recipient", payload.Recipient, req.Caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.MinOut, err = parseOptionalAmount("minOut", payload.MinOut); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := submit(r.Context(), s.seq, "deposit", func(ctx context.Context) (treasury.DepositResult, error) {
		return c.Deposit(ctx, req)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, depositJSON(c, res, req.Recipient.String()))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload withdrawPayload
	if err := decode(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	req := treasury.WithdrawRequest{Caller: caller(r)}
	if req.Amount, err = parseAmount("amount", payload.Amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Owner, err = parseOptionalAddress("owner", payload.Owner, req.Caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Recipient, err = parseOptionalAddress("recipient", payload.Recipient, req.Caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.MinOut, err = parseOptionalAmount("minOut", payload.MinOut); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := submit(r.Context(), s.seq, "withdraw", func(ctx context.Context) (treasury.WithdrawResult, error) {
		return c.Withdraw(ctx, req)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":       c.Symbol(),
		"burned":      amountString(res.Burned),
		"fee":         amountString(res.Fee),
		"underlying":  amountString(res.Underlying),
		"fromBuffer":  amountString(res.FromBuffer),
		"fromBackend": amountString(res.FromBackend),
		"exitCost":    amountString(res.ExitCost),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload approvePayload
	if err := decode(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	spender, err := parseAddress("spender", payload.Spender)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAllowance(payload.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	owner := caller(r)
	if _, err := submit(r.Context(), s.seq, "approve", func(context.Context) (struct{}, error) {
		return struct{}{}, c.Approve(owner, spender, amount)
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":     c.Symbol(),
		"owner":     owner.String(),
		"spender":   spender.String(),
		"allowance": amountString(c.Ledger().Allowance(owner, spender)),
	})
}

// config0 parses an allowance, where zero revokes.
func parseAllowance(raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return big.NewInt(0), nil
	}
	return parseAmount("amount", raw)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload transferPayload
	if err := decode(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	sender := caller(r)
	from, err := parseOptionalAddress("from", payload.From, sender)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseAddress("to", payload.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", payload.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := submit(r.Context(), s.seq, "transfer", func(context.Context) (struct{}, error) {
		if from == sender {
			return struct{}{}, c.Transfer(sender, to, amount)
		}
		return struct{}{}, c.TransferFrom(sender, from, to, amount)
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":  c.Symbol(),
		"from":   from.String(),
		"to":     to.String(),
		"amount": amount.String(),
	})
}

func (s *Server) handleEnter(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload enterPayload
	if err := decode(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	req := treasury.EnterRequest{
		Caller:   caller(r),
		Token:    strings.TrimSpace(payload.Token),
		Referral: strings.TrimSpace(payload.Referral),
	}
	if req.Token == "" {
		s.writeError(w, r, inputError("token required"))
		return
	}
	if req.Amount, err = parseAmount("amount", payload.Amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Recipient, err = parseOptionalAddress("recipient", payload.Recipient, req.Caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.MinUnderlying, err = parseOptionalAmount("minUnderlying", payload.MinUnderlying); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.MinOut, err = parseOptionalAmount("minOut", payload.MinOut); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := submit(r.Context(), s.seq, "enter", func(ctx context.Context) (treasury.DepositResult, error) {
		return c.EnterWithToken(ctx, req)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, depositJSON(c, res, req.Recipient.String()))
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload exitPayload
	if err := decode(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	req := treasury.ExitRequest{Caller: caller(r), Token: strings.TrimSpace(payload.Token)}
	if req.Token == "" {
		s.writeError(w, r, inputError("token required"))
		return
	}
	if req.Amount, err = parseAmount("amount", payload.Amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Owner, err = parseOptionalAddress("owner", payload.Owner, req.Caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Recipient, err = parseOptionalAddress("recipient", payload.Recipient, req.Caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.MinOut, err = parseOptionalAmount("minOut", payload.MinOut); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := submit(r.Context(), s.seq, "exit", func(ctx context.Context) (treasury.ExitResult, error) {
		return c.ExitToToken(ctx, req)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":    c.Symbol(),
		"token":    res.Token,
		"tokenOut": amountString(res.TokenOut),
		"burned":   amountString(res.Burned),
		"fee":      amountString(res.Fee),
	})
}

func (s *Server) handleRebase(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	who := caller(r)
	res, err := submit(r.Context(), s.seq, "rebase", func(ctx context.Context) (treasury.RebaseResult, error) {
		return c.Rebase(ctx, who)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := map[string]any{
		"asset":       c.Symbol(),
		"backend":     res.Backend,
		"assets":      amountString(res.Assets),
		"gross":       amountString(res.Gross),
		"fee":         amountString(res.Fee),
		"distributed": amountString(res.Distributed),
		"supplyAfter": amountString(res.SupplyAfter),
		"skipped":     res.Skipped,
	}
	if res.Harvest != nil {
		out["harvest"] = map[string]any{
			"rewardIn":   amountString(res.Harvest.RewardIn),
			"reinvested": amountString(res.Harvest.Reinvested),
			"skipped":    res.Harvest.Skipped,
		}
	}
	writeJSON(w, http.StatusOK, out)
}
