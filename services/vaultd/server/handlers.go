package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"vaultchain/crypto"
	"vaultchain/native/treasury"
	"vaultchain/services/vaultd/middleware"
	"vaultchain/services/vaultd/models"
)

type assetView struct {
	Symbol          string   `json:"symbol"`
	Asset           string   `json:"asset"`
	Decimals        uint8    `json:"decimals"`
	Address         string   `json:"address"`
	Status          string   `json:"status"`
	Paused          bool     `json:"paused"`
	ActiveBackend   string   `json:"activeBackend,omitempty"`
	Backends        []string `json:"backends"`
	Supply          string   `json:"supply"`
	Buffer          string   `json:"buffer"`
	TotalAssets     string   `json:"totalAssets"`
	MintFeeBps      uint64   `json:"mintFeeBps"`
	RedeemFeeBps    uint64   `json:"redeemFeeBps"`
	ServiceFeeBps   uint64   `json:"serviceFeeBps"`
	BufferReserve   string   `json:"bufferReserve"`
	MinDeposit      string   `json:"minDeposit"`
	MinWithdraw     string   `json:"minWithdraw"`
	RebaseThreshold string   `json:"rebaseThreshold"`
	MintEnabled     bool     `json:"mintEnabled"`
	RedeemEnabled   bool     `json:"redeemEnabled"`
	WhitelistOnly   bool     `json:"whitelistOnly"`
	FeeCollector    string   `json:"feeCollector"`

	Stranded map[string]string `json:"stranded,omitempty"`
}

func (s *Server) assetView(c *treasury.Controller) assetView {
	cfg := c.Config()
	view := assetView{
		Symbol:          c.Symbol(),
		Asset:           c.Asset(),
		Decimals:        c.Decimals(),
		Address:         c.Address().String(),
		Status:          c.Status().String(),
		Paused:          s.node.Pauses().IsPaused(c.ModuleName()),
		Supply:          amountString(c.Ledger().TotalSupply()),
		Buffer:          amountString(c.Buffer()),
		MintFeeBps:      cfg.MintFeeBps,
		RedeemFeeBps:    cfg.RedeemFeeBps,
		ServiceFeeBps:   cfg.ServiceFeeBps,
		BufferReserve:   amountString(cfg.BufferReserve),
		MinDeposit:      amountString(cfg.MinDeposit),
		MinWithdraw:     amountString(cfg.MinWithdraw),
		RebaseThreshold: amountString(cfg.RebaseThreshold),
		MintEnabled:     cfg.MintEnabled,
		RedeemEnabled:   cfg.RedeemEnabled,
		WhitelistOnly:   cfg.WhitelistOnly,
		FeeCollector:    cfg.FeeCollector.String(),
	}
	if active, ok := c.ActiveBackend(); ok {
		view.ActiveBackend = active.ID()
	}
	for _, b := range c.Backends() {
		view.Backends = append(view.Backends, b.ID())
		if stranded := c.Stranded(b.ID()); stranded != nil && stranded.Sign() > 0 {
			if view.Stranded == nil {
				view.Stranded = make(map[string]string)
			}
			view.Stranded[b.ID()] = stranded.String()
		}
	}
	if total, err := c.TotalAssets(); err == nil {
		view.TotalAssets = total.String()
	} else {
		s.logger.Warn("vaultd: total assets unavailable", "asset", c.Symbol(), "error", err)
	}
	return view
}

func (s *Server) controller(r *http.Request) (*treasury.Controller, error) {
	return s.node.Directory().Lookup(chi.URLParam(r, "asset"))
}

// caller returns the authenticated subject. Routes that reach it sit behind
// Require, so the zero address is only seen by anonymous rebases.
func caller(r *http.Request) crypto.Address {
	subject, _ := middleware.SubjectFromContext(r.Context())
	return subject
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	controllers := s.node.Directory().Controllers()
	out := make([]assetView, 0, len(controllers))
	for _, c := range controllers {
		out = append(out, s.assetView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": out, "height": s.node.Height()})
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.assetView(c))
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	h := c.Ledger().Holding(addr)
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":       c.Symbol(),
		"account":     addr.String(),
		"balance":     amountString(h.Balance),
		"free":        amountString(h.Free),
		"locked":      amountString(h.Locked),
		"principal":   amountString(h.Principal),
		"yield":       amountString(h.Yield),
		"underlying":  amountString(s.node.Bank().BalanceOf(c.Asset(), addr)),
		"whitelisted": c.Whitelisted(addr),
	})
}

func (s *Server) handleEstimateDeposit(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", r.URL.Query().Get("amount"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	minted, fee, err := c.EstimateDeposit(amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"minted": amountString(minted), "fee": amountString(fee)})
}

func (s *Server) handleEstimateWithdraw(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", r.URL.Query().Get("amount"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	underlying, fee, err := c.EstimateWithdraw(amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"underlying": amountString(underlying), "fee": amountString(fee)})
}

func (s *Server) handleEstimateEnter(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		s.writeError(w, r, inputError("token required"))
		return
	}
	amount, err := parseAmount("amount", r.URL.Query().Get("amount"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	minted, fee, err := c.EstimateEnter(token, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"minted": amountString(minted), "fee": amountString(fee)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history store not configured"})
		return
	}
	account := strings.TrimSpace(r.URL.Query().Get("account"))
	if account != "" {
		addr, err := parseAddress("account", account)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		account = addr.String()
	}
	ops, err := models.History(r.Context(), s.history, c.Symbol(), account, parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": c.Symbol(), "operations": ops})
}

func (s *Server) handleRebases(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history store not configured"})
		return
	}
	records, err := models.Rebases(r.Context(), s.history, c.Symbol(), parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": c.Symbol(), "rebases": records})
}
