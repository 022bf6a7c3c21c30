package server

import (
	"context"
	"math/big"
	"net/http"
	"strings"

	coreerrors "vaultchain/core/errors"
	"vaultchain/native/treasury"
	"vaultchain/services/vaultd/models"
	"vaultchain/services/vaultd/reports"
)

type migratePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type migrationTogglePayload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Enabled bool   `json:"enabled"`
}

type lockPayload struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type pausePayload struct {
	Paused bool `json:"paused"`
}

type whitelistPayload struct {
	Account string `json:"account"`
	Allowed bool   `json:"allowed"`
}

type recoverPayload struct {
	Backend string `json:"backend"`
}

type faucetPayload struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// configPayload carries optional overrides; omitted fields keep their value.
type configPayload struct {
	FeeCollector    *string `json:"feeCollector,omitempty"`
	BufferReserve   *string `json:"bufferReserve,omitempty"`
	MintFeeBps      *uint64 `json:"mintFeeBps,omitempty"`
	RedeemFeeBps    *uint64 `json:"redeemFeeBps,omitempty"`
	ServiceFeeBps   *uint64 `json:"serviceFeeBps,omitempty"`
	MinDeposit      *string `json:"minDeposit,omitempty"`
	MinWithdraw     *string `json:"minWithdraw,omitempty"`
	RebaseThreshold *string `json:"rebaseThreshold,omitempty"`
	MintEnabled     *bool   `json:"mintEnabled,omitempty"`
	RedeemEnabled   *bool   `json:"redeemEnabled,omitempty"`
	WhitelistOnly   *bool   `json:"whitelistOnly,omitempty"`
}

func (p configPayload) update() (treasury.ConfigUpdate, error) {
	update := treasury.ConfigUpdate{
		MintFeeBps:    p.MintFeeBps,
		RedeemFeeBps:  p.RedeemFeeBps,
		ServiceFeeBps: p.ServiceFeeBps,
		MintEnabled:   p.MintEnabled,
		RedeemEnabled: p.RedeemEnabled,
		WhitelistOnly: p.WhitelistOnly,
	}
	if p.FeeCollector != nil {
		addr, err := parseAddress("feeCollector", *p.FeeCollector)
		if err != nil {
			return update, err
		}
		update.FeeCollector = &addr
	}
	for _, field := range []struct {
		name string
		raw  *string
		dst  **big.Int
	}{
		{"bufferReserve", p.BufferReserve, &update.BufferReserve},
		{"minDeposit", p.MinDeposit, &update.MinDeposit},
		{"minWithdraw", p.MinWithdraw, &update.MinWithdraw},
		{"rebaseThreshold", p.RebaseThreshold, &update.RebaseThreshold},
	} {
		if field.raw == nil {
			continue
		}
		v, err := parseAmount(field.name, *field.raw)
		if err != nil {
			return update, err
		}
		*field.dst = v
	}
	return update, nil
}

// requireNodeAdmin guards node level actions that have no controller check
// of their own.
func (s *Server) requireNodeAdmin(r *http.Request) error {
	if caller(r) != s.node.Admin() {
		return coreerrors.ErrNotAdmin
	}
	return nil
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload migratePayload
	if err := decode(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	from, to := strings.TrimSpace(payload.From), strings.TrimSpace(payload.To)
	if from == "" {
		if active, ok := c.ActiveBackend(); ok {
			from = active.ID()
		}
	}
	if from == "" || to == "" {
		s.writeError(w, r, inputError("from and to required"))
		return
	}
	admin := caller(r)
	res, err := submit(r.Context(), s.seq, "migrate", func(ctx context.Context) (treasury.MigrationResult, error) {
		return c.Migrate(ctx, admin, from, to)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":     c.Symbol(),
		"from":      res.From,
		"to":        res.To,
		"requested": amountString(res.Requested),
		"received":  amountString(res.Received),
		"shortfall": amountString(res.Shortfall),
		"stranded":  amountString(res.Stranded),
		"exitCost":  amountString(res.ExitCost),
		"deposited": amountString(res.Deposited),
		"buffered":  amountString(res.Buffered),
	})
}

func (s *Server) handleListMigrations(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var routes []map[string]any
	for _, from := range c.Backends() {
		for _, to := range c.Backends() {
			if from.ID() != to.ID() && c.MigrationEnabled(from.ID(), to.ID()) {
				routes = append(routes, map[string]any{"from": from.ID(), "to": to.ID()})
			}
		}
	}
	out := map[string]any{"asset": c.Symbol(), "enabled": routes}
	if s.history != nil {
		records, err := models.Migrations(r.Context(), s.history, c.Symbol())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out["history"] = records
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetMigration(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload migrationTogglePayload
	if err := decode(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	admin := caller(r)
	if _, err := submit(r.Context(), s.seq, "set-migration", func(context.Context) (struct{}, error) {
		return struct{}{}, c.SetMigrationEnabled(admin, strings.TrimSpace(payload.From), strings.TrimSpace(payload.To), payload.Enabled)
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":   c.Symbol(),
		"from":    payload.From,
		"to":      payload.To,
		"enabled": payload.Enabled,
	})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	s.lockOrUnlock(w, r, false)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	s.lockOrUnlock(w, r, true)
}

func (s *Server) lockOrUnlock(w http.ResponseWriter, r *http.Request, release bool) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload lockPayload
	if err := decode(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := parseAddress("account", payload.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", payload.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	admin := caller(r)
	name, op := "lock", c.Lock
	if release {
		name, op = "unlock", c.Unlock
	}
	if _, err := submit(r.Context(), s.seq, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx, admin, account, amount)
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":   c.Symbol(),
		"account": account.String(),
		"locked":  amountString(c.LockedBalanceOf(account)),
		"free":    amountString(c.FreeBalanceOf(account)),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireNodeAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload pausePayload
	if err := decode(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := submit(r.Context(), s.seq, "pause", func(context.Context) (struct{}, error) {
		return struct{}{}, s.node.SetPaused(c.Symbol(), payload.Paused)
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("vaultd: pause updated", "asset", c.Symbol(), "paused", payload.Paused)
	writeJSON(w, http.StatusOK, map[string]any{"asset": c.Symbol(), "paused": payload.Paused})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload configPayload
	if err := decode(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	update, err := payload.update()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	admin := caller(r)
	if _, err := submit(r.Context(), s.seq, "config", func(context.Context) (treasury.Config, error) {
		return c.UpdateConfig(admin, update)
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.assetView(c))
}

func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload whitelistPayload
	if err := decode(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := parseAddress("account", payload.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	admin := caller(r)
	if _, err := submit(r.Context(), s.seq, "whitelist", func(context.Context) (struct{}, error) {
		return struct{}{}, c.SetWhitelisted(admin, account, payload.Allowed)
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": c.Symbol(), "account": account.String(), "allowed": payload.Allowed})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload recoverPayload
	if err := decode(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	backend := strings.TrimSpace(payload.Backend)
	if backend == "" {
		s.writeError(w, r, inputError("backend required"))
		return
	}
	admin := caller(r)
	recovered, err := submit(r.Context(), s.seq, "recover", func(ctx context.Context) (*big.Int, error) {
		return c.RecoverStranded(ctx, admin, backend)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":     c.Symbol(),
		"backend":   backend,
		"recovered": amountString(recovered),
		"stranded":  amountString(c.Stranded(backend)),
	})
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	if err := s.requireNodeAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload faucetPayload
	if err := decode(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	asset := strings.TrimSpace(payload.Asset)
	if asset == "" {
		s.writeError(w, r, inputError("asset required"))
		return
	}
	account, err := parseAddress("account", payload.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", payload.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := submit(r.Context(), s.seq, "faucet", func(context.Context) (struct{}, error) {
		return struct{}{}, s.node.Faucet(asset, account, amount)
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":   asset,
		"account": account.String(),
		"balance": amountString(s.node.Bank().BalanceOf(asset, account)),
	})
}

func (s *Server) handleYieldReport(w http.ResponseWriter, r *http.Request) {
	if err := s.requireNodeAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(s.cfg.ReportsDir) == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "reports directory not configured"})
		return
	}
	// Snapshot through the sequencer so every asset is read between commands.
	now := s.now()
	rows, err := submit(r.Context(), s.seq, "yield-report", func(context.Context) ([]reports.Row, error) {
		return reports.Collect(s.node.Directory().Controllers(), now), nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	parquetPath, csvPath, err := reports.Export(s.cfg.ReportsDir, rows, now)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("vaultd: yield report written", "path", parquetPath, "rows", len(rows))
	writeJSON(w, http.StatusOK, map[string]any{"parquet": parquetPath, "csv": csvPath, "rows": len(rows)})
}

