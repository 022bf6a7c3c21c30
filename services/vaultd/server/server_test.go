package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"nhooyr.io/websocket"

	"vaultchain/config"
	coreerrors "vaultchain/core/errors"
	"vaultchain/crypto"
	"vaultchain/services/vaultd/idempotency"
	"vaultchain/services/vaultd/middleware"
	"vaultchain/services/vaultd/models"
	"vaultchain/services/vaultd/node"
	"vaultchain/storage"
)

const testSecret = "vaultd-test-secret"

func addr(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = b
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

type harness struct {
	srv     *Server
	handler http.Handler
	node    *node.Node
	history *gorm.DB
	state   storage.Database
	admin   crypto.Address
	user    crypto.Address
	reports string
}

func testGenesis(admin, user crypto.Address) *config.Genesis {
	return &config.Genesis{
		Admin:            admin.String(),
		BlockTimeSeconds: 1,
		Assets: []config.AssetGenesis{{
			Symbol:        "fiUSDC",
			Asset:         "USDC",
			Decimals:      6,
			BufferReserve: "100000000",
			MintFeeBps:    10,
			Backends: []config.BackendGenesis{
				{ID: "usdc-mock", Kind: config.BackendMock},
				{ID: "usdc-reserve", Kind: config.BackendMock},
			},
			Active:     "usdc-mock",
			Migrations: []config.MigrationGenesis{{From: "usdc-mock", To: "usdc-reserve"}},
		}},
		Balances: []config.BalanceGenesis{{Account: user.String(), Asset: "USDC", Amount: "5000000000"}},
	}
}

func newHarness(t *testing.T, limits map[string]middleware.RateLimit) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	history, err := models.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)

	admin, user := addr(0xA0), addr(1)
	recorder := models.NewRecorder(history, logger)
	n, err := node.Build(testGenesis(admin, user), node.Options{
		Logger:  logger,
		Emitter: recorder,
	})
	require.NoError(t, err)

	store, err := idempotency.NewStore(filepath.Join(t.TempDir(), "idempotency.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	state := storage.NewMemDB()
	reportsDir := filepath.Join(t.TempDir(), "reports")
	srv, err := New(Config{
		ListenAddress:  ":0",
		ReportsDir:     reportsDir,
		IdempotencyTTL: time.Hour,
	}, Deps{
		Node:        n,
		State:       state,
		History:     history,
		Feed:        recorder,
		Idempotency: store,
		Auth:        middleware.NewAuthenticator(middleware.AuthConfig{HMACSecret: testSecret}, logger),
		Limits:      limits,
		Logger:      logger,
	})
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return &harness{
		srv:     srv,
		handler: srv.Handler(),
		node:    n,
		history: history,
		state:   state,
		admin:   admin,
		user:    user,
		reports: reportsDir,
	}
}

func (h *harness) token(t *testing.T, subject crypto.Address, scopes ...string) string {
	t.Helper()
	token, err := middleware.IssueToken(testSecret, subject, scopes, "", "", time.Hour, time.Now())
	require.NoError(t, err)
	return token
}

func (h *harness) do(t *testing.T, method, path, token, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestDepositWithdrawFlow(t *testing.T) {
	h := newHarness(t, nil)
	userToken := h.token(t, h.user)

	rec := h.do(t, http.MethodGet, "/v1/assets/fiUSDC/estimate/deposit?amount=1000000000", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	estimate := decodeBody(t, rec)

	rec = h.do(t, http.MethodPost, "/v1/assets/fiUSDC/deposit", userToken, `{"amount":"1000000000","referral":"friend"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	deposit := decodeBody(t, rec)
	require.Equal(t, estimate["minted"], deposit["minted"])
	require.Equal(t, "100000000", deposit["buffered"])
	require.Equal(t, "usdc-mock", deposit["backend"])

	rec = h.do(t, http.MethodGet, "/v1/assets/fiUSDC/accounts/"+h.user.String(), "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	account := decodeBody(t, rec)
	require.Equal(t, deposit["minted"], account["balance"])
	require.Equal(t, "4000000000", account["underlying"])

	rec = h.do(t, http.MethodPost, "/v1/assets/fiUSDC/withdraw", userToken, `{"amount":"1000000000000000000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "1000000", decodeBody(t, rec)["underlying"])

	rec = h.do(t, http.MethodGet, "/v1/assets/fiUSDC/history?account="+h.user.String(), "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Operations []models.Operation `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Operations, 2)
	kinds := map[string]models.Operation{}
	for _, op := range history.Operations {
		kinds[op.Kind] = op
	}
	require.Contains(t, kinds, models.KindWithdraw)
	require.Equal(t, "friend", kinds[models.KindDeposit].Referral)

	// Every successful command is checkpointed.
	restored, err := node.Build(testGenesis(h.admin, h.user), node.Options{})
	require.NoError(t, err)
	ok, err := restored.Restore(h.state)
	require.NoError(t, err)
	require.True(t, ok)
	ctrl, err := restored.Directory().Lookup("fiUSDC")
	require.NoError(t, err)
	live, err := h.node.Directory().Lookup("fiUSDC")
	require.NoError(t, err)
	require.Equal(t, live.BalanceOf(h.user).String(), ctrl.BalanceOf(h.user).String())
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t, nil)
	userToken := h.token(t, h.user)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{"unknown asset", http.MethodGet, "/v1/assets/fiXYZ", "", "", http.StatusNotFound},
		{"missing token", http.MethodPost, "/v1/assets/fiUSDC/deposit", "", `{"amount":"1"}`, http.StatusUnauthorized},
		{"zero amount", http.MethodPost, "/v1/assets/fiUSDC/deposit", userToken, `{"amount":"0"}`, http.StatusBadRequest},
		{"bad amount", http.MethodPost, "/v1/assets/fiUSDC/deposit", userToken, `{"amount":"-5"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/assets/fiUSDC/deposit", userToken, `{"amt":"5"}`, http.StatusBadRequest},
		{"slippage", http.MethodPost, "/v1/assets/fiUSDC/deposit", userToken, `{"amount":"1000000","minOut":"1000000000000000000000"}`, http.StatusConflict},
		{"overdraw", http.MethodPost, "/v1/assets/fiUSDC/withdraw", userToken, `{"amount":"1"}`, http.StatusBadRequest},
		{"bad address", http.MethodGet, "/v1/assets/fiUSDC/accounts/nope", "", "", http.StatusBadRequest},
		{"admin scope", http.MethodPost, "/admin/assets/fiUSDC/pause", userToken, `{"paused":true}`, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, tc.method, tc.path, tc.token, tc.body)
			require.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		coreerrors.ErrZeroAmount:            http.StatusBadRequest,
		coreerrors.ErrNotAdmin:              http.StatusForbidden,
		coreerrors.ErrSlippageExceeded:      http.StatusConflict,
		coreerrors.ErrInsufficientLiquidity: http.StatusConflict,
		coreerrors.ErrStrategyUnavailable:   http.StatusServiceUnavailable,
		coreerrors.ErrReentrant:             http.StatusConflict,
		coreerrors.ErrPaused:                http.StatusServiceUnavailable,
		coreerrors.ErrUnknownAsset:          http.StatusNotFound,
		context.Canceled:                    http.StatusServiceUnavailable,
		errors.New("boom"):                  http.StatusInternalServerError,
	}
	for err, want := range cases {
		require.Equal(t, want, statusFor(fmt.Errorf("wrapped: %w", err)), err.Error())
	}
}

func TestAdminRoutes(t *testing.T) {
	h := newHarness(t, nil)
	userToken := h.token(t, h.user)
	adminToken := h.token(t, h.admin, "admin")
	impostor := h.token(t, h.user, "admin")

	rec := h.do(t, http.MethodPost, "/v1/assets/fiUSDC/deposit", userToken, `{"amount":"2000000000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The admin scope alone is not enough; the subject must be the admin.
	rec = h.do(t, http.MethodPost, "/admin/assets/fiUSDC/pause", impostor, `{"paused":true}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.do(t, http.MethodPost, "/admin/assets/fiUSDC/lock", impostor, `{"account":"`+h.user.String()+`","amount":"1"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/admin/assets/fiUSDC/pause", adminToken, `{"paused":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPost, "/v1/assets/fiUSDC/deposit", userToken, `{"amount":"1000000"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = h.do(t, http.MethodGet, "/v1/assets/fiUSDC", "", "")
	require.Equal(t, true, decodeBody(t, rec)["paused"])
	rec = h.do(t, http.MethodPost, "/admin/assets/fiUSDC/pause", adminToken, `{"paused":false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/admin/assets/fiUSDC/lock", adminToken, `{"account":"`+h.user.String()+`","amount":"1000000000000000000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "1000000000000000000", decodeBody(t, rec)["locked"])
	rec = h.do(t, http.MethodPost, "/admin/assets/fiUSDC/unlock", adminToken, `{"account":"`+h.user.String()+`","amount":"1000000000000000000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/admin/assets/fiUSDC/config", adminToken, `{"redeemFeeBps":25,"minDeposit":"5000000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cfg := decodeBody(t, rec)
	require.EqualValues(t, 25, cfg["redeemFeeBps"])
	require.Equal(t, "5000000", cfg["minDeposit"])
	rec = h.do(t, http.MethodPost, "/admin/assets/fiUSDC/config", adminToken, `{"mintFeeBps":20000}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/admin/assets/fiUSDC/migrate", adminToken, `{"to":"usdc-reserve"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	migration := decodeBody(t, rec)
	require.Equal(t, "usdc-mock", migration["from"])
	require.Equal(t, "0", migration["shortfall"])
	rec = h.do(t, http.MethodGet, "/v1/assets/fiUSDC", "", "")
	require.Equal(t, "usdc-reserve", decodeBody(t, rec)["activeBackend"])

	rec = h.do(t, http.MethodGet, "/admin/assets/fiUSDC/migrations", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var migrations struct {
		History []models.MigrationRecord `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &migrations))
	require.Len(t, migrations.History, 1)

	rec = h.do(t, http.MethodPost, "/admin/assets/fiUSDC/recover", adminToken, `{"backend":"usdc-mock"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "0", decodeBody(t, rec)["recovered"])

	rec = h.do(t, http.MethodPost, "/admin/faucet", adminToken, `{"asset":"USDC","account":"`+h.user.String()+`","amount":"7"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "3000000007", decodeBody(t, rec)["balance"])

	rec = h.do(t, http.MethodPost, "/admin/reports/yield", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody(t, rec)
	require.EqualValues(t, 2, report["rows"])
	_, err := os.Stat(report["parquet"].(string))
	require.NoError(t, err)
}

func TestIdempotentDepositReplays(t *testing.T) {
	h := newHarness(t, nil)
	userToken := h.token(t, h.user)
	body := `{"amount":"1000000"}`

	first := h.do(t, http.MethodPost, "/v1/assets/fiUSDC/deposit", userToken, body, idempotency.HeaderKey, "dep-1")
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := h.do(t, http.MethodPost, "/v1/assets/fiUSDC/deposit", userToken, body, idempotency.HeaderKey, "dep-1")
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, first.Body.String(), second.Body.String())
	require.Equal(t, "true", second.Header().Get("Idempotent-Replay"))

	conflict := h.do(t, http.MethodPost, "/v1/assets/fiUSDC/deposit", userToken, `{"amount":"2000000"}`, idempotency.HeaderKey, "dep-1")
	require.Equal(t, http.StatusConflict, conflict.Code)

	require.Equal(t, "4999000000", h.node.Bank().BalanceOf("USDC", h.user).String())
}

func TestRebaseIsAnonymousAndRateLimited(t *testing.T) {
	h := newHarness(t, map[string]middleware.RateLimit{"rebase": {RequestsPerMinute: 1, Burst: 1}})
	userToken := h.token(t, h.user)
	rec := h.do(t, http.MethodPost, "/v1/assets/fiUSDC/deposit", userToken, `{"amount":"1000000000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/v1/assets/fiUSDC/rebase", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, decodeBody(t, rec)["skipped"])

	rec = h.do(t, http.MethodPost, "/v1/assets/fiUSDC/rebase", "", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeBody(t, rec)["status"])

	h.do(t, http.MethodGet, "/v1/assets", "", "")
	rec = h.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "vaultchain_vaultd_requests_total")
}

func TestAdvanceThroughSequencer(t *testing.T) {
	h := newHarness(t, nil)
	height, err := submit(context.Background(), h.srv.seq, "advance", h.srv.advance)
	require.NoError(t, err)
	require.Equal(t, uint64(1), height)
	require.Equal(t, uint64(1), h.node.Height())

	h.srv.Close()
	_, err = submit(context.Background(), h.srv.seq, "advance", h.srv.advance)
	require.ErrorIs(t, err, errSequencerStopped)
}

func readStream(t *testing.T, ctx context.Context, conn *websocket.Conn, kind string) streamMessage {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg streamMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, "fiUSDC", msg.Operation.Asset)
		require.Equal(t, msg.Operation.Cursor(), msg.Cursor)
		if kind == "" || msg.Operation.Kind == kind {
			return msg
		}
	}
}

func TestEventsWebsocketStreamsBacklogThenLive(t *testing.T) {
	h := newHarness(t, nil)
	userToken := h.token(t, h.user)
	rec := h.do(t, http.MethodPost, "/v1/assets/fiUSDC/deposit", userToken, `{"amount":"1000000000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/v1/assets/fiUSDC/events/ws?cursor=yesterday", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	ts := httptest.NewServer(h.handler)
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/assets/fiUSDC/events/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	backlog := readStream(t, ctx, conn, models.KindDeposit)
	require.Equal(t, h.user.String(), backlog.Operation.Account)

	rec = h.do(t, http.MethodPost, "/v1/assets/fiUSDC/withdraw", userToken, `{"amount":"1000000000000000000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	live := readStream(t, ctx, conn, models.KindWithdraw)
	require.Equal(t, "1000000", live.Operation.Underlying)
	require.True(t, live.Operation.CreatedAt.After(backlog.Operation.CreatedAt))

	resumed, _, err := websocket.Dial(ctx, wsURL+"?cursor="+url.QueryEscape(backlog.Cursor), nil)
	require.NoError(t, err)
	defer resumed.Close(websocket.StatusNormalClosure, "")
	next := readStream(t, ctx, resumed, "")
	require.NotEqual(t, backlog.Operation.ID, next.Operation.ID)
	require.True(t, next.Operation.CreatedAt.After(backlog.Operation.CreatedAt))
}
