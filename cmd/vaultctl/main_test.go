package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"vaultchain/crypto"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type captured struct {
	method string
	path   string
	query  string
	auth   string
	key    string
	body   map[string]any
}

func stubAPI(t *testing.T, status int, response string) *captured {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.EscapedPath()
		got.query = r.URL.RawQuery
		got.auth = r.Header.Get("Authorization")
		got.key = r.Header.Get("Idempotency-Key")
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			if err := json.Unmarshal(data, &got.body); err != nil {
				t.Errorf("decode body: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	original := apiEndpoint
	apiEndpoint = srv.URL
	t.Cleanup(func() { apiEndpoint = original })
	return got
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestDepositSendsPayloadAndIdempotencyKey(t *testing.T) {
	got := stubAPI(t, http.StatusOK, `{"minted":"999000000000000000000"}`)
	t.Setenv(tokenEnv, "env-token")

	code, stdout, stderr := runCLI("deposit", "fiUSDC", "-amount", "1000e6", "-min-out", "1", "-referral", "promo")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if got.method != http.MethodPost || got.path != "/v1/assets/fiUSDC/deposit" {
		t.Fatalf("unexpected request %s %s", got.method, got.path)
	}
	if got.auth != "Bearer env-token" {
		t.Fatalf("unexpected auth header %q", got.auth)
	}
	if got.key == "" {
		t.Fatalf("expected a generated idempotency key")
	}
	if got.body["amount"] != "1000e6" || got.body["minOut"] != "1" || got.body["referral"] != "promo" {
		t.Fatalf("unexpected body %v", got.body)
	}
	if _, ok := got.body["recipient"]; ok {
		t.Fatalf("empty recipient should be omitted")
	}
	if !strings.Contains(stdout, `"minted": "999000000000000000000"`) {
		t.Fatalf("unexpected output %q", stdout)
	}
}

func TestExplicitTokenAndKeyOverrideDefaults(t *testing.T) {
	got := stubAPI(t, http.StatusOK, `{}`)
	t.Setenv(tokenEnv, "env-token")

	code, _, stderr := runCLI("withdraw", "fiUSDC", "-amount", "5", "-token", "flag-token", "-idempotency-key", "w-1")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if got.auth != "Bearer flag-token" || got.key != "w-1" {
		t.Fatalf("unexpected headers auth=%q key=%q", got.auth, got.key)
	}
}

func TestQueriesUseGet(t *testing.T) {
	got := stubAPI(t, http.StatusOK, `[]`)

	if code, _, stderr := runCLI("history", "fiUSDC", "-account", "vc1abc", "-limit", "5"); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if got.method != http.MethodGet || got.path != "/v1/assets/fiUSDC/history" {
		t.Fatalf("unexpected request %s %s", got.method, got.path)
	}
	if got.query != "account=vc1abc&limit=5" {
		t.Fatalf("unexpected query %q", got.query)
	}
	if got.key != "" {
		t.Fatalf("GET should not carry an idempotency key")
	}

	if code, _, _ := runCLI("account", "fiUSDC", "vc1abc"); code != 0 {
		t.Fatalf("account failed")
	}
	if got.path != "/v1/assets/fiUSDC/accounts/vc1abc" {
		t.Fatalf("unexpected path %s", got.path)
	}
}

func TestAdminCommands(t *testing.T) {
	got := stubAPI(t, http.StatusOK, `{}`)

	if code, _, stderr := runCLI("migrate", "fiUSDC", "-to", "usdc-reserve"); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if got.path != "/admin/assets/fiUSDC/migrate" || got.body["to"] != "usdc-reserve" {
		t.Fatalf("unexpected migrate %s %v", got.path, got.body)
	}
	if _, ok := got.body["from"]; ok {
		t.Fatalf("empty from should be omitted")
	}

	if code, _, _ := runCLI("unpause", "fiUSDC"); code != 0 {
		t.Fatalf("unpause failed")
	}
	if got.path != "/admin/assets/fiUSDC/pause" || got.body["paused"] != false {
		t.Fatalf("unexpected pause %s %v", got.path, got.body)
	}

	if code, _, _ := runCLI("report"); code != 0 {
		t.Fatalf("report failed")
	}
	if got.path != "/admin/reports/yield" {
		t.Fatalf("unexpected path %s", got.path)
	}
}

func TestAPIErrorsIncludeKind(t *testing.T) {
	stubAPI(t, http.StatusConflict, `{"error":"minimum output not met","kind":"slippage"}`)

	code, _, stderr := runCLI("deposit", "fiUSDC", "-amount", "1")
	if code != 1 {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(stderr, "minimum output not met (slippage, HTTP 409)") {
		t.Fatalf("unexpected stderr %q", stderr)
	}
}

func TestDialErrorIncludesEndpoint(t *testing.T) {
	original, originalEndpoint := httpClient, apiEndpoint
	apiEndpoint = "http://test.invalid"
	httpClient = &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused (test stub)")
	})}
	defer func() { httpClient, apiEndpoint = original, originalEndpoint }()

	code, _, stderr := runCLI("assets")
	if code != 1 {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(stderr, "GET http://test.invalid/v1/assets") || !strings.Contains(stderr, "test stub") {
		t.Fatalf("unexpected stderr %q", stderr)
	}
}

func TestUsageErrors(t *testing.T) {
	cases := [][]string{
		nil,
		{"bogus"},
		{"deposit"},
		{"deposit", "fiUSDC"},
		{"deposit", "-amount", "1"},
		{"migrate", "fiUSDC"},
		{"account", "fiUSDC"},
	}
	for _, args := range cases {
		if code, _, _ := runCLI(args...); code != 1 {
			t.Fatalf("args %v: expected exit 1, got %d", args, code)
		}
	}
}

func TestKeygenAndToken(t *testing.T) {
	original := passphraseFor
	passphraseFor = func() (string, error) { return "correct horse", nil }
	defer func() { passphraseFor = original }()

	path := filepath.Join(t.TempDir(), "operator.json")
	code, stdout, stderr := runCLI("keygen", "-keystore", path)
	if code != 0 {
		t.Fatalf("keygen exit %d: %s", code, stderr)
	}
	addr := strings.TrimSpace(stdout)
	if _, err := crypto.DecodeAddress(addr); err != nil {
		t.Fatalf("keygen printed invalid address %q: %v", addr, err)
	}
	if code, _, _ := runCLI("keygen", "-keystore", path); code != 1 {
		t.Fatalf("keygen should refuse to overwrite")
	}

	code, stdout, _ = runCLI("address", "-keystore", path)
	if code != 0 || strings.TrimSpace(stdout) != addr {
		t.Fatalf("address mismatch: %q vs %q", stdout, addr)
	}

	if code, _, _ := runCLI("token", "-keystore", path); code != 1 {
		t.Fatalf("token without secret should fail")
	}
	t.Setenv(secretEnv, "s3cret")
	code, stdout, stderr = runCLI("token", "-keystore", path, "-scopes", "admin, ops", "-issuer", "vaultd")
	if code != 0 {
		t.Fatalf("token exit %d: %s", code, stderr)
	}
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(strings.TrimSpace(stdout), claims, func(*jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	}); err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims["sub"] != addr || claims["scope"] != "admin ops" || claims["iss"] != "vaultd" {
		t.Fatalf("unexpected claims %v", claims)
	}
	if _, ok := claims["exp"]; !ok {
		t.Fatalf("token must expire")
	}
}
