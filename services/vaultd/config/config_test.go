package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vaultd.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/vaultd
auth:
  hmac_secret: secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7080" {
		t.Fatalf("unexpected listen %q", cfg.ListenAddress)
	}
	if cfg.GenesisPath != "/tmp/vaultd/genesis.toml" {
		t.Fatalf("unexpected genesis %q", cfg.GenesisPath)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "file:/tmp/vaultd/history.sqlite" {
		t.Fatalf("unexpected database %+v", cfg.Database)
	}
	if cfg.Idempotency.TTL.Duration != 24*time.Hour {
		t.Fatalf("unexpected ttl %s", cfg.Idempotency.TTL.Duration)
	}
	if cfg.Auth.AdminScope != "admin" || cfg.Auth.ClockSkew.Duration != 2*time.Minute {
		t.Fatalf("unexpected auth defaults %+v", cfg.Auth)
	}
	if limit := cfg.RateLimits["rebase"]; limit.Burst != 2 {
		t.Fatalf("unexpected rebase limit %+v", limit)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
listen: 127.0.0.1:9000
auth:
  hmac_secret: secret
  clock_skew: 30s
chain:
  block_interval: 2s
  rebase_interval: 1h
rate_limits:
  rebase:
    requests_per_minute: 1
    burst: 1
database:
  driver: Postgres
  dsn: postgres://vaultd@localhost/vaultd
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.BlockInterval.Duration != 2*time.Second || cfg.Chain.RebaseInterval.Duration != time.Hour {
		t.Fatalf("unexpected chain %+v", cfg.Chain)
	}
	if cfg.Auth.ClockSkew.Duration != 30*time.Second {
		t.Fatalf("unexpected skew %s", cfg.Auth.ClockSkew.Duration)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("driver not normalised: %q", cfg.Database.Driver)
	}
	if cfg.RateLimits["rebase"].RequestsPerMinute != 1 {
		t.Fatalf("override lost: %+v", cfg.RateLimits)
	}
	if _, ok := cfg.RateLimits["public"]; !ok {
		t.Fatalf("public limit should still default")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"missing secret": "listen: :1\n",
		"bad duration":   "auth:\n  hmac_secret: s\nchain:\n  block_interval: soon\n",
		"bad driver":     "auth:\n  hmac_secret: s\ndatabase:\n  driver: mysql\n  dsn: x\n",
		"postgres dsn":   "auth:\n  hmac_secret: s\ndatabase:\n  driver: postgres\n",
		"unknown field":  "auth:\n  hmac_secret: s\nlisten_addr: :1\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, contents)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
