package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for vaultd.
type Config struct {
	ListenAddress string            `yaml:"listen"`
	GenesisPath   string            `yaml:"genesis"`
	DataDir       string            `yaml:"data_dir"`
	Database      DatabaseConfig    `yaml:"database"`
	Log           LogConfig         `yaml:"log"`
	Auth          AuthConfig        `yaml:"auth"`
	RateLimits    map[string]Limit  `yaml:"rate_limits"`
	Idempotency   IdempotencyConfig `yaml:"idempotency"`
	Chain         ChainConfig       `yaml:"chain"`
	Reports       ReportsConfig     `yaml:"reports"`
}

// DatabaseConfig selects the operation history store.
type DatabaseConfig struct {
	// Driver is sqlite or postgres.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LogConfig tunes structured logging.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	AdminScope string   `yaml:"admin_scope"`
	ClockSkew  Duration `yaml:"clock_skew"`
}

// Limit is a per-client token bucket.
type Limit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// IdempotencyConfig controls replay of mutating requests.
type IdempotencyConfig struct {
	Path string   `yaml:"path"`
	TTL  Duration `yaml:"ttl"`
}

// ChainConfig drives the background block clock and keeper.
type ChainConfig struct {
	// BlockInterval overrides the genesis block time when set.
	BlockInterval Duration `yaml:"block_interval"`
	// RebaseInterval runs a rebase over every asset; zero disables it.
	RebaseInterval Duration `yaml:"rebase_interval"`
	StatePath      string   `yaml:"state_path"`
}

// ReportsConfig controls yield report output.
type ReportsConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./vaultd-data"
	}
	if cfg.GenesisPath == "" {
		cfg.GenesisPath = filepath.Join(cfg.DataDir, "genesis.toml")
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "file:" + filepath.Join(cfg.DataDir, "history.sqlite")
	}
	if cfg.Auth.AdminScope == "" {
		cfg.Auth.AdminScope = "admin"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = make(map[string]Limit)
	}
	if _, ok := cfg.RateLimits["rebase"]; !ok {
		cfg.RateLimits["rebase"] = Limit{RequestsPerMinute: 6, Burst: 2}
	}
	if _, ok := cfg.RateLimits["public"]; !ok {
		cfg.RateLimits["public"] = Limit{RequestsPerMinute: 600, Burst: 60}
	}
	if cfg.Idempotency.Path == "" {
		cfg.Idempotency.Path = filepath.Join(cfg.DataDir, "idempotency.db")
	}
	if cfg.Idempotency.TTL.Duration == 0 {
		cfg.Idempotency.TTL.Duration = 24 * time.Hour
	}
	if cfg.Chain.StatePath == "" {
		cfg.Chain.StatePath = filepath.Join(cfg.DataDir, "state")
	}
	if cfg.Reports.Dir == "" {
		cfg.Reports.Dir = filepath.Join(cfg.DataDir, "reports")
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret must be configured")
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver %q not supported", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be configured for %s", cfg.Database.Driver)
	}
	if cfg.Chain.BlockInterval.Duration < 0 || cfg.Chain.RebaseInterval.Duration < 0 {
		return fmt.Errorf("chain intervals must not be negative")
	}
	for name, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limits.%s must not be negative", name)
		}
	}
	return nil
}
