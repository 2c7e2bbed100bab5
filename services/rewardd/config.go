package rewardd

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"keeprewards/core/allocator"
	"keeprewards/core/bank"
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

// Config captures the runtime configuration for rewardd.
type Config struct {
	ListenAddress   string            `yaml:"listen"`
	Environment     string            `yaml:"environment"`
	SchedulePath    string            `yaml:"schedule"`
	DustPolicy      string            `yaml:"dust_policy"`
	Custody         string            `yaml:"custody"`
	Beneficiaries   map[string]string `yaml:"beneficiaries"`
	Genesis         map[string]string `yaml:"genesis_balances"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"`
	Storage         StorageConfig     `yaml:"storage"`
	Audit           AuditConfig       `yaml:"audit"`
	Ingest          IngestConfig      `yaml:"ingest"`
	Auth            AuthConfig        `yaml:"auth"`
	RateLimits      RateLimitConfig   `yaml:"rate_limits"`
	Logging         LoggingConfig     `yaml:"logging"`
	Telemetry       TelemetryConfig   `yaml:"telemetry"`
}

// StorageConfig selects the key-value backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// AuditConfig points at the SQL audit store. DSNs starting with postgres://
// use Postgres; anything else is treated as a SQLite path.
type AuditConfig struct {
	DSN string `yaml:"dsn"`
}

// IngestConfig tunes the lifecycle fact queue.
type IngestConfig struct {
	QueueSize   int      `yaml:"queue_size"`
	MaxAttempts int      `yaml:"max_attempts"`
	RetryDelay  Duration `yaml:"retry_delay"`
}

// AuthConfig configures JWT verification for operator routes.
type AuthConfig struct {
	Disabled       bool     `yaml:"disabled"`
	HMACSecret     string   `yaml:"hmac_secret"`
	HMACSecretFile string   `yaml:"hmac_secret_file"`
	Issuer         string   `yaml:"issuer"`
	Audience       string   `yaml:"audience"`
	ClockSkew      Duration `yaml:"clock_skew"`
}

// RateLimitConfig bounds public claim routes per client.
type RateLimitConfig struct {
	ClaimsPerMinute float64 `yaml:"claims_per_minute"`
	ClaimsBurst     int     `yaml:"claims_burst"`
}

// LoggingConfig selects the log level and optional rotating file.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Requests   bool   `yaml:"requests"`
}

// TelemetryConfig toggles the OTLP exporters.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
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
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.SchedulePath == "" {
		cfg.SchedulePath = "services/rewardd/schedule.toml"
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Audit.DSN == "" {
		cfg.Audit.DSN = "file::memory:?cache=shared"
	}
	if cfg.Ingest.QueueSize <= 0 {
		cfg.Ingest.QueueSize = 1024
	}
	if cfg.Ingest.MaxAttempts <= 0 {
		cfg.Ingest.MaxAttempts = 5
	}
	if cfg.Ingest.RetryDelay.Duration == 0 {
		cfg.Ingest.RetryDelay.Duration = 500 * time.Millisecond
	}
	if cfg.RateLimits.ClaimsPerMinute <= 0 {
		cfg.RateLimits.ClaimsPerMinute = 30
	}
	if cfg.RateLimits.ClaimsBurst <= 0 {
		cfg.RateLimits.ClaimsBurst = 5
	}
	if cfg.Beneficiaries == nil {
		cfg.Beneficiaries = map[string]string{}
	}
	if cfg.Genesis == nil {
		cfg.Genesis = map[string]string{}
	}
}

func validateConfig(cfg Config) error {
	if !common.IsHexAddress(strings.TrimSpace(cfg.Custody)) {
		return fmt.Errorf("custody must be a hex address")
	}
	switch cfg.Storage.Backend {
	case "memory":
	case "leveldb":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path must be configured for leveldb")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if _, err := allocator.ParseDustPolicy(cfg.DustPolicy); err != nil {
		return err
	}
	if _, err := cfg.BeneficiaryTable(); err != nil {
		return err
	}
	if _, err := cfg.GenesisBalances(); err != nil {
		return err
	}
	if !cfg.Auth.Disabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("configure auth.hmac_secret or set auth.disabled")
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	a.HMACSecret = strings.TrimSpace(a.HMACSecret)
	if path := strings.TrimSpace(a.HMACSecretFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read hmac_secret_file: %w", err)
		}
		a.HMACSecret = strings.TrimSpace(string(contents))
	}
	return nil
}

// BeneficiaryTable parses the operator → beneficiary overrides.
func (c Config) BeneficiaryTable() (bank.StaticBeneficiaries, error) {
	table := make(bank.StaticBeneficiaries, len(c.Beneficiaries))
	for operator, beneficiary := range c.Beneficiaries {
		if !common.IsHexAddress(operator) || !common.IsHexAddress(beneficiary) {
			return nil, fmt.Errorf("beneficiaries: invalid pair %s → %s", operator, beneficiary)
		}
		table[common.HexToAddress(operator)] = common.HexToAddress(beneficiary)
	}
	return table, nil
}

// GenesisBalances parses the balances minted into the token ledger the first
// time the daemon starts on an empty store.
func (c Config) GenesisBalances() (map[common.Address]*big.Int, error) {
	out := make(map[common.Address]*big.Int, len(c.Genesis))
	for account, raw := range c.Genesis {
		if !common.IsHexAddress(account) {
			return nil, fmt.Errorf("genesis_balances: invalid account %q", account)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("genesis_balances: invalid amount %q for %s", raw, account)
		}
		out[common.HexToAddress(account)] = amount
	}
	return out, nil
}
