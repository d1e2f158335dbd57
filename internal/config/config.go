package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	LedgerMemory   = "memory"
	LedgerFile     = "file"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

type Config struct {
	ListenAddr   string           `yaml:"listen_addr"`
	ManifestPath string           `yaml:"manifest_path"`
	Ledger       LedgerConfig     `yaml:"ledger"`
	SigningKey   SigningKeyConfig `yaml:"signing_key"`
	TrustedDIDs  []string         `yaml:"trusted_dids"`
	Tokens       TokensConfig     `yaml:"tokens"`
	RateLimit    RateLimitConfig  `yaml:"rate_limit"`
	Log          LogConfig        `yaml:"log"`
	Telemetry    TelemetryConfig  `yaml:"telemetry"`
}

type LedgerConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type SigningKeyConfig struct {
	PrivateKeyPath string `yaml:"private_key_path"`
}

type TokensConfig struct {
	IssuerPublicKeyPath string `yaml:"issuer_public_key_path"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// LedgerDriver returns the configured driver, defaulting to memory.
func (c Config) LedgerDriver() string {
	if c.Ledger.Driver == "" {
		return LedgerMemory
	}
	return c.Ledger.Driver
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.ManifestPath == "" {
		return fmt.Errorf("manifest_path is required")
	}
	if c.SigningKey.PrivateKeyPath == "" {
		return fmt.Errorf("signing_key.private_key_path is required")
	}

	switch c.LedgerDriver() {
	case LedgerMemory:
	case LedgerFile:
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger.path is required when ledger.driver=file")
		}
	case LedgerSQLite, LedgerPostgres:
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn is required when ledger.driver=%s", c.Ledger.Driver)
		}
	default:
		return fmt.Errorf("unsupported ledger.driver %q", c.Ledger.Driver)
	}

	for _, did := range c.TrustedDIDs {
		if !strings.HasPrefix(did, "did:sov:ed25519:") {
			return fmt.Errorf("trusted_dids: %q is not an ed25519 did", did)
		}
	}

	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must be non-negative")
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst == 0 {
		return fmt.Errorf("rate_limit.burst is required when rate_limit.rps is set")
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("unsupported log.format %q", c.Log.Format)
	}

	return nil
}
