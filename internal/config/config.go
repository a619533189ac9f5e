// Package config loads and validates gateway configuration.
//
// DESIGN: YAML file + environment overrides. A .env file is loaded first
// (godotenv) so container and local runs share one mechanism. Every tunable
// has a default in defaults.go; the YAML only needs to name what differs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Identity  IdentityConfig  `yaml:"identity"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Caches    CacheConfig     `yaml:"caches"`
	Relay     RelayConfig     `yaml:"relay"`
	Metering  MeteringConfig  `yaml:"metering"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	LogLevel  string          `yaml:"log_level"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
}

// IdentityConfig points at the identity directory service.
type IdentityConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// LedgerConfig selects the state store backing budgets and the model registry.
// Driver "sqlite" uses an embedded database; "http" consumes a remote store.
type LedgerConfig struct {
	Driver  string        `yaml:"driver"`
	DSN     string        `yaml:"dsn"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig holds the TTLs for the three read-mostly caches.
type CacheConfig struct {
	CredentialTTL        time.Duration `yaml:"credential_ttl"`
	BudgetTTL            time.Duration `yaml:"budget_ttl"`
	ModelTTL             time.Duration `yaml:"model_ttl"`
	ModelRefreshInterval time.Duration `yaml:"model_refresh_interval"`
}

// RelayConfig holds streaming relay settings.
type RelayConfig struct {
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	DrainGracePeriod time.Duration `yaml:"drain_grace_period"`
	BufferSize       int           `yaml:"buffer_size"`
}

// MeteringConfig points at the usage-record ingress.
type MeteringConfig struct {
	IngestURL    string        `yaml:"ingest_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	SpoolPath    string        `yaml:"spool_path"`
}

// RedisConfig enables the asynq-backed emission queue. When disabled, usage
// records are delivered by the in-process dispatcher instead.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TelemetryConfig controls the JSONL request-event log.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// Load reads configuration from path (optional) and applies env overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     DefaultServerReadTimeout,
			WriteTimeout:    DefaultServerWriteTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
			RateLimit:       DefaultRateLimit,
			RateBurst:       DefaultRateBurst,
		},
		Identity: IdentityConfig{
			Timeout: DefaultIdentityTimeout,
		},
		Ledger: LedgerConfig{
			Driver:  "sqlite",
			DSN:     "gateway.db",
			Timeout: DefaultStateStoreTimeout,
		},
		Caches: CacheConfig{
			CredentialTTL:        DefaultCredentialTTL,
			BudgetTTL:            DefaultBudgetTTL,
			ModelTTL:             DefaultModelTTL,
			ModelRefreshInterval: DefaultModelRefreshInterval,
		},
		Relay: RelayConfig{
			ConnectTimeout:   DefaultBackendConnectTimeout,
			CallTimeout:      DefaultBackendCallTimeout,
			DrainGracePeriod: DefaultDrainGracePeriod,
			BufferSize:       DefaultStreamBufferSize,
		},
		Metering: MeteringConfig{
			Timeout:      DefaultMeteringTimeout,
			MaxRetries:   DefaultEmitMaxRetries,
			RetryBackoff: DefaultEmitRetryBackoff,
			SpoolPath:    "usage_spool.jsonl",
		},
		LogLevel: "info",
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("IDENTITY_BASE_URL"); v != "" {
		cfg.Identity.BaseURL = v
	}
	if v := os.Getenv("LEDGER_DSN"); v != "" {
		cfg.Ledger.DSN = v
	}
	if v := os.Getenv("METERING_INGEST_URL"); v != "" {
		cfg.Metering.IngestURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = v
	}
}

// Validate checks the loaded configuration for contradictions.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must be >= 0, got %f", c.Server.RateLimit)
	}
	switch c.Ledger.Driver {
	case "sqlite":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn is required for the sqlite driver")
		}
	case "http":
		if c.Ledger.BaseURL == "" {
			return fmt.Errorf("ledger.base_url is required for the http driver")
		}
	default:
		return fmt.Errorf("unsupported ledger.driver: %s", c.Ledger.Driver)
	}
	if c.Caches.CredentialTTL <= 0 {
		return fmt.Errorf("caches.credential_ttl must be > 0")
	}
	if c.Caches.BudgetTTL <= 0 {
		return fmt.Errorf("caches.budget_ttl must be > 0")
	}
	if c.Caches.BudgetTTL > c.Caches.CredentialTTL {
		return fmt.Errorf("caches.budget_ttl must not exceed caches.credential_ttl")
	}
	if c.Relay.DrainGracePeriod < 0 {
		return fmt.Errorf("relay.drain_grace_period must be >= 0")
	}
	if c.Metering.MaxRetries < 0 {
		return fmt.Errorf("metering.max_retries must be >= 0")
	}
	return nil
}
