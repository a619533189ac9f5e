package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Ledger.Driver)
	assert.Equal(t, DefaultCredentialTTL, cfg.Caches.CredentialTTL)
	assert.Equal(t, DefaultBudgetTTL, cfg.Caches.BudgetTTL)
	assert.Equal(t, DefaultBackendCallTimeout, cfg.Relay.CallTimeout)
	assert.Equal(t, DefaultDrainGracePeriod, cfg.Relay.DrainGracePeriod)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
caches:
  credential_ttl: 2m
  budget_ttl: 30s
ledger:
  driver: http
  base_url: http://ledger.internal
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Caches.CredentialTTL)
	assert.Equal(t, 30*time.Second, cfg.Caches.BudgetTTL)
	assert.Equal(t, "http", cfg.Ledger.Driver)
	assert.Equal(t, "http://ledger.internal", cfg.Ledger.BaseURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "7070")
	t.Setenv("LEDGER_DSN", "/tmp/test.db")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/tmp/test.db", cfg.Ledger.DSN)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"budget ttl over credential ttl", func(c *Config) {
			c.Caches.BudgetTTL = c.Caches.CredentialTTL + time.Second
		}, "budget_ttl"},
		{"http driver without url", func(c *Config) {
			c.Ledger.Driver = "http"
			c.Ledger.BaseURL = ""
		}, "base_url"},
		{"unknown driver", func(c *Config) { c.Ledger.Driver = "oracle" }, "driver"},
		{"negative rate limit", func(c *Config) { c.Server.RateLimit = -1 }, "rate_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
