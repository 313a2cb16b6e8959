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

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Ledger.AppendTimeout)
	assert.Equal(t, int64(10000), cfg.Scanner.TamperWindow)
	assert.Equal(t, time.Hour, cfg.Retention.EvaluationInterval)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
environment: production
log_level: warn
server:
  port: 9000
ledger:
  append_timeout: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Ledger.AppendTimeout)
	// Untouched keys keep their defaults.
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("OPSLEDGER_ENVIRONMENT", "staging")
	t.Setenv("OPSLEDGER_DATABASE_URL", "postgres://db:5432/ledger")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "postgres://db:5432/ledger", cfg.Database.URL)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Setenv("OPSLEDGER_ENVIRONMENT", "prod-east")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
