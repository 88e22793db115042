package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/wallet-provisioner/internal/errors"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("VAULT_ACCOUNT_ID", "7")
	t.Setenv("EXTRACT_TIMEOUT", "30s")
	t.Setenv("RECONCILE_SETTLE_DELAY", "500ms")
	t.Setenv("SCRIPTS_ALLOWED", "1-extract-wallets, custom ,")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "7", cfg.Fireblocks.VaultAccountID)
	assert.Equal(t, 30*time.Second, cfg.Runner.ExtractTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconcile.SettleDelay)
	assert.Equal(t, []string{"1-extract-wallets", "custom"}, cfg.Runner.AllowedScripts)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfigFrom(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.Runner.ExtractTimeout)
	assert.Equal(t, 2*time.Second, cfg.Reconcile.SettleDelay)
	assert.Equal(t, 1*time.Second, cfg.Reconcile.FallbackRetryDelay)
	assert.Equal(t, 1*time.Second, cfg.Reconcile.PacingDelay)
	assert.Equal(t, DefaultAllowedScripts, cfg.Runner.AllowedScripts)
	assert.False(t, cfg.Database.Redis.Enabled())
	assert.False(t, cfg.Database.Postgres.Enabled())
}

func TestLoadConfigFrom_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "provisioner.env")
	require.NoError(t, os.WriteFile(envFile, []byte("VAULT_NAME=treasury\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("VAULT_NAME") })

	cfg, err := LoadConfigFrom(envFile)
	require.NoError(t, err)

	assert.Equal(t, "treasury", cfg.Fireblocks.VaultName)
	assert.Equal(t, envFile, cfg.EnvStore.Path, "addresses are written back to the file that was loaded")
}

func TestValidateFireblocks(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "fireblocks.pem")
	require.NoError(t, os.WriteFile(keyPath, []byte("key"), 0o600))

	tests := []struct {
		name    string
		cfg     FireblocksConfig
		setting string
	}{
		{
			name:    "missing api key",
			cfg:     FireblocksConfig{SecretKeyPath: keyPath, VaultAccountID: "1"},
			setting: "FIREBLOCKS_API_KEY",
		},
		{
			name:    "missing key path",
			cfg:     FireblocksConfig{APIKey: "k", VaultAccountID: "1"},
			setting: "FIREBLOCKS_SECRET_KEY_PATH",
		},
		{
			name:    "key file does not exist",
			cfg:     FireblocksConfig{APIKey: "k", SecretKeyPath: keyPath + ".missing", VaultAccountID: "1"},
			setting: "FIREBLOCKS_SECRET_KEY_PATH",
		},
		{
			name: "valid",
			cfg:  FireblocksConfig{APIKey: "k", SecretKeyPath: keyPath, VaultAccountID: "1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Fireblocks: tt.cfg}
			err := cfg.ValidateFireblocks()
			if tt.setting == "" {
				assert.NoError(t, err)
				return
			}

			catErr := apperrors.Categorize(err)
			require.NotNil(t, catErr)
			assert.Equal(t, apperrors.CategoryConfiguration, catErr.Category)
			assert.Equal(t, tt.setting, catErr.Details["setting"])
		})
	}
}

func TestIsScriptAllowed(t *testing.T) {
	cfg := RunnerConfig{AllowedScripts: DefaultAllowedScripts}

	assert.True(t, cfg.IsScriptAllowed("1-extract-wallets"))
	assert.True(t, cfg.IsScriptAllowed("test-wallet-extraction"))
	assert.False(t, cfg.IsScriptAllowed("../../bin/sh"))
	assert.False(t, cfg.IsScriptAllowed(""))
}

func TestPostgresConfig_URL(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: "5432", Database: "wallets", User: "u", Password: "p"}
	assert.Equal(t, "postgres://u:p@db:5432/wallets?sslmode=disable", cfg.URL())
	assert.True(t, cfg.Enabled())
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "200")
	t.Setenv("TEST_INT_INVALID", "invalid")
	t.Setenv("TEST_DURATION", "30s")
	t.Setenv("TEST_LIST", "a,b")

	assert.Equal(t, 200, getEnvAsInt("TEST_INT", 100))
	assert.Equal(t, 100, getEnvAsInt("TEST_INT_INVALID", 100))
	assert.Equal(t, 100, getEnvAsInt("TEST_INT_NOTSET", 100))
	assert.Equal(t, 30*time.Second, getEnvAsDuration("TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvAsDuration("TEST_DURATION_NOTSET", time.Second))
	assert.Equal(t, []string{"a", "b"}, getEnvAsList("TEST_LIST", nil))
	assert.Equal(t, "default", getEnv("NONEXISTENT_KEY", "default"))
}
