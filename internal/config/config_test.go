package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadFromPathDefaults(t *testing.T) {
	cfg, err := LoadFromPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, ConflictLocalPriority, cfg.ConflictStrategy)
	assert.Equal(t, "/", cfg.DefaultRedirectURL)
	assert.Equal(t, 6379, cfg.RedisPort)
	assert.Equal(t, "rediss", cfg.RedisProto)
}

func TestLoadFromPathEnvFile(t *testing.T) {
	dir := t.TempDir()
	writeEnvFile(t, dir, ".env", `
APP_PORT=8080
APP_BASE_URL=https://bridge.example
APP_SESSION_SECRET=file-secret
APP_SYNC_ON_LOGIN=1
APP_CONFLICT_STRATEGY=provider
APP_PROVIDERS=[{"name":"line","client_id":"id","client_secret":"secret","callback_url":"https://bridge.example/auth/line/callback"}]
APP_ALLOWED_REDIRECT_PREFIXES=["https://site.example/"]
`)

	cfg, err := LoadFromPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "https://bridge.example", cfg.BaseURL)
	assert.True(t, cfg.SyncOnLogin)
	assert.Equal(t, ConflictProviderPriority, cfg.ConflictStrategy)

	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "line", cfg.Providers[0].Name)
	assert.Equal(t, "line", cfg.Providers[0].Type, "type defaults to name")

	assert.Equal(t, []string{"https://site.example/"}, cfg.AllowedRedirectPrefixes)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromPathLocalOverridesBase(t *testing.T) {
	dir := t.TempDir()
	writeEnvFile(t, dir, ".env", "APP_SESSION_SECRET=base\n")
	writeEnvFile(t, dir, ".env.local", "APP_SESSION_SECRET=local\n")

	cfg, err := LoadFromPath(dir)
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.SessionSecret)
}

func TestValidateMissingRequired(t *testing.T) {
	cfg := &Config{ConflictStrategy: ConflictLocalPriority}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_SESSION_SECRET")
	assert.Contains(t, err.Error(), "APP_BASE_URL")
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := &Config{
		SessionSecret:    "s",
		BaseURL:          "https://bridge.example",
		ConflictStrategy: "newest-wins",
	}
	assert.Error(t, cfg.Validate())
}
