package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// inTempDir changes to an empty directory so no config.yaml is found.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	inTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "progression.db", cfg.Store.Path)
	assert.Empty(t, cfg.Catalog.Path)
	assert.Equal(t, 3, cfg.Coordinator.MaxConflictRetries)
	assert.Equal(t, 5*time.Second, cfg.Coordinator.CommitTimeout)
	assert.InDelta(t, 5.0, cfg.RateLimit.PerSecond, 0.001)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := inTempDir(t)

	yaml := `
store:
  driver: sqlite
  path: /var/lib/progression/ledger.db
catalog:
  path: catalog.json
coordinator:
  max_conflict_retries: 5
  commit_timeout: 2s
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/progression/ledger.db", cfg.Store.Path)
	assert.Equal(t, "catalog.json", cfg.Catalog.Path)
	assert.Equal(t, 5, cfg.Coordinator.MaxConflictRetries)
	assert.Equal(t, 2*time.Second, cfg.Coordinator.CommitTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Defaults still apply for unset values
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := inTempDir(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("PROGRESSION_STORE_DRIVER", "memory")
	t.Setenv("PROGRESSION_LOG_LEVEL", "warn")
	t.Setenv("PROGRESSION_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	inTempDir(t)
	t.Setenv("PROGRESSION_STORE_DRIVER", "postgres")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store.driver")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Store: StoreConfig{Driver: "sqlite", Path: "x.db"},
		}
	}

	cfg := valid()
	cfg.Coordinator.CommitTimeout = time.Second
	assert.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.Store.Path = ""
	cfg.Coordinator.CommitTimeout = time.Second
	assert.ErrorContains(t, cfg.Validate(), "store.path")

	cfg = valid()
	assert.ErrorContains(t, cfg.Validate(), "commit_timeout")

	cfg = valid()
	cfg.Coordinator.CommitTimeout = time.Second
	cfg.Coordinator.MaxConflictRetries = -1
	assert.ErrorContains(t, cfg.Validate(), "max_conflict_retries")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
