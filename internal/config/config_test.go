package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 20, cfg.HTTP.ConnectTimeoutSecs)
	assert.Equal(t, 120, cfg.HTTP.ReadTimeoutSecs)
	assert.Equal(t, 5, cfg.HTTP.MaxAttempts)
	assert.Equal(t, 5.0, cfg.HTTP.ArcGISRPS)
	assert.Equal(t, 1.0, cfg.HTTP.OverpassRPS)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
store:
  driver: postgres
  database_url: postgres://localhost/runs
http:
  max_attempts: 3
  overpass_rps: 0.5
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/runs", cfg.Store.DatabaseURL)
	assert.Equal(t, 3, cfg.HTTP.MaxAttempts)
	assert.Equal(t, 0.5, cfg.HTTP.OverpassRPS)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	// Untouched sections keep their defaults.
	assert.Equal(t, 120, cfg.HTTP.ReadTimeoutSecs)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("CROWNPC_LOG_LEVEL", "warn")
	t.Setenv("CROWNPC_STORE_DRIVER", "postgres")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "postgres", cfg.Store.Driver)
}

func TestHTTPConfigClientOptions(t *testing.T) {
	h := HTTPConfig{
		UserAgent:          "test-agent/1.0",
		ConnectTimeoutSecs: 5,
		ReadTimeoutSecs:    30,
		MaxAttempts:        2,
		ArcGISRPS:          4,
		OverpassRPS:        1,
	}

	opts := h.ClientOptions()
	assert.Equal(t, "test-agent/1.0", opts.UserAgent)
	assert.Equal(t, 5*time.Second, opts.Timeouts.Connect)
	assert.Equal(t, 30*time.Second, opts.Timeouts.Read)
	assert.Equal(t, 2, opts.Retry.MaxAttempts)
	assert.Equal(t, 4.0, opts.ArcGISRPS)
}

func TestInitLoggerRejectsBadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "nope", Format: "json"})
	assert.Error(t, err)
}
