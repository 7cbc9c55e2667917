package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.Server.Addr)
	assert.Equal(t, "diwan.db", cfg.Database.Path)
	assert.Equal(t, 1*time.Minute, cfg.Scheduler.TickInterval)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.JobTimeout)
	assert.Equal(t, 3, cfg.Scheduler.DefaultMaxRetries)
	assert.Equal(t, "0 6 * * *", cfg.Scheduler.ExpiryScanCron)
	assert.Equal(t, 5, cfg.Notifications.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Notifications.PollInterval)
	assert.Equal(t, 30, cfg.Alerts.ExpiryWindowDays)
	assert.False(t, cfg.Log.JSON)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "diwan.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = ":9000"

[scheduler]
tick_interval = "30s"
default_max_retries = 5

[alerts]
admin_email = "ops@diwan.example"
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 5, cfg.Scheduler.DefaultMaxRetries)
	assert.Equal(t, "ops@diwan.example", cfg.Alerts.AdminEmail)

	// Unset sections keep their defaults
	assert.Equal(t, "diwan.db", cfg.Database.Path)
	assert.Equal(t, 5, cfg.Notifications.MaxAttempts)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
