package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/workstate/internal/config"
	"github.com/scrypster/workstate/internal/db"
	"github.com/scrypster/workstate/internal/storage"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"WORKSTATE_DATA_DIR", "WORKSTATE_CHANNEL", "WORKSTATE_READ_CONNS", "WORKSTATE_BACKUP_INTERVAL"} {
		t.Setenv(key, "")
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, "stable", cfg.Storage.Channel)
	assert.Equal(t, 4, cfg.Storage.ReadConns)
	assert.Equal(t, 5*time.Second, cfg.Storage.BusyTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Backup.Interval)
	assert.True(t, cfg.Backup.Verify)
	assert.Equal(t, 24, cfg.Backup.RetentionHourly)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WORKSTATE_CHANNEL", "preview")
	t.Setenv("WORKSTATE_READ_CONNS", "8")
	t.Setenv("WORKSTATE_BACKUP_INTERVAL", "90m")
	t.Setenv("WORKSTATE_BACKUP_ENABLED", "YES")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "preview", cfg.Storage.Channel)
	assert.Equal(t, 8, cfg.Storage.ReadConns)
	assert.Equal(t, 90*time.Minute, cfg.Backup.Interval)
	assert.True(t, cfg.Backup.Enabled)
}

func TestLoad_UnparseableEnvFallsBack(t *testing.T) {
	t.Setenv("WORKSTATE_READ_CONNS", "many")
	t.Setenv("WORKSTATE_BUSY_TIMEOUT", "soon")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Storage.ReadConns)
	assert.Equal(t, 5*time.Second, cfg.Storage.BusyTimeout)
}

func TestLoadFile_YAML(t *testing.T) {
	t.Setenv("WORKSTATE_CHANNEL", "")
	path := filepath.Join(t.TempDir(), "workstate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  channel: nightly
  read_conns: 2
backup:
  interval: 6h
  enabled: true
`), 0o600))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nightly", cfg.Storage.Channel)
	assert.Equal(t, 2, cfg.Storage.ReadConns)
	assert.Equal(t, 6*time.Hour, cfg.Backup.Interval)
	assert.True(t, cfg.Backup.Enabled)
	assert.Equal(t, "./backups", cfg.Backup.Dir, "keys absent from the file keep their default")
}

func TestLoadFile_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workstate.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[storage]
data_dir = "/var/lib/workstate"
busy_timeout = "10s"

[backup]
dir = "/var/backups/workstate"
retention_daily = 14
`), 0o600))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/workstate", cfg.Storage.DataDir)
	assert.Equal(t, 10*time.Second, cfg.Storage.BusyTimeout)
	assert.Equal(t, "/var/backups/workstate", cfg.Backup.Dir)
	assert.Equal(t, 14, cfg.Backup.RetentionDaily)
}

func TestLoadFile_Rejects(t *testing.T) {
	dir := t.TempDir()

	_, err := config.LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	ini := filepath.Join(dir, "workstate.ini")
	require.NoError(t, os.WriteFile(ini, []byte("channel=x"), 0o600))
	_, err = config.LoadFile(ini)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	empty := filepath.Join(dir, "empty-channel.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("storage:\n  channel: \" \"\n"), 0o600))
	_, err = config.LoadFile(empty)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestStoreRoundTrip(t *testing.T) {
	d, err := db.OpenInMemory("config-test")
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	ctx := context.Background()

	cfg, err := config.Load()
	require.NoError(t, err)
	before := cfg.Backup

	require.NoError(t, config.LoadFromStore(ctx, cfg, d.KeyValue()))
	assert.Equal(t, before, cfg.Backup, "nothing stored leaves config unchanged")

	cfg.Backup.Interval = 3 * time.Hour
	cfg.Backup.Enabled = true
	require.NoError(t, cfg.SaveToStore(ctx, d.KeyValue()))

	fresh, err := config.Load()
	require.NoError(t, err)
	require.NoError(t, config.LoadFromStore(ctx, fresh, d.KeyValue()))
	assert.Equal(t, 3*time.Hour, fresh.Backup.Interval)
	assert.True(t, fresh.Backup.Enabled)
}

func TestLoadFromStore_InvalidValue(t *testing.T) {
	d, err := db.OpenInMemory("config-invalid")
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	ctx := context.Background()

	require.NoError(t, d.KeyValue().Write(ctx, config.KeyBackupInterval, "weekly"))

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.ErrorIs(t, config.LoadFromStore(ctx, cfg, d.KeyValue()), storage.ErrInvalidInput)
}
