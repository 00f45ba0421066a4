package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/workstate/internal/db"
	"github.com/scrypster/workstate/internal/storage"
)

type failingSource struct{ calls int }

func (f *failingSource) WriteFile(string) error {
	f.calls++
	return errors.New("disk full")
}

func (f *failingSource) Persisting() bool { return true }

func openSource(t *testing.T) (*db.Database, db.Location) {
	t.Helper()
	d, err := db.Open(t.TempDir(), "stable")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	loc, _ := d.Location()
	return d, loc
}

func TestNewBackupService_Validates(t *testing.T) {
	_, err := NewBackupService(nil, BackupConfig{BackupDir: t.TempDir()})
	assert.Error(t, err)
	_, err = NewBackupService(&failingSource{}, BackupConfig{})
	assert.Error(t, err)
}

func TestBackupNow(t *testing.T) {
	d, _ := openSource(t)
	ctx := context.Background()
	require.NoError(t, d.KeyValue().Write(ctx, "k", "v"))

	dir := filepath.Join(t.TempDir(), "backups")
	service, err := NewBackupService(d, BackupConfig{BackupDir: dir, VerifyBackups: true})
	require.NoError(t, err)

	result, err := service.BackupNow(ctx)
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Positive(t, result.Size)
	assert.Equal(t, dir, filepath.Dir(result.Path))
	assert.Regexp(t, `^workstate-backup-\d{8}-\d{6}\.\d{6}\.sqlite$`, filepath.Base(result.Path))

	backups, err := service.ListBackups()
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	health, err := service.HealthCheck()
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.TotalBackups)
	assert.Equal(t, "closed", health.Breaker)
}

func TestBackupNow_RateLimited(t *testing.T) {
	d, err := db.OpenInMemory("rate")
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	service, err := NewBackupService(d, BackupConfig{
		BackupDir:         t.TempDir(),
		RequestsPerMinute: 0.001,
		RequestBurst:      1,
	})
	require.NoError(t, err)

	_, err = service.BackupNow(context.Background())
	require.NoError(t, err)
	_, err = service.BackupNow(context.Background())
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestScheduledBackups_BreakerOpensAfterFailures(t *testing.T) {
	src := &failingSource{}
	service, err := NewBackupService(src, BackupConfig{
		BackupDir:       t.TempDir(),
		MaxFailures:     2,
		FailureCooldown: time.Hour,
	})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := service.scheduled(ctx)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}

	_, err = service.scheduled(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, src.calls, "open breaker skips the source")

	health, err := service.HealthCheck()
	require.NoError(t, err)
	assert.Equal(t, "error", health.Status)
	assert.Equal(t, "open", health.Breaker)
}

func TestHealthCheck_InMemorySource(t *testing.T) {
	d, err := db.OpenInMemory("health")
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	service, err := NewBackupService(d, BackupConfig{BackupDir: t.TempDir()})
	require.NoError(t, err)

	health, err := service.HealthCheck()
	require.NoError(t, err)
	assert.Equal(t, "warning", health.Status)
}

func TestStartStop(t *testing.T) {
	d, _ := openSource(t)
	dir := t.TempDir()
	service, err := NewBackupService(d, BackupConfig{BackupDir: dir, Interval: 20 * time.Millisecond})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- service.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		backups, _ := service.ListBackups()
		return len(backups) > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return service.Stop() == nil }, time.Second, 5*time.Millisecond)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.Error(t, service.Stop(), "stopping twice fails")
}

func TestStart_RestartsAfterCancelAndStop(t *testing.T) {
	d, _ := openSource(t)
	service, err := NewBackupService(d, BackupConfig{BackupDir: t.TempDir(), Interval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Start(ctx) }()
	require.Eventually(t, func() bool {
		service.mu.Lock()
		defer service.mu.Unlock()
		return service.running
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	go func() { done <- service.Start(context.Background()) }()
	require.Eventually(t, func() bool { return service.Stop() == nil }, time.Second, 5*time.Millisecond)
	require.NoError(t, <-done)

	go func() { done <- service.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		service.mu.Lock()
		defer service.mu.Unlock()
		return service.running
	}, time.Second, 5*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("restarted service returned immediately: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, service.Stop())
	require.NoError(t, <-done)
}

func TestDatabaseIsSource(t *testing.T) {
	d, _ := openSource(t)
	var src Source = d
	assert.True(t, src.Persisting())

	_, isWriterTo := any(d).(io.WriterTo)
	assert.False(t, isWriterTo, "file backups must not look like io.WriterTo")
}

func TestRestore_RefusesDatabaseInUse(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	d, err := db.Open(root, "stable")
	require.NoError(t, err)
	require.NoError(t, d.KeyValue().Write(ctx, "k", "backed-up"))
	backupPath := filepath.Join(t.TempDir(), "snapshot.sqlite")
	require.NoError(t, d.WriteFile(backupPath))
	require.NoError(t, d.KeyValue().Write(ctx, "k", "live"))

	loc, err := db.NewLocation(root, "stable")
	require.NoError(t, err)

	err = Restore(ctx, backupPath, loc)
	require.ErrorIs(t, err, storage.ErrInUse)
	assert.NoFileExists(t, loc.Path()+".pre-restore")

	v, err := d.KeyValue().Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "live", v, "the open database keeps working")
	require.NoError(t, d.KeyValue().Write(ctx, "k", "still-live"))

	require.NoError(t, d.Close())
	require.NoError(t, Restore(ctx, backupPath, loc))

	d, err = db.Open(root, "stable")
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	v, err = d.KeyValue().Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "backed-up", v)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	d, err := db.Open(root, "stable")
	require.NoError(t, err)
	require.NoError(t, d.KeyValue().Write(ctx, "k", "backed-up"))
	backupPath := filepath.Join(t.TempDir(), "snapshot.sqlite")
	require.NoError(t, d.WriteFile(backupPath))
	require.NoError(t, d.KeyValue().Write(ctx, "k", "changed"))
	require.NoError(t, d.Close())

	loc, err := db.NewLocation(root, "stable")
	require.NoError(t, err)
	require.NoError(t, Restore(ctx, backupPath, loc))
	assert.NoFileExists(t, loc.Path()+".pre-restore")

	d, err = db.Open(root, "stable")
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	v, err := d.KeyValue().Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "backed-up", v)
}

func TestRestore_IntoEmptyLocation(t *testing.T) {
	ctx := context.Background()
	src, err := db.OpenInMemory("seed")
	require.NoError(t, err)
	require.NoError(t, src.KeyValue().Write(ctx, "k", "v"))
	backupPath := filepath.Join(t.TempDir(), "seed.sqlite")
	require.NoError(t, src.WriteFile(backupPath))
	require.NoError(t, src.Close())

	loc, err := db.NewLocation(filepath.Join(t.TempDir(), "fresh"), "stable")
	require.NoError(t, err)
	require.NoError(t, Restore(ctx, backupPath, loc))
	assert.FileExists(t, loc.Path())
}

func TestRestore_RejectsCorruptBackup(t *testing.T) {
	ctx := context.Background()
	d, loc := openSource(t)
	require.NoError(t, d.KeyValue().Write(ctx, "k", "original"))

	bad := filepath.Join(t.TempDir(), "bad.sqlite")
	require.NoError(t, os.WriteFile(bad, []byte("this is not a database file at all, not even close"), 0o600))

	err := Restore(ctx, bad, loc)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrBackup)

	v, err := d.KeyValue().Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "original", v, "a rejected backup never touches the database")
}
