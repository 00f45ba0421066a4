package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/workstate/internal/storage"
)

func TestNewLocation(t *testing.T) {
	loc, err := NewLocation("/data", "stable")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "0-stable"), loc.Dir())
	assert.Equal(t, filepath.Join("/data", "0-stable", "db.sqlite"), loc.Path())

	for _, bad := range []string{"", "  ", "a/b", ".."} {
		_, err := NewLocation("/data", bad)
		assert.ErrorIs(t, err, storage.ErrInvalidInput, "channel %q", bad)
	}
}

func TestMigrations_FixedDomainOrder(t *testing.T) {
	reg := Migrations()
	require.NoError(t, reg.Validate())
	require.Len(t, reg, 4)
	assert.Equal(t, storage.Domains(), []storage.Domain{reg[0].Domain, reg[1].Domain, reg[2].Domain, reg[3].Domain})
}

func TestOpen_CreatesChannelDatabase(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "root")

	d, err := Open(root, "dev")
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	assert.True(t, d.Persisting())
	assert.FileExists(t, filepath.Join(root, "0-dev", "db.sqlite"))

	loc, ok := d.Location()
	require.True(t, ok)
	assert.Equal(t, "dev", loc.Channel)

	applied, err := d.Handle().Applied(context.Background())
	require.NoError(t, err)
	for _, dm := range Migrations() {
		assert.Equal(t, dm.Latest(), applied[dm.Domain], "domain %s", dm.Domain)
	}
}

func TestOpen_ReopenKeepsDataAndMigratesOnce(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	d, err := Open(root, "stable")
	require.NoError(t, err)
	require.NoError(t, d.KeyValue().Write(ctx, "k", "v"))
	require.NoError(t, d.Close())

	d, err = Open(root, "stable")
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	v, err := d.KeyValue().Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	var rows int
	require.NoError(t, d.Handle().QueryRow(ctx, "SELECT COUNT(*) FROM migrations").Scan(&rows))
	assert.Equal(t, len(Migrations()), rows, "one record per domain")
}

func TestOpen_ChannelsAreSeparate(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	stable, err := Open(root, "stable")
	require.NoError(t, err)
	defer func() { _ = stable.Close() }()
	preview, err := Open(root, "preview")
	require.NoError(t, err)
	defer func() { _ = preview.Close() }()

	require.NoError(t, stable.KeyValue().Write(ctx, "k", "stable"))
	_, err = preview.KeyValue().Read(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOpen_UnavailableLocation(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	_, err := Open(blocker, "stable")
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	d, err := OpenOrFallback(blocker, "stable")
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	assert.False(t, d.Persisting())

	assert.Panics(t, func() { MustOpen(blocker, "stable") })
}

func TestOpenOrFallback_DoesNotMaskOtherErrors(t *testing.T) {
	_, err := OpenOrFallback(t.TempDir(), "")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestOpenInMemory(t *testing.T) {
	cwd := t.TempDir()
	prevWd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(cwd))
	t.Cleanup(func() { _ = os.Chdir(prevWd) })
	ctx := context.Background()

	a, err := OpenInMemory("scratch")
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	b, err := OpenInMemory("scratch")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	assert.False(t, a.Persisting())
	_, ok := a.Location()
	assert.False(t, ok)

	require.NoError(t, a.KeyValue().Write(ctx, "k", "v"))
	_, err = b.KeyValue().Read(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound, "in-memory databases are never shared")

	entries, err := os.ReadDir(cwd)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is written to disk")
}

func TestWriteFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, persistent := range []bool{true, false} {
		var (
			d   *Database
			err error
		)
		if persistent {
			d, err = Open(filepath.Join(dir, "src"), "stable")
		} else {
			d, err = OpenInMemory("src")
		}
		require.NoError(t, err)

		ws, err := d.Workspaces().WorkspaceFor(ctx, []string{"/proj"})
		require.NoError(t, err)

		dest := filepath.Join(dir, "copy.sqlite")
		require.NoError(t, os.WriteFile(dest, []byte("stale"), 0o600))
		require.NoError(t, d.WriteFile(dest))

		require.NoError(t, d.KeyValue().Write(ctx, "after", "copy"), "source stays writable")
		require.NoError(t, d.Close())

		restored, err := Open(filepath.Join(dir, "restored"), "stable")
		require.NoError(t, err)
		require.NoError(t, restored.Close())
		require.NoError(t, os.Rename(dest, filepath.Join(dir, "restored", "0-stable", FileName)))

		restored, err = Open(filepath.Join(dir, "restored"), "stable")
		require.NoError(t, err)
		got, err := restored.Workspaces().Get(ctx, ws.ID)
		require.NoError(t, err, "persistent=%v", persistent)
		assert.Equal(t, []string{"/proj"}, got.Roots)
		_, err = restored.KeyValue().Read(ctx, "after")
		assert.ErrorIs(t, err, storage.ErrNotFound, "the copy is a snapshot")
		require.NoError(t, restored.Close())
		require.NoError(t, os.RemoveAll(filepath.Join(dir, "restored")))
	}
}

func TestWriteFile_FailureLeavesSourceUsable(t *testing.T) {
	d, err := OpenInMemory("src")
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	err = d.WriteFile(filepath.Join(t.TempDir(), "missing", "copy.sqlite"))
	assert.ErrorIs(t, err, storage.ErrBackup)
	assert.NoError(t, d.KeyValue().Write(context.Background(), "still", "works"))
}

func TestClone(t *testing.T) {
	d, err := OpenInMemory("clone")
	require.NoError(t, err)
	ctx := context.Background()

	c := d.Clone()
	require.NoError(t, d.Close())
	require.NoError(t, c.KeyValue().Write(ctx, "k", "v"))
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.KeyValue().Write(ctx, "k", "v"), storage.ErrClosed)
}
