package storage_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/scrypster/workstate/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testRegistry() storage.Registry {
	return storage.Registry{
		{Domain: storage.DomainKeyValue, Migrations: []storage.Migration{
			{Index: 1, Name: "kv", Script: "CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)"},
		}},
		{Domain: storage.DomainWorkspace, Migrations: []storage.Migration{
			{Index: 1, Name: "ws", Script: "CREATE TABLE ws (id INTEGER PRIMARY KEY)"},
			{Index: 2, Name: "ws_name", Script: "ALTER TABLE ws ADD COLUMN name TEXT"},
		}},
		{Domain: storage.DomainPane, Migrations: []storage.Migration{
			{Index: 1, Name: "pane", Script: "CREATE TABLE pane (id INTEGER PRIMARY KEY, ws INTEGER REFERENCES ws(id))"},
		}},
	}
}

func TestDomain_Names(t *testing.T) {
	assert.Equal(t, "kvp", storage.DomainKeyValue.String())
	assert.Equal(t, "item", storage.DomainItem.String())
	assert.False(t, storage.Domain(42).Valid())

	d, err := storage.ParseDomain("pane")
	require.NoError(t, err)
	assert.Equal(t, storage.DomainPane, d)

	_, err = storage.ParseDomain("nope")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestRegistry_Total(t *testing.T) {
	assert.Equal(t, 4, testRegistry().Total())
	assert.Equal(t, 0, storage.Registry{}.Total())
}

func TestRegistry_Validate(t *testing.T) {
	require.NoError(t, testRegistry().Validate())
	require.NoError(t, storage.Registry{}.Validate())

	tests := []struct {
		name string
		reg  storage.Registry
	}{
		{"out of order domains", storage.Registry{
			{Domain: storage.DomainPane},
			{Domain: storage.DomainWorkspace},
		}},
		{"duplicate domain", storage.Registry{
			{Domain: storage.DomainKeyValue},
			{Domain: storage.DomainKeyValue},
		}},
		{"unknown domain", storage.Registry{{Domain: storage.Domain(9)}}},
		{"zero index", storage.Registry{{Domain: storage.DomainKeyValue, Migrations: []storage.Migration{
			{Index: 0, Name: "a", Script: "SELECT 1"},
		}}}},
		{"repeated index", storage.Registry{{Domain: storage.DomainKeyValue, Migrations: []storage.Migration{
			{Index: 1, Name: "a", Script: "SELECT 1"},
			{Index: 1, Name: "b", Script: "SELECT 1"},
		}}}},
		{"empty script", storage.Registry{{Domain: storage.DomainKeyValue, Migrations: []storage.Migration{
			{Index: 1, Name: "a", Script: "  "},
		}}}},
		{"empty name", storage.Registry{{Domain: storage.DomainKeyValue, Migrations: []storage.Migration{
			{Index: 1, Script: "SELECT 1"},
		}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.reg.Validate(), storage.ErrInvalidInput)
		})
	}
}

func TestMigrationManager_UpAppliesInOrderOnce(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	mgr, err := storage.NewMigrationManager(ctx, db, testRegistry())
	require.NoError(t, err)

	n, err := mgr.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	applied, err := mgr.Applied(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[storage.Domain]int{
		storage.DomainKeyValue:  1,
		storage.DomainWorkspace: 2,
		storage.DomainPane:      1,
	}, applied)

	n, err = mgr.Up(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second run must not reapply anything")

	_, err = mgr.Version(ctx, storage.DomainItem)
	assert.ErrorIs(t, err, storage.ErrNoMigration)
	v, err := mgr.Version(ctx, storage.DomainWorkspace)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestMigrationManager_AppliesOnlyNewMigrations(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	reg := testRegistry()
	first := storage.Registry{reg[0], {Domain: storage.DomainWorkspace, Migrations: reg[1].Migrations[:1]}}
	mgr, err := storage.NewMigrationManager(ctx, db, first)
	require.NoError(t, err)
	_, err = mgr.Up(ctx)
	require.NoError(t, err)

	mgr, err = storage.NewMigrationManager(ctx, db, reg)
	require.NoError(t, err)
	n, err := mgr.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "ws_name and pane")

	_, err = db.ExecContext(ctx, "INSERT INTO ws (id, name) VALUES (1, 'a')")
	assert.NoError(t, err)
}

func TestMigrationManager_FailureRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	reg := testRegistry()
	reg[1].Migrations = append(reg[1].Migrations, storage.Migration{
		Index: 3,
		Name:  "broken",
		Script: `CREATE TABLE half_done (id INTEGER);
			INSERT INTO no_such_table VALUES (1);`,
	})

	mgr, err := storage.NewMigrationManager(ctx, db, reg)
	require.NoError(t, err)
	n, err := mgr.Up(ctx)
	require.Error(t, err)
	assert.Equal(t, 3, n, "kv, ws and ws_name applied before the failure")
	assert.ErrorIs(t, err, storage.ErrMigration)

	var merr *storage.MigrationError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, storage.DomainWorkspace, merr.Domain)
	assert.Equal(t, 3, merr.Index)
	assert.Equal(t, "broken", merr.Name)

	v, err := mgr.Version(ctx, storage.DomainWorkspace)
	require.NoError(t, err)
	assert.Equal(t, 2, v, "record keeps the step from before the failed migration")

	var count int
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE name = 'half_done'").Scan(&count))
	assert.Zero(t, count, "partial effects of the failed script are rolled back")

	_, err = mgr.Version(ctx, storage.DomainPane)
	assert.ErrorIs(t, err, storage.ErrNoMigration, "later domains are not attempted")
}

func TestMigrationManager_NewerRecordedStepIsTolerated(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	mgr, err := storage.NewMigrationManager(ctx, db, testRegistry())
	require.NoError(t, err)
	_, err = mgr.Up(ctx)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, "UPDATE migrations SET step = 7 WHERE domain = 'workspace'")
	require.NoError(t, err)

	n, err := mgr.Up(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	v, err := mgr.Version(ctx, storage.DomainWorkspace)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestAppliedSteps_UninitializedDatabase(t *testing.T) {
	db := openTestDB(t)
	applied, err := storage.AppliedSteps(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestNewMigrationManager_InvalidRegistry(t *testing.T) {
	db := openTestDB(t)
	_, err := storage.NewMigrationManager(context.Background(), db, storage.Registry{
		{Domain: storage.DomainItem},
		{Domain: storage.DomainKeyValue},
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
