// Package db is the entry point to the workstate database. It fixes the
// on-disk layout and the order in which the storage domains are migrated,
// and hands out the domain stores.
package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/scrypster/workstate/internal/storage"
	"github.com/scrypster/workstate/internal/storage/sqlite"
)

// Migrations returns the registry applied to every database. Domains are
// listed in dependency order: panes reference workspaces and items
// reference panes.
func Migrations() storage.Registry {
	return storage.Registry{
		sqlite.KeyValueMigrations,
		sqlite.WorkspaceMigrations,
		sqlite.PaneMigrations,
		sqlite.ItemMigrations,
	}
}

// Database is an initialized, migrated database. It is safe for
// concurrent use; Clone hands out additional shares.
type Database struct {
	h   *sqlite.Handle
	loc *Location

	kv         *sqlite.KeyValueStore
	workspaces *sqlite.WorkspaceStore
	panes      *sqlite.PaneStore
	items      *sqlite.ItemStore
}

// Open opens the database of channel under root, creating the channel
// directory if needed. Errors wrapping storage.ErrUnavailable mean the
// location could not be created or opened; callers may fall back to
// OpenInMemory. Any other error is fatal to the database.
func Open(root, channel string, opts ...sqlite.Option) (*Database, error) {
	loc, err := NewLocation(root, channel)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(loc.Dir(), 0o755); err != nil {
		return nil, fmt.Errorf("db: %w: create %s: %w", storage.ErrUnavailable, loc.Dir(), err)
	}

	h, err := sqlite.Open(loc.Path(), true, withRegistry(opts)...)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", loc.Path(), err)
	}
	return newDatabase(h, &loc), nil
}

// OpenInMemory opens a private, migrated in-memory database. Nothing is
// written to disk. name only labels the instance in logs.
func OpenInMemory(name string, opts ...sqlite.Option) (*Database, error) {
	h, err := sqlite.Open(name, false, withRegistry(opts)...)
	if err != nil {
		return nil, fmt.Errorf("db: open in-memory %s: %w", name, err)
	}
	return newDatabase(h, nil), nil
}

// MustOpen is like Open but panics on error.
func MustOpen(root, channel string, opts ...sqlite.Option) *Database {
	d, err := Open(root, channel, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// OpenOrFallback opens the database of channel under root. When the
// location is unavailable it logs the cause and returns an in-memory
// database instead; initialization and migration failures are returned.
func OpenOrFallback(root, channel string, opts ...sqlite.Option) (*Database, error) {
	d, err := Open(root, channel, opts...)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, storage.ErrUnavailable) {
		return nil, err
	}
	log.Printf("db: %v; falling back to an in-memory database, state will not persist", err)
	return OpenInMemory(channel, opts...)
}

func withRegistry(opts []sqlite.Option) []sqlite.Option {
	return append([]sqlite.Option{sqlite.WithMigrations(Migrations())}, opts...)
}

func newDatabase(h *sqlite.Handle, loc *Location) *Database {
	return &Database{
		h:          h,
		loc:        loc,
		kv:         sqlite.NewKeyValueStore(h),
		workspaces: sqlite.NewWorkspaceStore(h),
		panes:      sqlite.NewPaneStore(h),
		items:      sqlite.NewItemStore(h),
	}
}

// Persisting reports whether the database is backed by a file.
func (d *Database) Persisting() bool {
	return d.h.Persistent()
}

// WriteFile writes a consistent copy of the database to path, replacing any
// existing file. The source is not modified and stays usable whether or not
// the copy succeeds.
func (d *Database) WriteFile(path string) error {
	return d.WriteFileContext(context.Background(), path)
}

// WriteFileContext is WriteFile with a context.
func (d *Database) WriteFileContext(ctx context.Context, path string) error {
	if err := d.h.Backup(ctx, path); err != nil {
		return fmt.Errorf("db: write to %s: %w", path, err)
	}
	return nil
}

// Location returns where the database lives, or false for an in-memory
// database.
func (d *Database) Location() (Location, bool) {
	if d.loc == nil {
		return Location{}, false
	}
	return *d.loc, true
}

// Clone returns another share of the same database.
func (d *Database) Clone() *Database {
	return newDatabase(d.h.Clone(), d.loc)
}

// Close releases this share; the last share closes the connections.
func (d *Database) Close() error {
	return d.h.Close()
}

// Handle exposes the shared connection handle.
func (d *Database) Handle() *sqlite.Handle { return d.h }

func (d *Database) KeyValue() storage.KeyValueStore   { return d.kv }
func (d *Database) Workspaces() storage.WorkspaceStore { return d.workspaces }
func (d *Database) Panes() storage.PaneStore           { return d.panes }
func (d *Database) Items() storage.ItemStore           { return d.items }
