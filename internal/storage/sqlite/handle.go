// Package sqlite binds the workstate storage layer to an embedded SQLite
// engine. Its Handle is the shared, reference-counted connection every
// domain store is built on.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/scrypster/workstate/internal/storage"
)

const (
	defaultReadConns   = 4
	defaultBusyTimeout = 5 * time.Second
)

type options struct {
	pragmas     []Pragma
	registry    storage.Registry
	readConns   int
	busyTimeout time.Duration
}

// Option configures a Handle at construction.
type Option func(*options)

// WithInitializeQuery sets the pragmas applied to every connection.
// Default: InitializeQuery().
func WithInitializeQuery(pragmas ...Pragma) Option {
	return func(o *options) { o.pragmas = pragmas }
}

// WithMigrations sets the migrations brought up to date before Open returns.
func WithMigrations(registry storage.Registry) Option {
	return func(o *options) { o.registry = registry }
}

// WithReadConns sets the size of the reader pool of persistent handles.
// Default: 4.
func WithReadConns(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readConns = n
		}
	}
}

// WithBusyTimeout sets how long a connection waits on a lock held by
// another process before failing. Default: 5s.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// shared is the state every clone of a Handle points at.
type shared struct {
	name       string
	path       string
	persistent bool
	journal    string
	busy       time.Duration

	// writer is pinned to a single connection, which serializes writes in
	// this process. reader is a separate query_only pool for persistent
	// databases; in memory both fields hold the same single connection.
	writer *sql.DB
	reader *sql.DB

	refs atomic.Int64
}

// Handle is a thread-safe share of one database. Clones refer to the same
// connections; the last share to be closed closes them.
type Handle struct {
	s      *shared
	closed atomic.Bool
}

// Open opens nameOrPath and initializes it. When persistent is true
// nameOrPath is a file path; otherwise a private in-memory database is
// created and nameOrPath only names it in logs. In-memory databases are
// never shared: two handles opened with the same name are independent.
//
// The initialize query and migrations have completed when Open returns.
// Errors wrap storage.ErrUnavailable when the file cannot be opened,
// storage.ErrInitialization when the connection cannot be configured, and
// storage.ErrMigration when a migration fails.
func Open(nameOrPath string, persistent bool, opts ...Option) (*Handle, error) {
	o := options{
		pragmas:     InitializeQuery(),
		readConns:   defaultReadConns,
		busyTimeout: defaultBusyTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if persistent && nameOrPath == "" {
		return nil, fmt.Errorf("sqlite: %w: database path is required", storage.ErrInvalidInput)
	}

	ctx := context.Background()
	s := &shared{name: nameOrPath, persistent: persistent, busy: o.busyTimeout}
	if persistent {
		s.path = nameOrPath
	}

	writer, err := sql.Open(driverName, buildDSN(s.path, !persistent, connParams{
		pragmas:     o.pragmas,
		busyTimeout: o.busyTimeout,
		immediate:   true,
	}))
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w: %v", storage.ErrInitialization, err)
	}
	pin(writer)
	s.writer = writer

	if err := writer.PingContext(ctx); err != nil {
		_ = writer.Close()
		if isUnavailable(err) {
			return nil, fmt.Errorf("sqlite: open %s: %w: %v", nameOrPath, storage.ErrUnavailable, err)
		}
		return nil, fmt.Errorf("sqlite: open %s: %w: %v", nameOrPath, storage.ErrInitialization, err)
	}

	s.journal, err = verifyPragmas(ctx, writer, o.pragmas, !persistent)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("sqlite: %s: %w", nameOrPath, err)
	}

	applied, err := migrate(ctx, writer, o.registry)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("sqlite: %s: %w", nameOrPath, err)
	}

	s.reader = writer
	if persistent {
		reader, err := openReader(ctx, s.path, o)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		s.reader = reader
	}

	s.refs.Store(1)
	log.Printf("sqlite: opened %s (persistent=%v, journal=%s, migrations applied=%d)",
		nameOrPath, persistent, s.journal, applied)
	return &Handle{s: s}, nil
}

// pin keeps exactly one connection open for the lifetime of the pool. An
// in-memory database lives only as long as its connection.
func pin(db *sql.DB) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
}

func openReader(ctx context.Context, path string, o options) (*sql.DB, error) {
	reader, err := sql.Open(driverName, buildDSN(path, false, connParams{
		pragmas:     o.pragmas,
		busyTimeout: o.busyTimeout,
		queryOnly:   true,
	}))
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w: open read pool: %v", storage.ErrInitialization, err)
	}
	reader.SetMaxOpenConns(o.readConns)
	reader.SetMaxIdleConns(o.readConns)
	reader.SetConnMaxIdleTime(10 * time.Minute)

	if err := reader.PingContext(ctx); err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("sqlite: %w: ping read pool: %v", storage.ErrInitialization, err)
	}
	return reader, nil
}

func migrate(ctx context.Context, db *sql.DB, registry storage.Registry) (int, error) {
	if len(registry) == 0 {
		return 0, nil
	}
	mgr, err := storage.NewMigrationManager(ctx, db, registry)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", storage.ErrInitialization, err)
	}
	return mgr.Up(ctx)
}

// Clone returns a new share of the same database. Cloning a closed share
// returns a closed share.
func (h *Handle) Clone() *Handle {
	c := &Handle{s: h.s}
	if h.closed.Load() {
		c.closed.Store(true)
		return c
	}
	h.s.refs.Add(1)
	return c
}

// Close releases this share. Closing a share twice is a no-op. The
// connections are closed when the last share is released.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	if h.s.refs.Add(-1) > 0 {
		return nil
	}

	var errs []error
	if h.s.reader != h.s.writer {
		errs = append(errs, h.s.reader.Close())
	}
	errs = append(errs, h.s.writer.Close())
	log.Printf("sqlite: closed %s", h.s.name)
	return errors.Join(errs...)
}

func (h *Handle) check() error {
	if h.closed.Load() {
		return storage.ErrClosed
	}
	return nil
}

// Persistent reports whether the database is backed by a file.
func (h *Handle) Persistent() bool { return h.s.persistent }

// Path returns the database file path, or "" for in-memory databases.
func (h *Handle) Path() string { return h.s.path }

// Name returns the path or in-memory name the handle was opened with.
func (h *Handle) Name() string { return h.s.name }

// JournalMode returns the journal mode reported by the engine ("wal" for
// files, "memory" for in-memory databases).
func (h *Handle) JournalMode() string { return h.s.journal }

// Write runs fn in a write transaction. Writes from all shares are
// serialized: a concurrent Write waits until the current one finishes. The
// transaction is rolled back if fn returns an error or panics.
func (h *Handle) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := h.check(); err != nil {
		return err
	}
	return runTx(ctx, h.s.writer, fn)
}

// Read runs fn in a read transaction that sees a consistent snapshot of
// committed data. Persistent handles serve reads from a separate pool, so
// reads proceed while a write is in progress.
func (h *Handle) Read(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := h.check(); err != nil {
		return err
	}
	return runTx(ctx, h.s.reader, fn)
}

func runTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Exec runs a statement on the writer connection outside an explicit
// transaction.
func (h *Handle) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	return h.s.writer.ExecContext(ctx, query, args...)
}

// Query runs a query on the reader pool.
func (h *Handle) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	return h.s.reader.QueryContext(ctx, query, args...)
}

// QueryRow runs a query expected to return at most one row on the reader
// pool. A closed share yields a row whose Scan returns ErrClosed.
func (h *Handle) QueryRow(ctx context.Context, query string, args ...any) *Row {
	if err := h.check(); err != nil {
		return &Row{err: err}
	}
	return &Row{row: h.s.reader.QueryRowContext(ctx, query, args...)}
}

// Row wraps *sql.Row so that use-after-close surfaces on Scan.
type Row struct {
	row *sql.Row
	err error
}

// Scan copies the row's columns into dest.
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.row.Scan(dest...)
}

// Applied returns the recorded migration step of every domain.
func (h *Handle) Applied(ctx context.Context) (map[storage.Domain]int, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	return storage.AppliedSteps(ctx, h.s.reader)
}
