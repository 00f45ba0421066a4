// Package storage defines the schema migration engine and the store
// interfaces shared by every backend of the workstate database.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
)

// ErrNoMigration indicates no migration has been applied yet for a domain.
var ErrNoMigration = errors.New("no migration")

// Domain identifies a logical group of schema migrations. The numeric order
// of the constants is the order in which domains are migrated: later domains
// may hold foreign keys into tables created by earlier ones.
type Domain int

const (
	DomainKeyValue Domain = iota + 1
	DomainWorkspace
	DomainPane
	DomainItem
)

var domainNames = map[Domain]string{
	DomainKeyValue:  "kvp",
	DomainWorkspace: "workspace",
	DomainPane:      "pane",
	DomainItem:      "item",
}

// Domains returns every known domain in migration order.
func Domains() []Domain {
	return []Domain{DomainKeyValue, DomainWorkspace, DomainPane, DomainItem}
}

// String returns the name under which the domain is recorded in the
// migrations table.
func (d Domain) String() string {
	if name, ok := domainNames[d]; ok {
		return name
	}
	return fmt.Sprintf("domain(%d)", int(d))
}

// Valid reports whether d is one of the known domains.
func (d Domain) Valid() bool {
	_, ok := domainNames[d]
	return ok
}

// ParseDomain maps a recorded domain name back to its Domain.
func ParseDomain(name string) (Domain, error) {
	for d, n := range domainNames {
		if n == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown domain %q", ErrInvalidInput, name)
}

// Migration is a one-way schema change. Index is the position of the
// migration within its domain, starting at 1.
type Migration struct {
	Index  int
	Name   string
	Script string
}

// DomainMigrations is the ordered list of migrations of a single domain.
type DomainMigrations struct {
	Domain     Domain
	Migrations []Migration
}

// Latest returns the highest index known for the domain, or 0 if it has none.
func (dm DomainMigrations) Latest() int {
	if len(dm.Migrations) == 0 {
		return 0
	}
	return dm.Migrations[len(dm.Migrations)-1].Index
}

// Registry is the full, ordered set of migrations applied to a database.
// It is assembled once by the caller that owns the schema.
type Registry []DomainMigrations

// Validate checks the ordering rules the migration engine relies on:
// domains appear at most once and in Domain order, and indices within a
// domain start above zero and strictly increase.
func (r Registry) Validate() error {
	var prev Domain
	for _, dm := range r {
		if !dm.Domain.Valid() {
			return fmt.Errorf("%w: registry contains unknown domain %d", ErrInvalidInput, int(dm.Domain))
		}
		if dm.Domain <= prev {
			return fmt.Errorf("%w: domain %s listed after %s", ErrInvalidInput, dm.Domain, prev)
		}
		prev = dm.Domain

		last := 0
		for _, m := range dm.Migrations {
			if m.Index <= last {
				return fmt.Errorf("%w: %s migration index %d does not follow %d", ErrInvalidInput, dm.Domain, m.Index, last)
			}
			if strings.TrimSpace(m.Name) == "" {
				return fmt.Errorf("%w: %s migration %d has no name", ErrInvalidInput, dm.Domain, m.Index)
			}
			if strings.TrimSpace(m.Script) == "" {
				return fmt.Errorf("%w: %s migration %d (%s) has an empty script", ErrInvalidInput, dm.Domain, m.Index, m.Name)
			}
			last = m.Index
		}
	}
	return nil
}

// Total returns the number of migrations across all domains.
func (r Registry) Total() int {
	n := 0
	for _, dm := range r {
		n += len(dm.Migrations)
	}
	return n
}

// MigrationManager applies a Registry to a database, tracking the highest
// applied index per domain in the migrations table.
type MigrationManager struct {
	db       *sql.DB
	registry Registry
}

// NewMigrationManager validates the registry and ensures the bookkeeping
// table exists.
func NewMigrationManager(ctx context.Context, db *sql.DB, registry Registry) (*MigrationManager, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: database connection is required")
	}

	if err := registry.Validate(); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}

	mgr := &MigrationManager{
		db:       db,
		registry: registry,
	}

	if err := mgr.ensureSchemaTable(ctx); err != nil {
		return nil, fmt.Errorf("migrations: failed to create schema table: %w", err)
	}

	return mgr, nil
}

// ensureSchemaTable creates the migrations table if it doesn't exist.
func (mgr *MigrationManager) ensureSchemaTable(ctx context.Context) error {
	_, err := mgr.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			domain TEXT PRIMARY KEY,
			step INTEGER NOT NULL,
			name TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// Up applies every pending migration, domain by domain in registry order.
// Each migration runs in its own transaction together with the update of
// its domain's record. It returns the number of migrations applied; on
// failure the returned error is a *MigrationError and nothing from the
// failed migration is kept.
func (mgr *MigrationManager) Up(ctx context.Context) (int, error) {
	applied, err := mgr.Applied(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, dm := range mgr.registry {
		current := applied[dm.Domain]
		if current > dm.Latest() {
			log.Printf("migrations: %s is at step %d, newer than the latest known step %d; leaving schema untouched",
				dm.Domain, current, dm.Latest())
			continue
		}

		for _, m := range dm.Migrations {
			if m.Index <= current {
				continue
			}

			ran, err := mgr.apply(ctx, dm.Domain, m)
			if err != nil {
				return count, &MigrationError{Domain: dm.Domain, Index: m.Index, Name: m.Name, Err: err}
			}
			if ran {
				log.Printf("migrations: applied %s/%d (%s)", dm.Domain, m.Index, m.Name)
				count++
			}
			current = m.Index
		}
	}

	return count, nil
}

// apply runs one migration. The record is re-read inside the transaction so
// that a migration another initializer committed in the meantime is skipped.
func (mgr *MigrationManager) apply(ctx context.Context, domain Domain, m Migration) (ran bool, err error) {
	tx, err := mgr.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	step, err := stepOf(ctx, tx, domain)
	if err != nil {
		return false, err
	}
	if step >= m.Index {
		return false, tx.Commit()
	}

	if _, err = tx.ExecContext(ctx, m.Script); err != nil {
		return false, err
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO migrations (domain, step, name)
		VALUES (?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			step = excluded.step,
			name = excluded.name,
			applied_at = CURRENT_TIMESTAMP
	`, domain.String(), m.Index, m.Name); err != nil {
		return false, fmt.Errorf("record step: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func stepOf(ctx context.Context, tx *sql.Tx, domain Domain) (int, error) {
	var step int
	err := tx.QueryRowContext(ctx, "SELECT step FROM migrations WHERE domain = ?", domain.String()).Scan(&step)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read step: %w", err)
	}
	return step, nil
}

// Applied returns the recorded step of every known domain. Domains without a
// record are absent from the map. Records for domain names this build does
// not know are ignored.
func (mgr *MigrationManager) Applied(ctx context.Context) (map[Domain]int, error) {
	return AppliedSteps(ctx, mgr.db)
}

// Version returns the highest applied index of a domain.
// Returns (0, ErrNoMigration) when the domain has no record.
func (mgr *MigrationManager) Version(ctx context.Context, domain Domain) (int, error) {
	var step int
	err := mgr.db.QueryRowContext(ctx, "SELECT step FROM migrations WHERE domain = ?", domain.String()).Scan(&step)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoMigration
	}
	if err != nil {
		return 0, fmt.Errorf("migrations: failed to query version: %w", err)
	}
	return step, nil
}

// Querier is the read side of *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// AppliedSteps reads the migrations table through q. A database that was
// never initialized yields an empty map.
func AppliedSteps(ctx context.Context, q Querier) (map[Domain]int, error) {
	exists, err := q.QueryContext(ctx, "SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'migrations'")
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to look up schema table: %w", err)
	}
	found := exists.Next()
	if err := exists.Close(); err != nil {
		return nil, fmt.Errorf("migrations: failed to look up schema table: %w", err)
	}
	if !found {
		return map[Domain]int{}, nil
	}

	rows, err := q.QueryContext(ctx, "SELECT domain, step FROM migrations")
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to query applied steps: %w", err)
	}
	defer rows.Close()

	applied := make(map[Domain]int)
	for rows.Next() {
		var name string
		var step int
		if err := rows.Scan(&name, &step); err != nil {
			return nil, fmt.Errorf("migrations: failed to scan applied step: %w", err)
		}
		domain, err := ParseDomain(name)
		if err != nil {
			continue
		}
		applied[domain] = step
	}
	return applied, rows.Err()
}
