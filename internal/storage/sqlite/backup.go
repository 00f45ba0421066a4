package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/workstate/internal/storage"
)

// Backup writes a consistent snapshot of the database to dest, replacing
// any file already there. The snapshot is built next to dest under a
// temporary name and renamed into place, so dest is never left half
// written. Writers are not blocked while a persistent database is copied.
//
// Errors wrap storage.ErrBackup.
func (h *Handle) Backup(ctx context.Context, dest string) error {
	if err := h.check(); err != nil {
		return err
	}
	if dest == "" {
		return fmt.Errorf("sqlite: backup: %w: destination is required", storage.ErrInvalidInput)
	}

	tmp := filepath.Join(filepath.Dir(dest), fmt.Sprintf(".%s.%s.tmp", filepath.Base(dest), uuid.NewString()))
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("sqlite: %w: prepare %s: %w", storage.ErrBackup, tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("sqlite: %w: prepare %s: %w", storage.ErrBackup, tmp, err)
	}

	if err := h.vacuumInto(ctx, tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("sqlite: %w: copy %s: %v", storage.ErrBackup, h.s.name, err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("sqlite: %w: replace %s: %w", storage.ErrBackup, dest, err)
	}
	return nil
}

// vacuumInto copies the database into the empty file at target. File
// databases are read through a dedicated read-only connection; the
// in-memory database only exists on the writer connection.
func (h *Handle) vacuumInto(ctx context.Context, target string) error {
	src := h.s.writer
	if h.s.persistent {
		db, err := sql.Open(driverName, buildDSN(h.s.path, false, connParams{
			busyTimeout: h.s.busy,
			readOnly:    true,
		}))
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(1)
		src = db
	}

	_, err := src.ExecContext(ctx, "VACUUM INTO ?", target)
	return err
}

// VerifyFile runs an integrity check over the database file at path. The
// file must exist; it is never created.
func VerifyFile(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("sqlite: verify %s: %w", path, err)
	}

	db, err := sql.Open(driverName, buildDSN(path, false, connParams{queryOnly: true}))
	if err != nil {
		return fmt.Errorf("sqlite: verify %s: %w", path, err)
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return fmt.Errorf("sqlite: %w: verify %s: %v", storage.ErrBackup, path, err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fmt.Errorf("sqlite: verify %s: %w", path, err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite: %w: verify %s: %v", storage.ErrBackup, path, err)
	}
	if len(problems) > 0 {
		return fmt.Errorf("sqlite: %w: integrity check of %s: %s", storage.ErrBackup, path, strings.Join(problems, "; "))
	}
	return nil
}

// EnsureIdle fails with storage.ErrInUse when any connection, in this
// process or another, holds the database at path open. A missing file is
// idle.
//
// The check opens the file in exclusive locking mode: a WAL database keeps
// a shared lock on its file for as long as any connection is open, so the
// exclusive lock is only granted to the sole user. The result is a
// snapshot; a process may open the file right after the check.
func EnsureIdle(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sqlite: check %s: %w", path, err)
	}

	db, err := sql.Open(driverName, buildDSN(path, false, connParams{
		pragmas:     []Pragma{{Name: "locking_mode", Value: "EXCLUSIVE"}},
		busyTimeout: 100 * time.Millisecond,
	}))
	if err != nil {
		return fmt.Errorf("sqlite: check %s: %w", path, err)
	}
	defer func() { _ = db.Close() }()

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: check %s: %w", path, err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN EXCLUSIVE"); err != nil {
		if isBusy(err) {
			return fmt.Errorf("sqlite: %s: %w", path, storage.ErrInUse)
		}
		return fmt.Errorf("sqlite: check %s: %w", path, err)
	}
	if _, err := conn.ExecContext(ctx, "ROLLBACK"); err != nil {
		return fmt.Errorf("sqlite: check %s: %w", path, err)
	}
	return nil
}
