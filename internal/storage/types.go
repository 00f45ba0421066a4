package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnavailable indicates that the storage location could not be
	// created or opened. Callers may fall back to an in-memory database.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrInitialization indicates that a freshly opened connection could not
	// be configured (pragmas, verification). The database must not be used.
	ErrInitialization = errors.New("database initialization failed")

	// ErrMigration indicates that a schema migration failed and was rolled back.
	ErrMigration = errors.New("migration failed")

	// ErrBackup indicates that the backup engine could not complete a copy.
	ErrBackup = errors.New("backup failed")

	// ErrClosed is returned when a handle is used after it was closed.
	ErrClosed = errors.New("database handle closed")

	// ErrInUse indicates that another connection holds the database file
	// open, in this process or another one.
	ErrInUse = errors.New("database in use")
)

// MigrationError describes a single migration that failed to apply.
// The transaction it ran in has been rolled back, so the applied-migration
// record for Domain still holds the index from before the attempt.
type MigrationError struct {
	Domain Domain
	Index  int
	Name   string
	Err    error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s/%d (%s): %v", e.Domain, e.Index, e.Name, e.Err)
}

// Unwrap lets errors.Is match both ErrMigration and the underlying cause.
func (e *MigrationError) Unwrap() []error {
	return []error{ErrMigration, e.Err}
}
