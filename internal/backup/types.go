// Package backup keeps timestamped, verified copies of the workstate
// database with tiered retention, and restores them offline.
package backup

import (
	"errors"
	"time"
)

var (
	// ErrRateLimited is returned by BackupNow when on-demand backups are
	// requested faster than the configured rate.
	ErrRateLimited = errors.New("backup rate limit exceeded")

	// ErrCircuitOpen is returned when repeated backup failures have opened
	// the circuit and scheduled backups are paused.
	ErrCircuitOpen = errors.New("backup circuit breaker is open")
)

// Source is a database that can write a consistent copy of itself.
// *db.Database implements it.
type Source interface {
	WriteFile(path string) error
	Persisting() bool
}

// BackupConfig holds backup service configuration.
type BackupConfig struct {
	// BackupDir is the directory where backups will be stored
	BackupDir string

	// Interval is the duration between scheduled backups (default: 24h)
	Interval time.Duration

	// Retention defines how many backups to keep at each age tier
	Retention RetentionPolicy

	// VerifyBackups runs an integrity check after each backup
	VerifyBackups bool

	// RequestsPerMinute limits on-demand backups (default: 6)
	RequestsPerMinute float64

	// RequestBurst is the number of on-demand backups allowed at once (default: 2)
	RequestBurst int

	// MaxFailures is the number of consecutive scheduled failures that
	// pause scheduled backups (default: 3)
	MaxFailures uint32

	// FailureCooldown is how long scheduled backups stay paused (default: 5m)
	FailureCooldown time.Duration
}

// RetentionPolicy defines how many backups to keep at each tier.
// Backups are categorized by age:
// - Hourly: backups less than 24 hours old
// - Daily: backups between 1-7 days old
// - Weekly: backups between 7-30 days old
// - Monthly: backups between 30-365 days old
type RetentionPolicy struct {
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
}

// BackupInfo contains metadata about a backup file.
type BackupInfo struct {
	Path      string
	Timestamp time.Time
	Size      int64
}

// BackupResult contains the result of a backup operation.
type BackupResult struct {
	Path     string
	Duration time.Duration
	Size     int64
	Verified bool
	Error    error
}

// HealthStatus represents the health of the backup service.
type HealthStatus struct {
	// Status is the overall health status: "healthy", "warning", or "error"
	Status  string
	Message string

	LastBackup    time.Time
	NextBackup    time.Time
	TotalBackups  int
	BackupDir     string
	DiskSpaceUsed int64

	// Breaker is the state of the scheduled-backup circuit breaker
	Breaker string
}
