package backup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/scrypster/workstate/internal/storage/sqlite"
)

// FilePrefix and FileExt name every backup file:
// workstate-backup-<timestamp>.sqlite.
const (
	FilePrefix = "workstate-backup-"
	FileExt    = ".sqlite"
)

// BackupService takes backups of a Source on a schedule and on demand.
type BackupService struct {
	source        Source
	backupDir     string
	interval      time.Duration
	retention     RetentionPolicy
	verifyBackups bool

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	mu             sync.Mutex
	running        bool
	stopCh         chan struct{}
	lastBackupTime time.Time
	nextBackupTime time.Time
	lastError      error
}

// NewBackupService creates a backup service for source.
func NewBackupService(source Source, config BackupConfig) (*BackupService, error) {
	if source == nil {
		return nil, fmt.Errorf("backup: source database is required")
	}
	if config.BackupDir == "" {
		return nil, fmt.Errorf("backup: backup directory is required")
	}

	if config.Interval <= 0 {
		config.Interval = 24 * time.Hour
	}
	config.Retention = config.Retention.withDefaults()
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 6
	}
	if config.RequestBurst <= 0 {
		config.RequestBurst = 2
	}
	if config.MaxFailures == 0 {
		config.MaxFailures = 3
	}
	if config.FailureCooldown <= 0 {
		config.FailureCooldown = 5 * time.Minute
	}

	if err := os.MkdirAll(config.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: failed to create backup directory: %w", err)
	}

	maxFailures := config.MaxFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ScheduledBackups",
		MaxRequests: 1,
		Timeout:     config.FailureCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("backup: %s breaker %s -> %s", name, from, to)
		},
	})

	return &BackupService{
		source:        source,
		backupDir:     config.BackupDir,
		interval:      config.Interval,
		retention:     config.Retention,
		verifyBackups: config.VerifyBackups,
		limiter:       rate.NewLimiter(rate.Limit(config.RequestsPerMinute/60), config.RequestBurst),
		breaker:       breaker,
	}, nil
}

func (p RetentionPolicy) withDefaults() RetentionPolicy {
	if p.Hourly == 0 {
		p.Hourly = 24
	}
	if p.Daily == 0 {
		p.Daily = 7
	}
	if p.Weekly == 0 {
		p.Weekly = 4
	}
	if p.Monthly == 0 {
		p.Monthly = 12
	}
	return p
}

// Start runs scheduled backups until ctx is cancelled or Stop is called.
// The service can be started again once Start has returned.
func (s *BackupService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("backup: service is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.nextBackupTime = time.Now().Add(s.interval)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.stopCh = nil
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("backup: service started: interval=%v, backup_dir=%s", s.interval, s.backupDir)

	for {
		select {
		case <-ctx.Done():
			log.Println("backup: service stopping (context cancelled)")
			return ctx.Err()

		case <-stop:
			log.Println("backup: service stopping (stop requested)")
			return nil

		case <-ticker.C:
			result, err := s.scheduled(ctx)
			switch {
			case errors.Is(err, ErrCircuitOpen):
				log.Printf("backup: scheduled backup skipped: %v", err)
			case err != nil:
				log.Printf("backup: scheduled backup failed: %v", err)
			default:
				log.Printf("backup: scheduled backup completed: path=%s, size=%d bytes, duration=%v, verified=%v",
					result.Path, result.Size, result.Duration, result.Verified)
			}

			s.mu.Lock()
			s.nextBackupTime = time.Now().Add(s.interval)
			s.mu.Unlock()
		}
	}
}

// Stop asks the running Start to return. It fails if the service is not
// running or a stop is already pending.
func (s *BackupService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.stopCh == nil {
		return fmt.Errorf("backup: service is not running")
	}

	close(s.stopCh)
	s.stopCh = nil
	return nil
}

func (s *BackupService) scheduled(ctx context.Context) (*BackupResult, error) {
	if !s.source.Persisting() {
		return nil, fmt.Errorf("backup: source is not persisting, nothing to back up")
	}
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.backup(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	if err != nil {
		return nil, err
	}
	return out.(*BackupResult), nil
}

// BackupNow takes an on-demand backup. Requests beyond the configured rate
// fail with ErrRateLimited.
func (s *BackupService) BackupNow(ctx context.Context) (*BackupResult, error) {
	if !s.limiter.Allow() {
		return nil, ErrRateLimited
	}
	return s.backup(ctx)
}

func (s *BackupService) backup(ctx context.Context) (*BackupResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	startTime := time.Now()

	timestamp := startTime.Format("20060102-150405.000000")
	backupPath := filepath.Join(s.backupDir, FilePrefix+timestamp+FileExt)

	result := &BackupResult{Path: backupPath}
	fail := func(err error) (*BackupResult, error) {
		result.Duration = time.Since(startTime)
		result.Error = err
		s.mu.Lock()
		s.lastError = err
		s.mu.Unlock()
		return result, err
	}

	if err := s.source.WriteFile(backupPath); err != nil {
		return fail(fmt.Errorf("backup: %w", err))
	}

	info, err := os.Stat(backupPath)
	if err != nil {
		return fail(fmt.Errorf("backup: failed to stat backup: %w", err))
	}
	result.Size = info.Size()

	if s.verifyBackups {
		if err := sqlite.VerifyFile(ctx, backupPath); err != nil {
			return fail(fmt.Errorf("backup: verification failed: %w", err))
		}
		result.Verified = true
	}
	result.Duration = time.Since(startTime)

	s.mu.Lock()
	s.lastBackupTime = time.Now()
	s.lastError = nil
	s.mu.Unlock()

	if err := applyRetention(s.backupDir, s.retention); err != nil {
		log.Printf("backup: failed to apply retention policy: %v", err)
	}

	return result, nil
}

// ListBackups lists stored backups, newest first.
func (s *BackupService) ListBackups() ([]BackupInfo, error) {
	return listBackups(s.backupDir)
}

// HealthCheck reports on backup recency, storage use and failures.
func (s *BackupService) HealthCheck() (*HealthStatus, error) {
	s.mu.Lock()
	lastBackup := s.lastBackupTime
	nextBackup := s.nextBackupTime
	lastError := s.lastError
	s.mu.Unlock()

	backups, err := s.ListBackups()
	if err != nil {
		return nil, fmt.Errorf("backup: failed to list backups: %w", err)
	}

	var diskUsage int64
	for _, b := range backups {
		diskUsage += b.Size
	}

	status := &HealthStatus{
		Status:        "healthy",
		LastBackup:    lastBackup,
		NextBackup:    nextBackup,
		TotalBackups:  len(backups),
		BackupDir:     s.backupDir,
		DiskSpaceUsed: diskUsage,
		Breaker:       s.breaker.State().String(),
	}

	switch {
	case s.breaker.State() == gobreaker.StateOpen:
		status.Status = "error"
		status.Message = fmt.Sprintf("Scheduled backups paused after repeated failures: %v", lastError)
	case lastError != nil:
		status.Status = "warning"
		status.Message = fmt.Sprintf("Last backup failed: %v", lastError)
	case !s.source.Persisting():
		status.Status = "warning"
		status.Message = "Database is in memory; state is not persisted"
	case lastBackup.IsZero():
		status.Message = "No backups yet"
	case time.Since(lastBackup) > s.interval*2:
		status.Status = "warning"
		status.Message = fmt.Sprintf("Backup overdue by %v", time.Since(lastBackup)-s.interval)
	default:
		status.Message = fmt.Sprintf("Last backup: %v ago", time.Since(lastBackup).Round(time.Minute))
	}

	return status, nil
}
