package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// listBackups returns the backup files in backupDir, newest first. Files
// are recognized by name; the modification time dates them.
func listBackups(backupDir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, FilePrefix) || !strings.HasSuffix(name, FileExt) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		backups = append(backups, BackupInfo{
			Path:      filepath.Join(backupDir, name),
			Timestamp: info.ModTime(),
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})

	return backups, nil
}

// tierLimits maps the upper age bound of each tier to how many backups of
// that age are kept. Anything older than the last bound is deleted.
func (p RetentionPolicy) tierLimits() []struct {
	maxAge time.Duration
	keep   int
} {
	const day = 24 * time.Hour
	return []struct {
		maxAge time.Duration
		keep   int
	}{
		{day, p.Hourly},
		{7 * day, p.Daily},
		{30 * day, p.Weekly},
		{365 * day, p.Monthly},
	}
}

// applyRetention deletes the backups the policy does not keep.
func applyRetention(backupDir string, policy RetentionPolicy) error {
	backups, err := listBackups(backupDir)
	if err != nil {
		return err
	}
	return removeAll(selectExpired(backups, policy, time.Now()))
}

// selectExpired returns the paths of backups to delete. backups must be
// sorted newest first; within a tier the newest are kept.
func selectExpired(backups []BackupInfo, policy RetentionPolicy, now time.Time) []string {
	tiers := policy.tierLimits()
	kept := make([]int, len(tiers))

	var expired []string
	for _, b := range backups {
		age := now.Sub(b.Timestamp)
		tier := -1
		for i, t := range tiers {
			if age < t.maxAge {
				tier = i
				break
			}
		}
		if tier < 0 || kept[tier] >= tiers[tier].keep {
			expired = append(expired, b.Path)
			continue
		}
		kept[tier]++
	}
	return expired
}

func removeAll(paths []string) error {
	var errs []error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to delete some backups: %w", errors.Join(errs...))
	}
	return nil
}
