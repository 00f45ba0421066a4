package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/scrypster/workstate/internal/db"
	"github.com/scrypster/workstate/internal/storage/sqlite"
)

// sidecars are the files SQLite keeps next to a WAL-mode database.
var sidecars = []string{"-wal", "-shm"}

// Restore replaces the database at loc with the backup at backupPath. The
// database must not be open in any process; if it is, Restore fails with
// storage.ErrInUse and leaves it untouched.
//
// The backup is verified first. The current database, with its WAL and
// shared-memory files, is moved aside to <path>.pre-restore and put back if
// the restore fails; on success the moved-aside copy is removed.
func Restore(ctx context.Context, backupPath string, loc db.Location) error {
	if err := sqlite.VerifyFile(ctx, backupPath); err != nil {
		return fmt.Errorf("backup: refusing to restore %s: %w", backupPath, err)
	}

	if err := os.MkdirAll(loc.Dir(), 0o755); err != nil {
		return fmt.Errorf("backup: failed to create %s: %w", loc.Dir(), err)
	}

	target := loc.Path()
	if err := sqlite.EnsureIdle(ctx, target); err != nil {
		return fmt.Errorf("backup: refusing to restore over %s: %w", target, err)
	}

	aside := target + ".pre-restore"
	moved, err := moveDatabase(target, aside)
	if err != nil {
		return fmt.Errorf("backup: failed to move current database aside: %w", err)
	}

	if err := copyInto(ctx, backupPath, target); err != nil {
		if moved {
			if _, rbErr := moveDatabase(aside, target); rbErr != nil {
				return fmt.Errorf("backup: restore failed and rollback failed: %v (restore error: %w)", rbErr, err)
			}
			return fmt.Errorf("backup: restore failed, previous database put back: %w", err)
		}
		return fmt.Errorf("backup: restore failed: %w", err)
	}

	if moved {
		for _, p := range append([]string{aside}, sidecarPaths(aside)...) {
			_ = os.Remove(p)
		}
	}

	log.Printf("backup: database %s restored from %s", target, backupPath)
	return nil
}

func sidecarPaths(path string) []string {
	out := make([]string, 0, len(sidecars))
	for _, suffix := range sidecars {
		out = append(out, path+suffix)
	}
	return out
}

// moveDatabase renames a database and its sidecar files. It reports false
// when there was no database at from.
func moveDatabase(from, to string) (bool, error) {
	if _, err := os.Stat(from); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := os.Rename(from, to); err != nil {
		return false, err
	}
	dst := sidecarPaths(to)
	for i, src := range sidecarPaths(from) {
		_ = os.Remove(dst[i])
		if err := os.Rename(src, dst[i]); err != nil && !errors.Is(err, os.ErrNotExist) {
			return true, err
		}
	}
	return true, nil
}

// copyInto copies src to a temporary file next to dest, syncs and verifies
// it, then renames it over dest.
func copyInto(ctx context.Context, src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer func() { _ = in.Close() }()

	tmp := filepath.Join(filepath.Dir(dest), fmt.Sprintf(".%s.%s.tmp", filepath.Base(dest), uuid.NewString()))
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	defer func() { _ = os.Remove(tmp) }()

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy backup: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to sync restored file: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	if err := sqlite.VerifyFile(ctx, tmp); err != nil {
		return fmt.Errorf("restored copy failed verification: %w", err)
	}
	return os.Rename(tmp, dest)
}
