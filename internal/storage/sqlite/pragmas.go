package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/workstate/internal/storage"
)

// Pragma is a connection setting applied to every connection a Handle opens.
type Pragma struct {
	Name  string
	Value string
}

func (p Pragma) String() string {
	return fmt.Sprintf("PRAGMA %s=%s", p.Name, p.Value)
}

// InitializeQuery is the fixed pragma set of workstate databases:
// write-ahead logging, NORMAL synchronization (durable across application
// crashes), enforced foreign keys and case-sensitive LIKE.
func InitializeQuery() []Pragma {
	return []Pragma{
		{Name: "journal_mode", Value: "WAL"},
		{Name: "synchronous", Value: "NORMAL"},
		{Name: "foreign_keys", Value: "ON"},
		{Name: "case_sensitive_like", Value: "ON"},
	}
}

// connParams describes how a pool's connections are configured.
type connParams struct {
	pragmas     []Pragma
	busyTimeout time.Duration
	immediate   bool // BEGIN IMMEDIATE for every transaction
	queryOnly   bool
	readOnly    bool // open the file read-only (backup source)
}

// uriPath turns a filesystem path into the path part of an SQLite URI.
func uriPath(path string, memory bool) string {
	if memory {
		return "file::memory:"
	}
	escaped := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23").Replace(path)
	return "file:" + escaped
}

// readback returns the value PRAGMA <name> reports once p is in effect.
// Pragmas without a stable readback are not verified.
func readback(p Pragma, memory bool) (string, bool) {
	switch strings.ToLower(p.Name) {
	case "journal_mode":
		if memory {
			// In-memory databases only support the memory journal.
			return "memory", true
		}
		return strings.ToLower(p.Value), true
	case "foreign_keys", "query_only":
		return boolReadback(p.Value)
	case "synchronous":
		levels := map[string]string{"OFF": "0", "NORMAL": "1", "FULL": "2", "EXTRA": "3"}
		v, ok := levels[strings.ToUpper(p.Value)]
		return v, ok
	}
	return "", false
}

func boolReadback(v string) (string, bool) {
	switch strings.ToUpper(v) {
	case "ON", "TRUE", "1", "YES":
		return "1", true
	case "OFF", "FALSE", "0", "NO":
		return "0", true
	}
	return "", false
}

// verifyPragmas reads back every verifiable pragma on db and returns the
// journal mode in effect.
func verifyPragmas(ctx context.Context, db *sql.DB, pragmas []Pragma, memory bool) (string, error) {
	var journal string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journal); err != nil {
		return "", fmt.Errorf("%w: read journal_mode: %v", storage.ErrInitialization, err)
	}
	journal = strings.ToLower(journal)

	for _, p := range pragmas {
		want, ok := readback(p, memory)
		if !ok {
			continue
		}
		var got string
		if err := db.QueryRowContext(ctx, "PRAGMA "+p.Name).Scan(&got); err != nil {
			return "", fmt.Errorf("%w: read %s: %v", storage.ErrInitialization, p.Name, err)
		}
		if strings.ToLower(got) != want {
			return "", fmt.Errorf("%w: %s is %q, want %q", storage.ErrInitialization, p, got, want)
		}
	}
	return journal, nil
}
