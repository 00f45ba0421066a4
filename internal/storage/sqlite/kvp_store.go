package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/scrypster/workstate/internal/storage"
	"github.com/scrypster/workstate/pkg/types"
)

// KeyValueMigrations creates the key-value table.
var KeyValueMigrations = storage.DomainMigrations{
	Domain: storage.DomainKeyValue,
	Migrations: []storage.Migration{
		{
			Index: 1,
			Name:  "create_kv_store",
			Script: `
				CREATE TABLE kv_store (
					key TEXT PRIMARY KEY NOT NULL,
					value TEXT NOT NULL
				);`,
		},
	},
}

// KeyValueStore implements storage.KeyValueStore.
type KeyValueStore struct {
	h *Handle
}

// NewKeyValueStore returns a key-value store over h.
func NewKeyValueStore(h *Handle) *KeyValueStore {
	return &KeyValueStore{h: h}
}

var _ storage.KeyValueStore = (*KeyValueStore)(nil)

func (s *KeyValueStore) Read(ctx context.Context, key string) (string, error) {
	var value string
	err := s.h.QueryRow(ctx, "SELECT value FROM kv_store WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sqlite: key %q: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: failed to read key %q: %w", key, err)
	}
	return value, nil
}

func (s *KeyValueStore) Write(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("sqlite: %w: key is required", storage.ErrInvalidInput)
	}
	_, err := s.h.Exec(ctx, `
		INSERT INTO kv_store (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("sqlite: failed to write key %q: %w", key, err)
	}
	return nil
}

func (s *KeyValueStore) Delete(ctx context.Context, key string) error {
	if _, err := s.h.Exec(ctx, "DELETE FROM kv_store WHERE key = ?", key); err != nil {
		return fmt.Errorf("sqlite: failed to delete key %q: %w", key, err)
	}
	return nil
}

// List matches prefix literally; LIKE wildcards in it are escaped.
func (s *KeyValueStore) List(ctx context.Context, prefix string) ([]types.KeyValue, error) {
	escaped := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(prefix)
	rows, err := s.h.Query(ctx,
		`SELECT key, value FROM kv_store WHERE key LIKE ? ESCAPE '\' ORDER BY key`, escaped+"%")
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list keys: %w", err)
	}
	defer rows.Close()

	var out []types.KeyValue
	for rows.Next() {
		var kv types.KeyValue
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan key: %w", err)
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}
