package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/scrypster/workstate/internal/storage"
	"github.com/scrypster/workstate/pkg/types"
)

// WorkspaceMigrations creates the workspace tables. Roots are identified as
// a set: roots_key holds the sorted roots joined by NUL.
var WorkspaceMigrations = storage.DomainMigrations{
	Domain: storage.DomainWorkspace,
	Migrations: []storage.Migration{
		{
			Index: 1,
			Name:  "create_workspaces",
			Script: `
				CREATE TABLE workspaces (
					workspace_id INTEGER PRIMARY KEY AUTOINCREMENT,
					roots_key TEXT NOT NULL UNIQUE,
					timestamp INTEGER NOT NULL
				);`,
		},
		{
			Index: 2,
			Name:  "create_worktree_roots",
			Script: `
				CREATE TABLE worktree_roots (
					workspace_id INTEGER NOT NULL REFERENCES workspaces(workspace_id) ON DELETE CASCADE,
					position INTEGER NOT NULL,
					worktree_root TEXT NOT NULL,
					PRIMARY KEY (workspace_id, position)
				);
				CREATE INDEX idx_workspaces_timestamp ON workspaces(timestamp DESC);`,
		},
	},
}

// WorkspaceStore implements storage.WorkspaceStore.
type WorkspaceStore struct {
	h   *Handle
	now func() time.Time
}

// NewWorkspaceStore returns a workspace store over h.
func NewWorkspaceStore(h *Handle) *WorkspaceStore {
	return &WorkspaceStore{h: h, now: time.Now}
}

var _ storage.WorkspaceStore = (*WorkspaceStore)(nil)

// normalizeRoots returns the sorted, de-duplicated roots and their key.
func normalizeRoots(roots []string) ([]string, string) {
	seen := make(map[string]bool, len(roots))
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Strings(out)
	return out, strings.Join(out, "\x00")
}

func (s *WorkspaceStore) WorkspaceFor(ctx context.Context, roots []string) (*types.Workspace, error) {
	normalized, key := normalizeRoots(roots)

	var ws *types.Workspace
	err := s.h.Write(ctx, func(tx *sql.Tx) error {
		var id int64
		var err error
		if len(normalized) == 0 {
			err = tx.QueryRowContext(ctx,
				"SELECT workspace_id FROM workspaces ORDER BY timestamp DESC, workspace_id DESC LIMIT 1").Scan(&id)
		} else {
			err = tx.QueryRowContext(ctx,
				"SELECT workspace_id FROM workspaces WHERE roots_key = ?", key).Scan(&id)
		}

		now := s.now().UnixNano()
		switch {
		case errors.Is(err, sql.ErrNoRows):
			id, err = insertWorkspace(ctx, tx, normalized, key, now)
			if err != nil {
				return err
			}
		case err != nil:
			return fmt.Errorf("sqlite: failed to look up workspace: %w", err)
		default:
			if _, err := tx.ExecContext(ctx,
				"UPDATE workspaces SET timestamp = ? WHERE workspace_id = ?", now, id); err != nil {
				return fmt.Errorf("sqlite: failed to touch workspace %d: %w", id, err)
			}
		}

		ws, err = loadWorkspace(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func insertWorkspace(ctx context.Context, tx *sql.Tx, roots []string, key string, now int64) (int64, error) {
	res, err := tx.ExecContext(ctx,
		"INSERT INTO workspaces (roots_key, timestamp) VALUES (?, ?)", key, now)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to create workspace: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to create workspace: %w", err)
	}
	for i, root := range roots {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO worktree_roots (workspace_id, position, worktree_root) VALUES (?, ?, ?)",
			id, i, root); err != nil {
			return 0, fmt.Errorf("sqlite: failed to store root %q: %w", root, err)
		}
	}
	return id, nil
}

func loadWorkspace(ctx context.Context, tx *sql.Tx, id int64) (*types.Workspace, error) {
	var nanos int64
	err := tx.QueryRowContext(ctx, "SELECT timestamp FROM workspaces WHERE workspace_id = ?", id).Scan(&nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: workspace %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get workspace %d: %w", id, err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT worktree_root FROM worktree_roots WHERE workspace_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get roots of workspace %d: %w", id, err)
	}
	defer rows.Close()

	ws := &types.Workspace{ID: id, Roots: []string{}, Timestamp: time.Unix(0, nanos)}
	for rows.Next() {
		var root string
		if err := rows.Scan(&root); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan root: %w", err)
		}
		ws.Roots = append(ws.Roots, root)
	}
	return ws, rows.Err()
}

func (s *WorkspaceStore) Get(ctx context.Context, id int64) (*types.Workspace, error) {
	var ws *types.Workspace
	err := s.h.Read(ctx, func(tx *sql.Tx) error {
		var err error
		ws, err = loadWorkspace(ctx, tx, id)
		return err
	})
	return ws, err
}

func (s *WorkspaceStore) Touch(ctx context.Context, id int64) error {
	res, err := s.h.Exec(ctx, "UPDATE workspaces SET timestamp = ? WHERE workspace_id = ?", s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to touch workspace %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: workspace %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *WorkspaceStore) Recent(ctx context.Context, limit int) ([]*types.Workspace, error) {
	if limit <= 0 {
		limit = -1
	}

	var out []*types.Workspace
	err := s.h.Read(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT workspace_id FROM workspaces ORDER BY timestamp DESC, workspace_id DESC LIMIT ?", limit)
		if err != nil {
			return fmt.Errorf("sqlite: failed to list workspaces: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("sqlite: failed to scan workspace: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			ws, err := loadWorkspace(ctx, tx, id)
			if err != nil {
				return err
			}
			out = append(out, ws)
		}
		return nil
	})
	return out, err
}

func (s *WorkspaceStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.h.Exec(ctx, "DELETE FROM workspaces WHERE workspace_id = ?", id); err != nil {
		return fmt.Errorf("sqlite: failed to delete workspace %d: %w", id, err)
	}
	return nil
}
