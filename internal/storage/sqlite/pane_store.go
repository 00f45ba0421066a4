package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/scrypster/workstate/internal/storage"
	"github.com/scrypster/workstate/pkg/types"
)

// PaneMigrations creates the pane layout tables. They reference
// workspaces, so the pane domain migrates after the workspace domain.
var PaneMigrations = storage.DomainMigrations{
	Domain: storage.DomainPane,
	Migrations: []storage.Migration{
		{
			Index: 1,
			Name:  "create_pane_layout",
			Script: `
				CREATE TABLE pane_groups (
					group_id INTEGER PRIMARY KEY,
					workspace_id INTEGER NOT NULL REFERENCES workspaces(workspace_id) ON DELETE CASCADE,
					parent_group_id INTEGER REFERENCES pane_groups(group_id) ON DELETE CASCADE,
					position INTEGER NOT NULL DEFAULT 0,
					axis TEXT NOT NULL CHECK (axis IN ('horizontal', 'vertical'))
				);
				CREATE TABLE panes (
					pane_id INTEGER PRIMARY KEY,
					workspace_id INTEGER NOT NULL REFERENCES workspaces(workspace_id) ON DELETE CASCADE,
					group_id INTEGER REFERENCES pane_groups(group_id) ON DELETE CASCADE,
					position INTEGER NOT NULL DEFAULT 0,
					active INTEGER NOT NULL DEFAULT 0
				);
				CREATE INDEX idx_pane_groups_workspace ON pane_groups(workspace_id);
				CREATE INDEX idx_panes_workspace ON panes(workspace_id);`,
		},
	},
}

// PaneStore implements storage.PaneStore.
type PaneStore struct {
	h *Handle
}

// NewPaneStore returns a pane store over h.
func NewPaneStore(h *Handle) *PaneStore {
	return &PaneStore{h: h}
}

var _ storage.PaneStore = (*PaneStore)(nil)

func (s *PaneStore) CreateGroup(ctx context.Context, group *types.PaneGroup) error {
	if group == nil || !group.Axis.Valid() {
		return fmt.Errorf("sqlite: %w: pane group needs a horizontal or vertical axis", storage.ErrInvalidInput)
	}
	res, err := s.h.Exec(ctx,
		"INSERT INTO pane_groups (workspace_id, parent_group_id, position, axis) VALUES (?, ?, ?, ?)",
		group.WorkspaceID, nullableID(group.ParentID), group.Position, string(group.Axis))
	if err != nil {
		return fmt.Errorf("sqlite: failed to create pane group: %w", err)
	}
	group.ID, err = res.LastInsertId()
	return err
}

func (s *PaneStore) CreatePane(ctx context.Context, pane *types.Pane) error {
	if pane == nil {
		return fmt.Errorf("sqlite: %w: pane is required", storage.ErrInvalidInput)
	}
	res, err := s.h.Exec(ctx,
		"INSERT INTO panes (workspace_id, group_id, position, active) VALUES (?, ?, ?, ?)",
		pane.WorkspaceID, nullableID(pane.GroupID), pane.Position, pane.Active)
	if err != nil {
		return fmt.Errorf("sqlite: failed to create pane: %w", err)
	}
	pane.ID, err = res.LastInsertId()
	return err
}

func (s *PaneStore) GroupsIn(ctx context.Context, workspaceID int64) ([]*types.PaneGroup, error) {
	rows, err := s.h.Query(ctx, `
		SELECT group_id, workspace_id, parent_group_id, position, axis
		FROM pane_groups WHERE workspace_id = ?
		ORDER BY parent_group_id IS NOT NULL, parent_group_id, position, group_id
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list pane groups: %w", err)
	}
	defer rows.Close()

	var out []*types.PaneGroup
	for rows.Next() {
		var g types.PaneGroup
		var parent sql.NullInt64
		var axis string
		if err := rows.Scan(&g.ID, &g.WorkspaceID, &parent, &g.Position, &axis); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan pane group: %w", err)
		}
		g.ParentID = idPtr(parent)
		g.Axis = types.Axis(axis)
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *PaneStore) PanesIn(ctx context.Context, workspaceID int64) ([]*types.Pane, error) {
	rows, err := s.h.Query(ctx, `
		SELECT pane_id, workspace_id, group_id, position, active
		FROM panes WHERE workspace_id = ?
		ORDER BY group_id IS NOT NULL, group_id, position, pane_id
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list panes: %w", err)
	}
	defer rows.Close()

	var out []*types.Pane
	for rows.Next() {
		var p types.Pane
		var group sql.NullInt64
		if err := rows.Scan(&p.ID, &p.WorkspaceID, &group, &p.Position, &p.Active); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan pane: %w", err)
		}
		p.GroupID = idPtr(group)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PaneStore) SetActive(ctx context.Context, paneID int64) error {
	return s.h.Write(ctx, func(tx *sql.Tx) error {
		var workspaceID int64
		err := tx.QueryRowContext(ctx, "SELECT workspace_id FROM panes WHERE pane_id = ?", paneID).Scan(&workspaceID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: pane %d: %w", paneID, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("sqlite: failed to get pane %d: %w", paneID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE panes SET active = (pane_id = ?) WHERE workspace_id = ?", paneID, workspaceID); err != nil {
			return fmt.Errorf("sqlite: failed to activate pane %d: %w", paneID, err)
		}
		return nil
	})
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func idPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}
