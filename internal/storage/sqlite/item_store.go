package sqlite

import (
	"context"
	"fmt"

	"github.com/scrypster/workstate/internal/storage"
	"github.com/scrypster/workstate/pkg/types"
)

// ItemMigrations creates the items table, which references panes.
var ItemMigrations = storage.DomainMigrations{
	Domain: storage.DomainItem,
	Migrations: []storage.Migration{
		{
			Index: 1,
			Name:  "create_items",
			Script: `
				CREATE TABLE items (
					item_id INTEGER PRIMARY KEY,
					workspace_id INTEGER NOT NULL REFERENCES workspaces(workspace_id) ON DELETE CASCADE,
					pane_id INTEGER NOT NULL REFERENCES panes(pane_id) ON DELETE CASCADE,
					kind TEXT NOT NULL,
					path TEXT NOT NULL DEFAULT '',
					position INTEGER NOT NULL DEFAULT 0,
					active INTEGER NOT NULL DEFAULT 0
				);
				CREATE INDEX idx_items_pane ON items(pane_id, position);`,
		},
	},
}

// ItemStore implements storage.ItemStore.
type ItemStore struct {
	h *Handle
}

// NewItemStore returns an item store over h.
func NewItemStore(h *Handle) *ItemStore {
	return &ItemStore{h: h}
}

var _ storage.ItemStore = (*ItemStore)(nil)

func (s *ItemStore) Save(ctx context.Context, item *types.Item) error {
	if item == nil || item.Kind == "" {
		return fmt.Errorf("sqlite: %w: item kind is required", storage.ErrInvalidInput)
	}

	if item.ID == 0 {
		res, err := s.h.Exec(ctx, `
			INSERT INTO items (workspace_id, pane_id, kind, path, position, active)
			VALUES (?, ?, ?, ?, ?, ?)
		`, item.WorkspaceID, item.PaneID, item.Kind, item.Path, item.Position, item.Active)
		if err != nil {
			return fmt.Errorf("sqlite: failed to create item: %w", err)
		}
		item.ID, err = res.LastInsertId()
		return err
	}

	res, err := s.h.Exec(ctx, `
		UPDATE items SET workspace_id = ?, pane_id = ?, kind = ?, path = ?, position = ?, active = ?
		WHERE item_id = ?
	`, item.WorkspaceID, item.PaneID, item.Kind, item.Path, item.Position, item.Active, item.ID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update item %d: %w", item.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: item %d: %w", item.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *ItemStore) ItemsIn(ctx context.Context, paneID int64) ([]*types.Item, error) {
	rows, err := s.h.Query(ctx, `
		SELECT item_id, workspace_id, pane_id, kind, path, position, active
		FROM items WHERE pane_id = ?
		ORDER BY position, item_id
	`, paneID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list items: %w", err)
	}
	defer rows.Close()

	var out []*types.Item
	for rows.Next() {
		var it types.Item
		if err := rows.Scan(&it.ID, &it.WorkspaceID, &it.PaneID, &it.Kind, &it.Path, &it.Position, &it.Active); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan item: %w", err)
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

func (s *ItemStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.h.Exec(ctx, "DELETE FROM items WHERE item_id = ?", id); err != nil {
		return fmt.Errorf("sqlite: failed to delete item %d: %w", id, err)
	}
	return nil
}
