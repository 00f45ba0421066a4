package storage

import (
	"context"

	"github.com/scrypster/workstate/pkg/types"
)

// KeyValueStore persists small string settings.
type KeyValueStore interface {
	// Read returns the value stored under key.
	// Returns ErrNotFound if the key doesn't exist.
	Read(ctx context.Context, key string) (string, error)

	// Write stores value under key (upsert semantics).
	Write(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all entries whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]types.KeyValue, error)
}

// WorkspaceStore persists workspaces keyed by their set of roots.
type WorkspaceStore interface {
	// WorkspaceFor returns the workspace opened with exactly roots, creating
	// it if needed. With no roots it returns the most recently used workspace.
	WorkspaceFor(ctx context.Context, roots []string) (*types.Workspace, error)

	// Get retrieves a workspace by ID.
	// Returns ErrNotFound if the workspace doesn't exist.
	Get(ctx context.Context, id int64) (*types.Workspace, error)

	// Touch marks a workspace as used now.
	Touch(ctx context.Context, id int64) error

	// Recent lists workspaces, most recently used first.
	Recent(ctx context.Context, limit int) ([]*types.Workspace, error)

	// Delete removes a workspace and, through foreign keys, its layout.
	Delete(ctx context.Context, id int64) error
}

// PaneStore persists the pane layout of workspaces.
type PaneStore interface {
	CreateGroup(ctx context.Context, group *types.PaneGroup) error
	CreatePane(ctx context.Context, pane *types.Pane) error
	GroupsIn(ctx context.Context, workspaceID int64) ([]*types.PaneGroup, error)
	PanesIn(ctx context.Context, workspaceID int64) ([]*types.Pane, error)

	// SetActive makes paneID the only active pane of its workspace.
	SetActive(ctx context.Context, paneID int64) error
}

// ItemStore persists the items open in panes.
type ItemStore interface {
	// Save inserts the item when its ID is zero and updates it otherwise.
	Save(ctx context.Context, item *types.Item) error
	ItemsIn(ctx context.Context, paneID int64) ([]*types.Item, error)
	Delete(ctx context.Context, id int64) error
}
