// Package types defines the values persisted by the workstate database:
// settings, workspaces and the pane/item layout inside them.
package types

import "time"

// KeyValue is a single entry of the key-value domain.
type KeyValue struct {
	Key   string
	Value string
}

// Workspace is identified by the exact set of root paths it was opened with.
type Workspace struct {
	ID        int64
	Roots     []string
	Timestamp time.Time
}

// Axis is the split direction of a pane group.
type Axis string

const (
	AxisHorizontal Axis = "horizontal"
	AxisVertical   Axis = "vertical"
)

// Valid reports whether a is a known split direction.
func (a Axis) Valid() bool {
	return a == AxisHorizontal || a == AxisVertical
}

// PaneGroup splits its area along Axis between child groups and panes.
// ParentID is nil for the root group of a workspace.
type PaneGroup struct {
	ID          int64
	WorkspaceID int64
	ParentID    *int64
	Position    int
	Axis        Axis
}

// Pane holds an ordered list of items. GroupID is nil when the pane is the
// only pane of its workspace.
type Pane struct {
	ID          int64
	WorkspaceID int64
	GroupID     *int64
	Position    int
	Active      bool
}

// Item is an open editor, terminal or other view inside a pane.
type Item struct {
	ID          int64
	WorkspaceID int64
	PaneID      int64
	Kind        string
	Path        string
	Position    int
	Active      bool
}
