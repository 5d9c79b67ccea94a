package sessionstore

import (
	"database/sql"
	"fmt"
)

// LayoutType enumerates the supported pane templates.
type LayoutType string

const (
	LayoutSingle           LayoutType = "single"
	LayoutHorizontalSplit  LayoutType = "horizontal-split"
	LayoutVerticalSplit    LayoutType = "vertical-split"
	LayoutThreePane        LayoutType = "three-pane"
	LayoutGrid2x2          LayoutType = "grid-2x2"
)

// PaneStatus is a pane's occupancy state.
type PaneStatus string

const (
	PanePending PaneStatus = "pending"
	PaneActive  PaneStatus = "active"
)

// Pane is one region of a layout's configuration.
type Pane struct {
	ID          string     `json:"id"`
	Position    string     `json:"position"`
	GridArea    string     `json:"gridArea"`
	Tabs        []string   `json:"tabs"`
	ActiveTabID *string    `json:"activeTabId"`
	Status      PaneStatus `json:"status"`
}

// LayoutConfiguration is the structured shape of a layout's configuration
// blob.
type LayoutConfiguration struct {
	Type  LayoutType `json:"type"`
	Panes []Pane     `json:"panes"`
}

// Layout is the persisted record for one workspace's pane/tab arrangement.
type Layout struct {
	ID            string
	WorkspaceID   string
	Name          string
	LayoutType    LayoutType
	IsDefault     bool
	Configuration LayoutConfiguration
}

// InsertLayout writes a newly constructed Layout row.
func (s *Store) InsertLayout(l *Layout) error {
	cfg, err := json.Marshal(l.Configuration)
	if err != nil {
		return fmt.Errorf("marshal layout configuration: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO layouts (id, workspace_id, name, layout_type, is_default, configuration)
		VALUES (?,?,?,?,?,?)`, l.ID, l.WorkspaceID, l.Name, string(l.LayoutType), l.IsDefault, string(cfg))
	if err != nil {
		return fmt.Errorf("insert layout: %w", err)
	}
	return nil
}

func scanLayout(row interface{ Scan(dest ...any) error }) (*Layout, error) {
	var l Layout
	var layoutType, cfg string
	if err := row.Scan(&l.ID, &l.WorkspaceID, &l.Name, &layoutType, &l.IsDefault, &cfg); err != nil {
		return nil, err
	}
	l.LayoutType = LayoutType(layoutType)
	if err := json.Unmarshal([]byte(cfg), &l.Configuration); err != nil {
		return nil, fmt.Errorf("unmarshal layout configuration: %w", err)
	}
	return &l, nil
}

const layoutColumns = `id, workspace_id, name, layout_type, is_default, configuration`

// GetLayout reads a layout by id. Returns ErrNotFound if absent.
func (s *Store) GetLayout(id string) (*Layout, error) {
	row := s.db.QueryRow("SELECT "+layoutColumns+" FROM layouts WHERE id = ?", id)
	l, err := scanLayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get layout: %w", err)
	}
	return l, nil
}

// GetDefaultLayout reads the default layout for workspaceId. Returns
// ErrNotFound if none exists yet.
func (s *Store) GetDefaultLayout(workspaceID string) (*Layout, error) {
	row := s.db.QueryRow("SELECT "+layoutColumns+" FROM layouts WHERE workspace_id = ? AND is_default = 1", workspaceID)
	l, err := scanLayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default layout: %w", err)
	}
	return l, nil
}

// UpdateLayoutConfiguration persists a rewritten configuration blob for an
// existing layout.
func (s *Store) UpdateLayoutConfiguration(id string, cfg LayoutConfiguration) error {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal layout configuration: %w", err)
	}
	_, err = s.db.Exec("UPDATE layouts SET configuration=? WHERE id=?", string(blob), id)
	if err != nil {
		return fmt.Errorf("update layout configuration: %w", err)
	}
	return nil
}

// DeleteWorkspaceLayouts best-effort deletes all layouts for a workspace.
func (s *Store) DeleteWorkspaceLayouts(workspaceID string) error {
	_, err := s.db.Exec("DELETE FROM layouts WHERE workspace_id=?", workspaceID)
	if err != nil {
		return fmt.Errorf("delete workspace layouts: %w", err)
	}
	return nil
}
