// Package layout implements the per-workspace pane/tab engine (C4): pane
// templates, session assignment, and the split/single/round-robin layout
// operations, all persisted through sessionstore.
package layout

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/outpostlabs/sessiond/sessionstore"
)

// Sentinel errors matching the not-found/invalid-argument taxonomy.
var (
	ErrNotFound        = errors.New("layout: not found")
	ErrInvalidArgument = errors.New("layout: invalid argument")
)

// paneTemplate describes one layout type's fixed pane positions.
var paneTemplates = map[sessionstore.LayoutType][]string{
	sessionstore.LayoutSingle:          {"main"},
	sessionstore.LayoutHorizontalSplit: {"left", "right"},
	sessionstore.LayoutVerticalSplit:   {"top", "bottom"},
	sessionstore.LayoutThreePane:       {"main", "top-right", "bottom-right"},
	sessionstore.LayoutGrid2x2:         {"top-left", "top-right", "bottom-left", "bottom-right"},
}

// Engine is the layout authority for a server instance.
type Engine struct {
	store *sessionstore.Store
	log   *logrus.Entry
}

// NewEngine constructs an Engine over store.
func NewEngine(store *sessionstore.Store, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{store: store, log: log.WithField("component", "layout.Engine")}
}

func newPanes(layoutType sessionstore.LayoutType) []sessionstore.Pane {
	positions := paneTemplates[layoutType]
	panes := make([]sessionstore.Pane, len(positions))
	for i, pos := range positions {
		panes[i] = sessionstore.Pane{
			ID:       fmt.Sprintf("pane-%d", i),
			Position: pos,
			Tabs:     []string{},
			Status:   sessionstore.PanePending,
		}
	}
	return panes
}

// GetDefaultLayout returns the workspace's default layout, creating a
// single-pane one if absent.
func (e *Engine) GetDefaultLayout(workspaceID string) (*sessionstore.Layout, error) {
	l, err := e.store.GetDefaultLayout(workspaceID)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, sessionstore.ErrNotFound) {
		return nil, fmt.Errorf("layout: get default: %w", err)
	}

	l = &sessionstore.Layout{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        "Default",
		LayoutType:  sessionstore.LayoutSingle,
		IsDefault:   true,
		Configuration: sessionstore.LayoutConfiguration{
			Type:  sessionstore.LayoutSingle,
			Panes: newPanes(sessionstore.LayoutSingle),
		},
	}
	if err := e.store.InsertLayout(l); err != nil {
		return nil, fmt.Errorf("layout: create default: %w", err)
	}
	return l, nil
}

// CreateLayout persists a new, non-default named layout.
func (e *Engine) CreateLayout(workspaceID, name string, layoutType sessionstore.LayoutType, config sessionstore.LayoutConfiguration) (*sessionstore.Layout, error) {
	l := &sessionstore.Layout{
		ID:            uuid.NewString(),
		WorkspaceID:   workspaceID,
		Name:          name,
		LayoutType:    layoutType,
		IsDefault:     false,
		Configuration: config,
	}
	if err := validate(&l.Configuration); err != nil {
		return nil, err
	}
	if err := e.store.InsertLayout(l); err != nil {
		return nil, fmt.Errorf("layout: create: %w", err)
	}
	return l, nil
}

// AddSessionToLayout appends sessionId to pane 0's tabs, making it the
// active tab of an active pane.
func (e *Engine) AddSessionToLayout(layoutID, sessionID string) (*sessionstore.Layout, error) {
	l, cfg, err := e.load(layoutID)
	if err != nil {
		return nil, err
	}
	if len(cfg.Panes) == 0 {
		return nil, fmt.Errorf("%w: layout has no panes", ErrInvalidArgument)
	}

	cfg.Panes[0].Tabs = append(cfg.Panes[0].Tabs, sessionID)
	id := sessionID
	cfg.Panes[0].ActiveTabID = &id
	cfg.Panes[0].Status = sessionstore.PaneActive

	return e.save(l, cfg)
}

// RemoveSessionFromLayout removes sessionId from every pane's tabs,
// fixing up activeTabId/status for any pane it was the active tab of.
func (e *Engine) RemoveSessionFromLayout(layoutID, sessionID string) (*sessionstore.Layout, error) {
	l, cfg, err := e.load(layoutID)
	if err != nil {
		return nil, err
	}

	for i := range cfg.Panes {
		p := &cfg.Panes[i]
		p.Tabs = removeString(p.Tabs, sessionID)
		if p.ActiveTabID != nil && *p.ActiveTabID == sessionID {
			if len(p.Tabs) > 0 {
				first := p.Tabs[0]
				p.ActiveTabID = &first
			} else {
				p.ActiveTabID = nil
			}
		}
		if len(p.Tabs) == 0 {
			p.Status = sessionstore.PanePending
			p.ActiveTabID = nil
		}
	}

	return e.save(l, cfg)
}

// SetActivePaneTab sets paneId's activeTabId to sessionId. sessionId must
// already be in that pane's tabs.
func (e *Engine) SetActivePaneTab(layoutID, paneID, sessionID string) (*sessionstore.Layout, error) {
	l, cfg, err := e.load(layoutID)
	if err != nil {
		return nil, err
	}

	pane := findPane(cfg.Panes, paneID)
	if pane == nil {
		return nil, fmt.Errorf("%w: pane %s not found", ErrInvalidArgument, paneID)
	}
	if !containsString(pane.Tabs, sessionID) {
		return nil, fmt.Errorf("%w: session %s not in pane %s", ErrInvalidArgument, sessionID, paneID)
	}
	id := sessionID
	pane.ActiveTabID = &id
	pane.Status = sessionstore.PaneActive

	return e.save(l, cfg)
}

// CreateSplitLayout rewrites the workspace's default layout's configuration
// to layoutType, distributing sessionIds round-robin by pane index: pane i
// receives sessions at positions i, i+N, i+2N, ... where N is the pane
// count.
func (e *Engine) CreateSplitLayout(workspaceID string, layoutType sessionstore.LayoutType, sessionIDs []string) (*sessionstore.Layout, error) {
	positions, ok := paneTemplates[layoutType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown layout type %s", ErrInvalidArgument, layoutType)
	}
	l, err := e.GetDefaultLayout(workspaceID)
	if err != nil {
		return nil, err
	}

	n := len(positions)
	panes := newPanes(layoutType)
	for idx, sid := range sessionIDs {
		pi := idx % n
		panes[pi].Tabs = append(panes[pi].Tabs, sid)
	}
	for i := range panes {
		if len(panes[i].Tabs) > 0 {
			first := panes[i].Tabs[0]
			panes[i].ActiveTabID = &first
			panes[i].Status = sessionstore.PaneActive
		}
	}

	cfg := sessionstore.LayoutConfiguration{Type: layoutType, Panes: panes}
	return e.save(l, cfg)
}

// ConvertToSingle rewrites the default layout to a single pane containing
// all sessionIds in order.
func (e *Engine) ConvertToSingle(workspaceID string, sessionIDs []string) (*sessionstore.Layout, error) {
	l, err := e.GetDefaultLayout(workspaceID)
	if err != nil {
		return nil, err
	}

	panes := newPanes(sessionstore.LayoutSingle)
	panes[0].Tabs = append([]string(nil), sessionIDs...)
	if len(sessionIDs) > 0 {
		first := sessionIDs[0]
		panes[0].ActiveTabID = &first
		panes[0].Status = sessionstore.PaneActive
	}

	cfg := sessionstore.LayoutConfiguration{Type: sessionstore.LayoutSingle, Panes: panes}
	return e.save(l, cfg)
}

// MoveTabBetweenPanes removes sessionId from sourcePaneId (fixing up its
// activeTabId/status) and inserts it into targetPaneId at targetIndex (or
// the end if nil), making it that pane's active tab.
func (e *Engine) MoveTabBetweenPanes(layoutID, sessionID, sourcePaneID, targetPaneID string, targetIndex *int) (*sessionstore.Layout, error) {
	l, cfg, err := e.load(layoutID)
	if err != nil {
		return nil, err
	}

	source := findPane(cfg.Panes, sourcePaneID)
	target := findPane(cfg.Panes, targetPaneID)
	if source == nil || target == nil {
		return nil, fmt.Errorf("%w: source or target pane not found", ErrInvalidArgument)
	}

	source.Tabs = removeString(source.Tabs, sessionID)
	if source.ActiveTabID != nil && *source.ActiveTabID == sessionID {
		if len(source.Tabs) > 0 {
			first := source.Tabs[0]
			source.ActiveTabID = &first
		} else {
			source.ActiveTabID = nil
		}
	}
	if len(source.Tabs) == 0 {
		source.Status = sessionstore.PanePending
		source.ActiveTabID = nil
	}

	if targetIndex == nil || *targetIndex >= len(target.Tabs) || *targetIndex < 0 {
		target.Tabs = append(target.Tabs, sessionID)
	} else {
		target.Tabs = append(target.Tabs[:*targetIndex], append([]string{sessionID}, target.Tabs[*targetIndex:]...)...)
	}
	id := sessionID
	target.ActiveTabID = &id
	target.Status = sessionstore.PaneActive

	return e.save(l, cfg)
}

// AddTabToPane appends sessionId to paneId's tabs, optionally making it
// active.
func (e *Engine) AddTabToPane(layoutID, paneID, sessionID string, setActive bool) (*sessionstore.Layout, error) {
	l, cfg, err := e.load(layoutID)
	if err != nil {
		return nil, err
	}
	pane := findPane(cfg.Panes, paneID)
	if pane == nil {
		return nil, fmt.Errorf("%w: pane %s not found", ErrInvalidArgument, paneID)
	}
	if !containsString(pane.Tabs, sessionID) {
		pane.Tabs = append(pane.Tabs, sessionID)
	}
	if setActive {
		id := sessionID
		pane.ActiveTabID = &id
	}
	pane.Status = sessionstore.PaneActive
	return e.save(l, cfg)
}

// RemoveTabFromPane removes sessionId from paneId's tabs, fixing up
// activeTabId/status.
func (e *Engine) RemoveTabFromPane(layoutID, paneID, sessionID string) (*sessionstore.Layout, error) {
	l, cfg, err := e.load(layoutID)
	if err != nil {
		return nil, err
	}
	pane := findPane(cfg.Panes, paneID)
	if pane == nil {
		return nil, fmt.Errorf("%w: pane %s not found", ErrInvalidArgument, paneID)
	}
	pane.Tabs = removeString(pane.Tabs, sessionID)
	if pane.ActiveTabID != nil && *pane.ActiveTabID == sessionID {
		if len(pane.Tabs) > 0 {
			first := pane.Tabs[0]
			pane.ActiveTabID = &first
		} else {
			pane.ActiveTabID = nil
		}
	}
	if len(pane.Tabs) == 0 {
		pane.Status = sessionstore.PanePending
		pane.ActiveTabID = nil
	}
	return e.save(l, cfg)
}

// CleanupWorkspaceLayouts best-effort deletes all layouts for a workspace.
func (e *Engine) CleanupWorkspaceLayouts(workspaceID string) error {
	if err := e.store.DeleteWorkspaceLayouts(workspaceID); err != nil {
		e.log.WithError(err).WithField("workspaceId", workspaceID).Warn("cleanupWorkspaceLayouts: delete failed")
	}
	return nil
}

// IsSplitLayoutSupported reports which layout types a given viewport width
// can render: mobile (<=768) only single; tablet (<=1024) single or either
// split; desktop everything.
func IsSplitLayoutSupported(viewportWidth int, layoutType sessionstore.LayoutType) bool {
	switch {
	case viewportWidth <= 768:
		return layoutType == sessionstore.LayoutSingle
	case viewportWidth <= 1024:
		return layoutType == sessionstore.LayoutSingle ||
			layoutType == sessionstore.LayoutHorizontalSplit ||
			layoutType == sessionstore.LayoutVerticalSplit
	default:
		return true
	}
}

// GetRecommendedLayout picks a layout type for a viewport width and session
// count. Mobile widths (<= 768) always get single.
func GetRecommendedLayout(viewportWidth, sessionCount int) sessionstore.LayoutType {
	if viewportWidth <= 768 {
		return sessionstore.LayoutSingle
	}
	if viewportWidth <= 1024 {
		if sessionCount <= 1 {
			return sessionstore.LayoutSingle
		}
		return sessionstore.LayoutHorizontalSplit
	}
	switch {
	case sessionCount <= 1:
		return sessionstore.LayoutSingle
	case sessionCount == 2:
		return sessionstore.LayoutHorizontalSplit
	case sessionCount == 3:
		return sessionstore.LayoutThreePane
	default:
		return sessionstore.LayoutGrid2x2
	}
}

func (e *Engine) load(layoutID string) (*sessionstore.Layout, sessionstore.LayoutConfiguration, error) {
	l, err := e.store.GetLayout(layoutID)
	if err != nil {
		if errors.Is(err, sessionstore.ErrNotFound) {
			return nil, sessionstore.LayoutConfiguration{}, fmt.Errorf("%w: layout %s", ErrNotFound, layoutID)
		}
		return nil, sessionstore.LayoutConfiguration{}, fmt.Errorf("layout: load: %w", err)
	}
	return l, l.Configuration, nil
}

// save validates cfg, persists it, and returns the updated layout — the
// single point every mutating operation routes through so the invariants
// are always checked after the fact.
func (e *Engine) save(l *sessionstore.Layout, cfg sessionstore.LayoutConfiguration) (*sessionstore.Layout, error) {
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	if err := e.store.UpdateLayoutConfiguration(l.ID, cfg); err != nil {
		return nil, fmt.Errorf("layout: save: %w", err)
	}
	l.Configuration = cfg
	return l, nil
}

// validate enforces the layout invariants: every sessionId assigned to at
// most one pane; a non-null activeTabId is in that pane's tabs; an empty
// pane is pending with no active tab.
func validate(cfg *sessionstore.LayoutConfiguration) error {
	seen := make(map[string]bool)
	for _, p := range cfg.Panes {
		for _, sid := range p.Tabs {
			if seen[sid] {
				return fmt.Errorf("%w: session %s assigned to more than one pane", ErrInvalidArgument, sid)
			}
			seen[sid] = true
		}
		if p.ActiveTabID != nil && !containsString(p.Tabs, *p.ActiveTabID) {
			return fmt.Errorf("%w: pane %s activeTabId not in tabs", ErrInvalidArgument, p.ID)
		}
		if len(p.Tabs) == 0 && (p.Status != sessionstore.PanePending || p.ActiveTabID != nil) {
			return fmt.Errorf("%w: empty pane %s must be pending with no active tab", ErrInvalidArgument, p.ID)
		}
	}
	return nil
}

func findPane(panes []sessionstore.Pane, id string) *sessionstore.Pane {
	for i := range panes {
		if panes[i].ID == id {
			return &panes[i]
		}
	}
	return nil
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func removeString(s []string, v string) []string {
	out := s[:0:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
