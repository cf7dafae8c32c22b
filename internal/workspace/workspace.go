// Package workspace maintains the single shared workspace of tabs and
// panes, and the role-based gate over mutations.
package workspace

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/termloom/termloom/internal/domain"
)

// Saver persists workspace state after mutations. Best-effort: a failed
// save is logged, never surfaced to the mutating client.
type Saver interface {
	SaveWorkspace(state domain.WorkspaceState) error
}

// Workspace is the process-wide shared layout. All clients, viewers
// included, see the same instance.
type Workspace struct {
	mu           sync.Mutex
	name         string
	tabs         []*domain.Tab
	activeTabID  string
	lastAccessed time.Time

	logger *slog.Logger
	saver  Saver
}

func New(logger *slog.Logger, saver Saver) *Workspace {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspace{
		name:         "Shared Workspace",
		lastAccessed: time.Now(),
		logger:       logger,
		saver:        saver,
	}
}

// Restore loads a persisted layout skeleton. Pane bindings are cleared:
// no session can survive a process restart, so every pane comes back
// disconnected.
func (w *Workspace) Restore(state domain.WorkspaceState) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if state.Name != "" {
		w.name = state.Name
	}
	w.tabs = w.tabs[:0]
	for i := range state.Tabs {
		tab := state.Tabs[i].Clone()
		for j := range tab.Panes {
			tab.Panes[j].SessionID = ""
			tab.Panes[j].Status = domain.PaneDisconnected
		}
		w.tabs = append(w.tabs, &tab)
	}
	w.activeTabID = state.ActiveTabID
	w.lastAccessed = time.Now()
}

// Snapshot returns a deep copy, safe to serialize without holding the
// workspace lock.
func (w *Workspace) Snapshot() domain.WorkspaceState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Workspace) snapshotLocked() domain.WorkspaceState {
	state := domain.WorkspaceState{
		ID:           domain.WorkspaceID,
		Name:         w.name,
		ActiveTabID:  w.activeTabID,
		LastAccessed: w.lastAccessed,
		Tabs:         make([]domain.Tab, len(w.tabs)),
	}
	for i, tab := range w.tabs {
		state.Tabs[i] = tab.Clone()
	}
	return state
}

// CreateTab appends a tab, deactivates the others, and activates the new
// one. Terminal tabs get one default pane with no bound session yet.
func (w *Workspace) CreateTab(title string, kind domain.TabKind, subKind string) (domain.Tab, error) {
	w.mu.Lock()

	if len(w.tabs) >= domain.MaxTabs {
		w.mu.Unlock()
		return domain.Tab{}, fmt.Errorf("%w: tab limit %d reached", domain.ErrCapacityExceeded, domain.MaxTabs)
	}

	tab := &domain.Tab{
		ID:           newID("tab"),
		Title:        title,
		Kind:         kind,
		SubKind:      subKind,
		IsActive:     true,
		Layout:       domain.LayoutSingle,
		LastActivity: time.Now(),
	}
	if kind == domain.TabTerminal {
		tab.Panes = append(tab.Panes, domain.Pane{
			ID:       newID("pane"),
			Title:    "Terminal",
			Kind:     domain.TabTerminal,
			IsActive: true,
			Position: domain.Position{Width: 100, Height: 100},
			Status:   domain.PaneDisconnected,
		})
	}

	for _, existing := range w.tabs {
		existing.IsActive = false
	}
	w.tabs = append(w.tabs, tab)
	w.activeTabID = tab.ID
	w.lastAccessed = time.Now()

	out := tab.Clone()
	w.mu.Unlock()

	w.logger.Info("tab created", "tab_id", out.ID, "kind", kind)
	w.save()
	return out, nil
}

// CreatePane appends a pane to a tab. The per-tab pane limit is a hard
// cap enforced here.
func (w *Workspace) CreatePane(tabID, title string, kind domain.TabKind, subKind string) (domain.Pane, error) {
	w.mu.Lock()

	tab := w.findTabLocked(tabID)
	if tab == nil {
		w.mu.Unlock()
		return domain.Pane{}, fmt.Errorf("%w: tab %s", domain.ErrNotFound, tabID)
	}
	if len(tab.Panes) >= domain.MaxPanesPerTab {
		w.mu.Unlock()
		return domain.Pane{}, fmt.Errorf("%w: pane limit %d reached for tab %s", domain.ErrCapacityExceeded, domain.MaxPanesPerTab, tabID)
	}

	pane := domain.Pane{
		ID:       newID("pane"),
		Title:    title,
		Kind:     kind,
		SubKind:  subKind,
		Position: domain.Position{Width: 100, Height: 100},
		Status:   domain.PaneDisconnected,
	}
	tab.Panes = append(tab.Panes, pane)
	tab.LastActivity = time.Now()
	w.mu.Unlock()

	w.save()
	return pane, nil
}

// SplitPane halves an existing pane and inserts a sibling next to it,
// updating the tab layout. direction is "horizontal" or "vertical".
func (w *Workspace) SplitPane(tabID, paneID, direction string) (domain.Pane, error) {
	w.mu.Lock()

	tab := w.findTabLocked(tabID)
	if tab == nil {
		w.mu.Unlock()
		return domain.Pane{}, fmt.Errorf("%w: tab %s", domain.ErrNotFound, tabID)
	}
	if len(tab.Panes) >= domain.MaxPanesPerTab {
		w.mu.Unlock()
		return domain.Pane{}, fmt.Errorf("%w: pane limit %d reached for tab %s", domain.ErrCapacityExceeded, domain.MaxPanesPerTab, tabID)
	}

	idx := -1
	for i := range tab.Panes {
		if tab.Panes[i].ID == paneID {
			idx = i
			break
		}
	}
	if idx < 0 {
		w.mu.Unlock()
		return domain.Pane{}, fmt.Errorf("%w: pane %s", domain.ErrNotFound, paneID)
	}

	src := &tab.Panes[idx]
	pane := domain.Pane{
		ID:       newID("pane"),
		Title:    src.Title,
		Kind:     src.Kind,
		SubKind:  src.SubKind,
		Position: src.Position,
		Status:   domain.PaneDisconnected,
	}
	if strings.EqualFold(direction, "vertical") {
		src.Position.Height /= 2
		pane.Position.Height = src.Position.Height
		pane.Position.Y = src.Position.Y + src.Position.Height
		tab.Layout = domain.LayoutVertical
	} else {
		src.Position.Width /= 2
		pane.Position.Width = src.Position.Width
		pane.Position.X = src.Position.X + src.Position.Width
		tab.Layout = domain.LayoutHorizontal
	}
	if len(tab.Panes)+1 > 2 {
		tab.Layout = domain.LayoutGrid
	}

	tab.Panes = append(tab.Panes[:idx+1], append([]domain.Pane{pane}, tab.Panes[idx+1:]...)...)
	tab.LastActivity = time.Now()
	w.mu.Unlock()

	w.save()
	return pane, nil
}

// BindPaneSession points a pane at an existing terminal session and
// marks it connected.
func (w *Workspace) BindPaneSession(tabID, paneID, sessionID string) error {
	w.mu.Lock()

	tab := w.findTabLocked(tabID)
	if tab == nil {
		w.mu.Unlock()
		return fmt.Errorf("%w: tab %s", domain.ErrNotFound, tabID)
	}
	for i := range tab.Panes {
		if tab.Panes[i].ID == paneID {
			tab.Panes[i].SessionID = sessionID
			tab.Panes[i].Status = domain.PaneConnected
			tab.LastActivity = time.Now()
			w.mu.Unlock()
			w.save()
			return nil
		}
	}
	w.mu.Unlock()
	return fmt.Errorf("%w: pane %s", domain.ErrNotFound, paneID)
}

// EnsureTab inserts a client-described tab unless one with the same id
// already exists. Used by workspace resume, where the client replays its
// last known layout. Returns whether the tab was created.
func (w *Workspace) EnsureTab(tab domain.Tab) (bool, error) {
	w.mu.Lock()

	if w.findTabLocked(tab.ID) != nil {
		w.mu.Unlock()
		return false, nil
	}
	if len(w.tabs) >= domain.MaxTabs {
		w.mu.Unlock()
		return false, fmt.Errorf("%w: tab limit %d reached", domain.ErrCapacityExceeded, domain.MaxTabs)
	}
	if len(tab.Panes) > domain.MaxPanesPerTab {
		w.mu.Unlock()
		return false, fmt.Errorf("%w: pane limit %d exceeded for tab %s", domain.ErrCapacityExceeded, domain.MaxPanesPerTab, tab.ID)
	}

	clone := tab.Clone()
	if clone.ID == "" {
		clone.ID = newID("tab")
	}
	for i := range clone.Panes {
		clone.Panes[i].SessionID = ""
		clone.Panes[i].Status = domain.PaneDisconnected
	}
	clone.LastActivity = time.Now()
	w.tabs = append(w.tabs, &clone)
	w.lastAccessed = time.Now()
	w.mu.Unlock()

	w.save()
	return true, nil
}

// CloseTab removes a tab. Bound sessions are deliberately left running;
// they stay in the registry until their own grace logic or the
// reconciliation sweep reclaims them.
func (w *Workspace) CloseTab(tabID string) error {
	w.mu.Lock()

	idx := -1
	for i, tab := range w.tabs {
		if tab.ID == tabID {
			idx = i
			break
		}
	}
	if idx < 0 {
		w.mu.Unlock()
		return fmt.Errorf("%w: tab %s", domain.ErrNotFound, tabID)
	}

	wasActive := w.tabs[idx].IsActive
	w.tabs = append(w.tabs[:idx], w.tabs[idx+1:]...)
	if wasActive {
		if len(w.tabs) > 0 {
			w.tabs[0].IsActive = true
			w.activeTabID = w.tabs[0].ID
		} else {
			w.activeTabID = ""
		}
	}
	w.lastAccessed = time.Now()
	w.mu.Unlock()

	w.logger.Info("tab closed", "tab_id", tabID)
	w.save()
	return nil
}

func (w *Workspace) SetActiveTab(tabID string) error {
	w.mu.Lock()

	if w.findTabLocked(tabID) == nil {
		w.mu.Unlock()
		return fmt.Errorf("%w: tab %s", domain.ErrNotFound, tabID)
	}
	for _, tab := range w.tabs {
		tab.IsActive = tab.ID == tabID
	}
	w.activeTabID = tabID
	w.lastAccessed = time.Now()
	w.mu.Unlock()

	w.save()
	return nil
}

func (w *Workspace) UpdateTabTitle(tabID, title string) error {
	w.mu.Lock()

	tab := w.findTabLocked(tabID)
	if tab == nil {
		w.mu.Unlock()
		return fmt.Errorf("%w: tab %s", domain.ErrNotFound, tabID)
	}
	tab.Title = title
	w.mu.Unlock()

	w.save()
	return nil
}

// ApplyLayout replaces the tab structure from a client-provided layout,
// preserving existing pane session bindings by pane id.
func (w *Workspace) ApplyLayout(state domain.WorkspaceState) error {
	if len(state.Tabs) > domain.MaxTabs {
		return fmt.Errorf("%w: tab limit %d exceeded", domain.ErrCapacityExceeded, domain.MaxTabs)
	}
	for _, tab := range state.Tabs {
		if len(tab.Panes) > domain.MaxPanesPerTab {
			return fmt.Errorf("%w: pane limit %d exceeded for tab %s", domain.ErrCapacityExceeded, domain.MaxPanesPerTab, tab.ID)
		}
	}

	w.mu.Lock()

	bindings := make(map[string]string)
	for _, tab := range w.tabs {
		for _, pane := range tab.Panes {
			if pane.SessionID != "" {
				bindings[pane.ID] = pane.SessionID
			}
		}
	}

	if state.Name != "" {
		w.name = state.Name
	}
	w.tabs = w.tabs[:0]
	for i := range state.Tabs {
		tab := state.Tabs[i].Clone()
		for j := range tab.Panes {
			if sessionID, ok := bindings[tab.Panes[j].ID]; ok {
				tab.Panes[j].SessionID = sessionID
				tab.Panes[j].Status = domain.PaneConnected
			}
		}
		w.tabs = append(w.tabs, &tab)
	}
	if state.ActiveTabID != "" {
		w.activeTabID = state.ActiveTabID
	}
	w.lastAccessed = time.Now()
	w.mu.Unlock()

	w.save()
	return nil
}

// Reconcile clears pane bindings to sessions the registry no longer
// reports alive. Safe to run concurrently with tab and pane mutation.
func (w *Workspace) Reconcile(alive func(sessionID string) bool) int {
	w.mu.Lock()

	cleared := 0
	for _, tab := range w.tabs {
		for i := range tab.Panes {
			sessionID := tab.Panes[i].SessionID
			if sessionID == "" || alive(sessionID) {
				continue
			}
			tab.Panes[i].SessionID = ""
			tab.Panes[i].Status = domain.PaneDisconnected
			cleared++
		}
	}
	w.mu.Unlock()

	if cleared > 0 {
		w.logger.Info("reconciled dead session bindings", "cleared", cleared)
		w.save()
	}
	return cleared
}

func (w *Workspace) TabCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tabs)
}

func (w *Workspace) findTabLocked(tabID string) *domain.Tab {
	for _, tab := range w.tabs {
		if tab.ID == tabID {
			return tab
		}
	}
	return nil
}

func (w *Workspace) save() {
	if w.saver == nil {
		return
	}
	if err := w.saver.SaveWorkspace(w.Snapshot()); err != nil {
		w.logger.Warn("workspace save failed", "error", err)
	}
}

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
