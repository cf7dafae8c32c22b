package domain

import (
	"fmt"
	"time"
)

const (
	MaxTabs        = 20
	MaxPanesPerTab = 4

	WorkspaceID = "global_workspace"
)

type TabKind string

const (
	TabTerminal   TabKind = "terminal"
	TabAIAgent    TabKind = "ai-agent"
	TabLogMonitor TabKind = "log-monitor"
)

var ErrInvalidTabKind = fmt.Errorf("invalid tab kind")

func ParseTabKind(s string) (TabKind, error) {
	switch s {
	case string(TabTerminal):
		return TabTerminal, nil
	case string(TabAIAgent):
		return TabAIAgent, nil
	case string(TabLogMonitor):
		return TabLogMonitor, nil
	default:
		return TabTerminal, fmt.Errorf("%w: %s", ErrInvalidTabKind, s)
	}
}

type Layout string

const (
	LayoutSingle     Layout = "single"
	LayoutHorizontal Layout = "horizontal"
	LayoutVertical   Layout = "vertical"
	LayoutGrid       Layout = "grid"
)

var ErrInvalidLayout = fmt.Errorf("invalid layout")

func ParseLayout(s string) (Layout, error) {
	switch s {
	case string(LayoutSingle):
		return LayoutSingle, nil
	case string(LayoutHorizontal):
		return LayoutHorizontal, nil
	case string(LayoutVertical):
		return LayoutVertical, nil
	case string(LayoutGrid):
		return LayoutGrid, nil
	default:
		return LayoutSingle, fmt.Errorf("%w: %s", ErrInvalidLayout, s)
	}
}

type PaneStatus string

const (
	PaneDisconnected PaneStatus = "disconnected"
	PaneConnected    PaneStatus = "connected"
)

// Position is a pane rectangle in relative percentages of its tab.
type Position struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Pane references at most one session by id. It never owns the session;
// the binding is cleared by reconciliation once the session is gone.
type Pane struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Kind      TabKind    `json:"type"`
	SubKind   string     `json:"subType,omitempty"`
	IsActive  bool       `json:"isActive"`
	SessionID string     `json:"sessionId,omitempty"`
	Position  Position   `json:"position"`
	Status    PaneStatus `json:"status"`
}

type Tab struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Kind         TabKind   `json:"type"`
	SubKind      string    `json:"subType,omitempty"`
	IsActive     bool      `json:"isActive"`
	Layout       Layout    `json:"layout"`
	Panes        []Pane    `json:"panes"`
	LastActivity time.Time `json:"lastActivity"`
}

// WorkspaceState is a deep-copied view of the shared workspace, safe to
// hand to transports and storage.
type WorkspaceState struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Tabs         []Tab     `json:"tabs"`
	ActiveTabID  string    `json:"activeTabId,omitempty"`
	LastAccessed time.Time `json:"lastAccessed"`
}

func (t Tab) Clone() Tab {
	out := t
	out.Panes = make([]Pane, len(t.Panes))
	copy(out.Panes, t.Panes)
	return out
}

func (w WorkspaceState) Clone() WorkspaceState {
	out := w
	out.Tabs = make([]Tab, len(w.Tabs))
	for i, tab := range w.Tabs {
		out.Tabs[i] = tab.Clone()
	}
	return out
}
