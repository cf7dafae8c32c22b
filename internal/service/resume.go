package service

import (
	"fmt"

	"github.com/termloom/termloom/internal/domain"
)

// ResumeWorkspaceResult reports, per tab, whether the layout entry was
// already present or newly created, plus how many pane sessions were
// reattached versus respawned. Attachments carries the live event
// subscriptions for the requesting client, one per bound pane.
type ResumeWorkspaceResult struct {
	ResumedTabs  []string `json:"resumedTabs"`
	CreatedTabs  []string `json:"createdTabs"`
	ResumedPanes int      `json:"resumedPanes"`
	CreatedPanes int      `json:"createdPanes"`

	Attachments []AttachResult `json:"-"`
}

// ResumeWorkspace restores a client-described layout: each tab is
// ensured to exist, and each pane that references a session is attached
// to the live session or given a freshly spawned one under the same id.
func (m *Manager) ResumeWorkspace(client domain.Client, tabs []domain.Tab) (ResumeWorkspaceResult, error) {
	if !m.presence.CanMutate(client.ID) {
		return ResumeWorkspaceResult{}, fmt.Errorf("%w: viewers cannot resume a workspace", domain.ErrPermissionDenied)
	}

	result := ResumeWorkspaceResult{
		ResumedTabs: []string{},
		CreatedTabs: []string{},
	}

	for _, tab := range tabs {
		created, err := m.ws.EnsureTab(tab)
		if err != nil {
			return result, err
		}
		if created {
			result.CreatedTabs = append(result.CreatedTabs, tab.ID)
		} else {
			result.ResumedTabs = append(result.ResumedTabs, tab.ID)
		}

		for _, pane := range tab.Panes {
			if pane.SessionID == "" {
				continue
			}

			res, err := m.resumePaneSession(pane.SessionID, client)
			if err != nil {
				m.logger.Warn("pane session resume failed",
					"tab_id", tab.ID, "pane_id", pane.ID, "session_id", pane.SessionID, "error", err)
				continue
			}
			switch res.Status {
			case StatusResumed, StatusActive:
				result.ResumedPanes++
			case StatusCreated:
				result.CreatedPanes++
			default:
				continue
			}
			result.Attachments = append(result.Attachments, res)
			if err := m.ws.BindPaneSession(tab.ID, pane.ID, res.SessionID); err != nil {
				m.logger.Warn("pane rebind failed", "tab_id", tab.ID, "pane_id", pane.ID, "error", err)
			}
		}
	}
	return result, nil
}

// resumePaneSession attaches to a live session or creates a replacement
// under the same id. Ids recorded as closed are respawned here: a
// workspace resume is an explicit request for working panes, not for
// tombstones.
func (m *Manager) resumePaneSession(sessionID string, client domain.Client) (AttachResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.registry.Get(sessionID); ok && !s.Closed() {
		res, err := m.attachLocked(s, client, StatusResumed)
		if err != nil || res.Status != StatusAlreadyClosed {
			return res, err
		}
		// Lost the race against the grace timer; fall through and spawn
		// a replacement.
	}
	return m.createLocked(CreateOrAttachRequest{
		SessionID: sessionID,
		Client:    client,
	})
}
