package workspace

import (
	"sync"

	"github.com/termloom/termloom/internal/domain"
)

// Presence tracks connected clients and the role each arrived with. The
// role string is derived by the connection layer; this gate only stores
// and consults it.
type Presence struct {
	mu    sync.Mutex
	roles map[string]domain.Role
}

func NewPresence() *Presence {
	return &Presence{roles: make(map[string]domain.Role)}
}

func (p *Presence) Connect(clientID string, role domain.Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roles[clientID] = role
}

func (p *Presence) Disconnect(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.roles, clientID)
}

// RoleOf returns the stored role. Unknown clients default to User.
func (p *Presence) RoleOf(clientID string) domain.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	if role, ok := p.roles[clientID]; ok {
		return role
	}
	return domain.RoleUser
}

// CanMutate gates every workspace-mutating and terminal-input operation.
// Viewers are rejected with an explicit message by callers, never
// silently dropped.
func (p *Presence) CanMutate(clientID string) bool {
	return p.RoleOf(clientID) != domain.RoleViewer
}

func (p *Presence) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.roles)
}
