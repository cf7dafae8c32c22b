package session

import (
	"regexp"
	"sync"

	"github.com/termloom/termloom/internal/domain"
)

var sessionIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidID reports whether a caller-supplied session id is acceptable.
func ValidID(id string) bool {
	return sessionIDRegex.MatchString(id)
}

// Registry is the process-wide map from session id to live session, plus
// the append-only record of closed sessions and their owners. Closed
// records let stale resume attempts get a deterministic "already closed"
// answer instead of "not found".
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   map[string]domain.Owner
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		closed:   make(map[string]domain.Owner),
	}
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// All returns a snapshot copy, never a live view.
func (r *Registry) All() map[string]*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*Session, len(r.sessions))
	for id, s := range r.sessions {
		out[id] = s
	}
	return out
}

func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return domain.ErrAlreadyExists
	}
	r.sessions[s.ID] = s
	return nil
}

// Remove drops the live entry and records the session as closed, keeping
// its owner so later ownership checks still work.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		r.closed[id] = s.Owner()
		delete(r.sessions, id)
	} else if _, known := r.closed[id]; !known {
		r.closed[id] = domain.Owner{}
	}
}

func (r *Registry) WasClosed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.closed[id]
	return ok
}

// IsOwner checks identity against the live session's owner, or the
// retained owner record for a closed session.
func (r *Registry) IsOwner(id string, identity domain.Owner) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.sessions[id]; ok {
		return s.Owner().Matches(identity)
	}
	if owner, ok := r.closed[id]; ok {
		return owner.Matches(identity)
	}
	return false
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
