// Package buffer holds per-session scrollback, bounded by size and age.
// Buffers outlive their sessions so scrollback can be replayed after a
// session is fully closed.
package buffer

import (
	"sync"
	"time"
)

const (
	// MaxBufferSize caps each session's scrollback. When an append would
	// exceed it, only the trailing MaxBufferSize bytes are retained; the
	// oldest data is dropped silently.
	MaxBufferSize = 500 * 1024

	// MaxAge is how long an untouched buffer survives before the sweep
	// removes it.
	MaxAge = 24 * time.Hour

	// SweepInterval bounds how often the opportunistic sweep inside
	// Append runs.
	SweepInterval = time.Hour
)

type entry struct {
	content   []byte
	updatedAt time.Time
}

type Store struct {
	mu        sync.Mutex
	entries   map[string]*entry
	lastSweep time.Time

	now func() time.Time
}

type Stats struct {
	Buffers    int       `json:"buffers"`
	TotalBytes int       `json:"total_bytes"`
	OldestAt   time.Time `json:"oldest_at,omitempty"`
}

func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Append concatenates chunk onto the session's buffer, trimming from the
// front to stay within MaxBufferSize. At most once per SweepInterval it
// also purges buffers older than MaxAge.
func (s *Store) Append(sessionID string, chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[sessionID]
	if !ok {
		e = &entry{}
		s.entries[sessionID] = e
	}
	e.content = append(e.content, chunk...)
	if len(e.content) > MaxBufferSize {
		trimmed := make([]byte, MaxBufferSize)
		copy(trimmed, e.content[len(e.content)-MaxBufferSize:])
		e.content = trimmed
	}
	e.updatedAt = now

	if now.Sub(s.lastSweep) >= SweepInterval {
		s.sweepLocked(now)
	}
}

// Read returns a copy of the session's buffer, or nil when none exists.
func (s *Store) Read(sessionID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok || len(e.content) == 0 {
		return nil
	}
	out := make([]byte, len(e.content))
	copy(out, e.content)
	return out
}

func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
}

// Sweep removes buffers untouched for longer than MaxAge and returns how
// many were removed. Called opportunistically from Append and on a
// schedule by the maintenance runner.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

func (s *Store) sweepLocked(now time.Time) int {
	removed := 0
	for id, e := range s.entries {
		if now.Sub(e.updatedAt) > MaxAge {
			delete(s.entries, id)
			removed++
		}
	}
	s.lastSweep = now
	return removed
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	for _, e := range s.entries {
		stats.Buffers++
		stats.TotalBytes += len(e.content)
		if stats.OldestAt.IsZero() || e.updatedAt.Before(stats.OldestAt) {
			stats.OldestAt = e.updatedAt
		}
	}
	return stats
}
