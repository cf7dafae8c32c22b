// Package service implements the attach/detach/grace-period/resume state
// machine over the session registry, buffer store, and workspace.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/termloom/termloom/internal/buffer"
	"github.com/termloom/termloom/internal/domain"
	"github.com/termloom/termloom/internal/ptyproc"
	"github.com/termloom/termloom/internal/session"
	"github.com/termloom/termloom/internal/workspace"
)

// GracePeriod is how long a session with no attached clients is kept
// alive awaiting reattachment before teardown.
const GracePeriod = 30 * time.Second

const (
	StatusCreated            = "created"
	StatusResumed            = "resumed"
	StatusActive             = "active"
	StatusRestoredFromBuffer = "restored_from_buffer"
	StatusNotFound           = "not_found"
	StatusAlreadyClosed      = "already_closed"
)

var ErrInvalidSessionID = errors.New("invalid session id")

type Config struct {
	// GracePeriod overrides the default detach grace period. Tests use
	// short values here.
	GracePeriod time.Duration
	// Start launches terminal processes; defaults to ptyproc.Start.
	Start ptyproc.Starter
	// Shell is the command spawned when a request names none.
	Shell  string
	Logger *slog.Logger
}

// Manager coordinates session lifecycle. All attach/detach/timer
// transitions are serialized by its mutex, which is what makes the
// attach-vs-grace-timer race deterministic: the timer marks the session
// closed under the lock before any teardown begins, so a late attach
// observes the closure and is told to create a new session instead.
type Manager struct {
	registry *session.Registry
	buffers  *buffer.Store
	ws       *workspace.Workspace
	presence *workspace.Presence
	start    ptyproc.Starter
	shell    string
	grace    time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewManager(registry *session.Registry, buffers *buffer.Store, ws *workspace.Workspace, presence *workspace.Presence, cfg Config) *Manager {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = GracePeriod
	}
	if cfg.Start == nil {
		cfg.Start = ptyproc.Start
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		buffers:  buffers,
		ws:       ws,
		presence: presence,
		start:    cfg.Start,
		shell:    cfg.Shell,
		grace:    cfg.GracePeriod,
		logger:   cfg.Logger,
		pending:  make(map[string]*time.Timer),
	}
}

type CreateOrAttachRequest struct {
	SessionID string
	Client    domain.Client
	Dir       string
	Rows      int
	Cols      int
	Command   string
}

// AttachResult carries the outcome of create_or_attach and reconnect.
// For live attachments, Replay holds the scrollback to deliver before
// anything read from Events, and Cancel must be called on detach.
type AttachResult struct {
	Status    string
	SessionID string
	Replay    []byte
	Events    <-chan session.Event
	Cancel    func()
	IsOwner   bool
}

// CreateOrAttach attaches to a live session with the given id, or spawns
// a new one. Requests for ids recorded as closed are rejected with an
// already-closed status rather than silently recreated.
func (m *Manager) CreateOrAttach(req CreateOrAttachRequest) (AttachResult, error) {
	m.mu.Lock()

	if req.SessionID != "" {
		if s, ok := m.registry.Get(req.SessionID); ok && !s.Closed() {
			res, err := m.attachLocked(s, req.Client, StatusResumed)
			m.mu.Unlock()
			return res, err
		}
		if m.registry.WasClosed(req.SessionID) {
			isOwner := m.registry.IsOwner(req.SessionID, req.Client.Owner)
			m.mu.Unlock()
			return AttachResult{Status: StatusAlreadyClosed, SessionID: req.SessionID, IsOwner: isOwner}, nil
		}
	}

	res, err := m.createLocked(req)
	m.mu.Unlock()
	return res, err
}

// createLocked spawns a new session. Caller holds m.mu.
func (m *Manager) createLocked(req CreateOrAttachRequest) (AttachResult, error) {
	if !m.presence.CanMutate(req.Client.ID) {
		return AttachResult{}, fmt.Errorf("%w: viewers cannot create terminal sessions", domain.ErrPermissionDenied)
	}

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	} else if !session.ValidID(id) {
		return AttachResult{}, fmt.Errorf("%w: %s", ErrInvalidSessionID, id)
	}

	rows, cols := req.Rows, req.Cols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}

	command := req.Command
	if command == "" {
		command = m.shell
	}
	term, err := m.start(ptyproc.Options{
		Command: command,
		Dir:     req.Dir,
		Rows:    rows,
		Cols:    cols,
	})
	if err != nil {
		return AttachResult{}, err
	}

	s := session.New(id, term, rows, cols, req.Client.Owner, m.buffers, m.logger, m.onSessionClose)
	if err := m.registry.Add(s); err != nil {
		_ = term.Close()
		return AttachResult{}, fmt.Errorf("%w: session %s", err, id)
	}

	replay, events, cancel, err := s.Attach(req.Client.ID, 0)
	if err != nil {
		m.registry.Remove(id)
		_ = term.Close()
		return AttachResult{}, err
	}
	s.Start()

	m.logger.Info("session created", "session_id", id, "rows", rows, "cols", cols)
	return AttachResult{
		Status:    StatusCreated,
		SessionID: id,
		Replay:    replay,
		Events:    events,
		Cancel:    cancel,
	}, nil
}

// attachLocked joins a client to a live session, cancelling any pending
// closure. Caller holds m.mu.
func (m *Manager) attachLocked(s *session.Session, client domain.Client, status string) (AttachResult, error) {
	if !m.cancelClosureLocked(s.ID) {
		// The grace timer is already executing its closure; it wins.
		return AttachResult{
			Status:    StatusAlreadyClosed,
			SessionID: s.ID,
			IsOwner:   s.Owner().Matches(client.Owner),
		}, nil
	}

	replay, events, cancel, err := s.Attach(client.ID, 0)
	if err != nil {
		if errors.Is(err, domain.ErrSessionClosed) {
			return AttachResult{
				Status:    StatusAlreadyClosed,
				SessionID: s.ID,
				IsOwner:   s.Owner().Matches(client.Owner),
			}, nil
		}
		return AttachResult{}, err
	}
	return AttachResult{
		Status:    status,
		SessionID: s.ID,
		Replay:    replay,
		Events:    events,
		Cancel:    cancel,
	}, nil
}

// Reconnect resolves a session id to one of the four reconnection
// outcomes. Scrollback for buffer-only restores is stale: there is no
// live PTY behind it.
func (m *Manager) Reconnect(sessionID string, client domain.Client) (AttachResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.registry.Get(sessionID); ok && !s.Closed() {
		return m.attachLocked(s, client, StatusActive)
	}
	if m.registry.WasClosed(sessionID) {
		return AttachResult{
			Status:    StatusAlreadyClosed,
			SessionID: sessionID,
			IsOwner:   m.registry.IsOwner(sessionID, client.Owner),
		}, nil
	}
	if content := m.buffers.Read(sessionID); content != nil {
		return AttachResult{
			Status:    StatusRestoredFromBuffer,
			SessionID: sessionID,
			Replay:    content,
		}, nil
	}
	return AttachResult{Status: StatusNotFound, SessionID: sessionID}, nil
}

// WriteInput forwards input bytes to a session, gated on the client's
// role.
func (m *Manager) WriteInput(sessionID string, client domain.Client, data []byte) error {
	if !m.presence.CanMutate(client.ID) {
		return fmt.Errorf("%w: viewers cannot send terminal input", domain.ErrPermissionDenied)
	}
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return s.Write(data)
}

func (m *Manager) Resize(sessionID string, client domain.Client, rows, cols int) error {
	if !m.presence.CanMutate(client.ID) {
		return fmt.Errorf("%w: viewers cannot resize terminals", domain.ErrPermissionDenied)
	}
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return s.Resize(rows, cols)
}

// DetachClient removes the client from every session it is attached to,
// starting the grace timer on each session left with no clients. Called
// on explicit leave and on transport disconnect.
func (m *Manager) DetachClient(clientID string) {
	for _, s := range m.registry.All() {
		m.detachFrom(s, clientID)
	}
}

// DetachFromSession removes the client from one session only.
func (m *Manager) DetachFromSession(sessionID, clientID string) error {
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	m.detachFrom(s, clientID)
	return nil
}

func (m *Manager) detachFrom(s *session.Session, clientID string) {
	remaining, removed := s.Detach(clientID)
	if !removed || remaining > 0 || s.Closed() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ClientCount() > 0 || s.Closed() {
		// A concurrent attach beat us to the lock.
		return
	}
	m.scheduleClosureLocked(s.ID)
}

func (m *Manager) scheduleClosureLocked(sessionID string) {
	if existing, ok := m.pending[sessionID]; ok {
		existing.Stop()
	}
	m.logger.Info("session detached, scheduling closure", "session_id", sessionID, "grace", m.grace)
	m.pending[sessionID] = time.AfterFunc(m.grace, func() {
		m.graceExpired(sessionID)
	})
}

// cancelClosureLocked stops a pending grace timer. It returns false when
// the timer has already begun executing: that closure will complete, and
// the caller must treat the session as closed.
func (m *Manager) cancelClosureLocked(sessionID string) bool {
	t, ok := m.pending[sessionID]
	if !ok {
		return true
	}
	if !t.Stop() {
		return false
	}
	delete(m.pending, sessionID)
	return true
}

func (m *Manager) graceExpired(sessionID string) {
	m.mu.Lock()
	if _, ok := m.pending[sessionID]; !ok {
		// Cancelled between firing and acquiring the lock.
		m.mu.Unlock()
		return
	}
	delete(m.pending, sessionID)

	s, ok := m.registry.Get(sessionID)
	if !ok {
		m.mu.Unlock()
		return
	}
	if s.ClientCount() > 0 {
		m.mu.Unlock()
		return
	}
	won := s.BeginClose()
	m.mu.Unlock()

	if won {
		s.FinishClose("grace_period_expired")
	}
}

// onSessionClose runs once per session teardown, from FinishClose.
func (m *Manager) onSessionClose(sessionID, reason string) {
	m.mu.Lock()
	if t, ok := m.pending[sessionID]; ok {
		t.Stop()
		delete(m.pending, sessionID)
	}
	m.mu.Unlock()

	m.registry.Remove(sessionID)
	if m.ws != nil {
		m.ws.Reconcile(m.SessionAlive)
	}
}

// CloseSession closes a session explicitly, regardless of attached
// clients.
func (m *Manager) CloseSession(sessionID string) error {
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	s.CloseWithReason("closed_by_user")
	return nil
}

// SessionAlive reports whether a session is live, for workspace
// reconciliation.
func (m *Manager) SessionAlive(sessionID string) bool {
	s, ok := m.registry.Get(sessionID)
	return ok && !s.Closed()
}

// Sessions returns inspection views of every live session.
func (m *Manager) Sessions() []domain.SessionInfo {
	all := m.registry.All()
	out := make([]domain.SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	return out
}

func (m *Manager) IsOwner(sessionID string, owner domain.Owner) bool {
	return m.registry.IsOwner(sessionID, owner)
}

func (m *Manager) BufferStats() buffer.Stats {
	return m.buffers.Stats()
}

func (m *Manager) ReadBuffer(sessionID string) []byte {
	return m.buffers.Read(sessionID)
}
