// Package session implements pty-backed terminal sessions: the output
// read loop, multi-client fan-out, and the process-wide registry with
// ownership records.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/termloom/termloom/internal/buffer"
	"github.com/termloom/termloom/internal/domain"
	"github.com/termloom/termloom/internal/ptyproc"
)

const (
	readChunkSize = 4096
	writeTimeout  = 5 * time.Second
)

// Session owns exactly one pty process, its scrollback entry in the
// buffer store, and the set of attached client ids.
type Session struct {
	ID string

	mu           sync.Mutex
	term         ptyproc.Terminal
	rows, cols   int
	owner        domain.Owner
	clients      map[string]struct{}
	closed       bool
	lastActivity time.Time

	broadcaster *EventBroadcaster
	buffers     *buffer.Store
	logger      *slog.Logger
	onClose     func(id, reason string)
	done        chan struct{}
}

// New constructs a session around an already-started terminal. onClose
// runs once, after teardown, so the registry can drop its entry.
func New(id string, term ptyproc.Terminal, rows, cols int, owner domain.Owner, buffers *buffer.Store, logger *slog.Logger, onClose func(id, reason string)) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ID:           id,
		term:         term,
		rows:         rows,
		cols:         cols,
		owner:        owner,
		clients:      make(map[string]struct{}),
		lastActivity: time.Now(),
		broadcaster:  NewEventBroadcaster(),
		buffers:      buffers,
		logger:       logger.With("session_id", id),
		onClose:      onClose,
		done:         make(chan struct{}),
	}
}

// Start launches the read loop.
func (s *Session) Start() {
	go s.readLoop()
}

func (s *Session) readLoop() {
	defer close(s.done)

	buf := make([]byte, readChunkSize)
	for {
		n, err := s.term.Read(buf)
		if n > 0 {
			s.handleOutput(buf[:n])
		}
		if err != nil {
			if isReadEnd(err) {
				s.CloseWithReason("eof")
			} else {
				s.logger.Error("terminal read failed", "error", err)
				s.CloseWithReason("read_error")
			}
			return
		}
		if n == 0 {
			s.CloseWithReason("eof")
			return
		}
	}
}

// isReadEnd reports whether a read error means the terminal is simply
// gone. Linux reports EIO on the master once the child exits.
func isReadEnd(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, unix.EIO)
}

// handleOutput appends to the buffer before broadcasting, under the
// session lock. Attach holds the same lock while it snapshots the buffer
// and subscribes, which is what makes replay-then-live exact: a byte is
// either in the replay snapshot or delivered on the channel, never both.
func (s *Session) handleOutput(chunk []byte) {
	out := make([]byte, len(chunk))
	copy(out, chunk)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buffers.Append(s.ID, out)
	s.lastActivity = time.Now()
	s.broadcaster.Broadcast(Event{Kind: EventOutput, Output: out})
}

// Attach adds a client and returns the scrollback to replay along with a
// live event subscription. The replay content happens-before anything
// delivered on the channel.
func (s *Session) Attach(clientID string, chanBuffer int) (replay []byte, events <-chan Event, cancel func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, nil, fmt.Errorf("%w: %s", domain.ErrSessionClosed, s.ID)
	}
	s.clients[clientID] = struct{}{}
	events, cancel = s.broadcaster.Subscribe(chanBuffer)
	replay = s.buffers.Read(s.ID)
	return replay, events, cancel, nil
}

// Detach removes a client and reports how many remain attached. Removing
// an unknown client is a no-op returning the current count.
func (s *Session) Detach(clientID string) (remaining int, removed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; ok {
		delete(s.clients, clientID)
		removed = true
	}
	return len(s.clients), removed
}

func (s *Session) HasClient(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.clients[clientID]
	return ok
}

func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Owner() domain.Owner {
	return s.owner
}

// Write sends input bytes to the pty master. The write is bounded by a
// deadline so a full kernel tty buffer cannot wedge a handler.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrSessionClosed, s.ID)
	}
	term := s.term
	s.mu.Unlock()

	_ = term.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer term.SetWriteDeadline(time.Time{})
	if _, err := term.Write(data); err != nil {
		return fmt.Errorf("terminal write: %w", err)
	}

	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return nil
}

// Resize applies the window-size ioctl and updates stored dimensions
// atomically. On ioctl failure the stored dimensions are left untouched.
func (s *Session) Resize(rows, cols int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: %s", domain.ErrSessionClosed, s.ID)
	}
	if err := s.term.Resize(rows, cols); err != nil {
		return fmt.Errorf("resize: %w", err)
	}
	s.rows = rows
	s.cols = cols
	s.lastActivity = time.Now()
	return nil
}

func (s *Session) Size() (rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

// Close is CloseWithReason with a generic reason.
func (s *Session) Close() {
	s.CloseWithReason("closed")
}

// CloseWithReason tears the session down: pty reclaimed, closure event
// broadcast, registry entry dropped via the close hook. Idempotent and
// safe to call from the read loop's own error path. The scrollback entry
// in the buffer store is left behind for replay-after-close; the age
// sweep reclaims it.
func (s *Session) CloseWithReason(reason string) {
	if s.BeginClose() {
		s.FinishClose(reason)
	}
}

// BeginClose marks the session closed and reports whether this call won
// the transition. Once it returns true, Attach and Write reject. The
// grace-timer path calls this under the manager lock so a late attach
// loses the race deterministically, then runs FinishClose outside it.
func (s *Session) BeginClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.clients = make(map[string]struct{})
	return true
}

// FinishClose completes teardown after a winning BeginClose. Must be
// called exactly once per true return from BeginClose.
func (s *Session) FinishClose(reason string) {
	_ = s.term.Close()
	s.broadcaster.Broadcast(Event{Kind: EventClosed, Reason: reason})
	s.broadcaster.Close()

	s.logger.Info("session closed", "reason", reason)
	if s.onClose != nil {
		s.onClose(s.ID, reason)
	}
}

// Done is closed when the read loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info returns a point-in-time view for inspection APIs.
func (s *Session) Info() domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := domain.SessionActive
	switch {
	case s.closed:
		status = domain.SessionClosed
	case len(s.clients) == 0:
		status = domain.SessionDetached
	}
	return domain.SessionInfo{
		ID:           s.ID,
		Status:       status.String(),
		Rows:         s.rows,
		Cols:         s.cols,
		ClientCount:  len(s.clients),
		LastActivity: s.lastActivity,
	}
}
