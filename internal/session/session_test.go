package session

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/termloom/termloom/internal/buffer"
	"github.com/termloom/termloom/internal/domain"
)

type fakeTerm struct {
	mu        sync.Mutex
	pr        *io.PipeReader
	pw        *io.PipeWriter
	input     []byte
	resizeErr error
	resizes   [][2]int
	closed    bool
}

func newFakeTerm() *fakeTerm {
	pr, pw := io.Pipe()
	return &fakeTerm{pr: pr, pw: pw}
}

// emit feeds bytes to the session's read loop as if the shell produced
// them.
func (f *fakeTerm) emit(t *testing.T, data string) {
	t.Helper()
	if _, err := f.pw.Write([]byte(data)); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
}

func (f *fakeTerm) Read(p []byte) (int, error)       { return f.pr.Read(p) }
func (f *fakeTerm) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTerm) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	f.input = append(f.input, p...)
	return len(p), nil
}

func (f *fakeTerm) Resize(rows, cols int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resizeErr != nil {
		return f.resizeErr
	}
	f.resizes = append(f.resizes, [2]int{rows, cols})
	return nil
}

func (f *fakeTerm) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.pw.Close()
	return nil
}

func (f *fakeTerm) inputString() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.input)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

type closeRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (c *closeRecorder) record(id, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason)
}

func (c *closeRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reasons)
}

func newTestSession(t *testing.T) (*Session, *fakeTerm, *buffer.Store, *closeRecorder) {
	t.Helper()
	term := newFakeTerm()
	buffers := buffer.NewStore()
	rec := &closeRecorder{}
	s := New("s1", term, 24, 80, domain.Owner{Principal: "alice"}, buffers, nil, rec.record)
	s.Start()
	t.Cleanup(s.Close)
	return s, term, buffers, rec
}

func TestOutputReachesBufferAndSubscribers(t *testing.T) {
	s, term, buffers, _ := newTestSession(t)

	_, events, cancel, err := s.Attach("c1", 0)
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	defer cancel()

	term.emit(t, "hello")

	ev := waitForEvent(t, events)
	if ev.Kind != EventOutput || string(ev.Output) != "hello" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if got := string(buffers.Read("s1")); got != "hello" {
		t.Fatalf("expected buffer %q, got %q", "hello", got)
	}
}

func TestAttachReplaysBufferBeforeLiveOutput(t *testing.T) {
	s, term, buffers, _ := newTestSession(t)

	term.emit(t, "one")
	waitFor(t, "buffer to contain first chunk", func() bool {
		return string(buffers.Read("s1")) == "one"
	})

	replay, events, cancel, err := s.Attach("c1", 0)
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	defer cancel()

	if string(replay) != "one" {
		t.Fatalf("expected replay %q, got %q", "one", replay)
	}

	term.emit(t, "two")
	ev := waitForEvent(t, events)
	if string(ev.Output) != "two" {
		t.Fatalf("expected live output %q, got %q", "two", ev.Output)
	}
}

func TestEOFClosesSession(t *testing.T) {
	s, term, _, rec := newTestSession(t)

	_, events, cancel, err := s.Attach("c1", 0)
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	defer cancel()

	term.pw.Close()

	ev := waitForEvent(t, events)
	if ev.Kind != EventClosed || ev.Reason != "eof" {
		t.Fatalf("expected eof closure, got %+v", ev)
	}
	waitFor(t, "session to close", s.Closed)
	if rec.count() != 1 {
		t.Fatalf("expected one close callback, got %d", rec.count())
	}
}

func TestWriteReachesTerminal(t *testing.T) {
	s, term, _, _ := newTestSession(t)

	if err := s.Write([]byte("echo hi\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if got := term.inputString(); got != "echo hi\n" {
		t.Fatalf("expected input %q, got %q", "echo hi\n", got)
	}
}

func TestWriteAfterCloseRejected(t *testing.T) {
	s, _, _, _ := newTestSession(t)
	s.Close()

	err := s.Write([]byte("x"))
	if !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestResizeUpdatesDimensions(t *testing.T) {
	s, term, _, _ := newTestSession(t)

	if err := s.Resize(50, 120); err != nil {
		t.Fatalf("resize failed: %v", err)
	}
	rows, cols := s.Size()
	if rows != 50 || cols != 120 {
		t.Fatalf("expected 50x120, got %dx%d", rows, cols)
	}
	term.mu.Lock()
	defer term.mu.Unlock()
	if len(term.resizes) != 1 || term.resizes[0] != [2]int{50, 120} {
		t.Fatalf("unexpected resize calls: %v", term.resizes)
	}
}

func TestResizeFailureLeavesDimensionsUntouched(t *testing.T) {
	s, term, _, _ := newTestSession(t)

	term.mu.Lock()
	term.resizeErr = errors.New("ioctl failed")
	term.mu.Unlock()

	if err := s.Resize(50, 120); err == nil {
		t.Fatal("expected resize error")
	}
	rows, cols := s.Size()
	if rows != 24 || cols != 80 {
		t.Fatalf("dimensions changed after failed resize: %dx%d", rows, cols)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, _, _, rec := newTestSession(t)

	s.CloseWithReason("first")
	s.CloseWithReason("second")

	if rec.count() != 1 {
		t.Fatalf("expected one close callback, got %d", rec.count())
	}
}

func TestCloseKeepsBufferForReplay(t *testing.T) {
	s, term, buffers, _ := newTestSession(t)

	term.emit(t, "scrollback")
	waitFor(t, "buffer write", func() bool {
		return string(buffers.Read("s1")) == "scrollback"
	})

	s.Close()
	if got := string(buffers.Read("s1")); got != "scrollback" {
		t.Fatalf("expected scrollback to survive closure, got %q", got)
	}
}

func TestAttachAfterCloseRejected(t *testing.T) {
	s, _, _, _ := newTestSession(t)
	s.Close()

	if _, _, _, err := s.Attach("c1", 0); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestDetach(t *testing.T) {
	s, _, _, _ := newTestSession(t)

	if _, _, cancel, err := s.Attach("c1", 0); err != nil {
		t.Fatalf("attach failed: %v", err)
	} else {
		defer cancel()
	}
	if _, _, cancel, err := s.Attach("c2", 0); err != nil {
		t.Fatalf("attach failed: %v", err)
	} else {
		defer cancel()
	}

	remaining, removed := s.Detach("c1")
	if !removed || remaining != 1 {
		t.Fatalf("expected removed with 1 remaining, got removed=%v remaining=%d", removed, remaining)
	}
	remaining, removed = s.Detach("unknown")
	if removed || remaining != 1 {
		t.Fatalf("detaching unknown client should be a no-op, got removed=%v remaining=%d", removed, remaining)
	}
}
