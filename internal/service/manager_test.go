package service

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/termloom/termloom/internal/buffer"
	"github.com/termloom/termloom/internal/domain"
	"github.com/termloom/termloom/internal/ptyproc"
	"github.com/termloom/termloom/internal/session"
	"github.com/termloom/termloom/internal/workspace"
)

type stubTerm struct {
	mu     sync.Mutex
	pr     *io.PipeReader
	pw     *io.PipeWriter
	input  []byte
	closed bool
}

func newStubTerm() *stubTerm {
	pr, pw := io.Pipe()
	return &stubTerm{pr: pr, pw: pw}
}

func (s *stubTerm) Read(p []byte) (int, error)       { return s.pr.Read(p) }
func (s *stubTerm) SetWriteDeadline(time.Time) error { return nil }
func (s *stubTerm) Resize(rows, cols int) error      { return nil }

func (s *stubTerm) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = append(s.input, p...)
	return len(p), nil
}

func (s *stubTerm) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.pw.Close()
	}
	return nil
}

func (s *stubTerm) inputString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.input)
}

type stubStarter struct {
	mu    sync.Mutex
	terms []*stubTerm
	err   error
}

func (st *stubStarter) start(ptyproc.Options) (ptyproc.Terminal, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.err != nil {
		return nil, st.err
	}
	term := newStubTerm()
	st.terms = append(st.terms, term)
	return term, nil
}

func (st *stubStarter) count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.terms)
}

type fixture struct {
	manager  *Manager
	registry *session.Registry
	buffers  *buffer.Store
	ws       *workspace.Workspace
	presence *workspace.Presence
	starter  *stubStarter
}

func newFixture(t *testing.T, grace time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		registry: session.NewRegistry(),
		buffers:  buffer.NewStore(),
		ws:       workspace.New(nil, nil),
		presence: workspace.NewPresence(),
		starter:  &stubStarter{},
	}
	f.manager = NewManager(f.registry, f.buffers, f.ws, f.presence, Config{
		GracePeriod: grace,
		Start:       f.starter.start,
	})
	return f
}

func (f *fixture) user(id string) domain.Client {
	f.presence.Connect(id, domain.RoleUser)
	return domain.Client{ID: id, Owner: domain.Owner{Principal: id}, Role: domain.RoleUser}
}

func (f *fixture) viewer(id string) domain.Client {
	f.presence.Connect(id, domain.RoleViewer)
	return domain.Client{ID: id, Owner: domain.Owner{Principal: id}, Role: domain.RoleViewer}
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

func TestCreateAssignsID(t *testing.T) {
	f := newFixture(t, time.Minute)

	res, err := f.manager.CreateOrAttach(CreateOrAttachRequest{Client: f.user("c1"), Rows: 24, Cols: 80})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if res.Status != StatusCreated || res.SessionID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !f.manager.SessionAlive(res.SessionID) {
		t.Fatal("created session should be alive")
	}
	res.Cancel()
}

func TestCreateRejectsInvalidID(t *testing.T) {
	f := newFixture(t, time.Minute)

	_, err := f.manager.CreateOrAttach(CreateOrAttachRequest{SessionID: "bad id!", Client: f.user("c1")})
	if !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("expected ErrInvalidSessionID, got %v", err)
	}
}

func TestViewerCannotCreate(t *testing.T) {
	f := newFixture(t, time.Minute)

	_, err := f.manager.CreateOrAttach(CreateOrAttachRequest{Client: f.viewer("v1")})
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if f.registry.Count() != 0 {
		t.Fatal("rejected create must leave the registry unchanged")
	}
}

func TestAttachToExistingSession(t *testing.T) {
	f := newFixture(t, time.Minute)

	created, err := f.manager.CreateOrAttach(CreateOrAttachRequest{SessionID: "s1", Client: f.user("c1")})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer created.Cancel()

	attached, err := f.manager.CreateOrAttach(CreateOrAttachRequest{SessionID: "s1", Client: f.user("c2")})
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	defer attached.Cancel()

	if attached.Status != StatusResumed {
		t.Fatalf("expected resumed, got %q", attached.Status)
	}
	if f.starter.count() != 1 {
		t.Fatalf("attach must not spawn a new pty, got %d starts", f.starter.count())
	}
}

func TestReattachWithinGraceKeepsSessionAlive(t *testing.T) {
	f := newFixture(t, 150*time.Millisecond)
	c1 := f.user("c1")

	created, err := f.manager.CreateOrAttach(CreateOrAttachRequest{SessionID: "s1", Client: c1})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	f.starter.terms[0].pw.Write([]byte("scrollback"))
	waitFor(t, "buffer content", func() bool { return f.buffers.Read("s1") != nil })

	created.Cancel()
	f.manager.DetachClient("c1")
	time.Sleep(30 * time.Millisecond)

	res, err := f.manager.Reconnect("s1", c1)
	if err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	defer res.Cancel()

	if res.Status != StatusActive {
		t.Fatalf("expected active, got %q", res.Status)
	}
	if string(res.Replay) != "scrollback" {
		t.Fatalf("expected buffer replay, got %q", res.Replay)
	}
	if f.starter.count() != 1 {
		t.Fatal("reattach within grace must not spawn a new pty")
	}

	// The cancelled timer must not fire later.
	time.Sleep(300 * time.Millisecond)
	if !f.manager.SessionAlive("s1") {
		t.Fatal("session closed despite reattachment within grace")
	}
}

func TestGraceExpiryClosesSession(t *testing.T) {
	f := newFixture(t, 60*time.Millisecond)
	c1 := f.user("c1")

	created, err := f.manager.CreateOrAttach(CreateOrAttachRequest{SessionID: "s1", Client: c1})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	created.Cancel()
	f.manager.DetachClient("c1")

	waitFor(t, "grace expiry", func() bool { return !f.manager.SessionAlive("s1") })
	waitFor(t, "registry removal", func() bool {
		_, ok := f.registry.Get("s1")
		return !ok
	})

	res, err := f.manager.Reconnect("s1", c1)
	if err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if res.Status != StatusAlreadyClosed {
		t.Fatalf("expected already_closed, got %q", res.Status)
	}
	if !res.IsOwner {
		t.Fatal("original owner should be reported as owner")
	}

	other := f.user("c2")
	res, err = f.manager.Reconnect("s1", other)
	if err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if res.IsOwner {
		t.Fatal("non-owner must not be reported as owner")
	}
}

func TestDetachWithRemainingClientsDoesNotScheduleClosure(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)

	created, err := f.manager.CreateOrAttach(CreateOrAttachRequest{SessionID: "s1", Client: f.user("c1")})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer created.Cancel()
	attached, err := f.manager.CreateOrAttach(CreateOrAttachRequest{SessionID: "s1", Client: f.user("c2")})
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	attached.Cancel()

	f.manager.DetachClient("c2")
	time.Sleep(120 * time.Millisecond)

	if !f.manager.SessionAlive("s1") {
		t.Fatal("session with remaining client must not be closed")
	}
}

func TestReconnectRestoredFromBuffer(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.buffers.Append("ghost", []byte("old output"))

	res, err := f.manager.Reconnect("ghost", f.user("c1"))
	if err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if res.Status != StatusRestoredFromBuffer {
		t.Fatalf("expected restored_from_buffer, got %q", res.Status)
	}
	if string(res.Replay) != "old output" {
		t.Fatalf("expected stale scrollback, got %q", res.Replay)
	}
	if res.Events != nil {
		t.Fatal("buffer restore must not come with a live subscription")
	}
}

func TestReconnectNotFound(t *testing.T) {
	f := newFixture(t, time.Minute)

	res, err := f.manager.Reconnect("never-existed", f.user("c1"))
	if err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if res.Status != StatusNotFound {
		t.Fatalf("expected not_found, got %q", res.Status)
	}
}

func TestCreateOrAttachOnClosedIDReportsAlreadyClosed(t *testing.T) {
	f := newFixture(t, time.Minute)
	c1 := f.user("c1")

	created, err := f.manager.CreateOrAttach(CreateOrAttachRequest{SessionID: "s1", Client: c1})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	created.Cancel()
	if err := f.manager.CloseSession("s1"); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	waitFor(t, "registry removal", func() bool {
		_, ok := f.registry.Get("s1")
		return !ok
	})

	res, err := f.manager.CreateOrAttach(CreateOrAttachRequest{SessionID: "s1", Client: c1})
	if err != nil {
		t.Fatalf("create_or_attach failed: %v", err)
	}
	if res.Status != StatusAlreadyClosed || !res.IsOwner {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestWriteInput(t *testing.T) {
	f := newFixture(t, time.Minute)
	c1 := f.user("c1")

	created, err := f.manager.CreateOrAttach(CreateOrAttachRequest{SessionID: "s1", Client: c1})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer created.Cancel()

	if err := f.manager.WriteInput("s1", c1, []byte("ls\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if got := f.starter.terms[0].inputString(); got != "ls\n" {
		t.Fatalf("expected input %q, got %q", "ls\n", got)
	}

	if err := f.manager.WriteInput("missing", c1, []byte("x")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestViewerInputRejected(t *testing.T) {
	f := newFixture(t, time.Minute)

	created, err := f.manager.CreateOrAttach(CreateOrAttachRequest{SessionID: "s1", Client: f.user("c1")})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer created.Cancel()

	v := f.viewer("v1")
	if err := f.manager.WriteInput("s1", v, []byte("rm -rf\n")); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if got := f.starter.terms[0].inputString(); got != "" {
		t.Fatalf("viewer input leaked to the terminal: %q", got)
	}
	if err := f.manager.Resize("s1", v, 50, 100); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestClosedSessionClearsPaneBindings(t *testing.T) {
	f := newFixture(t, time.Minute)
	c1 := f.user("c1")

	tab, err := f.ws.CreateTab("A", domain.TabTerminal, "")
	if err != nil {
		t.Fatalf("create tab failed: %v", err)
	}
	created, err := f.manager.CreateOrAttach(CreateOrAttachRequest{SessionID: "s1", Client: c1})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	created.Cancel()
	if err := f.ws.BindPaneSession(tab.ID, tab.Panes[0].ID, "s1"); err != nil {
		t.Fatalf("bind failed: %v", err)
	}

	if err := f.manager.CloseSession("s1"); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	waitFor(t, "pane binding cleared", func() bool {
		pane := f.ws.Snapshot().Tabs[0].Panes[0]
		return pane.SessionID == "" && pane.Status == domain.PaneDisconnected
	})
}

func TestCloseTabLeavesSessionAlive(t *testing.T) {
	f := newFixture(t, time.Minute)
	c1 := f.user("c1")

	tab, err := f.ws.CreateTab("A", domain.TabTerminal, "")
	if err != nil {
		t.Fatalf("create tab failed: %v", err)
	}
	created, err := f.manager.CreateOrAttach(CreateOrAttachRequest{SessionID: "s2", Client: c1})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer created.Cancel()
	if err := f.ws.BindPaneSession(tab.ID, tab.Panes[0].ID, "s2"); err != nil {
		t.Fatalf("bind failed: %v", err)
	}

	if err := f.ws.CloseTab(tab.ID); err != nil {
		t.Fatalf("close tab failed: %v", err)
	}

	// Closing the tab orphans the session; it stays queryable until its
	// own lifecycle ends.
	if !f.manager.SessionAlive("s2") {
		t.Fatal("session must survive its tab being closed")
	}
	if _, ok := f.registry.Get("s2"); !ok {
		t.Fatal("session missing from registry after tab close")
	}
}

func TestResumeWorkspace(t *testing.T) {
	f := newFixture(t, time.Minute)
	c1 := f.user("c1")

	live, err := f.manager.CreateOrAttach(CreateOrAttachRequest{SessionID: "live-1", Client: c1})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer live.Cancel()

	tabs := []domain.Tab{
		{
			ID:    "tab_aaaa",
			Title: "A",
			Kind:  domain.TabTerminal,
			Panes: []domain.Pane{
				{ID: "pane_a1", Kind: domain.TabTerminal, SessionID: "live-1"},
				{ID: "pane_a2", Kind: domain.TabTerminal, SessionID: "dead-1"},
			},
		},
		{ID: "tab_bbbb", Title: "B", Kind: domain.TabLogMonitor},
	}

	result, err := f.manager.ResumeWorkspace(c1, tabs)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	for _, att := range result.Attachments {
		defer att.Cancel()
	}

	if len(result.CreatedTabs) != 2 {
		t.Fatalf("expected 2 created tabs, got %v", result.CreatedTabs)
	}
	if result.ResumedPanes != 1 || result.CreatedPanes != 1 {
		t.Fatalf("expected 1 resumed and 1 created pane session, got %+v", result)
	}
	if !f.manager.SessionAlive("dead-1") {
		t.Fatal("missing pane session should have been spawned")
	}

	// A second resume of the same layout finds everything in place.
	again, err := f.manager.ResumeWorkspace(c1, tabs)
	if err != nil {
		t.Fatalf("second resume failed: %v", err)
	}
	for _, att := range again.Attachments {
		defer att.Cancel()
	}
	if len(again.ResumedTabs) != 2 || len(again.CreatedTabs) != 0 {
		t.Fatalf("expected all tabs resumed, got %+v", again)
	}
	if again.CreatedPanes != 0 {
		t.Fatalf("expected no new sessions on second resume, got %+v", again)
	}
}

func TestResumeWorkspaceViewerRejected(t *testing.T) {
	f := newFixture(t, time.Minute)

	_, err := f.manager.ResumeWorkspace(f.viewer("v1"), []domain.Tab{{ID: "t", Kind: domain.TabTerminal}})
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if f.ws.TabCount() != 0 {
		t.Fatal("viewer resume must leave the workspace unchanged")
	}
}

func TestEOFTeardownRemovesRegistryEntry(t *testing.T) {
	f := newFixture(t, time.Minute)

	created, err := f.manager.CreateOrAttach(CreateOrAttachRequest{SessionID: "s1", Client: f.user("c1")})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer created.Cancel()

	// Shell exit: the pty read loop hits EOF.
	f.starter.terms[0].Close()

	waitFor(t, "registry removal after eof", func() bool {
		_, ok := f.registry.Get("s1")
		return !ok
	})
	if !f.registry.WasClosed("s1") {
		t.Fatal("expected closed record after eof teardown")
	}
}
