package service

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/termloom/termloom/internal/buffer"
	"github.com/termloom/termloom/internal/domain"
	"github.com/termloom/termloom/internal/session"
	"github.com/termloom/termloom/internal/workspace"
)

func testClient(id string) domain.Client {
	return domain.Client{ID: id, Owner: domain.Owner{Principal: id}, Role: domain.RoleUser}
}

// Exercises the full path against a real pty: shell spawn, read loop,
// buffer capture.
func TestShellOutputLandsInBuffer(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}

	registry := session.NewRegistry()
	buffers := buffer.NewStore()
	presence := workspace.NewPresence()
	manager := NewManager(registry, buffers, workspace.New(nil, nil), presence, Config{})

	presence.Connect("c1", "User")
	res, err := manager.CreateOrAttach(CreateOrAttachRequest{
		SessionID: "s1",
		Client:    testClient("c1"),
		Rows:      24,
		Cols:      80,
		Command:   "/bin/sh",
	})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer res.Cancel()
	defer func() { _ = manager.CloseSession("s1") }()

	if err := manager.WriteInput("s1", testClient("c1"), []byte("echo hi\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(string(buffers.Read("s1")), "hi") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("buffer never contained shell output: %q", buffers.Read("s1"))
}
