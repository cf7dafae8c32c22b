// Package ptyproc manages the pseudo-terminal processes backing terminal
// sessions: allocation, window sizing, shell spawning, and reclamation.
package ptyproc

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/termloom/termloom/internal/domain"
)

// Terminal is the handle a session holds on a running pty process.
type Terminal interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetWriteDeadline(t time.Time) error
	Resize(rows, cols int) error
	Close() error
}

// Starter launches a terminal process. It exists so tests can substitute
// an in-process fake for the real pty.
type Starter func(opts Options) (Terminal, error)

type Options struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Rows    int
	Cols    int
}

// Proc is a live pty-backed process. The master descriptor is exclusively
// owned by the Proc; Close is idempotent.
type Proc struct {
	master *os.File
	cmd    *exec.Cmd
	once   sync.Once
}

// Start allocates a pty pair sized to opts, spawns the command as a
// session leader with the slave as its controlling terminal, and returns
// the master side. Command resolution falls back to the login shell, then
// /bin/bash, then /bin/sh. Allocation failure reports ErrResource.
func Start(opts Options) (Terminal, error) {
	rows, cols := opts.Rows, opts.Cols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}
	size := &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}

	var lastErr error
	for _, candidate := range shellCandidates(opts.Command) {
		cmd := exec.Command(candidate, opts.Args...)
		cmd.Dir = workingDir(opts.Dir)
		cmd.Env = append(environ(opts.Env),
			"TERM=xterm-256color",
			"COLORTERM=truecolor",
		)

		master, err := pty.StartWithSize(cmd, size)
		if err == nil {
			return &Proc{master: master, cmd: cmd}, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrResource, lastErr)
}

func (p *Proc) Read(b []byte) (int, error)  { return p.master.Read(b) }
func (p *Proc) Write(b []byte) (int, error) { return p.master.Write(b) }

func (p *Proc) SetWriteDeadline(t time.Time) error {
	return p.master.SetWriteDeadline(t)
}

// Resize applies the window-size ioctl. The caller decides whether a
// failure is fatal; a terminal that cannot resize still functions.
func (p *Proc) Resize(rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return fmt.Errorf("%w: invalid dimensions %dx%d", domain.ErrResource, rows, cols)
	}
	return pty.Setsize(p.master, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Close reclaims the pty: the master is closed, the child is signalled and
// reaped. Errors are swallowed; they are expected in teardown races with
// an already-dead process. Safe to call more than once.
func (p *Proc) Close() error {
	p.once.Do(func() {
		_ = p.master.Close()
		if p.cmd.Process == nil {
			return
		}
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			_ = p.cmd.Wait()
			close(done)
		}()
		go func() {
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				_ = p.cmd.Process.Kill()
				<-done
			}
		}()
	})
	return nil
}

// shellCandidates resolves the command to run. An explicit command is
// tried first; the fallbacks keep a terminal usable on hosts without the
// requested shell.
func shellCandidates(command string) []string {
	var out []string
	if command != "" {
		out = append(out, command)
	}
	if shell := os.Getenv("SHELL"); shell != "" && shell != command {
		out = append(out, shell)
	}
	for _, fallback := range []string{"/bin/bash", "/bin/sh"} {
		if fallback != command {
			out = append(out, fallback)
		}
	}
	return out
}

// workingDir validates the requested directory. A missing directory falls
// back to the user's home, then the filesystem root, rather than failing
// the terminal.
func workingDir(dir string) string {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "/"
}

func environ(extra []string) []string {
	env := os.Environ()
	return append(env[:len(env):len(env)], extra...)
}
