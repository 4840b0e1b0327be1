// Package term owns the host-side PTY sessions created on behalf of mobile
// clients. It is transport-agnostic: output and exit flow through two
// callbacks supplied by the enclosing host runtime.
package term

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/climanger/relay/internal/logger"
)

// OutputFunc receives every chunk read from a session's PTY, unchanged.
// It runs on the session's read goroutine and must not block.
type OutputFunc func(sessionID, mobileID string, data []byte)

// ExitFunc is invoked exactly once when a session's process exits,
// including after a kill.
type ExitFunc func(sessionID, mobileID string, exitCode int)

// SessionSpec identifies a session and the mobile that owns it.
type SessionSpec struct {
	SessionID string
	MobileID  string
}

type session struct {
	id       string
	mobileID string
	cwd      string
	ptmx     *os.File
	cmd      *exec.Cmd
	exitOnce sync.Once
}

// Manager supervises PTY-backed processes. The session table is the only
// shared structure; PTY read loops touch it only via the callbacks.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	output   OutputFunc
	exit     ExitFunc
}

func NewManager(output OutputFunc, exit ExitFunc) *Manager {
	return &Manager{
		sessions: make(map[string]*session),
		output:   output,
		exit:     exit,
	}
}

// CreateSession spawns a shell in a fresh PTY. Returns false when the
// session id already exists or the OS refuses to spawn.
func (m *Manager) CreateSession(spec SessionSpec, cwd, shell string, cols, rows int) bool {
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	m.mu.Lock()
	if _, exists := m.sessions[spec.SessionID]; exists {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	cmd := exec.CommandContext(context.Background(), shell)
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		logger.Error("start pty", "session_id", spec.SessionID, "shell", shell, "error", err)
		return false
	}

	sess := &session{
		id:       spec.SessionID,
		mobileID: spec.MobileID,
		cwd:      cwd,
		ptmx:     ptmx,
		cmd:      cmd,
	}

	m.mu.Lock()
	if _, exists := m.sessions[spec.SessionID]; exists {
		m.mu.Unlock()
		ptmx.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return false
	}
	m.sessions[spec.SessionID] = sess
	m.mu.Unlock()

	go m.readLoop(sess)
	logger.Info("session created", "session_id", spec.SessionID, "mobile_id", spec.MobileID, "shell", shell)
	return true
}

// readLoop is the single producer for a session's output; delivery order to
// the callback equals PTY write order.
func (m *Manager) readLoop(sess *session) {
	buf := make([]byte, 32*1024)
	for {
		n, err := sess.ptmx.Read(buf)
		if n > 0 {
			m.output(sess.id, sess.mobileID, buf[:n])
		}
		if err != nil {
			break
		}
	}

	sess.cmd.Wait()
	exitCode := -1
	if sess.cmd.ProcessState != nil {
		exitCode = sess.cmd.ProcessState.ExitCode()
	}

	m.mu.Lock()
	delete(m.sessions, sess.id)
	m.mu.Unlock()

	sess.exitOnce.Do(func() {
		m.exit(sess.id, sess.mobileID, exitCode)
	})
	logger.Info("session exited", "session_id", sess.id, "exit_code", exitCode)
}

// Write sends raw bytes to the PTY input. No interpretation.
func (m *Manager) Write(sessionID string, data []byte) bool {
	m.mu.Lock()
	sess := m.sessions[sessionID]
	m.mu.Unlock()
	if sess == nil {
		return false
	}
	if _, err := sess.ptmx.Write(data); err != nil {
		logger.Warn("pty write failed", "session_id", sessionID, "error", err)
		return false
	}
	return true
}

// Resize updates the PTY window size.
func (m *Manager) Resize(sessionID string, cols, rows int) bool {
	m.mu.Lock()
	sess := m.sessions[sessionID]
	m.mu.Unlock()
	if sess == nil {
		return false
	}
	if err := pty.Setsize(sess.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		logger.Warn("pty resize failed", "session_id", sessionID, "error", err)
		return false
	}
	return true
}

// CloseSession terminates the child process and removes the record.
// Returns false for unknown ids.
func (m *Manager) CloseSession(sessionID string) bool {
	m.mu.Lock()
	sess := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if sess == nil {
		return false
	}
	m.terminate(sess)
	return true
}

// CloseSessionsForMobile closes every session owned by a mobile and returns
// how many were closed. Called when the relay signals a mobile disconnect.
func (m *Manager) CloseSessionsForMobile(mobileID string) int {
	m.mu.Lock()
	var doomed []*session
	for id, sess := range m.sessions {
		if sess.mobileID == mobileID {
			doomed = append(doomed, sess)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, sess := range doomed {
		m.terminate(sess)
	}
	return len(doomed)
}

// CloseAll tears everything down on host shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	var doomed []*session
	for id, sess := range m.sessions {
		doomed = append(doomed, sess)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, sess := range doomed {
		m.terminate(sess)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// terminate signals the process and closes the PTY; the read loop observes
// EOF, reaps the process, and fires the exit callback. A straggler gets a
// hard kill.
func (m *Manager) terminate(sess *session) {
	sess.cmd.Process.Signal(syscall.SIGTERM)
	sess.ptmx.Close()
	time.AfterFunc(5*time.Second, func() {
		sess.cmd.Process.Kill()
	})
}
