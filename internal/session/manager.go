package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// maxDim bounds resize requests from clients.
	maxDim = 1000
	// killGrace is how long a HUP'd child gets before it is forcibly killed.
	killGrace = 5 * time.Second
	// eventBuffer absorbs output bursts while the dispatcher catches up.
	eventBuffer = 1024
)

// Descriptor tells Spawn what to run. ID and CreatedAt are optional and
// only set when re-attaching after a server restart, to preserve identity.
type Descriptor struct {
	ID         string
	Name       string
	TmuxName   string
	TmuxServer string
	Command    string
	Args       []string
	Cwd        string
	Env        []string
	CreatedAt  time.Time
	Cols       int
	Rows       int
}

// Manager owns the live session set. It is the only writer of the map;
// readers may come from any goroutine.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	events   chan Event
	logger   *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		events:   make(chan Event, eventBuffer),
		logger:   logger,
	}
}

// Events is the single stream of output and exit events. The orchestrator
// consumes it and fans out.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Spawn starts the attachment process and registers the session.
func (m *Manager) Spawn(d Descriptor) (Summary, error) {
	if d.Command == "" {
		return Summary{}, fmt.Errorf("spawn: command is empty")
	}
	cols, rows := d.Cols, d.Rows
	if cols <= 0 || cols > maxDim {
		cols = 120
	}
	if rows <= 0 || rows > maxDim {
		rows = 36
	}

	id := d.ID
	if id == "" {
		id = newID()
	}
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	pty, err := startPTY(d.Command, d.Args, d.Cwd, d.Env, uint16(cols), uint16(rows))
	if err != nil {
		return Summary{}, fmt.Errorf("spawn %s: %w", d.Command, err)
	}

	s := &Session{
		id:         id,
		name:       d.Name,
		tmuxName:   d.TmuxName,
		tmuxServer: d.TmuxServer,
		command:    d.Command,
		args:       append([]string(nil), d.Args...),
		cwd:        d.Cwd,
		createdAt:  createdAt,
		status:     StatusRunning,
		pty:        pty,
		lastCols:   cols,
		lastRows:   rows,
		done:       make(chan struct{}),
		readDone:   make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go m.readLoop(s)
	go m.waitLoop(s)

	m.logger.Info("session spawned", "id", id, "name", d.Name, "tmux", d.TmuxName, "pid", pty.Pid())
	return s.Summary(), nil
}

func (m *Manager) get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Summary returns the session's current summary.
func (m *Manager) Summary(id string) (Summary, bool) {
	s, ok := m.get(id)
	if !ok {
		return Summary{}, false
	}
	return s.Summary(), true
}

// List returns all summaries, newest-created first.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Pid returns the attachment process id.
func (m *Manager) Pid(id string) (int, bool) {
	s, ok := m.get(id)
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pty == nil || s.status != StatusRunning {
		return 0, false
	}
	return s.pty.Pid(), true
}

// Write sends input bytes to the child. Unknown ids are a silent no-op.
func (m *Manager) Write(id string, data []byte) {
	s, ok := m.get(id)
	if !ok {
		return
	}
	s.mu.Lock()
	pty := s.pty
	running := s.status == StatusRunning
	s.mu.Unlock()
	if !running || pty == nil {
		return
	}
	if _, err := pty.Write(data); err != nil {
		m.logger.Debug("pty write failed", "id", id, "err", err)
	}
}

// Resize applies new dimensions if they changed and are within bounds.
func (m *Manager) Resize(id string, cols, rows int) error {
	if cols < 1 || cols > maxDim || rows < 1 || rows > maxDim {
		return fmt.Errorf("resize out of range: %dx%d", cols, rows)
	}
	s, ok := m.get(id)
	if !ok {
		return nil
	}
	s.mu.Lock()
	pty := s.pty
	changed := cols != s.lastCols || rows != s.lastRows
	s.mu.Unlock()
	if !changed || pty == nil {
		return nil
	}
	if err := pty.Resize(uint16(cols), uint16(rows)); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastCols, s.lastRows = cols, rows
	s.mu.Unlock()
	return nil
}

// UpdateCwd replaces the cached working directory. The readiness engine is
// the authoritative caller.
func (m *Manager) UpdateCwd(id, cwd string) {
	s, ok := m.get(id)
	if !ok || cwd == "" {
		return
	}
	s.mu.Lock()
	s.cwd = cwd
	s.mu.Unlock()
}

// Kill hangs up the child. The resulting process exit drives the exit
// event; a child that ignores HUP is killed after the grace period.
func (m *Manager) Kill(id string) error {
	s, ok := m.get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	s.mu.Lock()
	pty := s.pty
	running := s.status == StatusRunning
	s.mu.Unlock()
	if !running || pty == nil {
		return nil
	}
	pty.Hangup()
	go func() {
		select {
		case <-s.done:
		case <-time.After(killGrace):
			m.logger.Warn("session ignored hangup, killing", "id", id)
			pty.ForceKill()
		}
	}()
	return nil
}

// Remove drops an exited session from the set. Running sessions stay.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.mu.Lock()
		exited := s.status == StatusExited
		s.mu.Unlock()
		if exited {
			delete(m.sessions, id)
		}
	}
}

func (m *Manager) readLoop(s *Session) {
	defer close(s.readDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			m.events <- Event{Type: EventOutput, ID: s.id, Data: data}
		}
		if err != nil {
			if err != io.EOF {
				m.logger.Debug("pty read ended", "id", s.id, "err", err)
			}
			return
		}
	}
}

func (m *Manager) waitLoop(s *Session) {
	code, signal := s.pty.Wait()

	// The PTY is closed before the read loop is joined so a blocked Read
	// wakes up, and the exit event is only emitted once reads have stopped.
	s.mu.Lock()
	s.pty.Close()
	s.mu.Unlock()
	<-s.readDone

	s.mu.Lock()
	s.status = StatusExited
	s.exitCode = &code
	if signal != "" {
		s.exitSignal = &signal
	}
	s.mu.Unlock()

	m.events <- Event{Type: EventExit, ID: s.id, Code: code, Signal: signal}
	close(s.done)
	m.logger.Info("session exited", "id", s.id, "code", code, "signal", signal)
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "s_" + hex.EncodeToString(b)
}
