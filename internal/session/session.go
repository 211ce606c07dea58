// Package session owns the set of live attachments: one child process per
// session, each running on a server-owned PTY, usually a tmux attach
// command. Output and exit events flow out on a single channel; input,
// resize and kill flow in through the Manager.
package session

import (
	"sync"
	"time"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
)

// ReadyState mirrors the readiness engine's view on the summary. The
// manager stores what it is told; it never computes these itself.
type ReadyState string

const (
	ReadyStateReady   ReadyState = "ready"
	ReadyStateBusy    ReadyState = "busy"
	ReadyStateUnknown ReadyState = "unknown"
)

// Summary is the serializable view of one session.
type Summary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	TmuxName   string    `json:"tmuxName,omitempty"`
	TmuxServer string    `json:"tmuxServer,omitempty"`
	Command    string    `json:"command"`
	Args       []string  `json:"args,omitempty"`
	Cwd        string    `json:"cwd,omitempty"`
	Status     Status    `json:"status"`
	ExitCode   *int      `json:"exitCode,omitempty"`
	ExitSignal *string   `json:"exitSignal,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`

	// Filled in by the readiness engine before a summary leaves the server.
	ReadyState          ReadyState `json:"readyState,omitempty"`
	ReadyIndicator      ReadyState `json:"readyIndicator,omitempty"`
	ReadyReason         string     `json:"readyReason,omitempty"`
	ReadyStateChangedAt int64      `json:"readyStateChangedAt,omitempty"`
	ActiveProcess       string     `json:"activeProcess,omitempty"`
}

// Session is one live attachment.
type Session struct {
	mu         sync.Mutex
	id         string
	name       string
	tmuxName   string
	tmuxServer string
	command    string
	args       []string
	cwd        string
	createdAt  time.Time
	status     Status
	exitCode   *int
	exitSignal *string

	pty      ptyHandle
	lastCols int
	lastRows int

	// closed after the exit event has been emitted
	done chan struct{}
	// closed when the read loop returns; exit waits on it so output never
	// trails the exit event
	readDone chan struct{}
}

func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:         s.id,
		Name:       s.name,
		TmuxName:   s.tmuxName,
		TmuxServer: s.tmuxServer,
		Command:    s.command,
		Args:       append([]string(nil), s.args...),
		Cwd:        s.cwd,
		Status:     s.status,
		ExitCode:   s.exitCode,
		ExitSignal: s.exitSignal,
		CreatedAt:  s.createdAt,
		LastSeenAt: time.Now(),
	}
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// EventType discriminates manager events.
type EventType int

const (
	EventOutput EventType = iota
	EventExit
)

// Event is one output chunk or the final exit of a session. For a given id
// events preserve PTY read order and EventExit is last.
type Event struct {
	Type   EventType
	ID     string
	Data   []byte // EventOutput only
	Code   int    // EventExit only
	Signal string // EventExit only, empty unless killed by signal
}
