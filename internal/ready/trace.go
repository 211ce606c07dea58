package ready

import (
	"sync"
	"time"
)

// TraceEntry records one readiness transition for diagnostics.
type TraceEntry struct {
	Time   time.Time `json:"time"`
	ID     string    `json:"id"`
	State  State     `json:"state"`
	Reason string    `json:"reason"`
	Source string    `json:"source"`
}

// trace is a bounded ring of recent transitions.
type trace struct {
	mu      sync.Mutex
	entries []TraceEntry
	next    int
	full    bool
}

func newTrace(size int) *trace {
	return &trace{entries: make([]TraceEntry, size)}
}

func (t *trace) add(e TraceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[t.next] = e
	t.next++
	if t.next == len(t.entries) {
		t.next = 0
		t.full = true
	}
}

// Snapshot returns the entries oldest-first.
func (t *trace) Snapshot() []TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]TraceEntry(nil), t.entries[:t.next]...)
	}
	out := make([]TraceEntry, 0, len(t.entries))
	out = append(out, t.entries[t.next:]...)
	out = append(out, t.entries[:t.next]...)
	return out
}
