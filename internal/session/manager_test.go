//go:build !windows

package session

import (
	"bytes"
	"log/slog"
	"testing"
	"time"
)

func collectUntilExit(t *testing.T, m *Manager, id string, timeout time.Duration) ([]byte, Event) {
	t.Helper()
	var out bytes.Buffer
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-m.Events():
			if ev.ID != id {
				continue
			}
			switch ev.Type {
			case EventOutput:
				out.Write(ev.Data)
			case EventExit:
				return out.Bytes(), ev
			}
		case <-deadline:
			t.Fatalf("no exit event within %v", timeout)
		}
	}
}

func TestSpawn_OutputThenExit(t *testing.T) {
	m := NewManager(slog.Default())
	sum, err := m.Spawn(Descriptor{
		Name:    "echo",
		Command: "sh",
		Args:    []string{"-c", "printf hello-from-pty"},
		Cols:    80, Rows: 24,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if sum.Status != StatusRunning {
		t.Errorf("status = %s, want running", sum.Status)
	}

	out, exit := collectUntilExit(t, m, sum.ID, 10*time.Second)
	if !bytes.Contains(out, []byte("hello-from-pty")) {
		t.Errorf("output missing payload: %q", out)
	}
	if exit.Code != 0 {
		t.Errorf("exit code = %d, want 0", exit.Code)
	}

	got, ok := m.Summary(sum.ID)
	if !ok || got.Status != StatusExited {
		t.Errorf("summary after exit: ok=%v %+v", ok, got)
	}
}

func TestSpawn_PreservesGivenIdentity(t *testing.T) {
	m := NewManager(slog.Default())
	created := time.Now().Add(-time.Hour).Truncate(time.Second)
	sum, err := m.Spawn(Descriptor{
		ID:        "s_restored",
		CreatedAt: created,
		Command:   "sh",
		Args:      []string{"-c", "true"},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if sum.ID != "s_restored" {
		t.Errorf("id = %s, want s_restored", sum.ID)
	}
	if !sum.CreatedAt.Equal(created) {
		t.Errorf("createdAt not preserved: %v", sum.CreatedAt)
	}
	collectUntilExit(t, m, sum.ID, 10*time.Second)
}

func TestKill_HangupDrivesExit(t *testing.T) {
	m := NewManager(slog.Default())
	sum, err := m.Spawn(Descriptor{
		Command: "sh",
		Args:    []string{"-c", "sleep 60"},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := m.Kill(sum.ID); err != nil {
		t.Fatalf("kill: %v", err)
	}
	_, exit := collectUntilExit(t, m, sum.ID, 10*time.Second)
	if exit.Signal == "" {
		t.Errorf("expected a signal on killed session, got code=%d", exit.Code)
	}
}

func TestResize_Validation(t *testing.T) {
	m := NewManager(slog.Default())
	if err := m.Resize("nope", 0, 24); err == nil {
		t.Error("cols=0 must be rejected")
	}
	if err := m.Resize("nope", 80, 1001); err == nil {
		t.Error("rows>1000 must be rejected")
	}
	// Unknown id with valid dims is a silent no-op.
	if err := m.Resize("nope", 80, 24); err != nil {
		t.Errorf("unknown id: %v", err)
	}
}

func TestWrite_UnknownIDNoop(t *testing.T) {
	m := NewManager(slog.Default())
	m.Write("nope", []byte("x")) // must not panic
}

func TestUpdateCwd(t *testing.T) {
	m := NewManager(slog.Default())
	sum, err := m.Spawn(Descriptor{Command: "sh", Args: []string{"-c", "sleep 60"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer m.Kill(sum.ID)

	m.UpdateCwd(sum.ID, "/tmp/elsewhere")
	got, _ := m.Summary(sum.ID)
	if got.Cwd != "/tmp/elsewhere" {
		t.Errorf("cwd = %q", got.Cwd)
	}
	// empty cwd is ignored
	m.UpdateCwd(sum.ID, "")
	got, _ = m.Summary(sum.ID)
	if got.Cwd != "/tmp/elsewhere" {
		t.Errorf("empty cwd overwrote: %q", got.Cwd)
	}
}
