//go:build !windows

package runtime

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidemux/tidemux/internal/config"
	"github.com/tidemux/tidemux/internal/session"
	"github.com/tidemux/tidemux/internal/store"
)

func newTestRuntime(t *testing.T) (*Runtime, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"), slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Config{
		Backend:      config.BackendPty,
		Shell:        "/bin/sh",
		TriggersPath: filepath.Join(dir, "missing-triggers.yaml"),
	}
	return New(cfg, st, nil, nil, slog.Default()), st
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestSpawnAndExit_PersistsExited(t *testing.T) {
	rt, st := newTestRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	sum, err := rt.SpawnCommand(session.Descriptor{
		Name:    "once",
		Command: "sh",
		Args:    []string{"-c", "printf done-marker"},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	waitCond(t, "persisted exit", func() bool {
		rows, err := st.ListSessions(0)
		if err != nil {
			return false
		}
		for _, r := range rows {
			if r.ID == sum.ID && r.Status == "exited" {
				return true
			}
		}
		return false
	})
}

func TestKill_UnknownIDIsNotFound(t *testing.T) {
	rt, _ := newTestRuntime(t)
	if err := rt.Kill("s_missing"); err != ErrNotFound {
		t.Errorf("kill unknown = %v, want ErrNotFound", err)
	}
}

func TestKill_PersistedButDeadIsIdempotent(t *testing.T) {
	rt, st := newTestRuntime(t)
	row := store.SessionRow{
		ID: "s_old", Name: "old", Command: "sh",
		Status: "exited", CreatedAt: time.Now(), LastSeenAt: time.Now(),
	}
	if err := st.UpsertSession(row); err != nil {
		t.Fatal(err)
	}
	if err := rt.Kill("s_old"); err != nil {
		t.Errorf("kill persisted-dead = %v, want nil", err)
	}
}

func TestReconcile_MarksVanishedSessionsExited(t *testing.T) {
	rt, st := newTestRuntime(t)
	// A "running" pty-backed row with no live attachment cannot be
	// recovered; reconciliation must retire it.
	row := store.SessionRow{
		ID: "s_gone", Name: "gone", Command: "sh",
		Status: "running", CreatedAt: time.Now(), LastSeenAt: time.Now(),
	}
	if err := st.UpsertSession(row); err != nil {
		t.Fatal(err)
	}

	rt.Reconcile()

	rows, err := st.ListSessions(0)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		if r.ID == "s_gone" {
			if r.Status != "exited" {
				t.Errorf("status = %s, want exited", r.Status)
			}
			return
		}
	}
	t.Fatal("row disappeared")
}

func TestWriteInput_RecordsHistory(t *testing.T) {
	rt, st := newTestRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatal(err)
	}

	sum, err := rt.SpawnCommand(session.Descriptor{
		Name: "sh", Command: "sh", Args: []string{"-c", "sleep 30"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Kill(sum.ID)

	rt.WriteInput(sum.ID, []byte("echo hello\r"))

	waitCond(t, "input history", func() bool {
		hist, err := st.LoadAllInputHistory()
		if err != nil {
			return false
		}
		h, ok := hist[sum.ID]
		return ok && h.LastInput == "echo hello"
	})
}

func TestList_NewestFirstAndDecorated(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatal(err)
	}

	a, err := rt.SpawnCommand(session.Descriptor{Name: "a", Command: "sh", Args: []string{"-c", "sleep 30"}})
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Kill(a.ID)
	time.Sleep(10 * time.Millisecond)
	b, err := rt.SpawnCommand(session.Descriptor{Name: "b", Command: "sh", Args: []string{"-c", "sleep 30"}})
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Kill(b.ID)

	list := rt.List()
	if len(list) < 2 {
		t.Fatalf("list size = %d", len(list))
	}
	if list[0].ID != b.ID {
		t.Errorf("newest not first: %s", list[0].ID)
	}
}
