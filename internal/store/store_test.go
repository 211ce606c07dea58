package store

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tidemux.db"), slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertSession_RoundTrip(t *testing.T) {
	s := testStore(t)

	row := SessionRow{
		ID:         "s_abc",
		Name:       "claude on main",
		TmuxName:   "claude-main",
		TmuxServer: "private",
		Command:    "tmux",
		Args:       []string{"attach-session", "-t", "=claude-main"},
		Cwd:        "/home/u/repo",
		Status:     "running",
		CreatedAt:  time.Now().Add(-time.Hour),
	}
	if err := s.UpsertSession(row); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.ListSessions(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 row, got %d", len(got))
	}
	if got[0].ID != "s_abc" || got[0].TmuxName != "claude-main" || got[0].Cwd != "/home/u/repo" {
		t.Errorf("row mismatch: %+v", got[0])
	}
	if len(got[0].Args) != 3 {
		t.Errorf("args not round-tripped: %v", got[0].Args)
	}

	// Replace on id: status flips, no second row appears.
	code := 0
	row.Status = "exited"
	row.ExitCode = &code
	if err := s.UpsertSession(row); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, _ = s.ListSessions(10)
	if len(got) != 1 {
		t.Fatalf("upsert must replace, got %d rows", len(got))
	}
	if got[0].Status != "exited" || got[0].ExitCode == nil || *got[0].ExitCode != 0 {
		t.Errorf("exit fields not stored: %+v", got[0])
	}
}

func TestListSessions_NewestFirst(t *testing.T) {
	s := testStore(t)
	for _, id := range []string{"s_1", "s_2", "s_3"} {
		if err := s.UpsertSession(SessionRow{ID: id, Status: "running", CreatedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond) // distinct last_seen_at
	}
	got, err := s.ListSessions(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != "s_3" || got[2].ID != "s_1" {
		t.Errorf("not newest-first: %v", got)
	}
}

func TestInputHistory_CapAndDelete(t *testing.T) {
	s := testStore(t)

	h := InputHistory{LastInput: "make test", ProcessHint: "make"}
	for i := 0; i < maxInputEntries+10; i++ {
		h.Entries = append(h.Entries, InputEntry{Text: "cmd", Anchor: i})
	}
	if err := s.SaveInputHistory("s_1", h); err != nil {
		t.Fatal(err)
	}

	all, err := s.LoadAllInputHistory()
	if err != nil {
		t.Fatal(err)
	}
	got := all["s_1"]
	if got.LastInput != "make test" {
		t.Errorf("last input: %q", got.LastInput)
	}
	if len(got.Entries) != maxInputEntries {
		t.Errorf("entries not capped: %d", len(got.Entries))
	}
	// Trimming keeps the most recent entries.
	if got.Entries[len(got.Entries)-1].Anchor != maxInputEntries+9 {
		t.Errorf("wrong tail kept: %+v", got.Entries[len(got.Entries)-1])
	}

	if err := s.DeleteInputHistory("s_1"); err != nil {
		t.Fatal(err)
	}
	all, _ = s.LoadAllInputHistory()
	if _, ok := all["s_1"]; ok {
		t.Error("history not deleted")
	}
}

func TestPreferences(t *testing.T) {
	s := testStore(t)

	type theme struct {
		Name string `json:"name"`
		Dark bool   `json:"dark"`
	}
	if err := s.SetPreference("theme", theme{Name: "nord", Dark: true}); err != nil {
		t.Fatal(err)
	}
	// last write wins
	if err := s.SetPreference("theme", theme{Name: "solarized"}); err != nil {
		t.Fatal(err)
	}

	var got theme
	ok, err := s.GetPreference("theme", &got)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Name != "solarized" || got.Dark {
		t.Errorf("got %+v", got)
	}

	ok, err = s.GetPreference("missing", &got)
	if err != nil || ok {
		t.Errorf("missing key: ok=%v err=%v", ok, err)
	}
}

func TestAgentSessionMerge(t *testing.T) {
	s := testStore(t)

	early := time.Now().Add(-2 * time.Hour).Truncate(time.Millisecond)
	late := time.Now().Truncate(time.Millisecond)

	if err := s.UpsertAgentSession(AgentSession{
		Provider: "claude", ProviderSessionID: "p1",
		Cwd: "/repo", CreatedAt: early, LastSeenAt: early,
	}); err != nil {
		t.Fatal(err)
	}
	// Later upsert with a later created_at and empty cwd: created_at must
	// keep the earlier value, cwd must survive, last_seen_at must advance.
	if err := s.UpsertAgentSession(AgentSession{
		Provider: "claude", ProviderSessionID: "p1",
		CreatedAt: late, LastSeenAt: late,
	}); err != nil {
		t.Fatal(err)
	}

	rec, ok, err := s.GetAgentSession("claude", "p1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !rec.CreatedAt.Equal(early) {
		t.Errorf("created_at not earliest: %v", rec.CreatedAt)
	}
	if !rec.LastSeenAt.Equal(late) {
		t.Errorf("last_seen_at not latest: %v", rec.LastSeenAt)
	}
	if rec.Cwd != "/repo" {
		t.Errorf("empty cwd overwrote stored one: %q", rec.Cwd)
	}
}

func TestTaskAssignment_OneActivePerSession(t *testing.T) {
	s := testStore(t)

	if err := s.SetTaskAssignment("s_1", "task-a"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTaskAssignment("s_1", "task-b"); err != nil {
		t.Fatalf("second assignment must deactivate the first: %v", err)
	}

	got, ok, err := s.ActiveTaskAssignment("s_1")
	if err != nil || !ok {
		t.Fatalf("active: ok=%v err=%v", ok, err)
	}
	if got != "task-b" {
		t.Errorf("active = %q, want task-b", got)
	}

	if err := s.ClearTaskAssignment("s_1"); err != nil {
		t.Fatal(err)
	}
	_, ok, _ = s.ActiveTaskAssignment("s_1")
	if ok {
		t.Error("assignment not cleared")
	}
}

func TestMigrate_Reopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tidemux.db")
	s, err := Open(path, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertSession(SessionRow{ID: "s_1", Status: "running", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Reopening runs migrations again; they must be no-ops on current schema.
	s2, err := Open(path, slog.Default())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	rows, err := s2.ListSessions(10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("data lost across reopen: rows=%v err=%v", rows, err)
	}
}
