package worktree

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// initRepo creates a git repo with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@t",
			"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@t",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "a.txt")
	run("commit", "-m", "init")
	return dir
}

func TestCreateListRemove(t *testing.T) {
	repo := initRepo(t)
	m := New(slog.Default())

	wtPath := filepath.Join(t.TempDir(), "wt1")
	wt, err := m.Create(repo, wtPath, "feature/x", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if wt.Branch != "feature/x" {
		t.Errorf("branch = %q", wt.Branch)
	}

	trees, err := m.List(repo)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trees) != 2 {
		t.Fatalf("worktree count = %d, want 2 (main + wt1)", len(trees))
	}
	var found bool
	for _, wt := range trees {
		if wt.Branch == "feature/x" {
			found = true
			if wt.Head == "" {
				t.Error("listed worktree missing HEAD")
			}
		}
	}
	if !found {
		t.Fatalf("created worktree not listed: %+v", trees)
	}

	if err := m.Remove(repo, wtPath, false); err != nil {
		t.Fatalf("remove: %v", err)
	}
	trees, _ = m.List(repo)
	if len(trees) != 1 {
		t.Errorf("worktree count after remove = %d", len(trees))
	}
}

func TestCreate_Validation(t *testing.T) {
	m := New(slog.Default())
	if _, err := m.Create("", "/p", "b", ""); err == nil {
		t.Error("missing repoDir accepted")
	}
	if _, err := m.Create("/r", "/p", "-b", ""); err == nil {
		t.Error("dash-prefixed branch accepted")
	}
}

func TestDefaultBranch_FallsBackToLocal(t *testing.T) {
	repo := initRepo(t)
	m := New(slog.Default())
	branch, err := m.DefaultBranch(repo)
	if err != nil {
		t.Fatalf("default branch: %v", err)
	}
	if branch != "main" {
		t.Errorf("branch = %q, want main", branch)
	}
}
