// Package worktree manages git worktrees for agent sessions by shelling
// out to git. Each agent gets its own checkout so parallel sessions never
// fight over the index.
package worktree

import (
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
)

type Manager struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Manager {
	return &Manager{logger: logger}
}

// Worktree is one checkout of the repository.
type Worktree struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
	Head   string `json:"head"`
	Bare   bool   `json:"bare"`
}

// List parses `git worktree list --porcelain` for the repository at repoDir.
func (m *Manager) List(repoDir string) ([]Worktree, error) {
	if repoDir == "" {
		return nil, fmt.Errorf("repoDir is required")
	}
	out, err := m.run(repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	trees := []Worktree{}
	var cur Worktree
	flush := func() {
		if cur.Path != "" {
			trees = append(trees, cur)
		}
		cur = Worktree{}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "bare":
			cur.Bare = true
		}
	}
	flush()
	return trees, nil
}

// Create adds a worktree at path on a new branch forked from base. An empty
// base forks from the current HEAD.
func (m *Manager) Create(repoDir, path, branch, base string) (*Worktree, error) {
	if repoDir == "" || path == "" || branch == "" {
		return nil, fmt.Errorf("repoDir, path and branch are required")
	}
	if strings.HasPrefix(branch, "-") || strings.HasPrefix(base, "-") {
		return nil, fmt.Errorf("invalid ref name")
	}
	args := []string{"worktree", "add", "-b", branch, path}
	if base != "" {
		args = append(args, base)
	}
	if _, err := m.run(repoDir, args...); err != nil {
		return nil, err
	}
	m.logger.Info("worktree created", "path", path, "branch", branch)

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Worktree{Path: abs, Branch: branch}, nil
}

// Remove detaches the worktree at path. force discards local modifications.
func (m *Manager) Remove(repoDir, path string, force bool) error {
	if repoDir == "" || path == "" {
		return fmt.Errorf("repoDir and path are required")
	}
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := m.run(repoDir, args...); err != nil {
		return err
	}
	m.logger.Info("worktree removed", "path", path)
	return nil
}

// DefaultBranch resolves the branch origin/HEAD points at, falling back to
// main/master probing for repositories without a remote.
func (m *Manager) DefaultBranch(repoDir string) (string, error) {
	if repoDir == "" {
		return "", fmt.Errorf("repoDir is required")
	}
	out, err := m.run(repoDir, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		if ref := strings.TrimSpace(out); ref != "" {
			return strings.TrimPrefix(ref, "refs/remotes/origin/"), nil
		}
	}
	for _, name := range []string{"main", "master"} {
		if _, err := m.run(repoDir, "rev-parse", "--verify", "refs/heads/"+name); err == nil {
			return name, nil
		}
	}
	return "", fmt.Errorf("no default branch found")
}

func (m *Manager) run(repoDir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
