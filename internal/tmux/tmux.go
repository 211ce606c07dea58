// Package tmux wraps the external tmux binary. Two servers are addressed:
// a private one on a dedicated socket with an empty config file, and the
// user's default server. All calls shell out; inspection calls are
// best-effort and never block beyond the child's own runtime.
package tmux

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Server identifies which tmux server hosts a session.
type Server string

const (
	// ServerPrivate is the dedicated socket with no user config loaded.
	ServerPrivate Server = "private"
	// ServerDefault is the user's own tmux server.
	ServerDefault Server = "default"
)

// ErrNotFound reports that the addressed session does not exist.
var ErrNotFound = errors.New("tmux: session not found")

const (
	// privateSocket is the -L socket name of the private server.
	privateSocket = "tidemux"
	// viewPrefix marks linked view sessions created by NewLinkedView.
	viewPrefix = "view_"

	defaultWidth  = 120
	defaultHeight = 36
)

// Adapter shells out to tmux. Safe for concurrent use; it holds no state
// beyond the logger.
type Adapter struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Adapter {
	return &Adapter{logger: logger}
}

// serverArgs returns the global tmux arguments selecting the server.
// The private server never loads the user's config.
func serverArgs(server Server) []string {
	if server == ServerPrivate {
		return []string{"-L", privateSocket, "-f", "/dev/null"}
	}
	return nil
}

func (a *Adapter) run(server Server, args ...string) (string, error) {
	full := append(serverArgs(server), args...)
	out, err := exec.Command("tmux", full...).CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "can't find session") ||
			strings.Contains(text, "session not found") ||
			strings.Contains(text, "no server running") ||
			strings.Contains(text, "no current session") {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, text)
	}
	return string(out), nil
}

// ValidateShell rejects shell paths that could be misparsed as options or
// smuggle extra arguments into the tmux command line.
func ValidateShell(shell string) error {
	if shell == "" {
		return fmt.Errorf("shell is empty")
	}
	if strings.HasPrefix(shell, "-") {
		return fmt.Errorf("shell must not start with '-': %s", shell)
	}
	if strings.ContainsAny(shell, " \t\n") {
		return fmt.Errorf("shell must not contain whitespace: %s", shell)
	}
	if strings.ContainsRune(shell, 0) {
		return fmt.Errorf("shell must not contain NUL")
	}
	return nil
}

// NewSession creates a detached session running the given shell.
func (a *Adapter) NewSession(server Server, name, shell, cwd string) error {
	if err := ValidateShell(shell); err != nil {
		return err
	}
	args := []string{
		"new-session", "-d",
		"-s", name,
		"-x", strconv.Itoa(defaultWidth), "-y", strconv.Itoa(defaultHeight),
	}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	args = append(args, shell)
	if _, err := a.run(server, args...); err != nil {
		return fmt.Errorf("new-session %s: %w", name, err)
	}
	a.ApplyUIOptions(server, name)
	return nil
}

// EnsureSession creates the session if it does not exist yet.
func (a *Adapter) EnsureSession(server Server, name, shell string) error {
	if a.HasSession(server, name) {
		return nil
	}
	return a.NewSession(server, name, shell, "")
}

// HasSession reports whether the named session exists on the given server.
func (a *Adapter) HasSession(server Server, name string) bool {
	_, err := a.run(server, "has-session", "-t", "="+name)
	return err == nil
}

// Locate returns the server currently hosting the named session. The
// private server is probed first.
func (a *Adapter) Locate(name string) (Server, bool) {
	if a.HasSession(ServerPrivate, name) {
		return ServerPrivate, true
	}
	if a.HasSession(ServerDefault, name) {
		return ServerDefault, true
	}
	return "", false
}

// AttachArgs returns the argv needed to attach to (server, name) from a
// fresh child process. Pure; no tmux call is made.
func AttachArgs(server Server, name string) []string {
	args := append([]string{"tmux"}, serverArgs(server)...)
	return append(args, "attach-session", "-t", "="+name)
}

// KillSession removes the session. A session that is already gone counts
// as success.
func (a *Adapter) KillSession(server Server, name string) error {
	_, err := a.run(server, "kill-session", "-t", "="+name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// SessionInfo is one row of ListSessions.
type SessionInfo struct {
	Server    Server
	Name      string
	CreatedAt time.Time
	Windows   int
}

// ListSessions merges both servers' session lists, newest first.
func (a *Adapter) ListSessions() []SessionInfo {
	var all []SessionInfo
	for _, server := range []Server{ServerPrivate, ServerDefault} {
		out, err := a.run(server, "list-sessions", "-F", "#{session_name}\t#{session_created}\t#{session_windows}")
		if err != nil {
			continue
		}
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			parts := strings.Split(line, "\t")
			if len(parts) != 3 {
				continue
			}
			created, _ := strconv.ParseInt(parts[1], 10, 64)
			windows, _ := strconv.Atoi(parts[2])
			all = append(all, SessionInfo{
				Server:    server,
				Name:      parts[0],
				CreatedAt: time.Unix(created, 0),
				Windows:   windows,
			})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return all
}

// Window is one window of a session.
type Window struct {
	ID    string // stable identifier, e.g. "@3"
	Index int
}

// ListWindows returns the windows of the named session.
func (a *Adapter) ListWindows(server Server, name string) ([]Window, error) {
	out, err := a.run(server, "list-windows", "-t", "="+name, "-F", "#{window_id}\t#{window_index}")
	if err != nil {
		return nil, err
	}
	var windows []Window
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) != 2 {
			continue
		}
		idx, _ := strconv.Atoi(parts[1])
		windows = append(windows, Window{ID: parts[0], Index: idx})
	}
	return windows, nil
}

// uiOptions keep the browser renderer coherent: no alternate screen, no
// status bar, no prefix keys, a deep history, fast escapes.
var uiOptions = [][]string{
	{"status", "off"},
	{"mouse", "off"},
	{"prefix", "None"},
	{"prefix2", "None"},
	{"alternate-screen", "off"},
	{"history-limit", "50000"},
	{"escape-time", "10"},
	{"window-size", "latest"},
	{"aggressive-resize", "on"},
}

// ApplyUIOptions configures the session for browser rendering. Options the
// installed tmux does not know are skipped silently.
func (a *Adapter) ApplyUIOptions(server Server, name string) {
	for _, opt := range uiOptions {
		_, err := a.run(server, "set-option", "-t", "="+name, opt[0], opt[1])
		if err != nil && !errors.Is(err, ErrNotFound) {
			a.logger.Debug("tmux set-option skipped", "session", name, "option", opt[0], "err", err)
		}
	}
}

// NewLinkedView creates a session grouped with base so that a second
// attachment can track its own active window. Returns the view's name and
// the argv to attach to it.
func (a *Adapter) NewLinkedView(server Server, base, windowID string) (string, []string, error) {
	name := viewPrefix + base
	args := []string{"new-session", "-d", "-s", name, "-t", "=" + base}
	if _, err := a.run(server, args...); err != nil {
		return "", nil, fmt.Errorf("linked view for %s: %w", base, err)
	}
	if windowID != "" {
		if _, err := a.run(server, "select-window", "-t", name+":"+windowID); err != nil {
			a.logger.Debug("linked view select-window failed", "view", name, "window", windowID, "err", err)
		}
	}
	a.ApplyUIOptions(server, name)
	return name, AttachArgs(server, name), nil
}

// IsViewName reports whether the session name follows the linked view
// naming convention.
func IsViewName(name string) bool {
	return strings.HasPrefix(name, viewPrefix)
}

// PruneDetachedViews kills linked view sessions that have no attached
// clients left. Returns the number of sessions killed.
func (a *Adapter) PruneDetachedViews() int {
	pruned := 0
	for _, server := range []Server{ServerPrivate, ServerDefault} {
		out, err := a.run(server, "list-sessions", "-F", "#{session_name}\t#{session_attached}")
		if err != nil {
			continue
		}
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			parts := strings.Split(line, "\t")
			if len(parts) != 2 || !IsViewName(parts[0]) {
				continue
			}
			if attached, _ := strconv.Atoi(parts[1]); attached == 0 {
				if err := a.KillSession(server, parts[0]); err == nil {
					pruned++
				}
			}
		}
	}
	return pruned
}

// ScrollHistory scrolls the pane's history. Entering copy-mode first is
// required when scrolling up; scrolling down past the bottom leaves
// copy-mode on its own.
func (a *Adapter) ScrollHistory(server Server, name, direction string, lines int) error {
	if lines < 1 {
		lines = 1
	}
	if lines > 200 {
		lines = 200
	}
	key := "scroll-down"
	if direction == "up" {
		key = "scroll-up"
		if _, err := a.run(server, "copy-mode", "-t", "="+name); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	_, err := a.run(server, "send-keys", "-t", "="+name, "-X", "-N", strconv.Itoa(lines), key)
	return err
}
