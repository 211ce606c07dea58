package tmux

import (
	"os/exec"
	"strconv"
	"strings"
)

// Pane describes the active pane of a session.
type Pane struct {
	Command string // #{pane_current_command}
	PID     int    // #{pane_pid}
	TTY     string // #{pane_tty}
}

// shellNames are the commands treated as "just a shell" by process
// resolution and readiness classification.
var shellNames = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "fish": true,
	"dash": true, "ksh": true, "tcsh": true, "csh": true,
	"-sh": true, "-bash": true, "-zsh": true, "-fish": true,
}

// IsShellName reports whether command names a known shell (basename and
// login-shell dash prefix are both handled).
func IsShellName(command string) bool {
	name := command
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return shellNames[name]
}

// InspectPane returns the active pane of the session, or false when the
// session is gone or tmux errored.
func (a *Adapter) InspectPane(server Server, name string) (Pane, bool) {
	out, err := a.run(server, "display-message", "-t", "="+name, "-p",
		"#{pane_current_command}\t#{pane_pid}\t#{pane_tty}")
	if err != nil {
		return Pane{}, false
	}
	parts := strings.Split(strings.TrimSpace(out), "\t")
	if len(parts) != 3 {
		return Pane{}, false
	}
	pid, _ := strconv.Atoi(parts[1])
	return Pane{Command: parts[0], PID: pid, TTY: parts[2]}, true
}

// PaneCwd returns the pane's current working directory.
func (a *Adapter) PaneCwd(server Server, name string) (string, bool) {
	out, err := a.run(server, "display-message", "-t", "="+name, "-p", "#{pane_current_path}")
	if err != nil {
		return "", false
	}
	cwd := strings.TrimSpace(out)
	return cwd, cwd != ""
}

// PaneSize returns the pane's dimensions.
func (a *Adapter) PaneSize(server Server, name string) (width, height int, ok bool) {
	out, err := a.run(server, "display-message", "-t", "="+name, "-p", "#{pane_width}\t#{pane_height}")
	if err != nil {
		return 0, 0, false
	}
	parts := strings.Split(strings.TrimSpace(out), "\t")
	if len(parts) != 2 {
		return 0, 0, false
	}
	width, _ = strconv.Atoi(parts[0])
	height, _ = strconv.Atoi(parts[1])
	return width, height, width > 0 && height > 0
}

// CapturePane returns the visible pane content with leading and trailing
// blank lines removed. ok is false when capture is unavailable.
func (a *Adapter) CapturePane(server Server, name string) (string, bool) {
	out, err := a.run(server, "capture-pane", "-t", "="+name, "-p")
	if err != nil {
		return "", false
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n"), true
}

// psRow is one line of ps output for the pane's tty.
type psRow struct {
	pid     int
	pgid    int
	tpgid   int
	command string
}

// psByTTY lists processes attached to the tty. Best-effort.
func psByTTY(tty string) []psRow {
	dev := strings.TrimPrefix(tty, "/dev/")
	out, err := exec.Command("ps", "-t", dev, "-o", "pid=,pgid=,tpgid=,comm=").Output()
	if err != nil {
		return nil
	}
	var rows []psRow
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		pgid, err2 := strconv.Atoi(fields[1])
		tpgid, err3 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		rows = append(rows, psRow{pid: pid, pgid: pgid, tpgid: tpgid, command: strings.Join(fields[3:], " ")})
	}
	return rows
}

// resolveForeground picks the foreground command from the tty's process
// table. Preference: the process whose pid equals the terminal process
// group, then a member of the foreground group other than the pane shell.
// Background helpers (git status daemons and the like) never win because
// they sit in their own process group.
func resolveForeground(rows []psRow, panePID int) string {
	for _, r := range rows {
		if r.pid == r.tpgid && !IsShellName(r.command) {
			return r.command
		}
	}
	for _, r := range rows {
		if r.pgid == r.tpgid && r.pid != panePID && !IsShellName(r.command) {
			return r.command
		}
	}
	return ""
}

// ActiveProcess returns the command the user is actually running in the
// pane. The raw pane command is often the shell itself; in that case the
// tty's foreground process group is inspected.
func (a *Adapter) ActiveProcess(server Server, name string) (string, bool) {
	pane, ok := a.InspectPane(server, name)
	if !ok {
		return "", false
	}
	if !IsShellName(pane.Command) {
		return pane.Command, true
	}
	if pane.TTY != "" {
		if fg := resolveForeground(psByTTY(pane.TTY), pane.PID); fg != "" {
			return fg, true
		}
	}
	return pane.Command, true
}
