package tmux

import (
	"strings"
	"testing"
)

func TestValidateShell(t *testing.T) {
	valid := []string{"/bin/bash", "/usr/local/bin/fish", "zsh"}
	for _, s := range valid {
		if err := ValidateShell(s); err != nil {
			t.Errorf("ValidateShell(%q) = %v, want nil", s, err)
		}
	}

	invalid := []string{"", "-bash", "/bin/bash -l", "sh\tx", "sh\x00"}
	for _, s := range invalid {
		if err := ValidateShell(s); err == nil {
			t.Errorf("ValidateShell(%q) = nil, want error", s)
		}
	}
}

func TestAttachArgs_PrivateUsesSocketAndEmptyConfig(t *testing.T) {
	args := AttachArgs(ServerPrivate, "work")
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-L "+privateSocket) {
		t.Errorf("missing private socket: %v", args)
	}
	if !strings.Contains(joined, "-f /dev/null") {
		t.Errorf("private attach must not load user config: %v", args)
	}
	if args[len(args)-1] != "=work" {
		t.Errorf("target should be exact-matched: %v", args)
	}
}

func TestAttachArgs_DefaultHasNoSocket(t *testing.T) {
	args := AttachArgs(ServerDefault, "work")
	if strings.Contains(strings.Join(args, " "), "-L") {
		t.Errorf("default server attach must not name a socket: %v", args)
	}
}

func TestIsViewName(t *testing.T) {
	if !IsViewName("view_abc") {
		t.Error("view_abc should be a view name")
	}
	if IsViewName("shell:abc") || IsViewName("abc_view") {
		t.Error("non-prefixed names must not match")
	}
}

func TestIsShellName(t *testing.T) {
	for _, s := range []string{"bash", "/bin/zsh", "-zsh", "fish"} {
		if !IsShellName(s) {
			t.Errorf("%q should be a shell", s)
		}
	}
	for _, s := range []string{"vim", "claude", "node", "bash-language-server"} {
		if IsShellName(s) {
			t.Errorf("%q should not be a shell", s)
		}
	}
}

func TestResolveForeground_PrefersTerminalGroupLeader(t *testing.T) {
	rows := []psRow{
		{pid: 100, pgid: 100, tpgid: 300, command: "zsh"},
		{pid: 200, pgid: 200, tpgid: 300, command: "gitstatusd"}, // background helper
		{pid: 300, pgid: 300, tpgid: 300, command: "vim"},
	}
	if got := resolveForeground(rows, 100); got != "vim" {
		t.Errorf("got %q, want vim", got)
	}
}

func TestResolveForeground_FallsBackToForegroundGroupMember(t *testing.T) {
	// The group leader row is absent (e.g. a short-lived wrapper); a member
	// of the foreground group other than the pane shell should win.
	rows := []psRow{
		{pid: 100, pgid: 100, tpgid: 300, command: "zsh"},
		{pid: 301, pgid: 300, tpgid: 300, command: "cargo"},
	}
	if got := resolveForeground(rows, 100); got != "cargo" {
		t.Errorf("got %q, want cargo", got)
	}
}

func TestResolveForeground_ShellOnly(t *testing.T) {
	rows := []psRow{
		{pid: 100, pgid: 100, tpgid: 100, command: "zsh"},
		{pid: 200, pgid: 200, tpgid: 100, command: "gitstatusd"},
	}
	if got := resolveForeground(rows, 100); got != "" {
		t.Errorf("got %q, want empty (fall back to pane command)", got)
	}
}
