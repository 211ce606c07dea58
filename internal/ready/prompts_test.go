package ready

import (
	"strings"
	"testing"
)

func TestLooksLikePromptTail(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"user@host:~/proj$ ", true},
		{"root@box:/# ", true},
		{"~/src ❯ ", true},
		{">>> ", true},
		{"some output\nuser@host$ ", true},
		{"Password: ", true},
		{"Proceed (y)? ", true},
		{"Do you want to continue? (y/n)", true},
		{"compiling module...", false},
		{"", false},
		{strings.Repeat("x", 200) + "$", false}, // too long for a prompt
		{"downloading 45%", false},
		{"\x1b[32muser@host\x1b[0m$ ", true}, // ANSI-colored prompt
	}
	for _, tc := range cases {
		if got := LooksLikePromptTail(tc.text); got != tc.want {
			t.Errorf("LooksLikePromptTail(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestLineFolder(t *testing.T) {
	var f lineFolder

	// Backspace edits before submit.
	lines := f.Fold([]byte("lss\x7f\r"))
	if len(lines) != 1 || lines[0] != "ls" {
		t.Errorf("backspace fold = %v, want [ls]", lines)
	}

	// Ctrl-U kills the line.
	lines = f.Fold([]byte("wrong\x15echo hi\n"))
	if len(lines) != 1 || lines[0] != "echo hi" {
		t.Errorf("ctrl-u fold = %v, want [echo hi]", lines)
	}

	// Arrow keys are escape sequences, not text.
	lines = f.Fold([]byte("a\x1b[Ab\r"))
	if len(lines) != 1 || lines[0] != "ab" {
		t.Errorf("escape fold = %v, want [ab]", lines)
	}

	// Bare Enter submits nothing.
	if lines = f.Fold([]byte("\r")); len(lines) != 0 {
		t.Errorf("empty submit = %v", lines)
	}

	// Ctrl-C abandons the pending line.
	f.Fold([]byte("rm -rf /"))
	f.Fold([]byte{0x03})
	if lines = f.Fold([]byte("\r")); len(lines) != 0 {
		t.Errorf("line survived ctrl-c: %v", lines)
	}
}

func TestCdTarget(t *testing.T) {
	cases := []struct {
		line, cwd, want string
	}{
		{"cd /srv/app", "", "/srv/app"},
		{"cd /srv/app/", "/home", "/srv/app"},
		{"cd sub/dir", "/home/me", "/home/me/sub/dir"},
		{"cd ..", "/home/me", "/home"},
		{"cd sub", "", ""},          // relative with unknown cwd
		{"cd ~", "/home/me", ""},    // home expansion left to the pane poll
		{"cd -", "/home/me", ""},    // previous-dir shorthand
		{"cd $HOME/x", "/home", ""}, // shell expansion not attempted
		{"ls /tmp", "/home", ""},
		{`cd "/with space"`, "", "/with space"},
	}
	for _, tc := range cases {
		if got := cdTarget(tc.line, tc.cwd); got != tc.want {
			t.Errorf("cdTarget(%q, %q) = %q, want %q", tc.line, tc.cwd, got, tc.want)
		}
	}
}

func TestStripAltScreen(t *testing.T) {
	in := []byte("before\x1b[?1049hscreen\x1b[?1049lafter\x1b[?47h\x1b[?1047l")
	got := string(StripAltScreen(in))
	if got != "beforescreenafter" {
		t.Errorf("StripAltScreen = %q", got)
	}
	// Ordinary CSI survives.
	plain := []byte("\x1b[32mgreen\x1b[0m")
	if string(StripAltScreen(plain)) != string(plain) {
		t.Error("non-alt-screen sequence was stripped")
	}
}

func TestHasVisibleContent(t *testing.T) {
	if hasVisibleContent([]byte("\x1b[2J\x1b[H \r\n")) {
		t.Error("pure repaint counted as content")
	}
	if !hasVisibleContent([]byte("\x1b[1mhello\x1b[0m")) {
		t.Error("styled text not counted as content")
	}
}

func TestDefaultMarkers(t *testing.T) {
	if DefaultMarkers(FamilyClaude, "✻ Thinking… (esc to interrupt)") != MarkerBusy {
		t.Error("claude busy marker missed")
	}
	if DefaultMarkers(FamilyClaude, "│ > \n ? for shortcuts") != MarkerPrompt {
		t.Error("claude prompt marker missed")
	}
	if DefaultMarkers(FamilyCodex, "⏎ send   Ctrl+J newline") != MarkerPrompt {
		t.Error("codex prompt marker missed")
	}
	if DefaultMarkers(FamilyCodex, "Working (12s • esc to interrupt)") != MarkerBusy {
		t.Error("codex busy marker missed")
	}
	if DefaultMarkers(FamilyClaude, "ordinary output line") != MarkerNone {
		t.Error("false positive on plain output")
	}
}

func TestClassifyProcess(t *testing.T) {
	isShell := func(s string) bool { return s == "bash" || s == "zsh" }
	if m, f := ClassifyProcess("claude", isShell); m != ModeAgent || f != FamilyClaude {
		t.Errorf("claude → %s/%s", m, f)
	}
	if m, _ := ClassifyProcess("/usr/local/bin/codex", isShell); m != ModeAgent {
		t.Errorf("pathed codex → %s", m)
	}
	if m, _ := ClassifyProcess("bash", isShell); m != ModeShell {
		t.Errorf("bash → %s", m)
	}
	if m, _ := ClassifyProcess("vim", isShell); m != ModeOther {
		t.Errorf("vim → %s", m)
	}
	if m, _ := ClassifyProcess("", isShell); m != ModeShell {
		t.Errorf("empty → %s", m)
	}
}
