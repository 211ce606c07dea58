package ready

import (
	"regexp"
	"strings"
)

// altScreenRe matches the alternate-screen enter/leave sequences full-screen
// programs emit. Those repaint storms say nothing about readiness, so chunks
// are stripped of them before classification.
var altScreenRe = regexp.MustCompile(`\x1b\[\?(?:1049|1047|47)[hl]`)

// StripAltScreen removes alternate-screen switch sequences from a chunk.
func StripAltScreen(data []byte) []byte {
	if !strings.Contains(string(data), "\x1b[?") {
		return data
	}
	return altScreenRe.ReplaceAll(data, nil)
}

// ansiRe strips CSI and OSC escape sequences for text-level matching.
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)?`)

func stripANSI(s string) string {
	if !strings.ContainsRune(s, 0x1b) {
		return s
	}
	return ansiRe.ReplaceAllString(s, "")
}

// hasVisibleContent reports whether the chunk carries anything beyond escape
// sequences and whitespace. Pure cursor movement does not count as output.
func hasVisibleContent(data []byte) bool {
	s := stripANSI(string(data))
	for _, r := range s {
		switch r {
		case ' ', '\t', '\r', '\n', '\x07', 0:
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		return true
	}
	return false
}

// lastNonEmptyLine returns the last line of s with visible content, ANSI
// stripped, trailing whitespace trimmed.
func lastNonEmptyLine(s string) string {
	s = stripANSI(s)
	for len(s) > 0 {
		i := strings.LastIndexByte(s, '\n')
		line := strings.TrimRight(s[i+1:], " \t\r")
		if line != "" {
			return line
		}
		if i < 0 {
			break
		}
		s = s[:i]
	}
	return ""
}
