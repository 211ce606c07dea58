package ready

import (
	"path"
	"strings"
)

// lineFolder reconstructs the command line the user is typing from raw
// keystrokes, so a submitted Enter can be classified and `cd` targets can
// be mirrored into the session's cwd. Escape sequences (arrow keys, bracket
// paste) are skipped; editing beyond backspace and kill-line is
// approximated, which is fine for the two consumers above.
type lineFolder struct {
	buf []rune
}

// submitted command lines are returned as Fold consumes input; an empty
// slice means no Enter was pressed in this chunk.
func (f *lineFolder) Fold(data []byte) []string {
	var lines []string
	s := string(data)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == 0x1b:
			i += skipEscape(s[i:]) - 1
		case c == '\r' || c == '\n':
			line := strings.TrimSpace(string(f.buf))
			f.buf = f.buf[:0]
			if line != "" {
				lines = append(lines, line)
			}
		case c == 0x7f || c == 0x08: // backspace
			if len(f.buf) > 0 {
				f.buf = f.buf[:len(f.buf)-1]
			}
		case c == 0x15: // ctrl-u kill line
			f.buf = f.buf[:0]
		case c == 0x03: // ctrl-c abandons the line
			f.buf = f.buf[:0]
		case c < 0x20:
			// other control chars don't contribute text
		default:
			f.buf = append(f.buf, rune(c))
		}
	}
	return lines
}

func (f *lineFolder) Reset() {
	f.buf = f.buf[:0]
}

// skipEscape returns how many bytes of s the escape sequence at s[0]
// occupies, minimum 1.
func skipEscape(s string) int {
	if len(s) < 2 {
		return 1
	}
	switch s[1] {
	case '[':
		for i := 2; i < len(s); i++ {
			if s[i] >= 0x40 && s[i] <= 0x7e {
				return i + 1
			}
		}
		return len(s)
	case ']':
		for i := 2; i < len(s); i++ {
			if s[i] == 0x07 {
				return i + 1
			}
			if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '\\' {
				return i + 2
			}
		}
		return len(s)
	case 'O':
		if len(s) >= 3 {
			return 3
		}
		return len(s)
	default:
		return 2
	}
}

// cdTarget extracts the absolute directory of a plain `cd` command, or ""
// when the line is not one. Relative targets are resolved against cwd when
// it is known; home-relative and bare `cd` are left to the recompute loop,
// which reads the pane's real cwd from tmux.
func cdTarget(line, cwd string) string {
	rest, ok := strings.CutPrefix(line, "cd ")
	if !ok {
		return ""
	}
	rest = strings.TrimSpace(rest)
	rest = strings.Trim(rest, `"'`)
	if rest == "" || strings.ContainsAny(rest, "$`;|&<>") {
		return ""
	}
	if strings.HasPrefix(rest, "/") {
		return path.Clean(rest)
	}
	if cwd != "" && !strings.HasPrefix(rest, "~") && rest != "-" {
		return path.Clean(path.Join(cwd, rest))
	}
	return ""
}
