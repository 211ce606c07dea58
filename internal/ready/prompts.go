package ready

import (
	"strings"
)

// maxPromptLineLen rejects absurdly long "prompt" lines; real shell prompts
// fit on one line with room to spare.
const maxPromptLineLen = 180

// promptSuffixes are the characters a shell prompt line typically ends with.
// Longer forms first so ">>>" is not consumed as ">".
var promptSuffixes = []string{">>>", ">>", "$", "#", "%", ">", "❯", "›"}

// interactiveAsks are non-shell lines that still mean "waiting for input".
var interactiveAsks = []string{
	"proceed (y)?",
	"password:",
	"passphrase:",
	"login:",
	"(y/n)",
	"[y/n]",
	"(yes/no)",
}

// LooksLikePromptTail reports whether the tail of text ends in something a
// human would type at: a shell prompt line or an interactive question.
func LooksLikePromptTail(text string) bool {
	line := lastNonEmptyLine(text)
	if line == "" || len(line) > maxPromptLineLen {
		return false
	}
	lower := strings.ToLower(line)
	for _, ask := range interactiveAsks {
		if strings.HasSuffix(lower, ask) || strings.Contains(lower, "proceed (y)?") {
			return true
		}
	}
	for _, suf := range promptSuffixes {
		if !strings.HasSuffix(line, suf) {
			continue
		}
		// "45%" is a progress report, not a zsh prompt.
		if rest := line[:len(line)-len(suf)]; rest != "" && (suf == "%" || suf == "#") {
			if c := rest[len(rest)-1]; c >= '0' && c <= '9' {
				continue
			}
		}
		return true
	}
	return false
}

// PaneShowsPrompt runs the same heuristic over captured pane content. The
// pane capture has no escape sequences, so this is just the tail check.
func PaneShowsPrompt(content string) bool {
	return LooksLikePromptTail(content)
}
