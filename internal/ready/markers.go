package ready

import (
	"regexp"
	"strings"
)

// Family groups agent CLIs that share output conventions. Marker matching
// is keyed by family so one agent's spinner vocabulary cannot leak into
// another's classification.
type Family string

const (
	FamilyCodex  Family = "codex"
	FamilyClaude Family = "claude"
	FamilyOther  Family = "other"
)

// Mode is how a session is driven for readiness purposes.
type Mode string

const (
	ModeShell Mode = "shell"
	ModeAgent Mode = "agent"
	ModeOther Mode = "other"
)

// agentNames maps known agent CLI basenames to their family.
var agentNames = map[string]Family{
	"codex":  FamilyCodex,
	"claude": FamilyClaude,
	"aider":  FamilyOther,
	"goose":  FamilyOther,
	"cursor": FamilyOther,
}

// ClassifyProcess maps an active process name to a mode and family.
func ClassifyProcess(command string, isShell func(string) bool) (Mode, Family) {
	name := command
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.ToLower(name)
	if fam, ok := agentNames[name]; ok {
		return ModeAgent, fam
	}
	if command == "" || isShell(command) {
		return ModeShell, FamilyOther
	}
	return ModeOther, FamilyOther
}

// MarkerKind is the result of scanning a chunk for agent status markers.
type MarkerKind int

const (
	MarkerNone MarkerKind = iota
	MarkerBusy
	MarkerPrompt
)

// MarkerFunc lets tests and future agent CLIs plug their own vocabulary.
type MarkerFunc func(fam Family, chunk string) MarkerKind

type markerSet struct {
	busy   []*regexp.Regexp
	prompt []*regexp.Regexp
}

// Marker vocabulary per family. Busy markers are the interrupt hints and
// spinner glyphs agents print while thinking; prompt markers are the idle
// input-box furniture they draw when waiting for the user.
var markers = map[Family]markerSet{
	FamilyClaude: {
		busy: []*regexp.Regexp{
			regexp.MustCompile(`(?i)esc to interrupt`),
			regexp.MustCompile(`[✳✶✻✽·]\s+\w+…`),
		},
		prompt: []*regexp.Regexp{
			regexp.MustCompile(`\? for shortcuts`),
			regexp.MustCompile(`│\s*>\s`),
		},
	},
	FamilyCodex: {
		busy: []*regexp.Regexp{
			regexp.MustCompile(`(?i)esc to interrupt`),
			regexp.MustCompile(`(?i)\bworking\b.*\(\d+s`),
		},
		prompt: []*regexp.Regexp{
			regexp.MustCompile(`⏎ send`),
			regexp.MustCompile(`(?i)ctrl\+j newline`),
		},
	},
	FamilyOther: {
		busy: []*regexp.Regexp{
			regexp.MustCompile(`(?i)esc to interrupt`),
		},
		prompt: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\? for shortcuts`),
		},
	},
}

// DefaultMarkers scans chunk text for the family's busy and prompt markers.
// Busy wins when both appear; the agent is still producing output.
func DefaultMarkers(fam Family, chunk string) MarkerKind {
	set, ok := markers[fam]
	if !ok {
		set = markers[FamilyOther]
	}
	text := stripANSI(chunk)
	for _, re := range set.busy {
		if re.MatchString(text) {
			return MarkerBusy
		}
	}
	for _, re := range set.prompt {
		if re.MatchString(text) {
			return MarkerPrompt
		}
	}
	return MarkerNone
}
