package ready

import "time"

// Timing knobs. Together they keep readiness neither flappy nor stuck:
// quietWindow and busyDelay absorb prompt repaints, promptWindow carries a
// seen prompt across short silences, postCommandCheck catches commands
// whose output starts late, workingGrace stops a slowly-scrolling pane
// from flapping between working and waiting.
const (
	// quietWindow: output must be silent this long before flipping ready.
	quietWindow = 220 * time.Millisecond
	// shellQuietMin: minimum silence used when no process is resolved.
	shellQuietMin = 250 * time.Millisecond
	// promptWindow: a seen prompt marker keeps the session prompt-fresh.
	promptWindow = 15 * time.Second
	// busyDelay: output only counts as busy after this delay.
	busyDelay = 120 * time.Millisecond
	// postCommandCheck: re-evaluation horizon after a submitted line.
	postCommandCheck = 800 * time.Millisecond
	// recomputeDebounce: minimum gap between scheduled recomputes.
	recomputeDebounce = 120 * time.Millisecond
	// promptFreshSlack widens busyDelay when deciding whether fresh output
	// was just a prompt repaint.
	promptFreshSlack = 80 * time.Millisecond

	defaultWorkingGrace = 4 * time.Second
	defaultTraceSize    = 200
)

// Config carries the deployment-tunable pieces.
type Config struct {
	// WorkingGrace overrides how long pane-diff "working" must persist
	// before busy is confirmed. Zero means the default.
	WorkingGrace time.Duration
	// TraceSize bounds the diagnostic trace. Zero means the default.
	TraceSize int
	// TraceLog mirrors every transition to the logger at debug level.
	TraceLog bool
}

func (c Config) workingGrace() time.Duration {
	if c.WorkingGrace > 0 {
		return c.WorkingGrace
	}
	return defaultWorkingGrace
}

func (c Config) traceSize() int {
	if c.TraceSize > 0 {
		return c.TraceSize
	}
	return defaultTraceSize
}
