// Package ready decides whether each session is waiting for input. It fuses
// four signal sources: output chunks (markers, prompt tails, quiet windows),
// input keystrokes (submitted commands), tmux pane inspection (active
// process, cwd, visible content) and pane-diff inference (churn vs stable).
// Consumers get a tri-state answer: ready, busy, or unknown when an agent's
// state cannot be called either way.
package ready

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidemux/tidemux/internal/session"
	"github.com/tidemux/tidemux/internal/tmux"
)

type State string

const (
	StateReady   State = "ready"
	StateBusy    State = "busy"
	StateUnknown State = "unknown"
)

// Update is one readiness transition, ready for broadcast.
type Update struct {
	ID            string
	State         State
	Indicator     State
	Reason        string
	Source        string
	Ts            int64
	Cwd           string
	ActiveProcess string
}

// Sessions is the slice of the session manager the engine needs.
type Sessions interface {
	Summary(id string) (session.Summary, bool)
	UpdateCwd(id, cwd string)
}

// Panes is the slice of the tmux adapter the engine needs. All methods are
// best-effort; false means the session is gone or tmux errored.
type Panes interface {
	ActiveProcess(server tmux.Server, name string) (string, bool)
	PaneCwd(server tmux.Server, name string) (string, bool)
	CapturePane(server tmux.Server, name string) (string, bool)
	PaneSize(server tmux.Server, name string) (width, height int, ok bool)
}

// Engine runs one state machine per session. Event handlers are cheap and
// non-blocking; anything that shells out to tmux happens on the recompute
// path, which is debounced and single-flight per session.
type Engine struct {
	cfg      Config
	sessions Sessions
	panes    Panes
	markers  MarkerFunc
	emit     func(Update)
	logger   *slog.Logger
	trace    *trace

	// onCommand, when set, receives every submitted input line. The
	// runtime uses it to persist input history.
	onCommand func(id, line string)

	mu     sync.Mutex
	states map[string]*sessionState
}

type sessionState struct {
	mu sync.Mutex
	id string

	state     State
	indicator State
	reason    string
	changedAt time.Time

	mode          Mode
	family        Family
	activeProcess string
	cwd           string

	lastOutput      time.Time
	lastInputSubmit time.Time
	promptSeen      time.Time

	folder lineFolder

	snapshot     PaneSnapshot
	workingSince time.Time

	busyTimer      *time.Timer
	postCmdTimer   *time.Timer
	recomputeTimer *time.Timer
	recomputing    bool
	recomputeAgain bool
	gone           bool
}

// NewEngine wires the engine to its collaborators. emit is called once per
// transition, never while a state lock is held.
func NewEngine(cfg Config, sessions Sessions, panes Panes, logger *slog.Logger, emit func(Update)) *Engine {
	return &Engine{
		cfg:      cfg,
		sessions: sessions,
		panes:    panes,
		markers:  DefaultMarkers,
		emit:     emit,
		logger:   logger,
		trace:    newTrace(cfg.traceSize()),
		states:   make(map[string]*sessionState),
	}
}

// SetMarkers replaces the agent marker vocabulary. Tests use this.
func (e *Engine) SetMarkers(f MarkerFunc) { e.markers = f }

// SetOnCommand installs the submitted-line hook. Call before events flow.
func (e *Engine) SetOnCommand(f func(id, line string)) { e.onCommand = f }

func (e *Engine) get(id string) *sessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[id]
	if !ok {
		st = &sessionState{
			id:        id,
			state:     StateUnknown,
			indicator: StateUnknown,
			mode:      ModeShell,
			family:    FamilyOther,
			changedAt: time.Now(),
		}
		e.states[id] = st
	}
	return st
}

// Track registers a session and seeds its classification from the spawn
// command, so the first output chunks match against the right family.
func (e *Engine) Track(id, command string) {
	st := e.get(id)
	mode, fam := ClassifyProcess(command, tmux.IsShellName)
	st.mu.Lock()
	st.mode = mode
	st.family = fam
	if mode != ModeShell {
		st.activeProcess = command
	}
	st.mu.Unlock()
}

// Forget drops a session's state and cancels its timers.
func (e *Engine) Forget(id string) {
	e.mu.Lock()
	st, ok := e.states[id]
	delete(e.states, id)
	e.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.gone = true
	stopTimer(&st.busyTimer)
	stopTimer(&st.postCmdTimer)
	stopTimer(&st.recomputeTimer)
	st.mu.Unlock()
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// HandleOutput classifies one output chunk. Ordering per session is the
// caller's job; the manager's event channel already provides it.
func (e *Engine) HandleOutput(id string, data []byte) {
	st := e.get(id)
	chunk := string(StripAltScreen(data))
	now := time.Now()

	st.mu.Lock()
	st.lastOutput = now

	kind := MarkerNone
	if st.mode == ModeAgent {
		kind = e.markers(st.family, chunk)
	}

	var up *Update
	switch {
	case kind == MarkerBusy:
		stopTimer(&st.busyTimer)
		up = e.setLocked(st, StateBusy, "agent:busy-marker", now)
	case kind == MarkerPrompt:
		st.promptSeen = now
		stopTimer(&st.busyTimer)
		up = e.setLocked(st, StateUnknown, "agent:prompt-marker", now)
	case st.mode != ModeAgent && LooksLikePromptTail(chunk):
		st.promptSeen = now
		stopTimer(&st.busyTimer)
		up = e.setLocked(st, StateReady, "prompt", now)
	case hasVisibleContent([]byte(chunk)):
		if st.mode != ModeAgent && st.state != StateBusy && st.busyTimer == nil {
			st.busyTimer = time.AfterFunc(busyDelay, func() { e.busyFire(id) })
		}
	}
	st.mu.Unlock()

	e.publish(up)
	e.scheduleRecompute(id)
}

// busyFire flips output-driven busy after the delay, unless a prompt tail
// landed in the meantime (a repaint, not real work).
func (e *Engine) busyFire(id string) {
	st := e.get(id)
	now := time.Now()
	st.mu.Lock()
	st.busyTimer = nil
	var up *Update
	if st.gone || now.Sub(st.promptSeen) <= busyDelay+promptFreshSlack {
		st.mu.Unlock()
		return
	}
	if st.state != StateBusy {
		up = e.setLocked(st, StateBusy, "output", now)
	}
	st.mu.Unlock()
	e.publish(up)
}

// HandleInput folds keystrokes into a line buffer. A submitted non-empty
// line means the user just asked for work: the session goes busy
// immediately, and a follow-up check is scheduled for commands whose output
// starts late.
func (e *Engine) HandleInput(id string, data []byte) {
	st := e.get(id)
	now := time.Now()

	st.mu.Lock()
	lines := st.folder.Fold(data)
	var up *Update
	var cwdUpdate string
	for _, line := range lines {
		st.lastInputSubmit = now
		st.promptSeen = time.Time{}
		stopTimer(&st.busyTimer)
		up = e.setLocked(st, StateBusy, "input:command", now)
		if target := cdTarget(line, st.cwd); target != "" {
			st.cwd = target
			cwdUpdate = target
		}
		stopTimer(&st.postCmdTimer)
		st.postCmdTimer = time.AfterFunc(postCommandCheck, func() { e.recompute(id) })
	}
	st.mu.Unlock()

	if cwdUpdate != "" {
		e.sessions.UpdateCwd(id, cwdUpdate)
	}
	e.publish(up)
	if e.onCommand != nil {
		for _, line := range lines {
			e.onCommand(id, line)
		}
	}
	if len(lines) > 0 {
		e.scheduleRecompute(id)
	}
}

// HandleExit marks the session terminally busy and stops its timers.
func (e *Engine) HandleExit(id string) {
	st := e.get(id)
	now := time.Now()
	st.mu.Lock()
	stopTimer(&st.busyTimer)
	stopTimer(&st.postCmdTimer)
	stopTimer(&st.recomputeTimer)
	up := e.setLocked(st, StateBusy, "exited", now)
	st.mu.Unlock()
	e.publish(up)
}

// PollAll schedules a recompute for every tracked session. The runtime's
// periodic poller drives this to keep cwd and pane inference fresh even
// when a session is silent.
func (e *Engine) PollAll() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.scheduleRecompute(id)
	}
}

// StateOf returns the current readiness of a session.
func (e *Engine) StateOf(id string) (Update, bool) {
	e.mu.Lock()
	st, ok := e.states[id]
	e.mu.Unlock()
	if !ok {
		return Update{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return e.updateLocked(st), true
}

// Decorate fills the readiness fields on session summaries before they
// leave the server.
func (e *Engine) Decorate(sums []session.Summary) []session.Summary {
	for i := range sums {
		up, ok := e.StateOf(sums[i].ID)
		if !ok {
			continue
		}
		sums[i].ReadyState = session.ReadyState(up.State)
		sums[i].ReadyIndicator = session.ReadyState(up.Indicator)
		sums[i].ReadyReason = up.Reason
		sums[i].ReadyStateChangedAt = up.Ts
		if up.ActiveProcess != "" {
			sums[i].ActiveProcess = up.ActiveProcess
		}
		if up.Cwd != "" && sums[i].Cwd == "" {
			sums[i].Cwd = up.Cwd
		}
	}
	return sums
}

// Trace returns recent transitions, oldest first.
func (e *Engine) Trace() []TraceEntry {
	return e.trace.Snapshot()
}

// setLocked applies a transition under st.mu and returns the update to
// publish, or nil when nothing changed. The indicator only follows definite
// states; unknown keeps the last definite answer visible.
func (e *Engine) setLocked(st *sessionState, state State, reason string, now time.Time) *Update {
	if st.state == state && st.reason == reason {
		return nil
	}
	st.state = state
	st.reason = reason
	st.changedAt = now
	if state != StateUnknown {
		st.indicator = state
	}
	up := e.updateLocked(st)
	e.trace.add(TraceEntry{Time: now, ID: st.id, State: state, Reason: reason, Source: up.Source})
	if e.cfg.TraceLog {
		e.logger.Debug("readiness transition",
			"id", st.id, "state", state, "reason", reason, "source", up.Source)
	}
	return &up
}

func (e *Engine) updateLocked(st *sessionState) Update {
	return Update{
		ID:            st.id,
		State:         st.state,
		Indicator:     st.indicator,
		Reason:        st.reason,
		Source:        sourceFor(st.reason),
		Ts:            st.changedAt.UnixMilli(),
		Cwd:           st.cwd,
		ActiveProcess: st.activeProcess,
	}
}

func (e *Engine) publish(up *Update) {
	if up != nil && e.emit != nil {
		e.emit(*up)
	}
}

// sourceFor derives the signal source from the reason's vocabulary.
func sourceFor(reason string) string {
	switch {
	case strings.HasPrefix(reason, "pane:"):
		return "pane-inference"
	case strings.HasPrefix(reason, "process:"),
		reason == "prompt-visible", reason == "idle-shell", reason == "agent:idle":
		return "tmux-pane-inspection"
	case strings.HasPrefix(reason, "input:"):
		return "input-event"
	case reason == "exited":
		return "process-exit"
	default:
		return "status-engine"
	}
}

// scheduleRecompute arms the debounced recompute timer. Bursts of events
// inside the window coalesce into a single pane inspection.
func (e *Engine) scheduleRecompute(id string) {
	st := e.get(id)
	st.mu.Lock()
	if st.gone || st.recomputeTimer != nil {
		st.mu.Unlock()
		return
	}
	st.recomputeTimer = time.AfterFunc(recomputeDebounce, func() {
		st.mu.Lock()
		st.recomputeTimer = nil
		st.mu.Unlock()
		e.recompute(id)
	})
	st.mu.Unlock()
}

// recompute is single-flight per session: a recompute requested while one
// is running sets a flag and the running one loops once more.
func (e *Engine) recompute(id string) {
	st := e.get(id)
	st.mu.Lock()
	if st.gone {
		st.mu.Unlock()
		return
	}
	if st.recomputing {
		st.recomputeAgain = true
		st.mu.Unlock()
		return
	}
	st.recomputing = true
	st.mu.Unlock()

	for {
		e.recomputeOnce(id, st)
		st.mu.Lock()
		if !st.recomputeAgain || st.gone {
			st.recomputing = false
			st.mu.Unlock()
			return
		}
		st.recomputeAgain = false
		st.mu.Unlock()
	}
}

// recomputeOnce inspects the session's tmux pane and combines every signal
// into one verdict. It blocks on tmux and ps, so it only ever runs on the
// recompute goroutine.
func (e *Engine) recomputeOnce(id string, st *sessionState) {
	sum, ok := e.sessions.Summary(id)
	if !ok {
		return
	}
	now := time.Now()
	if sum.Status == session.StatusExited {
		st.mu.Lock()
		up := e.setLocked(st, StateBusy, "exited", now)
		st.mu.Unlock()
		e.publish(up)
		return
	}

	if sum.TmuxName == "" {
		e.recomputePlain(st, now)
		return
	}

	server := tmux.Server(sum.TmuxServer)
	name := sum.TmuxName

	// Process and cwd queries hit different tmux/ps paths; run them in
	// parallel to halve the wall time of a poll.
	var (
		active   string
		activeOK bool
		cwd      string
		cwdOK    bool
		wg       sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		active, activeOK = e.panes.ActiveProcess(server, name)
	}()
	go func() {
		defer wg.Done()
		cwd, cwdOK = e.panes.PaneCwd(server, name)
	}()
	wg.Wait()

	content, contentOK := e.panes.CapturePane(server, name)
	width, height, _ := e.panes.PaneSize(server, name)
	next := PaneSnapshot{Content: content, Width: width, Height: height, At: now}

	mode, fam := ClassifyProcess(active, tmux.IsShellName)

	st.mu.Lock()
	if st.gone {
		st.mu.Unlock()
		return
	}
	if activeOK {
		st.mode, st.family = mode, fam
		if mode == ModeShell {
			st.activeProcess = ""
		} else {
			st.activeProcess = active
		}
	}
	if cwdOK && cwd != st.cwd {
		st.cwd = cwd
	} else {
		cwdOK = false
	}

	var inf PaneInference
	if contentOK {
		inf = InferPane(st.snapshot, next, st.workingSince, e.cfg.workingGrace(), now)
		st.workingSince = inf.WorkingSince
		st.snapshot = next
	} else {
		inf = PaneInference{Status: PaneWaiting}
	}

	up := e.decideLocked(st, inf, next, now, activeOK)
	st.mu.Unlock()

	if cwdOK {
		e.sessions.UpdateCwd(id, cwd)
	}
	e.publish(up)
}

// recomputePlain handles sessions without a tmux pane: only output timing
// and prompt heuristics are available.
func (e *Engine) recomputePlain(st *sessionState, now time.Time) {
	st.mu.Lock()
	var up *Update
	switch {
	case now.Sub(st.lastOutput) < quietWindow:
		// recent output; busy timer owns this window
	case !st.promptSeen.IsZero() && now.Sub(st.promptSeen) <= promptWindow:
		if st.mode == ModeAgent {
			up = e.setLocked(st, StateUnknown, "agent:prompt-stable", now)
		} else {
			up = e.setLocked(st, StateReady, "prompt", now)
		}
	case st.mode == ModeShell:
		up = e.setLocked(st, StateReady, "idle-shell", now)
	case st.mode == ModeAgent:
		up = e.setLocked(st, StateUnknown, "agent:idle", now)
	}
	st.mu.Unlock()
	e.publish(up)
}

// decideLocked is the verdict table. Precedence: a visible permission
// dialog beats everything; then fresh output keeps busy; then a recent
// prompt; then the active process; then the idle shell.
func (e *Engine) decideLocked(st *sessionState, inf PaneInference, pane PaneSnapshot, now time.Time, activeOK bool) *Update {
	if inf.Status == PanePermission {
		return e.setLocked(st, StateReady, "pane:permission", now)
	}

	quiet := quietWindow
	if !activeOK {
		quiet = shellQuietMin
	}
	elapsed := now.Sub(st.lastOutput)
	promptFresh := !st.promptSeen.IsZero() && now.Sub(st.promptSeen) <= promptWindow

	if elapsed < quiet {
		// Output is still flowing. A prompt that arrived essentially
		// together with the output is a repaint, not work.
		if now.Sub(st.promptSeen) <= busyDelay+promptFreshSlack && PaneShowsPrompt(pane.Content) {
			if st.mode == ModeAgent {
				return e.setLocked(st, StateUnknown, "agent:prompt-stable", now)
			}
			return e.setLocked(st, StateReady, "prompt", now)
		}
		if st.state == StateBusy {
			return nil
		}
		return e.setLocked(st, StateBusy, "output", now)
	}

	if promptFresh {
		if st.mode == ModeAgent {
			return e.setLocked(st, StateUnknown, "agent:prompt-stable", now)
		}
		return e.setLocked(st, StateReady, "prompt", now)
	}

	switch st.mode {
	case ModeAgent:
		if PaneShowsPrompt(pane.Content) {
			return e.setLocked(st, StateUnknown, "prompt-visible", now)
		}
		if inf.Status == PaneWorking {
			return e.setLocked(st, StateBusy, "pane:working", now)
		}
		return e.setLocked(st, StateUnknown, "agent:idle", now)
	case ModeOther:
		if PaneShowsPrompt(pane.Content) {
			return e.setLocked(st, StateReady, "prompt-visible", now)
		}
		if inf.Status == PaneWorking {
			return e.setLocked(st, StateBusy, "pane:working", now)
		}
		return e.setLocked(st, StateBusy, "process:"+basename(st.activeProcess), now)
	default: // shell
		if inf.Status == PaneWorking {
			return e.setLocked(st, StateBusy, "pane:working", now)
		}
		return e.setLocked(st, StateReady, "idle-shell", now)
	}
}

func basename(command string) string {
	if i := strings.LastIndexByte(command, '/'); i >= 0 {
		return command[i+1:]
	}
	return command
}
