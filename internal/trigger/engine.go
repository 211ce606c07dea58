// Package trigger matches session output against user-defined regex rules
// and runs their actions: highlight a session in the client, write bytes
// back to the pty, send a push notification, or post to Slack. Rules are
// replaced atomically on reload; a broken rule never takes the engine down.
package trigger

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tidemux/tidemux/internal/proto"
)

// SystemSession is the synthetic session id used for engine-level errors.
const SystemSession = "system"

// maxPartialLine bounds the per-session carry buffer for line-scoped
// matching; a line longer than this is flushed unmatched.
const maxPartialLine = 4096

// Scope selects what a rule's pattern runs against.
type Scope string

const (
	// ScopeChunk matches the raw output chunk, trailing newline or not.
	// Prompts that never print a newline need this.
	ScopeChunk Scope = "chunk"
	// ScopeLine matches complete lines only.
	ScopeLine Scope = "line"
)

// Context is what an action receives when its rule fires.
type Context struct {
	Rule      string
	SessionID string
	Time      time.Time
	// Match holds the regex match: Match[0] is the full match, the rest
	// are capture groups.
	Match []string
	// Line is the matched line for line scope, the chunk tail for chunk
	// scope.
	Line string
	// Write sends bytes to the session's pty.
	Write func(sessionID string, data []byte)
}

// Action is one rule's effect. It returns the events to broadcast.
type Action interface {
	Run(ctx Context) ([]proto.Event, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(Context) ([]proto.Event, error)

func (f ActionFunc) Run(ctx Context) ([]proto.Event, error) { return f(ctx) }

// Rule is one compiled trigger.
type Rule struct {
	Name     string
	Scope    Scope
	Pattern  *regexp.Regexp
	Cooldown time.Duration
	Action   Action
}

// identity is the part of a rule that determines whether cooldown state
// carries across a reload.
func (r Rule) identity() string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%d", r.Name, r.Scope, r.Pattern.String(), r.Cooldown)
}

// Engine matches output chunks against the active rule set.
type Engine struct {
	logger *slog.Logger
	emit   func(proto.Event)
	write  func(sessionID string, data []byte)

	mu        sync.Mutex
	rules     []Rule
	identity  string
	lastFired map[string]time.Time // "rule\x00session" → last fire
	partial   map[string][]byte    // per-session incomplete line carry
}

// NewEngine wires the engine to its outputs. emit broadcasts events to
// clients; write sends bytes back into a session.
func NewEngine(logger *slog.Logger, emit func(proto.Event), write func(string, []byte)) *Engine {
	return &Engine{
		logger:    logger,
		emit:      emit,
		write:     write,
		lastFired: make(map[string]time.Time),
		partial:   make(map[string][]byte),
	}
}

// SetRules atomically swaps the rule set. Cooldown state is kept when the
// new set has the same identity (a no-op reload must not re-arm anything)
// and reset otherwise.
func (e *Engine) SetRules(rules []Rule) {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.identity()
	}
	id := strings.Join(ids, "\x01")

	e.mu.Lock()
	if id != e.identity {
		e.lastFired = make(map[string]time.Time)
	}
	e.rules = rules
	e.identity = id
	e.mu.Unlock()
}

// RuleCount reports the size of the active set.
func (e *Engine) RuleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rules)
}

// Forget drops per-session state after a session exits.
func (e *Engine) Forget(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.partial, sessionID)
	for k := range e.lastFired {
		if strings.HasSuffix(k, "\x00"+sessionID) {
			delete(e.lastFired, k)
		}
	}
}

// HandleOutput runs every rule against one output chunk of a session.
func (e *Engine) HandleOutput(sessionID string, chunk []byte) {
	e.mu.Lock()
	rules := e.rules
	e.mu.Unlock()
	if len(rules) == 0 {
		return
	}

	text := string(chunk)
	var lines []string
	now := time.Now()

	for _, rule := range rules {
		switch rule.Scope {
		case ScopeLine:
			if lines == nil {
				lines = e.completeLines(sessionID, text)
			}
			for _, line := range lines {
				if m := rule.Pattern.FindStringSubmatch(line); m != nil {
					e.fire(rule, sessionID, m, line, now)
					break
				}
			}
		default: // chunk
			if m := rule.Pattern.FindStringSubmatch(text); m != nil {
				e.fire(rule, sessionID, m, lastLineOf(text), now)
			}
		}
	}
}

// completeLines joins the session's carried partial line with the chunk and
// returns only the lines terminated inside it. The unterminated tail is
// carried to the next chunk.
func (e *Engine) completeLines(sessionID, text string) []string {
	e.mu.Lock()
	carry := string(e.partial[sessionID])
	e.mu.Unlock()

	joined := carry + text
	i := strings.LastIndexByte(joined, '\n')
	var tail string
	var body string
	if i < 0 {
		tail, body = joined, ""
	} else {
		body, tail = joined[:i], joined[i+1:]
	}
	if len(tail) > maxPartialLine {
		tail = ""
	}

	e.mu.Lock()
	if tail == "" {
		delete(e.partial, sessionID)
	} else {
		e.partial[sessionID] = []byte(tail)
	}
	e.mu.Unlock()

	if body == "" {
		return []string{}
	}
	out := strings.Split(body, "\n")
	for j := range out {
		out[j] = strings.TrimRight(out[j], "\r")
	}
	return out
}

// fire runs the rule's action if its cooldown allows. The cooldown clock
// starts at invocation, and a panicking or erroring action is reported as a
// trigger_error without disturbing other rules.
func (e *Engine) fire(rule Rule, sessionID string, match []string, line string, now time.Time) {
	key := rule.Name + "\x00" + sessionID
	e.mu.Lock()
	if last, ok := e.lastFired[key]; ok && rule.Cooldown > 0 && now.Sub(last) < rule.Cooldown {
		e.mu.Unlock()
		return
	}
	e.lastFired[key] = now
	e.mu.Unlock()

	events, err := e.runAction(rule, Context{
		Rule:      rule.Name,
		SessionID: sessionID,
		Time:      now,
		Match:     match,
		Line:      line,
		Write:     e.write,
	})
	if err != nil {
		e.logger.Error("trigger action failed", "trigger", rule.Name, "id", sessionID, "err", err)
		e.emit(proto.TriggerError{
			Type:    "trigger_error",
			PtyID:   SystemSession,
			Trigger: rule.Name,
			Ts:      now.UnixMilli(),
			Message: err.Error(),
		})
		return
	}
	for _, ev := range events {
		e.emit(ev)
	}
}

func (e *Engine) runAction(rule Rule, ctx Context) (events []proto.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return rule.Action.Run(ctx)
}

func lastLineOf(s string) string {
	s = strings.TrimRight(s, "\r\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimRight(s, "\r")
}
