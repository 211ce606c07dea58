package trigger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/tidemux/tidemux/internal/proto"
)

// reloadDebounce coalesces the burst of fs events editors produce into one
// reload.
const reloadDebounce = 300 * time.Millisecond

// ruleFile is the YAML shape of the user's trigger file.
type ruleFile struct {
	Triggers []ruleSpec `yaml:"triggers"`
}

type ruleSpec struct {
	Name       string     `yaml:"name"`
	Pattern    string     `yaml:"pattern"`
	Scope      string     `yaml:"scope"`
	CooldownMs int        `yaml:"cooldown_ms"`
	Action     actionSpec `yaml:"action"`
}

type actionSpec struct {
	Type       string `yaml:"type"`
	Reason     string `yaml:"reason"`
	TTLMs      int    `yaml:"ttl_ms"`
	Data       string `yaml:"data"`
	Title      string `yaml:"title"`
	Body       string `yaml:"body"`
	WebhookURL string `yaml:"webhook_url"`
	Text       string `yaml:"text"`
}

// Loader reads the rule file, installs validated rules into the engine, and
// keeps the previous set active when a reload fails.
type Loader struct {
	path     string
	engine   *Engine
	notifier Notifier
	emit     func(proto.Event)
	logger   *slog.Logger

	// defaultSlackWebhook backs slack actions whose rule omits webhook_url.
	defaultSlackWebhook string

	mu       sync.Mutex
	version  int
	lastGood []Rule
}

func NewLoader(path string, engine *Engine, notifier Notifier, emit func(proto.Event), logger *slog.Logger) *Loader {
	return &Loader{
		path:     path,
		engine:   engine,
		notifier: notifier,
		emit:     emit,
		logger:   logger,
	}
}

// SetDefaultSlackWebhook installs a fallback webhook for slack actions.
// Call before Load.
func (l *Loader) SetDefaultSlackWebhook(url string) {
	l.defaultSlackWebhook = url
}

// Version counts successful installs since startup.
func (l *Loader) Version() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

// Load reads and installs the rule file. A missing file installs the
// built-in defaults; an invalid file leaves the active set untouched and
// broadcasts a trigger_error.
func (l *Loader) Load() error {
	rules, err := l.parse()
	if err != nil {
		l.logger.Error("trigger reload failed", "path", l.path, "err", err)
		l.emit(proto.TriggerError{
			Type:    "trigger_error",
			PtyID:   SystemSession,
			Ts:      time.Now().UnixMilli(),
			Message: err.Error(),
		})
		return err
	}

	l.engine.SetRules(rules)
	l.mu.Lock()
	l.version++
	l.lastGood = rules
	version := l.version
	l.mu.Unlock()
	l.logger.Info("triggers loaded", "path", l.path, "rules", len(rules), "version", version)
	return nil
}

func (l *Loader) parse() ([]Rule, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultRules(l.notifier), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read triggers: %w", err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse triggers: %w", err)
	}

	rules := make([]Rule, 0, len(file.Triggers))
	seen := make(map[string]bool)
	for i, spec := range file.Triggers {
		rule, err := l.buildRule(spec)
		if err != nil {
			return nil, fmt.Errorf("trigger %d (%q): %w", i, spec.Name, err)
		}
		if seen[rule.Name] {
			return nil, fmt.Errorf("trigger %d: duplicate name %q", i, rule.Name)
		}
		seen[rule.Name] = true
		rules = append(rules, rule)
	}
	return rules, nil
}

func (l *Loader) buildRule(spec ruleSpec) (Rule, error) {
	if spec.Name == "" {
		return Rule{}, errors.New("missing name")
	}
	if spec.Pattern == "" {
		return Rule{}, errors.New("missing pattern")
	}
	re, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("bad pattern: %w", err)
	}

	scope := Scope(spec.Scope)
	switch scope {
	case "":
		scope = ScopeChunk
	case ScopeChunk, ScopeLine:
	default:
		return Rule{}, fmt.Errorf("bad scope %q", spec.Scope)
	}
	if spec.CooldownMs < 0 {
		return Rule{}, errors.New("negative cooldown")
	}

	var action Action
	switch spec.Action.Type {
	case "highlight", "":
		reason := spec.Action.Reason
		if reason == "" {
			reason = spec.Name
		}
		ttl := time.Duration(spec.Action.TTLMs) * time.Millisecond
		if ttl <= 0 {
			ttl = 2 * time.Second
		}
		action = HighlightAction(reason, ttl)
	case "write":
		if spec.Action.Data == "" {
			return Rule{}, errors.New("write action needs data")
		}
		action = WriteAction(spec.Action.Data)
	case "notify":
		if l.notifier == nil {
			return Rule{}, errors.New("notify action: push not configured")
		}
		action = NotifyAction(l.notifier, spec.Action.Title, spec.Action.Body)
	case "slack":
		webhook := spec.Action.WebhookURL
		if webhook == "" {
			webhook = l.defaultSlackWebhook
		}
		if webhook == "" {
			return Rule{}, errors.New("slack action needs webhook_url")
		}
		action = SlackAction(webhook, spec.Action.Text)
	default:
		return Rule{}, fmt.Errorf("unknown action type %q", spec.Action.Type)
	}

	return Rule{
		Name:     spec.Name,
		Scope:    scope,
		Pattern:  re,
		Cooldown: time.Duration(spec.CooldownMs) * time.Millisecond,
		Action:   action,
	}, nil
}

// Watch reloads on changes to the rule file's directory until ctx ends.
// Watching the directory instead of the file survives the rename-over-save
// editors do.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("trigger watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		var pending *time.Timer
		for {
			select {
			case <-ctx.Done():
				if pending != nil {
					pending.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Op.Has(fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(reloadDebounce, func() { _ = l.Load() })
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("trigger watcher error", "err", err)
			}
		}
	}()
	return nil
}

// DefaultRules is the built-in set used when no rule file exists: highlight
// sessions that stop on a confirmation prompt.
func DefaultRules(Notifier) []Rule {
	return []Rule{
		{
			Name:     "proceed_prompt",
			Scope:    ScopeChunk,
			Pattern:  regexp.MustCompile(`(?i)proceed \(y\)\?`),
			Cooldown: 5 * time.Second,
			Action:   HighlightAction("confirmation prompt", 2*time.Second),
		},
		{
			Name:     "password_prompt",
			Scope:    ScopeChunk,
			Pattern:  regexp.MustCompile(`(?i)(password|passphrase):\s*$`),
			Cooldown: 5 * time.Second,
			Action:   HighlightAction("password prompt", 2*time.Second),
		},
	}
}
