package trigger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validRules = `
triggers:
  - name: build_failed
    pattern: "BUILD FAILED"
    scope: line
    cooldown_ms: 5000
    action:
      type: highlight
      reason: build failure
      ttl_ms: 3000
  - name: auto_confirm
    pattern: 'overwrite\? \[y/n\]'
    action:
      type: write
      data: "y\n"
`

func writeRules(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "triggers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidFile(t *testing.T) {
	sink := &eventSink{}
	engine := NewEngine(slog.Default(), sink.emit, func(string, []byte) {})
	path := writeRules(t, t.TempDir(), validRules)
	l := NewLoader(path, engine, nil, sink.emit, slog.Default())

	if err := l.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if engine.RuleCount() != 2 {
		t.Errorf("rule count = %d", engine.RuleCount())
	}
	if l.Version() != 1 {
		t.Errorf("version = %d", l.Version())
	}

	engine.HandleOutput("s_1", []byte("BUILD FAILED\n"))
	if n := len(sink.fired()); n != 1 {
		t.Errorf("loaded rule fired %d times", n)
	}
}

func TestLoad_InvalidKeepsLastKnownGood(t *testing.T) {
	sink := &eventSink{}
	engine := NewEngine(slog.Default(), sink.emit, nil)
	dir := t.TempDir()
	path := writeRules(t, dir, validRules)
	l := NewLoader(path, engine, nil, sink.emit, slog.Default())
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}

	// Broken regex: reload must fail, keep the active set, not bump the
	// version, and broadcast a trigger_error.
	writeRules(t, dir, "triggers:\n  - name: broken\n    pattern: '('\n")
	if err := l.Load(); err == nil {
		t.Fatal("invalid file loaded without error")
	}
	if engine.RuleCount() != 2 {
		t.Errorf("active rules disturbed: %d", engine.RuleCount())
	}
	if l.Version() != 1 {
		t.Errorf("version bumped on failure: %d", l.Version())
	}
	errs := sink.errors()
	if len(errs) != 1 || errs[0].PtyID != SystemSession {
		t.Errorf("trigger_error = %+v", errs)
	}

	// A later valid file replaces the set.
	writeRules(t, dir, validRules)
	if err := l.Load(); err != nil {
		t.Fatalf("recovery load: %v", err)
	}
	if l.Version() != 2 {
		t.Errorf("version after recovery = %d", l.Version())
	}
}

func TestLoad_MissingFileInstallsDefaults(t *testing.T) {
	sink := &eventSink{}
	engine := NewEngine(slog.Default(), sink.emit, nil)
	path := filepath.Join(t.TempDir(), "does-not-exist.yaml")
	l := NewLoader(path, engine, nil, sink.emit, slog.Default())

	if err := l.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if engine.RuleCount() == 0 {
		t.Fatal("no default rules installed")
	}
	engine.HandleOutput("s_1", []byte("proceed (y)? "))
	fired := sink.fired()
	if len(fired) != 1 || fired[0].Trigger != "proceed_prompt" {
		t.Errorf("default proceed_prompt did not fire: %+v", fired)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing name", "triggers:\n  - pattern: x\n"},
		{"missing pattern", "triggers:\n  - name: a\n"},
		{"bad scope", "triggers:\n  - name: a\n    pattern: x\n    scope: word\n"},
		{"duplicate names", "triggers:\n  - name: a\n    pattern: x\n  - name: a\n    pattern: y\n"},
		{"unknown action", "triggers:\n  - name: a\n    pattern: x\n    action: {type: email}\n"},
		{"write without data", "triggers:\n  - name: a\n    pattern: x\n    action: {type: write}\n"},
		{"slack without url", "triggers:\n  - name: a\n    pattern: x\n    action: {type: slack}\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &eventSink{}
			engine := NewEngine(slog.Default(), sink.emit, nil)
			path := writeRules(t, t.TempDir(), tc.yaml)
			l := NewLoader(path, engine, nil, sink.emit, slog.Default())
			if err := l.Load(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestWatch_ReloadsOnFileChange(t *testing.T) {
	sink := &eventSink{}
	engine := NewEngine(slog.Default(), sink.emit, nil)
	dir := t.TempDir()
	path := writeRules(t, dir, validRules)
	l := NewLoader(path, engine, nil, sink.emit, slog.Default())
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}

	writeRules(t, dir, validRules+`
  - name: extra
    pattern: "extra"
`)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if l.Version() >= 2 && engine.RuleCount() == 3 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("watch did not reload: version=%d rules=%d", l.Version(), engine.RuleCount())
}
