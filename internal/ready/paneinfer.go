package ready

import (
	"regexp"
	"strings"
	"time"
)

// PaneSnapshot is one capture of a session's visible pane.
type PaneSnapshot struct {
	Content string
	Width   int
	Height  int
	At      time.Time
}

// PaneStatus is what a pair of snapshots says about the session.
type PaneStatus string

const (
	// PaneWaiting: content stable, nothing demanding attention.
	PaneWaiting PaneStatus = "waiting"
	// PaneWorking: content churning across a meaningful share of rows.
	PaneWorking PaneStatus = "working"
	// PanePermission: a confirmation dialog is on screen.
	PanePermission PaneStatus = "permission"
)

// permissionRe matches the consent dialogs agent CLIs draw: a question
// followed within a few lines by a numbered or y/n choice.
var permissionRe = regexp.MustCompile(
	`(?is)(?:do you want|would you like|allow|apply|proceed)[^\n?]{0,120}\?` +
		`[\s\S]{0,240}?(?:❯?\s*1\.\s*yes|\(y/n\)|\[y/n\]|\(yes/no\))`)

// PaneInference is the pure diff result plus an advisory poll interval.
type PaneInference struct {
	Status PaneStatus
	// WorkingSince carries forward when churn started; zero when stable.
	WorkingSince time.Time
	// NextCheck advises when a follow-up capture is worthwhile.
	NextCheck time.Duration
}

// InferPane classifies a session from two consecutive pane snapshots. It is
// a pure function of its inputs: the caller threads workingSince between
// calls so churn duration survives across polls. Working is only reported
// once churn has outlasted grace; shorter bursts (a clock redraw, one
// appended log line) stay waiting.
func InferPane(prev, next PaneSnapshot, workingSince time.Time, grace time.Duration, now time.Time) PaneInference {
	if permissionRe.MatchString(next.Content) {
		return PaneInference{Status: PanePermission, NextCheck: 2 * time.Second}
	}

	changed := changedRows(prev, next)
	threshold := next.Height / 10
	if threshold < 2 {
		threshold = 2
	}
	churning := changed > threshold || prev.Width != next.Width || prev.Height != next.Height

	if !churning {
		return PaneInference{Status: PaneWaiting, NextCheck: 2 * time.Second}
	}
	if workingSince.IsZero() {
		workingSince = now
	}
	if now.Sub(workingSince) >= grace {
		return PaneInference{Status: PaneWorking, WorkingSince: workingSince, NextCheck: time.Second}
	}
	// Churn observed but not sustained yet; poll again before grace expires.
	return PaneInference{Status: PaneWaiting, WorkingSince: workingSince, NextCheck: 500 * time.Millisecond}
}

// changedRows counts visible rows that differ between snapshots.
func changedRows(prev, next PaneSnapshot) int {
	if prev.Content == next.Content {
		return 0
	}
	a := strings.Split(prev.Content, "\n")
	b := strings.Split(next.Content, "\n")
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	changed := 0
	for i := 0; i < n; i++ {
		var la, lb string
		if i < len(a) {
			la = a[i]
		}
		if i < len(b) {
			lb = b[i]
		}
		if la != lb {
			changed++
		}
	}
	return changed
}
