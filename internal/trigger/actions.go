package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/tidemux/tidemux/internal/proto"
)

// Notifier is the push-notification dependency of the notify action. The
// notify manager implements it.
type Notifier interface {
	Push(title, body string) error
}

// expand substitutes the placeholders an action template may use:
// {{session}}, {{trigger}}, {{match}}, {{line}}.
func expand(tpl string, ctx Context) string {
	if !strings.Contains(tpl, "{{") {
		return tpl
	}
	match := ""
	if len(ctx.Match) > 0 {
		match = ctx.Match[0]
	}
	return strings.NewReplacer(
		"{{session}}", ctx.SessionID,
		"{{trigger}}", ctx.Rule,
		"{{match}}", match,
		"{{line}}", ctx.Line,
	).Replace(tpl)
}

func firedEvent(ctx Context) proto.TriggerFired {
	match := ""
	if len(ctx.Match) > 0 {
		match = ctx.Match[0]
	}
	return proto.TriggerFired{
		Type:    "trigger_fired",
		PtyID:   ctx.SessionID,
		Trigger: ctx.Rule,
		Match:   match,
		Line:    ctx.Line,
		Ts:      ctx.Time.UnixMilli(),
	}
}

// HighlightAction announces the match and asks clients to highlight the
// session for ttl.
func HighlightAction(reason string, ttl time.Duration) Action {
	return ActionFunc(func(ctx Context) ([]proto.Event, error) {
		return []proto.Event{
			firedEvent(ctx),
			proto.PtyHighlight{
				Type:   "pty_highlight",
				PtyID:  ctx.SessionID,
				Reason: expand(reason, ctx),
				TTLMs:  int(ttl / time.Millisecond),
			},
		}, nil
	})
}

// WriteAction types data into the matched session. Used for auto-answering
// known prompts.
func WriteAction(data string) Action {
	return ActionFunc(func(ctx Context) ([]proto.Event, error) {
		if ctx.Write == nil {
			return nil, fmt.Errorf("write action: no session writer")
		}
		ctx.Write(ctx.SessionID, []byte(expand(data, ctx)))
		return []proto.Event{firedEvent(ctx)}, nil
	})
}

// NotifyAction sends a web-push notification.
func NotifyAction(n Notifier, title, body string) Action {
	return ActionFunc(func(ctx Context) ([]proto.Event, error) {
		if n == nil {
			return nil, fmt.Errorf("notify action: push not configured")
		}
		if err := n.Push(expand(title, ctx), expand(body, ctx)); err != nil {
			return nil, fmt.Errorf("notify action: %w", err)
		}
		return []proto.Event{firedEvent(ctx)}, nil
	})
}

// SlackAction posts to a Slack incoming webhook.
func SlackAction(webhookURL, text string) Action {
	return ActionFunc(func(ctx Context) ([]proto.Event, error) {
		msg := &slack.WebhookMessage{Text: expand(text, ctx)}
		if err := slack.PostWebhook(webhookURL, msg); err != nil {
			return nil, fmt.Errorf("slack action: %w", err)
		}
		return []proto.Event{firedEvent(ctx)}, nil
	})
}
