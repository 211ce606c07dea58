// Package proto defines the tagged JSON messages exchanged over /ws.
// Terminal byte payloads are base64-encoded in both directions.
package proto

import (
	"encoding/json"

	"github.com/tidemux/tidemux/internal/session"
)

// ClientMessage is the envelope for client → server frames. Type selects
// which of the remaining fields are meaningful.
type ClientMessage struct {
	Type      string `json:"type"`
	PtyID     string `json:"ptyId,omitempty"`
	Data      string `json:"data,omitempty"` // base64
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Direction string `json:"direction,omitempty"` // tmux_control: "up" | "down"
	Lines     int    `json:"lines,omitempty"`
}

// Server → client messages. Each carries its own type tag so the client can
// switch without a second decode pass.

type PtyList struct {
	Type string            `json:"type"` // "pty_list"
	Ptys []session.Summary `json:"ptys"`
}

type PtyOutput struct {
	Type  string `json:"type"` // "pty_output"
	PtyID string `json:"ptyId"`
	Data  string `json:"data"` // base64
}

type PtyExit struct {
	Type   string `json:"type"` // "pty_exit"
	PtyID  string `json:"ptyId"`
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

type PtyReady struct {
	Type          string `json:"type"` // "pty_ready"
	PtyID         string `json:"ptyId"`
	State         string `json:"state"`
	Indicator     string `json:"indicator"`
	Reason        string `json:"reason"`
	Source        string `json:"source"`
	Ts            int64  `json:"ts"`
	Cwd           string `json:"cwd,omitempty"`
	ActiveProcess string `json:"activeProcess,omitempty"`
}

type TriggerFired struct {
	Type    string `json:"type"` // "trigger_fired"
	PtyID   string `json:"ptyId"`
	Trigger string `json:"trigger"`
	Match   string `json:"match"`
	Line    string `json:"line,omitempty"`
	Ts      int64  `json:"ts"`
}

type PtyHighlight struct {
	Type   string `json:"type"` // "pty_highlight"
	PtyID  string `json:"ptyId"`
	Reason string `json:"reason"`
	TTLMs  int    `json:"ttlMs"`
}

type TriggerError struct {
	Type    string `json:"type"` // "trigger_error"
	PtyID   string `json:"ptyId"`
	Trigger string `json:"trigger,omitempty"`
	Ts      int64  `json:"ts"`
	Message string `json:"message"`
}

// Event is anything broadcastable to clients.
type Event interface{}

// Encode marshals an event once for fan-out.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
