package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/tidemux/tidemux/internal/proto"
)

const (
	// wsReadLimit bounds a single client frame.
	wsReadLimit = 256 << 10 // 256 KiB
	// wsMaxInput bounds decoded keystroke payloads.
	wsMaxInput   = 64 << 10 // 64 KiB
	pingInterval = 30 * time.Second
	pingTimeout  = 10 * time.Second
)

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	client := s.rt.Hub().Add(r.Context(), conn)
	defer s.rt.Hub().Remove(client)

	s.logger.Info("websocket connected")

	// Greet with the current session list so clients render immediately.
	client.SendNow(proto.PtyList{Type: "pty_list", Ptys: s.rt.List()})

	// keepalive: ping every 30s to detect dead connections on mobile
	go s.wsPingLoop(client.Context(), conn)

	for {
		typ, data, err := conn.Read(client.Context())
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg proto.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("invalid ws message", "err", err)
			continue
		}
		s.handleClientMessage(client, msg)
	}
}

// wsClient is the hub client surface the message handler touches; tests
// substitute a recorder.
type wsClient interface {
	Subscribe(sessionID string)
	Unsubscribe(sessionID string)
	SendNow(ev proto.Event)
}

func (s *Server) handleClientMessage(client wsClient, msg proto.ClientMessage) {
	switch msg.Type {
	case "subscribe":
		client.Subscribe(msg.PtyID)
		// Replay the visible pane so the terminal is not blank until the
		// next output arrives. Only tmux-backed sessions have a snapshot.
		if content, ok := s.rt.SnapshotPane(msg.PtyID); ok && content != "" {
			client.SendNow(proto.PtyOutput{
				Type:  "pty_output",
				PtyID: msg.PtyID,
				Data:  base64.StdEncoding.EncodeToString([]byte(content)),
			})
		}
	case "unsubscribe":
		client.Unsubscribe(msg.PtyID)
	case "input":
		raw, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil || len(raw) == 0 || len(raw) > wsMaxInput {
			return
		}
		s.rt.WriteInput(msg.PtyID, raw)
	case "resize":
		if err := s.rt.Resize(msg.PtyID, msg.Cols, msg.Rows); err != nil {
			s.logger.Debug("pty resize error", "pty", msg.PtyID, "err", err)
		}
	case "tmux_control":
		if err := s.rt.Scroll(msg.PtyID, msg.Direction, msg.Lines); err != nil {
			s.logger.Debug("scroll rejected", "pty", msg.PtyID, "err", err)
		}
	case "list":
		client.SendNow(proto.PtyList{Type: "pty_list", Ptys: s.rt.List()})
	default:
		s.logger.Debug("unknown ws message type", "type", msg.Type)
	}
}

func (s *Server) wsPingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				s.logger.Debug("websocket ping failed", "err", err)
				return
			}
		}
	}
}
