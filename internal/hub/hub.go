// Package hub fans server events out to WebSocket clients. Terminal output
// is coalesced per session inside a short flush window so fast-printing
// programs produce a handful of frames per redraw interval instead of one
// frame per PTY read. Clients that cannot keep up are closed rather than
// allowed to stall everyone else's memory.
package hub

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tidemux/tidemux/internal/proto"
)

const (
	// flushWindow coalesces output chunks; 16 ms keeps redraws at 60 Hz.
	flushWindow = 16 * time.Millisecond
	// maxPendingBytes is the per-client ceiling for unflushed output.
	maxPendingBytes = 1 << 20 // 1 MiB
	// maxQueuedBytes is the ceiling for frames sitting in the send queue.
	maxQueuedBytes = 8 << 20 // 8 MiB
	// writeTimeout bounds a single socket write.
	writeTimeout = 10 * time.Second
	sendQueueLen = 256
)

// Hub owns the client set.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// socket is the slice of *websocket.Conn the hub needs; tests substitute
// an in-memory implementation.
type socket interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Add registers an accepted socket and starts its writer. The caller keeps
// running the read side; when ctx ends the client is dropped.
func (h *Hub) Add(ctx context.Context, conn *websocket.Conn) *Client {
	return h.add(ctx, conn)
}

func (h *Hub) add(ctx context.Context, conn socket) *Client {
	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		hub:     h,
		conn:    conn,
		subs:    make(map[string]bool),
		pending: make(map[string][]byte),
		send:    make(chan []byte, sendQueueLen),
		ctx:     cctx,
		cancel:  cancel,
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()
	return c
}

// Remove drops the client and its buffers.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.cancel()
	}
}

func (h *Hub) snapshot() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Broadcast encodes the event once and sends it to every client.
func (h *Hub) Broadcast(ev proto.Event) {
	data, err := proto.Encode(ev)
	if err != nil {
		h.logger.Error("broadcast encode failed", "err", err)
		return
	}
	for _, c := range h.snapshot() {
		c.enqueue(data)
	}
}

// BroadcastTo sends the event only to clients subscribed to the session.
func (h *Hub) BroadcastTo(sessionID string, ev proto.Event) {
	data, err := proto.Encode(ev)
	if err != nil {
		h.logger.Error("broadcast encode failed", "err", err)
		return
	}
	for _, c := range h.snapshot() {
		if c.IsSubscribed(sessionID) {
			c.enqueue(data)
		}
	}
}

// QueuePtyOutput appends output bytes to the pending buffer of every
// subscribed client and schedules a flush.
func (h *Hub) QueuePtyOutput(sessionID string, data []byte) {
	for _, c := range h.snapshot() {
		c.queueOutput(sessionID, data)
	}
}

// ClientCount is used by tests and the status endpoint.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Client is one connected WebSocket.
type Client struct {
	hub  *Hub
	conn socket

	mu           sync.Mutex
	subs         map[string]bool
	pending      map[string][]byte
	pendingBytes int
	pendingOrder []string
	flushArmed   bool
	queuedBytes  int
	closed       bool

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// Context ends when the client is removed or its socket dies.
func (c *Client) Context() context.Context {
	return c.ctx
}

// Subscribe adds the session to the client's set.
func (c *Client) Subscribe(sessionID string) {
	c.mu.Lock()
	c.subs[sessionID] = true
	c.mu.Unlock()
}

func (c *Client) Unsubscribe(sessionID string) {
	c.mu.Lock()
	delete(c.subs, sessionID)
	delete(c.pending, sessionID)
	c.mu.Unlock()
}

func (c *Client) IsSubscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[sessionID]
}

// SendNow bypasses coalescing for one-off frames (snapshots, replies).
func (c *Client) SendNow(ev proto.Event) {
	data, err := proto.Encode(ev)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Client) queueOutput(sessionID string, data []byte) {
	c.mu.Lock()
	if c.closed || !c.subs[sessionID] {
		c.mu.Unlock()
		return
	}
	if _, ok := c.pending[sessionID]; !ok {
		c.pendingOrder = append(c.pendingOrder, sessionID)
	}
	c.pending[sessionID] = append(c.pending[sessionID], data...)
	c.pendingBytes += len(data)
	over := c.pendingBytes > maxPendingBytes
	arm := !over && !c.flushArmed
	if arm {
		c.flushArmed = true
	}
	c.mu.Unlock()

	if over {
		c.closeSlow("output backlog exceeded")
		return
	}
	if arm {
		time.AfterFunc(flushWindow, c.flush)
	}
}

// flush emits one pty_output frame per pending session, in first-write
// order, then clears the buffers.
func (c *Client) flush() {
	c.mu.Lock()
	c.flushArmed = false
	if c.closed || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	frames := make([][]byte, 0, len(c.pending))
	for _, id := range c.pendingOrder {
		buf, ok := c.pending[id]
		if !ok || len(buf) == 0 {
			continue
		}
		data, err := proto.Encode(proto.PtyOutput{
			Type:  "pty_output",
			PtyID: id,
			Data:  base64.StdEncoding.EncodeToString(buf),
		})
		if err == nil {
			frames = append(frames, data)
		}
	}
	c.pending = make(map[string][]byte)
	c.pendingOrder = c.pendingOrder[:0]
	c.pendingBytes = 0
	c.mu.Unlock()

	for _, f := range frames {
		c.enqueue(f)
	}
}

func (c *Client) enqueue(frame []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queuedBytes += len(frame)
	over := c.queuedBytes > maxQueuedBytes
	c.mu.Unlock()

	if over {
		c.closeSlow("send queue exceeded")
		return
	}
	select {
	case c.send <- frame:
	default:
		c.closeSlow("send queue full")
	}
}

// closeSlow closes the client with a 1011-class code. Its buffers are
// dropped with it.
func (c *Client) closeSlow(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.hub.logger.Warn("closing slow websocket client", "reason", reason)
	_ = c.conn.Close(websocket.StatusInternalError, "too slow")
	c.hub.Remove(c)
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.send:
			wctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.hub.Remove(c)
				return
			}
			c.mu.Lock()
			c.queuedBytes -= len(frame)
			c.mu.Unlock()
		}
	}
}
