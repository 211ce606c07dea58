package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tidemux/tidemux/internal/proto"
)

// memSocket records frames written to it.
type memSocket struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   websocket.StatusCode
}

func (s *memSocket) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *memSocket) Close(code websocket.StatusCode, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.code = code
	return nil
}

func (s *memSocket) outputFrames(t *testing.T) []proto.PtyOutput {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []proto.PtyOutput
	for _, f := range s.frames {
		var msg proto.PtyOutput
		if err := json.Unmarshal(f, &msg); err != nil {
			t.Fatalf("bad frame %s: %v", f, err)
		}
		if msg.Type == "pty_output" {
			out = append(out, msg)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestQueuePtyOutput_CoalescesWithinFlushWindow(t *testing.T) {
	h := New(slog.Default())
	sock := &memSocket{}
	c := h.add(context.Background(), sock)
	c.Subscribe("s_1")

	// 100 one-byte chunks inside one flush window.
	for i := 0; i < 100; i++ {
		h.QueuePtyOutput("s_1", []byte{byte('a' + i%26)})
	}

	waitFor(t, func() bool { return len(sock.outputFrames(t)) >= 1 })
	time.Sleep(3 * flushWindow) // allow any second flush to land

	frames := sock.outputFrames(t)
	if len(frames) > 2 {
		t.Fatalf("expected at most 2 coalesced frames, got %d", len(frames))
	}
	var joined []byte
	for _, f := range frames {
		data, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			t.Fatal(err)
		}
		joined = append(joined, data...)
	}
	if len(joined) != 100 {
		t.Fatalf("reassembled %d bytes, want 100", len(joined))
	}
	for i, b := range joined {
		if b != byte('a'+i%26) {
			t.Fatalf("byte %d out of order: %q", i, b)
		}
	}
}

func TestQueuePtyOutput_OnlySubscribedClients(t *testing.T) {
	h := New(slog.Default())
	subbed := &memSocket{}
	other := &memSocket{}
	c1 := h.add(context.Background(), subbed)
	c1.Subscribe("s_1")
	c2 := h.add(context.Background(), other)
	c2.Subscribe("s_2")

	h.QueuePtyOutput("s_1", []byte("hello"))
	waitFor(t, func() bool { return len(subbed.outputFrames(t)) == 1 })

	if n := len(other.outputFrames(t)); n != 0 {
		t.Errorf("unsubscribed client received %d frames", n)
	}
}

func TestSlowClient_ClosedWith1011(t *testing.T) {
	h := New(slog.Default())
	sock := &memSocket{}
	c := h.add(context.Background(), sock)
	c.Subscribe("s_1")

	// Stop the writer from draining so pending bytes pile up.
	c.cancel()

	chunk := make([]byte, 256*1024)
	for i := 0; i < 8; i++ { // 2 MiB > 1 MiB ceiling
		h.QueuePtyOutput("s_1", chunk)
	}

	waitFor(t, func() bool {
		sock.mu.Lock()
		defer sock.mu.Unlock()
		return sock.closed
	})
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.code != websocket.StatusInternalError {
		t.Errorf("close code = %v, want 1011", sock.code)
	}
	if h.ClientCount() != 0 {
		t.Errorf("slow client still registered")
	}
}

func TestBroadcast_ReachesAllClients(t *testing.T) {
	h := New(slog.Default())
	socks := []*memSocket{{}, {}, {}}
	for _, s := range socks {
		h.add(context.Background(), s)
	}

	h.Broadcast(proto.PtyExit{Type: "pty_exit", PtyID: "s_1", Code: 0})

	for i, s := range socks {
		waitFor(t, func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			return len(s.frames) == 1
		})
		s.mu.Lock()
		var msg proto.PtyExit
		if err := json.Unmarshal(s.frames[0], &msg); err != nil || msg.Type != "pty_exit" {
			t.Errorf("client %d: bad frame %s", i, s.frames[0])
		}
		s.mu.Unlock()
	}
}

func TestUnsubscribe_DropsPending(t *testing.T) {
	h := New(slog.Default())
	sock := &memSocket{}
	c := h.add(context.Background(), sock)
	c.Subscribe("s_1")
	c.Unsubscribe("s_1")

	h.QueuePtyOutput("s_1", []byte("late"))
	time.Sleep(3 * flushWindow)
	if n := len(sock.outputFrames(t)); n != 0 {
		t.Errorf("received %d frames after unsubscribe", n)
	}
}
