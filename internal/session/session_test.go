package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayushdedhia/pulse/internal/directory"
	"github.com/ayushdedhia/pulse/internal/envelope"
	"github.com/ayushdedhia/pulse/internal/queue"
	"github.com/ayushdedhia/pulse/internal/router"
)

// fakeConn is an in-memory Conn: inbound is a scripted queue of frames to
// "read", outbound records every frame "written". Close simulates a peer
// disconnect: once inbound is empty, ReadMessage returns an error.
type fakeConn struct {
	mu       sync.Mutex
	inbound  [][]byte
	outbound [][]byte
	closed   bool
}

func newFakeConn(frames ...string) *fakeConn {
	fc := &fakeConn{}
	for _, f := range frames {
		fc.inbound = append(fc.inbound, []byte(f))
	}
	return fc
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for !f.closed && len(f.inbound) == 0 {
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
		f.mu.Lock()
	}
	if len(f.inbound) == 0 {
		return 0, nil, websocket.ErrCloseSent
	}
	next := f.inbound[0]
	f.inbound = f.inbound[1:]
	return websocket.TextMessage, next, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbound = append(f.outbound, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) pushInbound(frame string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, []byte(frame))
}

func (f *fakeConn) writtenTypes(t *testing.T, wait time.Duration) []envelope.Envelope {
	t.Helper()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.outbound)
		f.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []envelope.Envelope
	for _, raw := range f.outbound {
		var e envelope.Envelope
		if err := json.Unmarshal(raw, &e); err != nil {
			t.Fatalf("unmarshal written frame: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func newTestRouter() *router.Router {
	return router.New(directory.New(), queue.New())
}

func TestHandshakeSendsAuthResponse(t *testing.T) {
	conn := newFakeConn(`{"type":"connect","user_id":"alice"}`)
	r := newTestRouter()
	s := New(conn, r, "")

	go s.Run(context.Background())

	frames := conn.writtenTypes(t, time.Second)
	if len(frames) == 0 || frames[0].Type != envelope.TypeAuthResponse || !frames[0].Success {
		t.Fatalf("expected a successful auth_response first, got %+v", frames)
	}
	conn.Close()
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	conn := newFakeConn(`{"type":"connect","user_id":"alice","token":"wrong"}`)
	r := newTestRouter()
	s := New(conn, r, "s3cret")

	done := make(chan struct{})
	go func() { s.Run(context.Background()); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session should close quickly on bad token")
	}
	if r.IsOnline("alice") {
		t.Fatal("alice should never have been registered")
	}
}

func TestSpoofedSenderIDIsOverwritten(t *testing.T) {
	r := newTestRouter()

	bobConn := newFakeConn(`{"type":"connect","user_id":"bob"}`)
	bob := New(bobConn, r, "")
	go bob.Run(context.Background())
	bobConn.writtenTypes(t, time.Second) // wait for bob's auth_response

	aliceConn := newFakeConn(
		`{"type":"connect","user_id":"alice"}`,
		`{"type":"message","id":"m1","chat_id":"c","sender_id":"MALLORY","sender_name":"A","recipient_id":"bob","content":"hi","timestamp":1}`,
	)
	alice := New(aliceConn, r, "")
	go alice.Run(context.Background())

	var msg *envelope.Envelope
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range bobConn.writtenTypes(t, 0) {
			if f.Type == envelope.TypeMessage {
				cp := f
				msg = &cp
			}
		}
		if msg != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if msg == nil {
		t.Fatal("bob never received the chat message")
	}
	if msg.SenderID != "alice" {
		t.Fatalf("sender_id = %q, want alice (spoof must be overwritten)", msg.SenderID)
	}
	if msg.Content != "hi" {
		t.Fatalf("content = %q", msg.Content)
	}

	for _, f := range aliceConn.writtenTypes(t, 0) {
		if f.Type == envelope.TypeMessage {
			t.Fatal("alice should not receive her own chat message back")
		}
	}

	bobConn.Close()
	aliceConn.Close()
}

func TestOfflineQueueDrainsInOrderOnReconnect(t *testing.T) {
	r := newTestRouter()
	for i := 1; i <= 5; i++ {
		r.SendOrQueue("bob", `{"type":"message","id":"m`+itoa(i)+`","chat_id":"c","sender_id":"alice","sender_name":"Alice","recipient_id":"bob","content":"hi","timestamp":1}`)
	}

	bobConn := newFakeConn(`{"type":"connect","user_id":"bob"}`)
	bob := New(bobConn, r, "")
	go bob.Run(context.Background())

	frames := bobConn.writtenTypes(t, time.Second)
	var ids []string
	for _, f := range frames {
		if f.Type == envelope.TypeMessage {
			ids = append(ids, f.ID)
		}
	}
	want := []string{"m1", "m2", "m3", "m4", "m5"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got %v, want %v", ids, want)
		}
	}
	bobConn.Close()
}

func TestCallSignalRoutesDirectAndNeverQueues(t *testing.T) {
	r := newTestRouter()

	aliceConn := newFakeConn(
		`{"type":"connect","user_id":"alice"}`,
		`{"type":"call_invite","call_id":"c1","from_user_id":"MALLORY","to_user_id":"bob","video":true}`,
	)
	alice := New(aliceConn, r, "")
	go alice.Run(context.Background())
	aliceConn.writtenTypes(t, time.Second) // wait for alice's first written frame (her auth_response)

	if n := r.PendingCount("bob"); n != 0 {
		t.Fatalf("call_invite must never queue, pendingCount(bob) = %d", n)
	}

	bobConn := newFakeConn(`{"type":"connect","user_id":"bob"}`)
	bob := New(bobConn, r, "")
	go bob.Run(context.Background())

	frames := bobConn.writtenTypes(t, time.Second)
	for _, f := range frames {
		if f.Type == envelope.TypeCallInvite {
			t.Fatalf("bob should never receive the invite after reconnecting late (no queueing), got %+v", f)
		}
	}

	aliceConn.Close()
	bobConn.Close()
}

func TestCallSignalDeliveredLiveWithSpoofedFromOverwritten(t *testing.T) {
	r := newTestRouter()

	bobConn := newFakeConn(`{"type":"connect","user_id":"bob"}`)
	bob := New(bobConn, r, "")
	go bob.Run(context.Background())
	bobConn.writtenTypes(t, time.Second) // bob's auth_response

	aliceConn := newFakeConn(
		`{"type":"connect","user_id":"alice"}`,
		`{"type":"call_invite","call_id":"c1","from_user_id":"MALLORY","to_user_id":"bob","video":true}`,
	)
	alice := New(aliceConn, r, "")
	go alice.Run(context.Background())

	var invite *envelope.Envelope
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range bobConn.writtenTypes(t, 0) {
			if f.Type == envelope.TypeCallInvite {
				cp := f
				invite = &cp
			}
		}
		if invite != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if invite == nil {
		t.Fatal("bob never received the call invite")
	}
	if invite.FromUserID != "alice" {
		t.Fatalf("from_user_id = %q, want alice (spoof must be overwritten)", invite.FromUserID)
	}
	if invite.CallID != "c1" || !invite.Video {
		t.Fatalf("invite fields not preserved: %+v", invite)
	}

	aliceConn.Close()
	bobConn.Close()
}

func itoa(n int) string {
	return string(rune('0' + n))
}
