package gateway

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/duet/internal/attachment"
	"github.com/matheus3301/duet/internal/bus"
	"github.com/matheus3301/duet/internal/dispatch"
	"github.com/matheus3301/duet/internal/presence"
	"github.com/matheus3301/duet/internal/protocol"
	"github.com/matheus3301/duet/internal/store"
	"go.uber.org/zap/zaptest"
)

type testServer struct {
	db       *store.DB
	bus      *bus.Bus
	presence *presence.Registry
	gw       *Gateway
	url      string
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zaptest.NewLogger(t)
	b := bus.New()
	reg := presence.New(db)
	var admitter *attachment.Admitter
	if opts.MaxAttachmentBytes > 0 {
		admitter = attachment.NewAdmitter(opts.MaxAttachmentBytes)
	}
	d := dispatch.New(db, b, admitter, nil, logger)
	gw := New(opts, db, reg, b, d, nil, logger)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return &testServer{db: db, bus: b, presence: reg, gw: gw, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ws.SetReadLimit(32 << 20)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event string, payload any) {
	t.Helper()
	env, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, env); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func recv(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var env protocol.Envelope
	if err := wsjson.Read(ctx, ws, &env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

// recvKind reads frames until one of the given kind arrives.
func recvKind(t *testing.T, ws *websocket.Conn, kind string) protocol.Envelope {
	t.Helper()
	for range 10 {
		if env := recv(t, ws); env.Event == kind {
			return env
		}
	}
	t.Fatalf("no %s frame received", kind)
	return protocol.Envelope{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func (s *testServer) join(t *testing.T, ws *websocket.Conn, userID string) {
	t.Helper()
	before := s.presence.Len()
	send(t, ws, protocol.EventJoin, protocol.Identity{ID: userID, Name: strings.ToUpper(userID), Email: userID + "@example.com"})
	waitFor(t, userID+" bound", func() bool { return s.presence.Len() > before })
}

func TestJoinBroadcastsPresence(t *testing.T) {
	s := newTestServer(t, Options{})
	watcher := s.dial(t)
	s.join(t, watcher, "bob")

	alice := s.dial(t)
	s.join(t, alice, "alice")

	env := recvKind(t, watcher, protocol.EventPresenceChanged)
	var p protocol.PresenceChanged
	if err := env.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.UserID != "alice" || !p.Online {
		t.Errorf("presence = %+v, want alice online", p)
	}

	u, err := s.db.GetUser(context.Background(), "alice")
	if err != nil || u == nil {
		t.Fatalf("user not upserted: %v", err)
	}
	if !u.Online || u.Name != "ALICE" {
		t.Errorf("user = %+v", u)
	}
	if !s.bus.InRoom(1, protocol.UserChannel("alice")) {
		t.Error("connection not subscribed to its private channel")
	}
}

func TestSendRoundTrip(t *testing.T) {
	s := newTestServer(t, Options{})
	alice := s.dial(t)
	bob := s.dial(t)
	s.join(t, alice, "alice")
	s.join(t, bob, "bob")

	send(t, alice, protocol.EventSendMessage, protocol.SendMessage{
		SenderID: "alice", ReceiverID: "bob", Content: "hi", CorrelationID: "t1",
	})

	var delivered protocol.Message
	if err := recvKind(t, bob, protocol.EventMessageDelivered).Decode(&delivered); err != nil {
		t.Fatal(err)
	}
	if delivered.Content != "hi" || delivered.CorrelationID != "" {
		t.Errorf("delivered = %+v", delivered)
	}

	var ack protocol.Message
	if err := recvKind(t, alice, protocol.EventMessageAcknowledged).Decode(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.CorrelationID != "t1" || ack.ID != delivered.ID {
		t.Errorf("ack = %+v", ack)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	s := newTestServer(t, Options{})
	ws := s.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	var r protocol.Rejected
	if err := recvKind(t, ws, protocol.EventMessageRejected).Decode(&r); err != nil {
		t.Fatal(err)
	}
	if r.Reason != protocol.ReasonMalformed {
		t.Errorf("reason = %s, want malformed", r.Reason)
	}

	// Bad payload for a known event, correlation id preserved.
	send(t, ws, protocol.EventSendMessage, map[string]any{"senderId": 42, "correlationId": "c7"})
	if err := recvKind(t, ws, protocol.EventMessageRejected).Decode(&r); err != nil {
		t.Fatal(err)
	}
	if r.Reason != protocol.ReasonMalformed || r.CorrelationID != "c7" {
		t.Errorf("rejection = %+v, want malformed with c7", r)
	}

	// Still usable.
	s.join(t, ws, "alice")
}

func TestOversizeAttachmentRejectedWithoutDisconnect(t *testing.T) {
	s := newTestServer(t, Options{MaxAttachmentBytes: 1024})
	alice := s.dial(t)
	bob := s.dial(t)
	s.join(t, alice, "alice")
	s.join(t, bob, "bob")

	// Well past the admission limit, undeclared size, still under the frame limit.
	data := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("x", 1900)))
	send(t, alice, protocol.EventSendMessage, protocol.SendMessage{
		SenderID: "alice", ReceiverID: "bob", CorrelationID: "big",
		Attachment: &protocol.Attachment{Data: data, Name: "big.bin"},
	})
	var r protocol.Rejected
	if err := recvKind(t, alice, protocol.EventMessageRejected).Decode(&r); err != nil {
		t.Fatal(err)
	}
	if r.Reason != protocol.ReasonAttachmentTooLarge || r.CorrelationID != "big" {
		t.Errorf("rejection = %+v, want attachment_too_large for big", r)
	}

	send(t, alice, protocol.EventSendMessage, protocol.SendMessage{
		SenderID: "alice", ReceiverID: "bob", Content: "small", CorrelationID: "ok",
	})
	var ack protocol.Message
	if err := recvKind(t, alice, protocol.EventMessageAcknowledged).Decode(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.CorrelationID != "ok" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestFrameOverLimitClosesWithMessageTooBig(t *testing.T) {
	s := newTestServer(t, Options{MaxAttachmentBytes: 1024})
	ws := s.dial(t)
	s.join(t, ws, "alice")

	send(t, ws, protocol.EventSendMessage, protocol.SendMessage{
		SenderID: "alice", ReceiverID: "bob", CorrelationID: "huge",
		Content: strings.Repeat("x", int(FrameLimit(1024))+1),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, _, err := ws.Read(ctx)
		if err == nil {
			continue
		}
		if status := websocket.CloseStatus(err); status != websocket.StatusMessageTooBig {
			t.Errorf("close status = %v (%v), want StatusMessageTooBig", status, err)
		}
		break
	}
	waitFor(t, "connection release", func() bool { return s.gw.Len() == 0 })
}

func TestFrameLimitCoversAttachments(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want int64
	}{
		{"default", Options{}, FrameLimit(attachment.DefaultMaxBytes)},
		{"configured lower", Options{MaxFrameBytes: 1 << 20}, FrameLimit(attachment.DefaultMaxBytes)},
		{"configured higher", Options{MaxFrameBytes: 64 << 20}, 64 << 20},
		{"small attachments", Options{MaxAttachmentBytes: 1024}, FrameLimit(1024)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.opts.withDefaults().MaxFrameBytes; got != tt.want {
				t.Errorf("MaxFrameBytes = %d, want %d", got, tt.want)
			}
		})
	}

	// An attachment twice the limit, base64 encoded, still reaches admission.
	encoded := int64(base64.StdEncoding.EncodedLen(int(2 * attachment.DefaultMaxBytes)))
	if encoded >= FrameLimit(attachment.DefaultMaxBytes) {
		t.Errorf("frame limit %d below encoded 2x attachment %d", FrameLimit(attachment.DefaultMaxBytes), encoded)
	}
}

func TestJoinThreadIgnoredWhileUnbound(t *testing.T) {
	s := newTestServer(t, Options{})
	ws := s.dial(t)

	send(t, ws, protocol.EventJoinThread, protocol.JoinThread{ThreadID: "t1"})
	s.join(t, ws, "alice")
	if s.bus.Members(protocol.ThreadChannel("t1")) != 0 {
		t.Error("unbound connection joined thread channel")
	}

	send(t, ws, protocol.EventJoinThread, protocol.JoinThread{ThreadID: "t1"})
	waitFor(t, "thread join", func() bool { return s.bus.Members(protocol.ThreadChannel("t1")) == 1 })
}

func TestDuplicateJoinIgnored(t *testing.T) {
	s := newTestServer(t, Options{})
	ws := s.dial(t)
	s.join(t, ws, "alice")
	send(t, ws, protocol.EventJoin, protocol.Identity{ID: "mallory"})
	// A frame sent after the duplicate join is handled after it.
	send(t, ws, protocol.EventJoinThread, protocol.JoinThread{ThreadID: "t9"})
	waitFor(t, "thread join", func() bool { return s.bus.Members(protocol.ThreadChannel("t9")) == 1 })

	if got := s.presence.Online(); len(got) != 1 || got[0] != "alice" {
		t.Errorf("online = %v, want [alice]", got)
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, Options{SendRate: 0.001, SendBurst: 1})
	alice := s.dial(t)
	bob := s.dial(t)
	s.join(t, alice, "alice")
	s.join(t, bob, "bob")

	send(t, alice, protocol.EventSendMessage, protocol.SendMessage{SenderID: "alice", ReceiverID: "bob", Content: "1", CorrelationID: "c1"})
	send(t, alice, protocol.EventSendMessage, protocol.SendMessage{SenderID: "alice", ReceiverID: "bob", Content: "2", CorrelationID: "c2"})

	var ack protocol.Message
	if err := recvKind(t, alice, protocol.EventMessageAcknowledged).Decode(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.CorrelationID != "c1" {
		t.Errorf("ack correlation = %s, want c1", ack.CorrelationID)
	}
	var r protocol.Rejected
	if err := recvKind(t, alice, protocol.EventMessageRejected).Decode(&r); err != nil {
		t.Fatal(err)
	}
	if r.Reason != protocol.ReasonRateLimited || r.CorrelationID != "c2" {
		t.Errorf("rejection = %+v", r)
	}
}

func TestDisconnectMarksOffline(t *testing.T) {
	s := newTestServer(t, Options{})
	watcher := s.dial(t)
	s.join(t, watcher, "bob")
	alice := s.dial(t)
	s.join(t, alice, "alice")
	recvKind(t, watcher, protocol.EventPresenceChanged)

	_ = alice.Close(websocket.StatusNormalClosure, "bye")

	var p protocol.PresenceChanged
	if err := recvKind(t, watcher, protocol.EventPresenceChanged).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.UserID != "alice" || p.Online || p.LastSeen.IsZero() {
		t.Errorf("presence = %+v, want alice offline with last-seen", p)
	}
	u, _ := s.db.GetUser(context.Background(), "alice")
	if u.Online {
		t.Error("user still online in store")
	}
	waitFor(t, "connection release", func() bool { return s.gw.Len() == 1 })
}

func TestUnboundDisconnectIsSilent(t *testing.T) {
	s := newTestServer(t, Options{})
	watcher := s.dial(t)
	s.join(t, watcher, "bob")

	ghost := s.dial(t)
	waitFor(t, "ghost tracked", func() bool { return s.gw.Len() == 2 })
	_ = ghost.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "ghost released", func() bool { return s.gw.Len() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var env protocol.Envelope
	if err := wsjson.Read(ctx, watcher, &env); err == nil {
		t.Errorf("unexpected frame %s after unbound disconnect", env.Event)
	}
}

func TestCloseDrainsConnections(t *testing.T) {
	s := newTestServer(t, Options{})
	ws := s.dial(t)
	s.join(t, ws, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// The client must keep reading for the close handshake to complete.
	go func() {
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()
	if err := s.gw.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.presence.Len() != 0 {
		t.Error("presence not released on close")
	}
}
