package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carechat/carechat/internal/bus"
	"github.com/carechat/carechat/internal/status"
	"github.com/carechat/carechat/internal/wire"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	accepted atomic.Int32

	mu      sync.Mutex
	tokens  []string
	conns   []*websocket.Conn
	inbound chan wire.Envelope
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, inbound: make(chan wire.Envelope, 16)}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.accepted.Add(1)
		fs.mu.Lock()
		fs.tokens = append(fs.tokens, strings.TrimPrefix(auth, "Bearer "))
		fs.conns = append(fs.conns, ws)
		fs.mu.Unlock()

		for {
			var env wire.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			fs.inbound <- env
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) last() *websocket.Conn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.conns[len(fs.conns)-1]
}

func (fs *fakeServer) push(event string, body any) {
	fs.t.Helper()
	frame, err := wire.Encode(event, body)
	if err != nil {
		fs.t.Fatal(err)
	}
	if err := fs.last().WriteMessage(websocket.TextMessage, frame); err != nil {
		fs.t.Fatal(err)
	}
}

func newTestConn(t *testing.T, url string) (*Conn, *bus.Bus, *status.Machine) {
	t.Helper()
	b := bus.New(nil)
	m := status.NewMachine(b)
	c := New(Options{
		URL:                      url,
		InitialReconnectInterval: 10 * time.Millisecond,
		MaxReconnectInterval:     50 * time.Millisecond,
	}, b, m, nil)
	t.Cleanup(c.Disconnect)
	return c, b, m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectPublishesInboundEvents(t *testing.T) {
	fs := newFakeServer(t)
	c, b, m := newTestConn(t, fs.url())

	got, unsub := b.Subscribe(wire.NewMessage, 4)
	defer unsub()

	if _, err := c.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !m.IsConnected() || !c.Connected() {
		t.Fatalf("state = %s, want connected", m.Current())
	}
	waitFor(t, "server accept", func() bool { return fs.accepted.Load() == 1 })

	fs.push(wire.NewMessage, wire.MessagePayload{ID: "s1", ConversationID: "c1", Content: "hello"})

	select {
	case evt := <-got:
		msg, ok := evt.Payload.(wire.MessagePayload)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if msg.ID != "s1" || msg.Content != "hello" {
			t.Errorf("payload = %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no newMessage event published")
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	c, _, _ := newTestConn(t, fs.url())

	h1, err := c.Connect(context.Background(), "tok")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := c.Connect(context.Background(), "tok")
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("second Connect returned a different handle")
	}
	time.Sleep(20 * time.Millisecond)
	if n := fs.accepted.Load(); n != 1 {
		t.Errorf("server accepted %d streams, want 1", n)
	}
}

func TestEmitWritesEnvelope(t *testing.T) {
	fs := newFakeServer(t)
	c, _, _ := newTestConn(t, fs.url())

	if err := c.Emit(context.Background(), wire.JoinChat, wire.RoomRequest{ConversationID: "c1"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Emit before connect error = %v, want ErrNotConnected", err)
	}
	if _, err := c.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if err := c.Emit(context.Background(), wire.JoinChat, wire.RoomRequest{ConversationID: "c1"}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	select {
	case env := <-fs.inbound:
		if env.Event != wire.JoinChat || string(env.Data) != `{"conversationId":"c1"}` {
			t.Errorf("server got %s %s", env.Event, env.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server received nothing")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	c, b, m := newTestConn(t, fs.url())

	var mu sync.Mutex
	var changes []status.StatusChange
	b.On(bus.KindConnection, func(e bus.Event) {
		mu.Lock()
		changes = append(changes, e.Payload.(status.StatusChange))
		mu.Unlock()
	})

	first, err := c.Connect(context.Background(), "session-token")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "server accept", func() bool { return fs.accepted.Load() == 1 })

	_ = fs.last().Close()

	waitFor(t, "second stream", func() bool { return fs.accepted.Load() == 2 })
	waitFor(t, "connected again", m.IsConnected)

	if h := c.Handle(); h == nil || h == first {
		t.Error("expected a fresh handle after reconnect")
	}
	fs.mu.Lock()
	tokens := append([]string(nil), fs.tokens...)
	fs.mu.Unlock()
	if tokens[1] != "session-token" {
		t.Errorf("reconnect used token %q", tokens[1])
	}

	mu.Lock()
	defer mu.Unlock()
	var dropped bool
	for _, ch := range changes {
		if ch.Dropped() {
			dropped = true
		}
	}
	if !dropped {
		t.Error("no connection event reported the drop")
	}
	if last := changes[len(changes)-1]; last.To != status.Connected {
		t.Errorf("last change to %s, want connected", last.To)
	}
}

func TestDisconnectDoesNotReconnect(t *testing.T) {
	fs := newFakeServer(t)
	c, _, m := newTestConn(t, fs.url())

	if _, err := c.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	c.Disconnect()

	if m.Current() != status.Disconnected {
		t.Errorf("state = %s, want disconnected", m.Current())
	}
	time.Sleep(100 * time.Millisecond)
	if n := fs.accepted.Load(); n != 1 {
		t.Errorf("server accepted %d streams after Disconnect, want 1", n)
	}
	if err := c.Emit(context.Background(), wire.LeaveChat, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit after Disconnect error = %v, want ErrNotConnected", err)
	}
}

func TestDisconnectFlushesQueuedFrames(t *testing.T) {
	fs := newFakeServer(t)
	c, _, _ := newTestConn(t, fs.url())
	ctx := context.Background()

	if _, err := c.Connect(ctx, "tok"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		if err := c.Emit(ctx, wire.Typing, wire.TypingPayload{ConversationID: "c1", IsTyping: i%2 == 0}); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Emit(ctx, wire.LeaveChat, wire.RoomRequest{ConversationID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Emit(ctx, wire.SetOnlineStatus, wire.StatusRequest{Status: wire.StatusOffline}); err != nil {
		t.Fatal(err)
	}
	c.Disconnect()

	var events []string
	timeout := time.After(2 * time.Second)
	for len(events) < 22 {
		select {
		case env := <-fs.inbound:
			events = append(events, env.Event)
		case <-timeout:
			t.Fatalf("server got %d of 22 frames after Disconnect", len(events))
		}
	}
	if events[20] != wire.LeaveChat || events[21] != wire.SetOnlineStatus {
		t.Errorf("last frames = %v, want [%s %s]", events[20:], wire.LeaveChat, wire.SetOnlineStatus)
	}
}

func TestDialFailurePublishesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, b, m := newTestConn(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	errs, unsub := b.Subscribe(bus.KindError, 8)
	defer unsub()

	if _, err := c.Connect(context.Background(), "bad"); err == nil {
		t.Fatal("Connect() should fail against a rejecting server")
	}

	select {
	case evt := <-errs:
		if _, ok := evt.Payload.(ErrorEvent); !ok {
			t.Errorf("payload type = %T, want ErrorEvent", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no error event published")
	}
	if m.IsConnected() {
		t.Error("machine reports connected after a failed dial")
	}
}

func TestParseIdentity(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "patient-7",
		"name": "Pat Doe",
		"exp":  exp.Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	id, err := ParseIdentity(tok)
	if err != nil {
		t.Fatalf("ParseIdentity() error = %v", err)
	}
	if id.UserID != "patient-7" || id.Name != "Pat Doe" {
		t.Errorf("identity = %+v", id)
	}
	if !id.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", id.ExpiresAt, exp)
	}
	if id.Expired(time.Now()) {
		t.Error("fresh token reported expired")
	}
}

func TestParseIdentityErrors(t *testing.T) {
	noSub, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"name": "x"}).SignedString([]byte("k"))

	if _, err := ParseIdentity(noSub); !errors.Is(err, ErrNoSubject) {
		t.Errorf("error = %v, want ErrNoSubject", err)
	}
	if _, err := ParseIdentity("not-a-token"); err == nil {
		t.Error("expected error for garbage token")
	}
}
