package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/carechat/carechat/internal/bus"
	"github.com/carechat/carechat/internal/outbox"
	"github.com/carechat/carechat/internal/status"
	"github.com/carechat/carechat/internal/timeline"
	"github.com/carechat/carechat/internal/wire"
)

const me = "u-me"

type emitted struct {
	event string
	body  any
}

type recordingEmitter struct {
	mu  sync.Mutex
	out []emitted
}

func (r *recordingEmitter) Emit(_ context.Context, event string, body any) error {
	r.mu.Lock()
	r.out = append(r.out, emitted{event, body})
	r.mu.Unlock()
	return nil
}

func (r *recordingEmitter) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.out))
	for i, e := range r.out {
		names[i] = e.event
		if room, ok := e.body.(wire.RoomRequest); ok {
			names[i] += ":" + room.ConversationID
		}
		if rd, ok := e.body.(wire.ReadRequest); ok {
			names[i] += ":" + rd.MessageID
		}
		if d, ok := e.body.(wire.DeliveredRequest); ok {
			names[i] += ":" + d.MessageID
		}
	}
	return names
}

func (r *recordingEmitter) reset() {
	r.mu.Lock()
	r.out = nil
	r.mu.Unlock()
}

type fakeBackend struct {
	mu       sync.Mutex
	history  map[string][]wire.MessagePayload
	err      error
	gate     map[string]chan struct{}
	started  chan string
	markRead []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		history: make(map[string][]wire.MessagePayload),
		gate:    make(map[string]chan struct{}),
		started: make(chan string, 8),
	}
}

func (f *fakeBackend) History(ctx context.Context, conv string, _ int) ([]wire.MessagePayload, error) {
	f.started <- conv
	f.mu.Lock()
	gate := f.gate[conv]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.history[conv], nil
}

func (f *fakeBackend) MarkRead(_ context.Context, conv string) error {
	f.mu.Lock()
	f.markRead = append(f.markRead, conv)
	f.mu.Unlock()
	return nil
}

type fakeQueue struct {
	items []outbox.Item
}

func (q *fakeQueue) Queue(item outbox.Item) { q.items = append(q.items, item) }

type fakeTypist struct {
	keys   []string
	resets int
}

func (f *fakeTypist) Keystroke(_ context.Context, conv, text string) {
	f.keys = append(f.keys, conv+":"+text)
}

func (f *fakeTypist) Reset(context.Context) { f.resets++ }

type fixture struct {
	bus     *bus.Bus
	engine  *timeline.Engine
	emit    *recordingEmitter
	backend *fakeBackend
	queue   *fakeQueue
	typist  *fakeTypist
	mgr     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New(nil)
	f := &fixture{
		bus:     b,
		engine:  timeline.New(me, timeline.Options{}, b, nil),
		emit:    &recordingEmitter{},
		backend: newFakeBackend(),
		queue:   &fakeQueue{},
		typist:  &fakeTypist{},
	}
	f.mgr = NewManager(f.engine, f.emit, f.backend, f.queue, f.typist, b, nil, 50)
	t.Cleanup(f.engine.Attach())
	t.Cleanup(f.mgr.Attach())
	return f
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func indexOf(list []string, want string) int {
	for i, s := range list {
		if s == want {
			return i
		}
	}
	return -1
}

func TestOpenSeedsJoinsAndMarksRead(t *testing.T) {
	f := newFixture(t)
	f.backend.history["c1"] = []wire.MessagePayload{
		{ID: "s1", SenderID: "doc", Content: "Your results are in", CreatedAt: time.Now().Add(-time.Hour)},
		{ID: "s2", SenderID: me, Content: "Thanks", CreatedAt: time.Now().Add(-time.Minute)},
	}

	if err := f.mgr.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if got := f.engine.Timeline("c1"); len(got) != 2 {
		t.Fatalf("timeline has %d entries, want 2", len(got))
	}
	events := f.emit.events()
	if indexOf(events, "joinChat:c1") < 0 {
		t.Errorf("no joinChat: %v", events)
	}
	if indexOf(events, "messageRead:s1") < indexOf(events, "joinChat:c1") {
		t.Errorf("messageRead must follow joinChat: %v", events)
	}
	if contains(events, "messageRead:s2") {
		t.Errorf("own message marked read: %v", events)
	}
	if len(f.backend.markRead) != 1 || f.backend.markRead[0] != "c1" {
		t.Errorf("REST mark read = %v", f.backend.markRead)
	}
	if unread := f.engine.Unread("c1"); len(unread) != 0 {
		t.Errorf("Unread after open = %+v", unread)
	}
}

func TestSwitchLeavesPreviousRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.mgr.Open(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	f.emit.reset()
	if err := f.mgr.Open(ctx, "c2"); err != nil {
		t.Fatal(err)
	}

	events := f.emit.events()
	leave, join := indexOf(events, "leaveChat:c1"), indexOf(events, "joinChat:c2")
	if leave < 0 || join < 0 || leave > join {
		t.Errorf("events = %v, want leaveChat:c1 before joinChat:c2", events)
	}
	if f.mgr.Active() != "c2" {
		t.Errorf("Active() = %q", f.mgr.Active())
	}
}

func TestStaleHistoryIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release := make(chan struct{})
	f.backend.gate["c1"] = release
	f.backend.history["c1"] = []wire.MessagePayload{{ID: "late", SenderID: "doc", Content: "stale", CreatedAt: time.Now()}}

	done := make(chan error, 1)
	go func() { done <- f.mgr.Open(ctx, "c1") }()
	if conv := <-f.backend.started; conv != "c1" {
		t.Fatalf("first fetch for %q", conv)
	}

	if err := f.mgr.Open(ctx, "c2"); err != nil {
		t.Fatal(err)
	}
	close(release)

	select {
	case err := <-done:
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("stale Open() error = %v, want ErrSuperseded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stale Open never returned")
	}

	if got := f.engine.Timeline("c1"); len(got) != 0 {
		t.Errorf("stale history seeded: %+v", got)
	}
	if contains(f.emit.events(), "joinChat:c1") {
		t.Error("stale Open joined its room")
	}
	if f.mgr.Active() != "c2" {
		t.Errorf("Active() = %q, want c2", f.mgr.Active())
	}
}

func TestCloseLeavesRoomAfterHistoryFailure(t *testing.T) {
	f := newFixture(t)
	f.backend.err = errors.New("503")

	if err := f.mgr.Open(context.Background(), "c1"); err == nil {
		t.Fatal("Open() should report the history failure")
	}
	f.mgr.Close(context.Background())

	events := f.emit.events()
	if !contains(events, "leaveChat:c1") {
		t.Errorf("events = %v, want leaveChat:c1", events)
	}
	if f.mgr.Active() != "" {
		t.Errorf("Active() after Close = %q", f.mgr.Active())
	}
}

func TestRejoinAfterReconnect(t *testing.T) {
	f := newFixture(t)
	m := status.NewMachine(f.bus)
	_ = m.Transition(status.Connecting)
	_ = m.Transition(status.Connected)

	if err := f.mgr.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	<-f.backend.started
	f.emit.reset()

	for _, s := range []status.State{status.Reconnecting, status.Connecting, status.Connected} {
		if err := m.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
	if !contains(f.emit.events(), "joinChat:c1") {
		t.Errorf("events after reconnect = %v, want joinChat:c1", f.emit.events())
	}

	select {
	case conv := <-f.backend.started:
		if conv != "c1" {
			t.Errorf("refresh fetched %q", conv)
		}
	case <-time.After(2 * time.Second):
		t.Error("history not refreshed after reconnect")
	}
}

func TestIncomingReceipts(t *testing.T) {
	f := newFixture(t)
	if err := f.mgr.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	f.emit.reset()

	f.bus.Publish(bus.Event{Kind: wire.NewMessage, Payload: wire.MessagePayload{
		ID: "p1", ConversationID: "c1", SenderID: "doc", Content: "hi", CreatedAt: time.Now(),
	}})
	f.bus.Publish(bus.Event{Kind: wire.NewMessage, Payload: wire.MessagePayload{
		ID: "p2", ConversationID: "c9", SenderID: "nurse", Content: "reminder", CreatedAt: time.Now(),
	}})
	f.bus.Publish(bus.Event{Kind: wire.NewMessage, Payload: wire.MessagePayload{
		ID: "m1", ConversationID: "c1", SenderID: me, Content: "mine", CreatedAt: time.Now(),
	}})

	events := f.emit.events()
	for _, want := range []string{"messageDelivered:p1", "messageRead:p1", "messageDelivered:p2"} {
		if !contains(events, want) {
			t.Errorf("missing %s in %v", want, events)
		}
	}
	if contains(events, "messageRead:p2") {
		t.Error("inactive conversation marked read")
	}
	if contains(events, "messageDelivered:m1") {
		t.Error("own message acknowledged")
	}
	for _, m := range f.engine.Timeline("c1") {
		if m.ServerID == "p1" && m.Status != timeline.Read {
			t.Errorf("p1 status = %s, want read", m.Status)
		}
	}
}

func TestSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.mgr.Send(ctx, "hello"); !errors.Is(err, ErrNoConversation) {
		t.Errorf("Send without conversation error = %v", err)
	}
	if err := f.mgr.Open(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.Send(ctx, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank Send error = %v", err)
	}

	resets := f.typist.resets
	msg, err := f.mgr.Send(ctx, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != timeline.Sending {
		t.Errorf("status = %s, want sending", msg.Status)
	}
	if len(f.queue.items) != 1 || f.queue.items[0].ClientID != msg.ClientID {
		t.Errorf("queued = %+v", f.queue.items)
	}
	if f.typist.resets != resets+1 {
		t.Error("typing not reset on send")
	}
}

func TestResendQueuesNewClientID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mgr.Open(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	msg, _ := f.mgr.Send(ctx, "hello")
	if _, err := f.engine.MarkFailed(msg.ClientID); err != nil {
		t.Fatal(err)
	}

	next, err := f.mgr.Resend(ctx, msg.ClientID)
	if err != nil {
		t.Fatalf("Resend() error = %v", err)
	}
	if len(f.queue.items) != 2 || f.queue.items[1].ClientID != next.ClientID || next.ClientID == msg.ClientID {
		t.Errorf("queued = %+v", f.queue.items)
	}
	if len(f.engine.Timeline("c1")) != 1 {
		t.Error("resend duplicated the entry")
	}
}

func TestKeystrokeUsesActiveConversation(t *testing.T) {
	f := newFixture(t)
	f.mgr.Keystroke(context.Background(), "ignored")
	if err := f.mgr.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	f.mgr.Keystroke(context.Background(), "he")

	if len(f.typist.keys) != 1 || f.typist.keys[0] != "c1:he" {
		t.Errorf("keystrokes = %v", f.typist.keys)
	}
}
