package model

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/carechat/carechat/internal/app"
	"github.com/carechat/carechat/internal/bus"
	"github.com/carechat/carechat/internal/conversation"
	"github.com/carechat/carechat/internal/outbox"
	"github.com/carechat/carechat/internal/presence"
	"github.com/carechat/carechat/internal/status"
	"github.com/carechat/carechat/internal/store"
	"github.com/carechat/carechat/internal/timeline"
	"github.com/carechat/carechat/internal/transport"
	"github.com/carechat/carechat/internal/typing"
	"github.com/carechat/carechat/internal/wire"
)

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, string, any) error { return nil }

type emptyBackend struct{}

func (emptyBackend) History(context.Context, string, int) ([]wire.MessagePayload, error) {
	return nil, nil
}

func (emptyBackend) MarkRead(context.Context, string) error { return nil }

type queue struct {
	mu    sync.Mutex
	items []outbox.Item
}

func (q *queue) Queue(item outbox.Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type fixture struct {
	vm     *ViewModel
	client *app.Client
	queue  *queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "directory.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New(nil)
	engine := timeline.New("u1", timeline.Options{}, b, nil)
	typist := typing.New(typing.Identity{UserID: "u1"}, typing.Options{}, nopEmitter{}, b, nil)
	q := &queue{}
	mgr := conversation.NewManager(engine, nopEmitter{}, emptyBackend{}, q, typist, b, nil, 50)

	c := app.NewClient(app.Params{Profile: "test"}, transport.Identity{UserID: "u1", Name: "Nurse Joy"},
		b, status.NewMachine(b), db, engine, presence.NewTracker(b, nopEmitter{}, nil), typist, mgr, nil)
	return &fixture{vm: NewViewModel(c), client: c, queue: q}
}

func TestLoadAndFindConversations(t *testing.T) {
	f := newFixture(t)
	for _, c := range []*store.Conversation{
		{ID: "c1", PeerID: "d1", PeerName: "Dr. Grey", UnreadCount: 2, LastMessageAt: 1000},
		{ID: "c2", PeerID: "d2", PeerName: "Dr. House", UnreadCount: 1, LastMessageAt: 2000},
	} {
		if err := f.client.Directory.UpsertConversation(c); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.vm.LoadConversations(); err != nil {
		t.Fatal(err)
	}
	if got := f.vm.Conversations(); len(got) != 2 || got[0].ID != "c2" {
		t.Fatalf("Conversations() = %+v", got)
	}
	if n := f.vm.TotalUnread(); n != 3 {
		t.Errorf("TotalUnread() = %d, want 3", n)
	}

	tests := []struct {
		query string
		want  string
	}{
		{"dr. h", "c2"},
		{"DR. GREY", "c1"},
		{"c1", "c1"},
		{"nobody", ""},
		{"  ", ""},
	}
	for _, tt := range tests {
		c, ok := f.vm.FindConversation(tt.query)
		if tt.want == "" {
			if ok {
				t.Errorf("FindConversation(%q) = %q, want no match", tt.query, c.ID)
			}
			continue
		}
		if !ok || c.ID != tt.want {
			t.Errorf("FindConversation(%q) = %q, %v; want %q", tt.query, c.ID, ok, tt.want)
		}
	}
}

func TestSendAndResendLast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.vm.ResendLast(ctx); !errors.Is(err, ErrNoFailedMessage) {
		t.Fatalf("ResendLast() with nothing open = %v", err)
	}
	if err := f.vm.Open(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := f.vm.Send(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	msgs := f.vm.Messages()
	if len(msgs) != 1 || msgs[0].Status != timeline.Sending {
		t.Fatalf("Messages() = %+v", msgs)
	}

	if _, err := f.client.Timeline.MarkFailed(msgs[0].ClientID); err != nil {
		t.Fatal(err)
	}
	if err := f.vm.ResendLast(ctx); err != nil {
		t.Fatalf("ResendLast() error = %v", err)
	}
	if f.queue.len() != 2 {
		t.Errorf("queued %d items, want 2", f.queue.len())
	}
	msgs = f.vm.Messages()
	if len(msgs) != 1 || msgs[0].Status != timeline.Sending {
		t.Errorf("after resend Messages() = %+v", msgs)
	}
}

func TestTypingNames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.vm.Open(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	f.client.Typing.Apply(wire.TypingPayload{ConversationID: "c1", IsTyping: true, UserID: "d1", UserName: "Dr. Grey"})
	f.client.Typing.Apply(wire.TypingPayload{ConversationID: "c1", IsTyping: true, UserID: "d2"})
	f.client.Typing.Apply(wire.TypingPayload{ConversationID: "c9", IsTyping: true, UserID: "d3", UserName: "Elsewhere"})

	got := f.vm.Typing()
	if len(got) != 2 {
		t.Fatalf("Typing() = %v, want two names", got)
	}
	if got[0] != "d2" || got[1] != "Dr. Grey" {
		t.Errorf("Typing() = %v", got)
	}
}

func TestWatchRaisesNotices(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.vm.Watch(ctx)

	f.client.Bus.Publish(bus.Event{
		Kind:    bus.KindSendFailed,
		Payload: outbox.SendFailed{ClientID: "x", Err: errors.New("boom")},
	})

	select {
	case n := <-f.vm.Notices():
		if !n.Error || n.Text != "Message not sent: boom" {
			t.Errorf("notice = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notice for failed send")
	}

	select {
	case <-f.vm.RefreshCh():
	case <-time.After(2 * time.Second):
		t.Fatal("no refresh signal")
	}
}

func TestPeerOnline(t *testing.T) {
	f := newFixture(t)
	c := store.Conversation{ID: "c1", PeerID: "d1"}
	if f.vm.PeerOnline(c) {
		t.Fatal("peer online before any presence event")
	}
	f.client.Presence.Attach()
	f.client.Bus.Publish(bus.Event{
		Kind:    wire.UserJoined,
		Payload: wire.PresencePayload{Kind: wire.UserJoined, UserID: "d1"},
	})
	if !f.vm.PeerOnline(c) {
		t.Error("peer should be online after userJoined")
	}
	if f.vm.PeerOnline(store.Conversation{ID: "c2"}) {
		t.Error("conversation without peer id reported online")
	}
}
