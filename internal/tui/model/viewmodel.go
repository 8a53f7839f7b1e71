package model

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/carechat/carechat/internal/app"
	"github.com/carechat/carechat/internal/bus"
	"github.com/carechat/carechat/internal/outbox"
	"github.com/carechat/carechat/internal/status"
	"github.com/carechat/carechat/internal/store"
	"github.com/carechat/carechat/internal/timeline"
	"github.com/carechat/carechat/internal/transport"
)

// ErrNoFailedMessage is returned by ResendLast when nothing can be retried.
var ErrNoFailedMessage = errors.New("no failed message to resend")

// Notice is something the user should see in the flash bar.
type Notice struct {
	Text  string
	Error bool
}

// ViewModel caches directory state for the views and turns bus events
// into refresh signals.
type ViewModel struct {
	mu sync.RWMutex

	client        *app.Client
	conversations []store.Conversation

	refreshCh chan struct{}
	noticeCh  chan Notice
}

// NewViewModel creates a view model over a running client session.
func NewViewModel(c *app.Client) *ViewModel {
	return &ViewModel{
		client:    c,
		refreshCh: make(chan struct{}, 1),
		noticeCh:  make(chan Notice, 8),
	}
}

// RefreshCh returns the channel that signals UI refresh.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

// Notices returns the channel of flash-worthy events.
func (vm *ViewModel) Notices() <-chan Notice {
	return vm.noticeCh
}

func (vm *ViewModel) signalRefresh() {
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
}

func (vm *ViewModel) notice(n Notice) {
	select {
	case vm.noticeCh <- n:
	default:
	}
}

// Watch forwards bus events as refresh signals until ctx is done. Directory
// changes reload the conversation list first.
func (vm *ViewModel) Watch(ctx context.Context) {
	events, unsub := vm.client.Bus.Subscribe("", 256)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-events:
				vm.handle(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (vm *ViewModel) handle(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case outbox.SendFailed:
		vm.notice(Notice{Text: "Message not sent: " + p.Err.Error(), Error: true})
	case transport.ErrorEvent:
		vm.notice(Notice{Text: "Connection error: " + p.Err.Error(), Error: true})
	case status.StatusChange:
		if p.Dropped() {
			vm.notice(Notice{Text: "Connection lost, reconnecting...", Error: true})
		} else if p.To == status.Connected && p.From != status.Disconnected {
			vm.notice(Notice{Text: "Reconnected"})
		}
	}
	if evt.Kind == bus.KindConversationUpsert {
		_ = vm.LoadConversations()
	}
	vm.signalRefresh()
}

// LoadConversations re-reads the conversation directory.
func (vm *ViewModel) LoadConversations() error {
	list, err := vm.client.Directory.ListConversations(200, 0)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.conversations = list
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Conversations returns a snapshot of the directory, most recent first.
func (vm *ViewModel) Conversations() []store.Conversation {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.conversations
}

// Conversation returns the cached directory entry for id.
func (vm *ViewModel) Conversation(id string) (store.Conversation, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for _, c := range vm.conversations {
		if c.ID == id {
			return c, true
		}
	}
	return store.Conversation{}, false
}

// FindConversation matches a peer name or id, case-insensitively, by prefix.
func (vm *ViewModel) FindConversation(query string) (store.Conversation, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return store.Conversation{}, false
	}
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for _, c := range vm.conversations {
		if strings.ToLower(c.ID) == q || strings.HasPrefix(strings.ToLower(c.PeerName), q) {
			return c, true
		}
	}
	return store.Conversation{}, false
}

// Open makes id the active conversation.
func (vm *ViewModel) Open(ctx context.Context, id string) error {
	return vm.client.Manager.Open(ctx, id)
}

// Close leaves the active conversation.
func (vm *ViewModel) Close(ctx context.Context) {
	vm.client.Manager.Close(ctx)
}

// Active returns the open conversation id, or "".
func (vm *ViewModel) Active() string {
	return vm.client.Manager.Active()
}

// Messages returns the active conversation's timeline.
func (vm *ViewModel) Messages() []timeline.Message {
	conv := vm.Active()
	if conv == "" {
		return nil
	}
	return vm.client.Timeline.Timeline(conv)
}

// SelfID is the signed-in user's id.
func (vm *ViewModel) SelfID() string {
	return vm.client.Identity.UserID
}

// Send posts text to the active conversation.
func (vm *ViewModel) Send(ctx context.Context, text string) error {
	_, err := vm.client.Manager.Send(ctx, text)
	return err
}

// ResendLast retries the most recent failed message in the active
// conversation.
func (vm *ViewModel) ResendLast(ctx context.Context) error {
	msgs := vm.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Status == timeline.Failed {
			_, err := vm.client.Manager.Resend(ctx, msgs[i].ClientID)
			return err
		}
	}
	return ErrNoFailedMessage
}

// Keystroke reports composer edits.
func (vm *ViewModel) Keystroke(ctx context.Context, text string) {
	vm.client.Manager.Keystroke(ctx, text)
}

// Typing returns the names of peers typing in the active conversation.
func (vm *ViewModel) Typing() []string {
	conv := vm.Active()
	if conv == "" {
		return nil
	}
	var names []string
	for _, e := range vm.client.Typing.Typing(conv) {
		name := e.UserName
		if name == "" {
			name = e.UserID
		}
		names = append(names, name)
	}
	return names
}

// PeerOnline reports whether the conversation's peer is online.
func (vm *ViewModel) PeerOnline(c store.Conversation) bool {
	return c.PeerID != "" && vm.client.Presence.IsOnline(c.PeerID)
}

// ConnectionState returns the realtime connection state.
func (vm *ViewModel) ConnectionState() status.State {
	return vm.client.Machine.Current()
}

// TotalUnread sums unread counts over the cached directory.
func (vm *ViewModel) TotalUnread() int {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	n := 0
	for _, c := range vm.conversations {
		n += c.UnreadCount
	}
	return n
}

// Profile is the profile the session runs under.
func (vm *ViewModel) Profile() string {
	return vm.client.Profile
}

// UserName is the signed-in user's display name.
func (vm *ViewModel) UserName() string {
	if vm.client.Identity.Name != "" {
		return vm.client.Identity.Name
	}
	return vm.client.Identity.UserID
}
