// Package timeline merges optimistic local messages with server-confirmed
// and peer messages into one ordered, de-duplicated timeline per
// conversation.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/carechat/carechat/internal/bus"
	"github.com/carechat/carechat/internal/status"
	"github.com/carechat/carechat/internal/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrUnknownMessage is returned when no entry has the given client id.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotFailed is returned by Resend for entries that have not failed.
	ErrNotFailed = errors.New("message has not failed")
	// ErrNotPending is returned by MarkFailed for entries already confirmed.
	ErrNotPending = errors.New("message is not pending")
)

// Options tunes echo matching and acknowledgement timeouts.
type Options struct {
	// MatchWindow bounds how far an echo's createdAt may drift from the
	// optimistic entry it resolves when no client id is echoed.
	MatchWindow time.Duration
	// AckTimeout is how long an entry may stay sending before Sweep fails it.
	AckTimeout time.Duration
	Now        func() time.Time
}

func (o *Options) defaults() {
	if o.MatchWindow == 0 {
		o.MatchWindow = 30 * time.Second
	}
	if o.AckTimeout == 0 {
		o.AckTimeout = 15 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type thread struct {
	entries  []*Message
	byClient map[string]*Message
	byServer map[string]*Message
}

func newThread() *thread {
	return &thread{
		byClient: make(map[string]*Message),
		byServer: make(map[string]*Message),
	}
}

func (t *thread) insert(m *Message) {
	i := sort.Search(len(t.entries), func(i int) bool { return m.before(t.entries[i]) })
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = m
	if m.ClientID != "" {
		t.byClient[m.ClientID] = m
	}
	if m.ServerID != "" {
		t.byServer[m.ServerID] = m
	}
}

func (t *thread) remove(m *Message) {
	for i, e := range t.entries {
		if e == m {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	if m.ClientID != "" {
		delete(t.byClient, m.ClientID)
	}
	if m.ServerID != "" {
		delete(t.byServer, m.ServerID)
	}
}

// Engine is the sole mutator of message status and timeline order.
type Engine struct {
	opts   Options
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	selfID  string
	threads map[string]*thread
	seq     uint64

	cancel context.CancelFunc
}

// New creates an engine for the local user selfID.
func New(selfID string, opts Options, b *bus.Bus, logger *zap.Logger) *Engine {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		opts:    opts,
		bus:     b,
		logger:  logger,
		selfID:  selfID,
		threads: make(map[string]*thread),
	}
}

// Attach subscribes the engine to inbound message, receipt and connection
// events. The returned function detaches it.
func (e *Engine) Attach() func() {
	offs := []func(){
		e.bus.On(wire.NewMessage, func(evt bus.Event) {
			if p, ok := evt.Payload.(wire.MessagePayload); ok {
				e.ApplyNewMessage(p)
			}
		}),
		e.bus.On(wire.MessageDelivered, e.onReceipt),
		e.bus.On(wire.MessageReadBy, e.onReceipt),
		e.bus.On(bus.KindConnection, func(evt bus.Event) {
			if ch, ok := evt.Payload.(status.StatusChange); ok && ch.Dropped() {
				if n := e.FailPending(); n > 0 {
					e.logger.Info("connection dropped, pending sends failed", zap.Int("count", n))
				}
			}
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (e *Engine) onReceipt(evt bus.Event) {
	r, ok := evt.Payload.(wire.ReceiptPayload)
	if !ok {
		return
	}
	to := Delivered
	if r.Kind == wire.MessageReadBy {
		to = Read
	}
	e.Escalate(r.ConversationID, r.MessageID, to)
}

// Start runs the acknowledgement sweeper until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(e.opts.AckTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := e.Sweep(e.opts.Now()); n > 0 {
					e.logger.Info("unacknowledged sends failed", zap.Int("count", n))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweeper.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// SelfID returns the local user id.
func (e *Engine) SelfID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selfID
}

// AddOptimistic appends a sending entry with a fresh client id and returns it.
func (e *Engine) AddOptimistic(conversationID, content string) Message {
	e.mu.Lock()
	m := e.addOptimisticLocked(conversationID, content)
	out := *m
	e.mu.Unlock()

	e.changed(conversationID)
	return out
}

func (e *Engine) addOptimisticLocked(conversationID, content string) *Message {
	m := &Message{
		ClientID:       uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       e.selfID,
		Content:        content,
		CreatedAt:      e.opts.Now(),
		Status:         Sending,
	}
	e.insertLocked(e.threadLocked(conversationID), m)
	return m
}

// ApplyNewMessage reconciles a newMessage event. It reports whether the
// timeline changed; replays of a known server id change nothing.
func (e *Engine) ApplyNewMessage(p wire.MessagePayload) bool {
	e.mu.Lock()
	applied := e.applyLocked(e.threadLocked(p.ConversationID), p)
	e.mu.Unlock()

	if applied {
		e.changed(p.ConversationID)
	}
	return applied
}

func (e *Engine) applyLocked(t *thread, p wire.MessagePayload) bool {
	if p.ID != "" {
		if _, dup := t.byServer[p.ID]; dup {
			e.logger.Debug("dropping replayed message",
				zap.String("conversation_id", p.ConversationID), zap.String("server_id", p.ID))
			return false
		}
	}

	if p.SenderID == e.selfID {
		if m := e.matchEchoLocked(t, p); m != nil {
			m.ServerID = p.ID
			if p.ID != "" {
				t.byServer[p.ID] = m
			}
			m.Status = max(Sent, ParseStatus(p.Status))
			if p.SenderName != "" {
				m.SenderName = p.SenderName
			}
			return true
		}
	}

	m := &Message{
		ClientID:       p.ClientID,
		ServerID:       p.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		SenderName:     p.SenderName,
		Content:        p.Content,
		CreatedAt:      p.CreatedAt,
		Status:         ParseStatus(p.Status),
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = e.opts.Now()
	}
	if m.ClientID != "" {
		if _, taken := t.byClient[m.ClientID]; taken {
			m.ClientID = ""
		}
	}
	e.insertLocked(t, m)
	return true
}

// matchEchoLocked finds the pending entry an own echo resolves. An echoed
// client id is authoritative: it matches only that entry, so echoes from
// another tab never collapse into ours. Without one, the oldest sending
// entry with the same content inside the match window is chosen.
func (e *Engine) matchEchoLocked(t *thread, p wire.MessagePayload) *Message {
	if p.ClientID != "" {
		if m, ok := t.byClient[p.ClientID]; ok && m.Pending() {
			return m
		}
		return nil
	}
	for _, m := range t.entries {
		if !m.Pending() || m.Content != p.Content {
			continue
		}
		if !p.CreatedAt.IsZero() && absDuration(p.CreatedAt.Sub(m.CreatedAt)) > e.opts.MatchWindow {
			continue
		}
		return m
	}
	return nil
}

// Escalate moves the message with serverID forward to status to. Backward
// moves and unknown ids are ignored. conversationID may be empty.
func (e *Engine) Escalate(conversationID, serverID string, to Status) bool {
	e.mu.Lock()
	m := e.findServerLocked(conversationID, serverID)
	if m == nil {
		e.mu.Unlock()
		e.logger.Debug("dropping receipt for unknown message",
			zap.String("server_id", serverID), zap.Stringer("status", to))
		return false
	}
	if !m.Status.Advances(to) {
		e.mu.Unlock()
		return false
	}
	m.Status = to
	conv := m.ConversationID
	e.mu.Unlock()

	e.changed(conv)
	return true
}

// MarkFailed moves a sending entry to failed and returns its content so the
// caller can offer a resend.
func (e *Engine) MarkFailed(clientID string) (string, error) {
	e.mu.Lock()
	m := e.findClientLocked(clientID)
	if m == nil {
		e.mu.Unlock()
		return "", fmt.Errorf("mark failed %s: %w", clientID, ErrUnknownMessage)
	}
	if m.Status == Failed {
		e.mu.Unlock()
		return m.Content, nil
	}
	if m.Status != Sending {
		e.mu.Unlock()
		return "", fmt.Errorf("mark failed %s: %w", clientID, ErrNotPending)
	}
	m.Status = Failed
	content, conv := m.Content, m.ConversationID
	e.mu.Unlock()

	e.changed(conv)
	return content, nil
}

// Resend replaces a failed entry with a new optimistic entry carrying a
// new client id. The old entry is removed, never duplicated.
func (e *Engine) Resend(clientID string) (Message, error) {
	e.mu.Lock()
	m := e.findClientLocked(clientID)
	if m == nil {
		e.mu.Unlock()
		return Message{}, fmt.Errorf("resend %s: %w", clientID, ErrUnknownMessage)
	}
	if m.Status != Failed {
		e.mu.Unlock()
		return Message{}, fmt.Errorf("resend %s: %w", clientID, ErrNotFailed)
	}
	t := e.threads[m.ConversationID]
	t.remove(m)
	next := *e.addOptimisticLocked(m.ConversationID, m.Content)
	e.mu.Unlock()

	e.changed(next.ConversationID)
	return next, nil
}

// FailPending fails every sending entry. It runs when the connection drops
// before their acknowledgements arrived.
func (e *Engine) FailPending() int {
	return e.failWhere(func(*Message) bool { return true })
}

// Sweep fails sending entries created more than AckTimeout before now.
func (e *Engine) Sweep(now time.Time) int {
	cutoff := now.Add(-e.opts.AckTimeout)
	return e.failWhere(func(m *Message) bool { return m.CreatedAt.Before(cutoff) })
}

func (e *Engine) failWhere(pred func(*Message) bool) int {
	e.mu.Lock()
	touched := make(map[string]bool)
	n := 0
	for conv, t := range e.threads {
		for _, m := range t.entries {
			if m.Status == Sending && pred(m) {
				m.Status = Failed
				touched[conv] = true
				n++
			}
		}
	}
	e.mu.Unlock()

	for conv := range touched {
		e.changed(conv)
	}
	return n
}

// Seed replaces a conversation's timeline with authoritative history.
// Local entries still waiting for confirmation are carried over unless the
// history already contains them.
func (e *Engine) Seed(conversationID string, history []wire.MessagePayload) {
	e.mu.Lock()
	next := newThread()
	if old, ok := e.threads[conversationID]; ok {
		for _, m := range old.entries {
			if m.Pending() {
				next.insert(m)
			}
		}
	}
	for _, p := range history {
		if p.ConversationID == "" {
			p.ConversationID = conversationID
		}
		e.applyLocked(next, p)
	}
	e.threads[conversationID] = next
	e.mu.Unlock()

	e.changed(conversationID)
}

// Timeline returns a snapshot of the conversation's entries in display order.
func (e *Engine) Timeline(conversationID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.threads[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, len(t.entries))
	for i, m := range t.entries {
		out[i] = *m
	}
	return out
}

// Unread returns peer messages in the conversation not yet marked read.
func (e *Engine) Unread(conversationID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.threads[conversationID]
	if !ok {
		return nil
	}
	var out []Message
	for _, m := range t.entries {
		if m.SenderID != e.selfID && m.ServerID != "" && m.Status != Read {
			out = append(out, *m)
		}
	}
	return out
}

// Lookup returns the entry with the given client id.
func (e *Engine) Lookup(clientID string) (Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.findClientLocked(clientID)
	if m == nil {
		return Message{}, false
	}
	return *m, true
}

func (e *Engine) threadLocked(conversationID string) *thread {
	t, ok := e.threads[conversationID]
	if !ok {
		t = newThread()
		e.threads[conversationID] = t
	}
	return t
}

func (e *Engine) insertLocked(t *thread, m *Message) {
	e.seq++
	m.seq = e.seq
	t.insert(m)
}

func (e *Engine) findClientLocked(clientID string) *Message {
	for _, t := range e.threads {
		if m, ok := t.byClient[clientID]; ok {
			return m
		}
	}
	return nil
}

func (e *Engine) findServerLocked(conversationID, serverID string) *Message {
	if conversationID != "" {
		if t, ok := e.threads[conversationID]; ok {
			return t.byServer[serverID]
		}
		return nil
	}
	for _, t := range e.threads {
		if m, ok := t.byServer[serverID]; ok {
			return m
		}
	}
	return nil
}

func (e *Engine) changed(conversationID string) {
	e.bus.Publish(bus.Event{
		Kind:      bus.KindTimelineChanged,
		Timestamp: time.Now(),
		Payload:   Changed{ConversationID: conversationID},
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
