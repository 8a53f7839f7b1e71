// Package conversation binds the realtime components to the one
// conversation the user has open.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/carechat/carechat/internal/bus"
	"github.com/carechat/carechat/internal/outbox"
	"github.com/carechat/carechat/internal/status"
	"github.com/carechat/carechat/internal/timeline"
	"github.com/carechat/carechat/internal/wire"
	"go.uber.org/zap"
)

var (
	// ErrSuperseded is returned by Open when another conversation was
	// opened or the manager was closed while history was loading.
	ErrSuperseded = errors.New("conversation superseded")
	// ErrNoConversation is returned by Send when nothing is open.
	ErrNoConversation = errors.New("no active conversation")
	// ErrEmptyMessage is returned by Send for blank text.
	ErrEmptyMessage = errors.New("empty message")
)

// Emitter writes outbound events on the realtime stream.
type Emitter interface {
	Emit(ctx context.Context, event string, body any) error
}

// Backend is the REST side used to seed and acknowledge a conversation.
type Backend interface {
	History(ctx context.Context, conversationID string, limit int) ([]wire.MessagePayload, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Queuer accepts optimistic messages for sending.
type Queuer interface {
	Queue(item outbox.Item)
}

// Typist is the local side of the typing coordinator.
type Typist interface {
	Keystroke(ctx context.Context, conversationID, text string)
	Reset(ctx context.Context)
}

// Active is the payload of bus.KindConversationActive. An empty id means
// no conversation is open.
type Active struct {
	ConversationID string
}

// Manager owns room membership for the active conversation.
type Manager struct {
	engine  *timeline.Engine
	emit    Emitter
	backend Backend
	outbox  Queuer
	typist  Typist
	bus     *bus.Bus
	logger  *zap.Logger
	limit   int

	mu     sync.Mutex
	active string
	gen    uint64
}

// NewManager creates a manager. historyLimit caps the seeded history.
func NewManager(engine *timeline.Engine, emit Emitter, backend Backend, q Queuer, typist Typist, b *bus.Bus, logger *zap.Logger, historyLimit int) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		engine:  engine,
		emit:    emit,
		backend: backend,
		outbox:  q,
		typist:  typist,
		bus:     b,
		logger:  logger,
		limit:   historyLimit,
	}
}

// Active returns the open conversation id, or "".
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Open switches to conversationID: it leaves the previous room, seeds the
// timeline from history, joins the new room and marks it read. A history
// failure is returned after the room is joined, so Close still has a room
// to leave and live events keep flowing.
func (m *Manager) Open(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	prev := m.active
	m.gen++
	gen := m.gen
	m.active = conversationID
	m.mu.Unlock()

	if prev != "" && prev != conversationID {
		m.send(ctx, wire.LeaveChat, wire.RoomRequest{ConversationID: prev})
	}
	m.typist.Reset(ctx)
	m.publishActive(conversationID)

	history, herr := m.backend.History(ctx, conversationID, m.limit)
	if !m.current(gen, conversationID) {
		m.logger.Debug("discarding stale history", zap.String("conversation_id", conversationID))
		return ErrSuperseded
	}
	if herr == nil {
		m.engine.Seed(conversationID, history)
	}

	m.send(ctx, wire.JoinChat, wire.RoomRequest{ConversationID: conversationID})

	if herr != nil {
		m.logger.Warn("history load failed", zap.Error(herr), zap.String("conversation_id", conversationID))
		return fmt.Errorf("open %s: %w", conversationID, herr)
	}
	m.markRead(ctx, conversationID)
	return nil
}

// Close leaves the current room, whether or not its history loaded.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	prev := m.active
	m.active = ""
	m.gen++
	m.mu.Unlock()

	if prev == "" {
		return
	}
	m.send(ctx, wire.LeaveChat, wire.RoomRequest{ConversationID: prev})
	m.typist.Reset(ctx)
	m.publishActive("")
}

// Send inserts an optimistic message into the active conversation and
// queues it. It returns before anything touches the network.
func (m *Manager) Send(ctx context.Context, text string) (timeline.Message, error) {
	conv := m.Active()
	if conv == "" {
		return timeline.Message{}, ErrNoConversation
	}
	if strings.TrimSpace(text) == "" {
		return timeline.Message{}, ErrEmptyMessage
	}
	msg := m.engine.AddOptimistic(conv, text)
	m.outbox.Queue(outbox.Item{ClientID: msg.ClientID, ConversationID: conv, Content: text})
	m.typist.Reset(ctx)
	return msg, nil
}

// Resend retries a failed message under a new client id.
func (m *Manager) Resend(_ context.Context, clientID string) (timeline.Message, error) {
	msg, err := m.engine.Resend(clientID)
	if err != nil {
		return timeline.Message{}, err
	}
	m.outbox.Queue(outbox.Item{ClientID: msg.ClientID, ConversationID: msg.ConversationID, Content: msg.Content})
	return msg, nil
}

// Keystroke forwards composer edits for the active conversation.
func (m *Manager) Keystroke(ctx context.Context, text string) {
	if conv := m.Active(); conv != "" {
		m.typist.Keystroke(ctx, conv, text)
	}
}

// Attach subscribes the manager to connection and message events. It must
// be attached after the timeline engine so incoming messages are already
// in the timeline when receipts are emitted.
func (m *Manager) Attach() func() {
	offs := []func(){
		m.bus.On(bus.KindConnection, m.onConnection),
		m.bus.On(wire.NewMessage, m.onNewMessage),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// onConnection re-joins the active room whenever the stream comes up, and
// refreshes its history in the background to cover the gap.
func (m *Manager) onConnection(evt bus.Event) {
	ch, ok := evt.Payload.(status.StatusChange)
	if !ok || ch.To != status.Connected {
		return
	}
	m.mu.Lock()
	conv, gen := m.active, m.gen
	m.mu.Unlock()
	if conv == "" {
		return
	}

	ctx := context.Background()
	m.send(ctx, wire.JoinChat, wire.RoomRequest{ConversationID: conv})
	m.logger.Info("rejoined conversation", zap.String("conversation_id", conv))

	go func() {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		history, err := m.backend.History(ctx, conv, m.limit)
		if err != nil {
			m.logger.Warn("history refresh failed", zap.Error(err), zap.String("conversation_id", conv))
			return
		}
		if !m.current(gen, conv) {
			return
		}
		m.engine.Seed(conv, history)
		m.markRead(ctx, conv)
	}()
}

func (m *Manager) onNewMessage(evt bus.Event) {
	p, ok := evt.Payload.(wire.MessagePayload)
	if !ok || p.ID == "" || p.SenderID == m.engine.SelfID() {
		return
	}
	ctx := context.Background()
	m.send(ctx, wire.MessageDelivered, wire.DeliveredRequest{MessageID: p.ID})
	if p.ConversationID == m.Active() {
		m.send(ctx, wire.MessageRead, wire.ReadRequest{MessageID: p.ID, ConversationID: p.ConversationID})
		m.engine.Escalate(p.ConversationID, p.ID, timeline.Read)
	}
}

func (m *Manager) markRead(ctx context.Context, conv string) {
	if err := m.backend.MarkRead(ctx, conv); err != nil {
		m.logger.Warn("mark read failed", zap.Error(err), zap.String("conversation_id", conv))
	}
	for _, msg := range m.engine.Unread(conv) {
		m.send(ctx, wire.MessageRead, wire.ReadRequest{MessageID: msg.ServerID, ConversationID: conv})
		m.engine.Escalate(conv, msg.ServerID, timeline.Read)
	}
}

func (m *Manager) current(gen uint64, conv string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && m.active == conv
}

// send is fire-and-forget; a failed emit only matters to the log.
func (m *Manager) send(ctx context.Context, event string, body any) {
	if err := m.emit.Emit(ctx, event, body); err != nil {
		m.logger.Debug("emit failed", zap.String("event", event), zap.Error(err))
	}
}

func (m *Manager) publishActive(conv string) {
	m.bus.Publish(bus.Event{
		Kind:      bus.KindConversationActive,
		Timestamp: time.Now(),
		Payload:   Active{ConversationID: conv},
	})
}
