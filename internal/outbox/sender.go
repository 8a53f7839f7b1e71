package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/carechat/carechat/internal/bus"
	"github.com/carechat/carechat/internal/wire"
	"go.uber.org/zap"
)

// ErrQueueFull is reported for messages that could not be queued.
var ErrQueueFull = errors.New("outbox full")

// Emitter writes outbound events on the realtime stream.
type Emitter interface {
	Emit(ctx context.Context, event string, body any) error
}

// Failer marks an optimistic message as failed.
type Failer interface {
	MarkFailed(clientID string) (string, error)
}

// Item is one optimistic message waiting to be written.
type Item struct {
	ClientID       string
	ConversationID string
	Content        string
}

// SendFailed is the payload of bus.KindSendFailed.
type SendFailed struct {
	ClientID       string
	ConversationID string
	Err            error
}

// Sender drains queued messages onto the realtime stream. Sends are
// attempted once; failures are left for the user to resend.
type Sender struct {
	emit   Emitter
	failer Failer
	bus    *bus.Bus
	logger *zap.Logger
	queue  chan Item
	cancel context.CancelFunc
}

// NewSender creates a new outbox sender holding at most size queued items.
func NewSender(emit Emitter, failer Failer, b *bus.Bus, logger *zap.Logger, size int) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = 64
	}
	return &Sender{
		emit:   emit,
		failer: failer,
		bus:    b,
		logger: logger,
		queue:  make(chan Item, size),
	}
}

// Start begins draining the queue.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Queue hands item to the sender without blocking. A full queue fails the
// message at once.
func (s *Sender) Queue(item Item) {
	select {
	case s.queue <- item:
	default:
		s.fail(item, ErrQueueFull)
	}
}

func (s *Sender) loop(ctx context.Context) {
	for {
		select {
		case item := <-s.queue:
			s.send(ctx, item)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) send(ctx context.Context, item Item) {
	err := s.emit.Emit(ctx, wire.SendMessage, wire.SendRequest{
		ClientID:       item.ClientID,
		ConversationID: item.ConversationID,
		Content:        item.Content,
	})
	if err != nil {
		s.fail(item, err)
		return
	}
	s.logger.Debug("message written", zap.String("client_msg_id", item.ClientID))
}

func (s *Sender) fail(item Item, cause error) {
	s.logger.Error("failed to send message", zap.Error(cause), zap.String("client_msg_id", item.ClientID))
	if _, err := s.failer.MarkFailed(item.ClientID); err != nil {
		s.logger.Debug("could not mark message failed", zap.Error(err), zap.String("client_msg_id", item.ClientID))
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindSendFailed,
		Timestamp: time.Now(),
		Payload: SendFailed{
			ClientID:       item.ClientID,
			ConversationID: item.ConversationID,
			Err:            cause,
		},
	})
}
