package sync

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/carechat/carechat/internal/bus"
	"github.com/carechat/carechat/internal/conversation"
	"github.com/carechat/carechat/internal/restapi"
	"github.com/carechat/carechat/internal/store"
	"github.com/carechat/carechat/internal/wire"
	"go.uber.org/zap"
)

const previewLen = 100

// Upserted is the payload of bus.KindConversationUpsert.
type Upserted struct {
	ConversationIDs []string
}

// Engine keeps the conversation directory in step with the REST listing
// and the realtime stream. Ingestion is idempotent.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	ckpt   *Checkpoints
	selfID string
	logger *zap.Logger
	cancel context.CancelFunc

	// active is only touched by the Start goroutine.
	active string
}

// NewEngine creates a new directory sync engine.
func NewEngine(db *store.DB, selfID string, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		ckpt:   NewCheckpoints(db, logger),
		selfID: selfID,
		logger: logger,
	}
}

// Checkpoints exposes the engine's checkpoint store.
func (e *Engine) Checkpoints() *Checkpoints {
	return e.ckpt
}

// Start subscribes to inbound messages and conversation switches.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	msgs, unsubMsgs := e.bus.Subscribe(wire.NewMessage, 256)
	active, unsubActive := e.bus.Subscribe(bus.KindConversationActive, 16)

	go func() {
		defer unsubMsgs()
		defer unsubActive()
		for {
			select {
			case evt := <-msgs:
				e.handleEvent(evt)
			case evt := <-active:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case wire.MessagePayload:
		unread := p.SenderID != e.selfID && p.ConversationID != e.active
		if err := e.IngestMessage(p, unread); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("conversation_id", p.ConversationID))
		}
	case conversation.Active:
		e.active = p.ConversationID
		if p.ConversationID == "" {
			return
		}
		if err := e.MarkRead(p.ConversationID); err != nil {
			e.logger.Error("failed to mark conversation read", zap.Error(err), zap.String("conversation_id", p.ConversationID))
		}
		if err := e.ckpt.Set(KeyLastConversation, p.ConversationID); err != nil {
			e.logger.Warn("failed to save checkpoint", zap.Error(err))
		}
	}
}

// IngestMessage moves the conversation preview forward. unread bumps the
// unread count unless the message is a replay.
func (e *Engine) IngestMessage(p wire.MessagePayload, unread bool) error {
	at := p.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	if err := e.db.RecordMessage(p.ConversationID, at.UnixMilli(), truncate(p.Content, previewLen), unread); err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	e.publish(p.ConversationID)
	return nil
}

// ReplaceConversations ingests the authoritative REST listing in one
// transaction. Conversations missing from the listing are kept.
func (e *Engine) ReplaceConversations(list []restapi.Conversation) error {
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]string, 0, len(list))
	for _, c := range list {
		var at int64
		if !c.LastMessageAt.IsZero() {
			at = c.LastMessageAt.UnixMilli()
		}
		if err := store.UpsertConversationTx(tx, &store.Conversation{
			ID:                 c.ID,
			PeerID:             c.PeerID,
			PeerName:           c.PeerName,
			UnreadCount:        c.UnreadCount,
			LastMessageAt:      at,
			LastMessagePreview: truncate(c.LastMessagePreview, previewLen),
		}); err != nil {
			return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
		}
		ids = append(ids, c.ID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit listing: %w", err)
	}
	if err := e.ckpt.Set(KeyListedAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		e.logger.Warn("failed to save checkpoint", zap.Error(err))
	}

	e.logger.Info("conversation listing ingested", zap.Int("conversations", len(ids)))
	e.publish(ids...)
	return nil
}

// MarkRead zeroes the unread count of a conversation.
func (e *Engine) MarkRead(conversationID string) error {
	if err := e.db.MarkConversationRead(conversationID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	e.publish(conversationID)
	return nil
}

func (e *Engine) publish(ids ...string) {
	e.bus.Publish(bus.Event{
		Kind:      bus.KindConversationUpsert,
		Timestamp: time.Now(),
		Payload:   Upserted{ConversationIDs: ids},
	})
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}
