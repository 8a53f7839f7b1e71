package sync

import (
	"database/sql"
	"errors"
	"time"

	"github.com/carechat/carechat/internal/store"
	"go.uber.org/zap"
)

// Checkpoint keys.
const (
	KeyLastConversation = "last_conversation"
	KeyListedAt         = "conversations_listed_at"
)

// Checkpoints persists small pieces of client state between runs.
type Checkpoints struct {
	db     *store.DB
	logger *zap.Logger
}

// NewCheckpoints creates a checkpoint store.
func NewCheckpoints(db *store.DB, logger *zap.Logger) *Checkpoints {
	return &Checkpoints{db: db, logger: logger}
}

// Set stores value under key.
func (c *Checkpoints) Set(key, value string) error {
	_, err := c.db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// Get returns the value under key, or "" if it was never set.
func (c *Checkpoints) Get(key string) (string, error) {
	var value string
	err := c.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
