package store

import (
	"database/sql"
	"errors"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

const upsertConversation = `
	INSERT INTO conversations (id, peer_id, peer_name, unread_count, last_message_at, last_message_preview, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		peer_id = COALESCE(NULLIF(excluded.peer_id, ''), conversations.peer_id),
		peer_name = COALESCE(NULLIF(excluded.peer_name, ''), conversations.peer_name),
		unread_count = excluded.unread_count,
		last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
		last_message_preview = CASE
			WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview
			ELSE conversations.last_message_preview END,
		updated_at = excluded.updated_at`

// UpsertConversation inserts or updates a conversation. An older
// last-message time never overwrites a newer one.
func (db *DB) UpsertConversation(c *Conversation) error {
	return UpsertConversationTx(db.DB, c)
}

// UpsertConversationTx is UpsertConversation against an open transaction.
func UpsertConversationTx(ex execer, c *Conversation) error {
	_, err := ex.Exec(upsertConversation,
		c.ID, c.PeerID, c.PeerName, c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, time.Now().UnixMilli())
	return err
}

// RecordMessage moves a conversation's preview forward and optionally
// bumps its unread count. Unknown conversations are created. A message not
// newer than the latest one seen is a replay and leaves the count alone.
func (db *DB) RecordMessage(id string, at int64, preview string, unread bool) error {
	bump := 0
	if unread {
		bump = 1
	}
	_, err := db.Exec(`
		INSERT INTO conversations (id, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			unread_count = conversations.unread_count +
				CASE WHEN excluded.last_message_at > conversations.last_message_at THEN ? ELSE 0 END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE
				WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview
				ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		id, bump, at, preview, time.Now().UnixMilli(), bump)
	return err
}

// MarkConversationRead zeroes the unread count.
func (db *DB) MarkConversationRead(id string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}

// ListConversations returns conversations, most recent first.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, peer_id, COALESCE(NULLIF(peer_name, ''), NULLIF(peer_id, ''), id),
			unread_count, last_message_at, last_message_preview
		FROM conversations
		ORDER BY last_message_at DESC, id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.PeerID, &c.PeerName, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConversation returns the conversation with id, or nil if unknown.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, peer_id, COALESCE(NULLIF(peer_name, ''), NULLIF(peer_id, ''), id),
			unread_count, last_message_at, last_message_preview
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.PeerID, &c.PeerName, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// TotalUnread sums unread counts across the directory.
func (db *DB) TotalUnread() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COALESCE(SUM(unread_count), 0) FROM conversations`).Scan(&n)
	return n, err
}
