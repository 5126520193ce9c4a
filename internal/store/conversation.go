package store

import (
	"database/sql"
	"time"

	"github.com/RehanRiaz5383/lmsinbox/internal/model"
)

func conversationActivity(c *model.Conversation) int64 {
	if c.LastActivityAt == nil {
		return 0
	}
	return c.LastActivityAt.UnixMilli()
}

// UpsertConversation inserts or updates a cached conversation. Last
// activity only moves forward so a stale refresh cannot reorder the list.
func (db *DB) UpsertConversation(c *model.Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, peer_id, peer_name, peer_email, peer_avatar, unread_count, last_activity_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			peer_id = excluded.peer_id,
			peer_name = excluded.peer_name,
			peer_email = excluded.peer_email,
			peer_avatar = excluded.peer_avatar,
			unread_count = excluded.unread_count,
			last_activity_at = MAX(conversations.last_activity_at, excluded.last_activity_at),
			updated_at = excluded.updated_at`,
		c.ID, c.OtherParticipant.ID, c.OtherParticipant.DisplayName, c.OtherParticipant.Email,
		c.OtherParticipant.AvatarRef, c.UnreadCount, conversationActivity(c), now)
	return err
}

// ReplaceConversations swaps the whole cached directory for the fetched
// one in a single transaction.
func (db *DB) ReplaceConversations(convos []model.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for i := range convos {
		c := &convos[i]
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, peer_id, peer_name, peer_email, peer_avatar, unread_count, last_activity_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.OtherParticipant.ID, c.OtherParticipant.DisplayName, c.OtherParticipant.Email,
			c.OtherParticipant.AvatarRef, c.UnreadCount, conversationActivity(c), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanConversation(scan func(...any) error) (*model.Conversation, error) {
	var c model.Conversation
	var activity int64
	if err := scan(&c.ID, &c.OtherParticipant.ID, &c.OtherParticipant.DisplayName,
		&c.OtherParticipant.Email, &c.OtherParticipant.AvatarRef, &c.UnreadCount, &activity); err != nil {
		return nil, err
	}
	if activity > 0 {
		ts := time.UnixMilli(activity)
		c.LastActivityAt = &ts
	}
	return &c, nil
}

// ListConversations returns cached conversations, most recent activity
// first.
func (db *DB) ListConversations(limit, offset int) ([]model.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, peer_id, peer_name, peer_email, peer_avatar, unread_count, last_activity_at
		FROM conversations
		ORDER BY last_activity_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convos []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, err
		}
		convos = append(convos, *c)
	}
	return convos, rows.Err()
}

// GetConversation returns a single cached conversation, or nil if absent.
func (db *DB) GetConversation(id string) (*model.Conversation, error) {
	row := db.QueryRow(`
		SELECT id, peer_id, peer_name, peer_email, peer_avatar, unread_count, last_activity_at
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CountConversations returns the number of cached conversations.
func (db *DB) CountConversations() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&n)
	return n, err
}

// TotalUnread sums cached unread counts across conversations.
func (db *DB) TotalUnread() (int, error) {
	var total int
	err := db.QueryRow(`SELECT COALESCE(SUM(unread_count), 0) FROM conversations`).Scan(&total)
	return total, err
}
