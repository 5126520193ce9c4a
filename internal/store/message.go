package store

import (
	"time"

	"github.com/RehanRiaz5383/lmsinbox/internal/model"
)

// UpsertMessage inserts or updates a message, idempotent on
// (conversation_id, msg_id). Optimistic placeholders are not persisted;
// the cache only ever holds server-confirmed messages.
func (db *DB) UpsertMessage(m *model.Message) error {
	if m.IsTemp() {
		return nil
	}
	var path, name, mime, fileID string
	var size int64
	if m.Attachment != nil {
		path = m.Attachment.StoragePath
		name = m.Attachment.DisplayName
		mime = m.Attachment.MimeType
		size = m.Attachment.SizeBytes
		fileID = m.Attachment.FileID
	}
	_, err := db.Exec(`
		INSERT INTO messages (msg_id, conversation_id, sender_id, body, attachment_path, attachment_name, attachment_mime, attachment_size, attachment_file, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			body = excluded.body,
			is_read = excluded.is_read`,
		m.ID, m.ConversationID, m.SenderID, m.Body, path, name, mime, size, fileID, m.IsRead, m.CreatedAt.UnixMilli())
	return err
}

// ReplaceMessages swaps the cached history of one conversation for the
// fetched one in a single transaction.
func (db *DB) ReplaceMessages(conversationID string, msgs []model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	for i := range msgs {
		m := &msgs[i]
		if m.IsTemp() {
			continue
		}
		var path, name, mime, fileID string
		var size int64
		if m.Attachment != nil {
			path = m.Attachment.StoragePath
			name = m.Attachment.DisplayName
			mime = m.Attachment.MimeType
			size = m.Attachment.SizeBytes
			fileID = m.Attachment.FileID
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (msg_id, conversation_id, sender_id, body, attachment_path, attachment_name, attachment_mime, attachment_size, attachment_file, is_read, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
				body = excluded.body,
				is_read = excluded.is_read`,
			m.ID, m.ConversationID, m.SenderID, m.Body, path, name, mime, size, fileID, m.IsRead, m.CreatedAt.UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListMessages returns cached messages for a conversation using keyset
// pagination by creation time, oldest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT msg_id, conversation_id, sender_id, body, attachment_path, attachment_name, attachment_mime, attachment_size, attachment_file, is_read, created_at
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = ? AND created_at < ?
			ORDER BY created_at DESC
			LIMIT ?
		)
		ORDER BY created_at ASC`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var path, name, mime, fileID string
		var size, created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body,
			&path, &name, &mime, &size, &fileID, &m.IsRead, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMilli(created)
		if path != "" {
			m.Attachment = &model.Attachment{
				StoragePath: path, DisplayName: name, MimeType: mime,
				SizeBytes: size, FileID: fileID,
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
