package cache

import (
	"time"

	"chatsync/internal/model"
)

// UpsertMessage stores a confirmed message, idempotent on
// (conversation_id, message_id). Status and body win on conflict so a
// later echo with a newer lifecycle state sticks.
func (db *DB) UpsertMessage(m model.Message) error {
	media := m.Media
	if media == nil {
		media = &model.MediaRef{}
	}
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, message_id, correlation_id, sender_id, kind, body,
			media_url, media_name, media_size, media_duration_ms, status, edited, reply_to, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, message_id) DO UPDATE SET
			body = excluded.body,
			status = excluded.status,
			edited = excluded.edited`,
		m.ConversationID, m.ID, m.CorrelationID, m.SenderID, string(m.Type), m.Text,
		media.URL, media.Name, media.Size, media.Duration.Milliseconds(),
		string(m.Status), m.Edited, m.ReplyTo, m.Timestamp.UnixMilli(), time.Now().UnixMilli())
	return err
}

// ListMessages returns a conversation's messages ordered by timestamp
// ascending, message id as tie-break.
func (db *DB) ListMessages(conversationID string) ([]model.Message, error) {
	rows, err := db.Query(`
		SELECT conversation_id, message_id, correlation_id, sender_id, kind, body,
			media_url, media_name, media_size, media_duration_ms, status, edited, reply_to, timestamp
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, message_id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var (
			m          model.Message
			kind, st   string
			url, name  string
			size       int64
			durationMS int64
			ts         int64
		)
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.CorrelationID, &m.SenderID, &kind, &m.Text,
			&url, &name, &size, &durationMS, &st, &m.Edited, &m.ReplyTo, &ts); err != nil {
			return nil, err
		}
		m.Type = model.MessageType(kind)
		m.Status = model.Status(st)
		m.Timestamp = time.UnixMilli(ts).UTC()
		if url != "" {
			m.Media = &model.MediaRef{URL: url, Name: name, Size: size, Duration: time.Duration(durationMS) * time.Millisecond}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteMessage removes a message (delete for everyone).
func (db *DB) DeleteMessage(conversationID, messageID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND message_id = ?`, conversationID, messageID)
	return err
}

// HideMessage records a per-viewer hide (delete for self).
func (db *DB) HideMessage(conversationID, messageID, viewerID string) error {
	_, err := db.Exec(`
		INSERT INTO hidden_messages (message_id, viewer_id, conversation_id)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id, viewer_id) DO NOTHING`,
		messageID, viewerID, conversationID)
	return err
}

// HiddenMessages returns the ids a viewer has hidden in a conversation.
func (db *DB) HiddenMessages(conversationID, viewerID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT message_id FROM hidden_messages
		WHERE conversation_id = ? AND viewer_id = ?`, conversationID, viewerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
