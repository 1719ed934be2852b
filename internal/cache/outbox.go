package cache

import (
	"time"

	"chatsync/internal/model"
)

// QueueOutbox persists a pending send so it survives a restart.
func (db *DB) QueueOutbox(m model.Message) error {
	media := m.Media
	if media == nil {
		media = &model.MediaRef{}
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (correlation_id, conversation_id, sender_id, kind, body,
			media_url, media_name, media_size, media_duration_ms, reply_to, status, timestamp, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?)
		ON CONFLICT(correlation_id) DO NOTHING`,
		m.CorrelationID, m.ConversationID, m.SenderID, string(m.Type), m.Text,
		media.URL, media.Name, media.Size, media.Duration.Milliseconds(),
		m.ReplyTo, m.Timestamp.UnixMilli(), now, now)
	return err
}

// MarkOutboxFailed flags a persisted entry as terminally failed.
func (db *DB) MarkOutboxFailed(correlationID, errMsg string) error {
	_, err := db.Exec(`
		UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ?
		WHERE correlation_id = ?`,
		errMsg, time.Now().UnixMilli(), correlationID)
	return err
}

// DeleteOutbox drops a persisted entry once it is reconciled or
// discarded.
func (db *DB) DeleteOutbox(correlationID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE correlation_id = ?`, correlationID)
	return err
}

// PendingOutbox returns entries that never reached the remote store,
// oldest first, for requeueing at startup.
func (db *DB) PendingOutbox() ([]model.Message, error) {
	rows, err := db.Query(`
		SELECT correlation_id, conversation_id, sender_id, kind, body,
			media_url, media_name, media_size, media_duration_ms, reply_to, timestamp
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var (
			m          model.Message
			kind       string
			url, name  string
			size       int64
			durationMS int64
			ts         int64
		)
		if err := rows.Scan(&m.CorrelationID, &m.ConversationID, &m.SenderID, &kind, &m.Text,
			&url, &name, &size, &durationMS, &m.ReplyTo, &ts); err != nil {
			return nil, err
		}
		m.Type = model.MessageType(kind)
		m.Status = model.StatusPending
		m.Timestamp = time.UnixMilli(ts).UTC()
		if url != "" {
			m.Media = &model.MediaRef{URL: url, Name: name, Size: size, Duration: time.Duration(durationMS) * time.Millisecond}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
