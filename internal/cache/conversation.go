package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"chatsync/internal/model"
)

// UpsertConversation stores a conversation record, membership encoded as
// JSON arrays.
func (db *DB) UpsertConversation(c *model.Conversation) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	admins, err := json.Marshal(c.Admins)
	if err != nil {
		return fmt.Errorf("encode admins: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, kind, name, description, created_by, participants, admins, last_message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			participants = excluded.participants,
			admins = excluded.admins,
			last_message_id = excluded.last_message_id,
			updated_at = excluded.updated_at`,
		c.ID, string(c.Type), c.Name, c.Description, c.CreatedBy,
		string(participants), string(admins), c.LastMessageID,
		c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli())
	return err
}

// ListConversations returns every cached conversation, most recently
// updated first.
func (db *DB) ListConversations() ([]*model.Conversation, error) {
	rows, err := db.Query(`
		SELECT id, kind, name, description, created_by, participants, admins, last_message_id, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Conversation
	for rows.Next() {
		var (
			c                  model.Conversation
			kind               string
			participants       string
			admins             string
			createdAt, updated int64
		)
		if err := rows.Scan(&c.ID, &kind, &c.Name, &c.Description, &c.CreatedBy,
			&participants, &admins, &c.LastMessageID, &createdAt, &updated); err != nil {
			return nil, err
		}
		c.Type = model.ConversationType(kind)
		if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
			return nil, fmt.Errorf("decode participants for %s: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(admins), &c.Admins); err != nil {
			return nil, fmt.Errorf("decode admins for %s: %w", c.ID, err)
		}
		c.CreatedAt = time.UnixMilli(createdAt).UTC()
		c.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and everything under it.
func (db *DB) DeleteConversation(conversationID string) error {
	for _, q := range []string{
		`DELETE FROM hidden_messages WHERE conversation_id = ?`,
		`DELETE FROM outbox WHERE conversation_id = ?`,
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	} {
		if _, err := db.Exec(q, conversationID); err != nil {
			return err
		}
	}
	return nil
}
