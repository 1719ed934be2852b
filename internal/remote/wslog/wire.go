package wslog

import (
	"time"

	"chatsync/internal/model"
)

// Frame types exchanged with the sync gateway.
const (
	frameAppend      = "append"
	frameAppendAck   = "append_ack"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameBatch       = "batch"
	frameUpdate      = "update"
	frameUpload      = "upload"
	frameUploadAck   = "upload_ack"
	frameError       = "error"
)

type frame struct {
	Type          string          `json:"type"`
	Conversation  string          `json:"conversation,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	MessageID     string          `json:"message_id,omitempty"`
	ServerTime    int64           `json:"server_ts,omitempty"` // unix millis
	Message       *wireMessage    `json:"message,omitempty"`
	Messages      []wireMessage   `json:"messages,omitempty"`
	Typing        map[string]bool `json:"typing,omitempty"`
	Path          string          `json:"path,omitempty"`
	Value         any             `json:"value,omitempty"`
	Data          []byte          `json:"data,omitempty"`
	URL           string          `json:"url,omitempty"`
	Error         string          `json:"error,omitempty"`
}

type wireMessage struct {
	ID            string `json:"id,omitempty"`
	Conversation  string `json:"conversation"`
	Sender        string `json:"sender"`
	Kind          string `json:"kind"`
	Text          string `json:"text,omitempty"`
	MediaURL      string `json:"media_url,omitempty"`
	MediaName     string `json:"media_name,omitempty"`
	MediaSize     int64  `json:"media_size,omitempty"`
	MediaDuration int64  `json:"media_duration_ms,omitempty"`
	Status        string `json:"status,omitempty"`
	Timestamp     int64  `json:"ts"` // unix millis
	Edited        bool   `json:"edited,omitempty"`
	ReplyTo       string `json:"reply_to,omitempty"`
}

func toWire(m model.Message) wireMessage {
	w := wireMessage{
		ID:           m.ID,
		Conversation: m.ConversationID,
		Sender:       m.SenderID,
		Kind:         string(m.Type),
		Text:         m.Text,
		Status:       string(m.Status),
		Timestamp:    m.Timestamp.UnixMilli(),
		Edited:       m.Edited,
		ReplyTo:      m.ReplyTo,
	}
	if m.Media != nil {
		w.MediaURL = m.Media.URL
		w.MediaName = m.Media.Name
		w.MediaSize = m.Media.Size
		w.MediaDuration = m.Media.Duration.Milliseconds()
	}
	return w
}

func fromWire(w wireMessage) model.Message {
	m := model.Message{
		ID:             w.ID,
		ConversationID: w.Conversation,
		SenderID:       w.Sender,
		Type:           model.MessageType(w.Kind),
		Text:           w.Text,
		Status:         model.Status(w.Status),
		Timestamp:      time.UnixMilli(w.Timestamp).UTC(),
		Edited:         w.Edited,
		ReplyTo:        w.ReplyTo,
	}
	if w.MediaURL != "" {
		m.Media = &model.MediaRef{
			URL:      w.MediaURL,
			Name:     w.MediaName,
			Size:     w.MediaSize,
			Duration: time.Duration(w.MediaDuration) * time.Millisecond,
		}
	}
	return m
}
