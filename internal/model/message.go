package model

import (
	"errors"
	"time"
)

// Status is a message delivery lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// statusRank orders the happy-path lifecycle. Failed sits outside the
// ordering: it is only reachable from pending and is terminal.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanAdvance reports whether a transition from s to next is legal.
// Transitions never regress; read implies delivered, so sent -> read
// is allowed. failed is terminal and only reachable from pending.
func (s Status) CanAdvance(next Status) bool {
	if s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return s == StatusPending
	}
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// MessageType classifies a message payload.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeLocation MessageType = "location"
	TypeSystem   MessageType = "system"
)

// MediaRef points at an uploaded media object.
type MediaRef struct {
	URL      string
	Name     string
	Size     int64
	Duration time.Duration
}

// Message is a single entry in a conversation log. ID is assigned by the
// remote store on confirmation; until then CorrelationID (client-generated)
// identifies the row, and it is preserved through reconciliation so the
// presentation layer can treat the confirmed entry as the same logical row.
type Message struct {
	ID             string
	CorrelationID  string
	ConversationID string
	SenderID       string
	Type           MessageType
	Text           string
	Media          *MediaRef
	Status         Status
	Timestamp      time.Time
	Edited         bool
	ReplyTo        string
}

var (
	// ErrEmptyPayload is returned for a non-system message carrying
	// neither text nor a media reference.
	ErrEmptyPayload = errors.New("message has neither text nor media")
	// ErrAmbiguousPayload is returned for a message carrying both.
	ErrAmbiguousPayload = errors.New("message has both text and media")
)

// Validate enforces the payload invariant: non-system messages carry
// exactly one of text or media.
func (m *Message) Validate() error {
	if m.Type == TypeSystem {
		return nil
	}
	hasText := m.Text != ""
	hasMedia := m.Media != nil
	switch {
	case !hasText && !hasMedia:
		return ErrEmptyPayload
	case hasText && hasMedia:
		return ErrAmbiguousPayload
	}
	return nil
}

// Pending reports whether the message has not yet been confirmed by the
// remote store.
func (m *Message) Pending() bool {
	return m.Status == StatusPending || m.Status == StatusFailed
}

// Key returns the identity the merged view is keyed by: the correlation
// id while one exists, the confirmed id otherwise.
func (m *Message) Key() string {
	if m.CorrelationID != "" {
		return m.CorrelationID
	}
	return m.ID
}
