// Package remote defines the external collaborators the sync core talks
// to: the hosted message log and the blob store. Any poll-or-push backend
// can sit behind these interfaces.
package remote

import (
	"context"
	"time"

	"chatsync/internal/model"
)

// Batch is one delivery from a conversation subscription: confirmed
// messages (possibly overlapping earlier deliveries) and, when present,
// typing-state changes for participants.
type Batch struct {
	ConversationID string
	Messages       []model.Message
	Typing         map[string]bool
}

// Subscription is a live conversation stream. Done yields the terminal
// error when the stream drops; Cancel stops delivery.
type Subscription interface {
	Done() <-chan error
	Cancel()
}

// Log is the remote message store: an append-only per-conversation log
// with server-assigned ids and timestamps, push subscriptions, and
// dotted-path field updates for conversation metadata.
type Log interface {
	Append(ctx context.Context, conversationID string, msg model.Message) (confirmedID string, serverTime time.Time, err error)
	Subscribe(conversationID string, onBatch func(Batch)) (Subscription, error)
	UpdateField(ctx context.Context, conversationID, path string, value any) error
}

// BlobStore uploads media payloads ahead of the message append and
// returns the public URL to embed in the message.
type BlobStore interface {
	Upload(ctx context.Context, data []byte, path string) (url string, err error)
}
