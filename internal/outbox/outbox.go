// Package outbox tracks locally originated messages from creation until
// the remote store confirms them, including the bounded retry policy and
// the failed-terminal state callers recover from via resend.
package outbox

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/model"
)

// Entry is one pending send. The correlation id is client-generated and
// stable across retry attempts; it is discarded in favor of the
// store-confirmed id at reconciliation.
type Entry struct {
	CorrelationID  string
	ConversationID string
	Message        model.Message
	Attempts       int
	LastAttempt    time.Time
	Terminal       bool
	Err            error
	createdAt      time.Time
}

// SendFailure is published on the bus when a send exhausts its retries.
// Message carries the original content untouched, so the caller can
// resend without retyping.
type SendFailure struct {
	CorrelationID  string
	ConversationID string
	Message        model.Message
	Err            error
}

// RetryPolicy bounds send attempts. Backoff grows exponentially from Base.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
}

// DefaultRetryPolicy matches the minimum the send contract requires:
// three attempts with exponential backoff.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Base: 500 * time.Millisecond}

// Backoff returns the delay before the given attempt (1-based). The first
// attempt is immediate.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.Base
	for i := 2; i < attempt; i++ {
		d *= 2
	}
	return d
}

var (
	// ErrUnknownEntry is returned for operations on a correlation id the
	// manager is not tracking.
	ErrUnknownEntry = errors.New("outbox: unknown entry")
	// ErrNotFailed is returned when resend is attempted on an entry that
	// has not terminally failed.
	ErrNotFailed = errors.New("outbox: entry has not failed")
)

// Manager owns every in-flight send. The sync engine serializes
// mutations per conversation, but the manager spans conversations and
// guards itself.
type Manager struct {
	mu         sync.Mutex
	entries    map[string]*Entry // correlation id -> entry
	reconciled map[string]string // confirmed id -> correlation id
	clock      func() time.Time
}

// NewManager creates an empty outbox manager.
func NewManager() *Manager {
	return &Manager{
		entries:    make(map[string]*Entry),
		reconciled: make(map[string]string),
		clock:      time.Now,
	}
}

// Create registers a new pending send with a fresh correlation id and an
// optimistic local timestamp, and returns a copy of the entry.
func (m *Manager) Create(conversationID, senderID string, draft model.Message) Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if draft.Media != nil {
		media := *draft.Media
		draft.Media = &media
	}
	draft.CorrelationID = uuid.NewString()
	draft.ConversationID = conversationID
	draft.SenderID = senderID
	draft.Status = model.StatusPending
	draft.Timestamp = now

	e := &Entry{
		CorrelationID:  draft.CorrelationID,
		ConversationID: conversationID,
		Message:        draft,
		createdAt:      now,
	}
	m.entries[e.CorrelationID] = e
	return *e
}

// Restore re-registers an entry recovered from the persistent cache after
// a restart, keeping its original correlation id and timestamp.
func (m *Manager) Restore(conversationID string, msg model.Message) Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg.Status = model.StatusPending
	e := &Entry{
		CorrelationID:  msg.CorrelationID,
		ConversationID: conversationID,
		Message:        msg,
		createdAt:      msg.Timestamp,
	}
	m.entries[e.CorrelationID] = e
	return *e
}

// Pending returns the unreconciled entries for a conversation, oldest
// first, as messages for the merged view. Failed entries stay visible
// until the caller resends or discards them.
func (m *Manager) Pending(conversationID string) []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Entry
	for _, e := range m.entries {
		if e.ConversationID == conversationID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.Before(out[j].createdAt) })

	msgs := make([]model.Message, len(out))
	for i, e := range out {
		msgs[i] = e.Message
	}
	return msgs
}

// SetMediaURL records an uploaded blob URL on a pending entry by
// swapping in a fresh MediaRef; message copies handed out earlier are
// never written through.
func (m *Manager) SetMediaURL(correlationID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[correlationID]
	if !ok {
		return ErrUnknownEntry
	}
	if e.Message.Media == nil {
		return nil
	}
	media := *e.Message.Media
	media.URL = url
	e.Message.Media = &media
	return nil
}

// RecordAttempt bumps the attempt counter before a delivery try and
// returns the new count.
func (m *Manager) RecordAttempt(correlationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[correlationID]
	if !ok {
		return 0, ErrUnknownEntry
	}
	e.Attempts++
	e.LastAttempt = m.clock()
	return e.Attempts, nil
}

// MarkSent reconciles a pending entry with its remote confirmation: the
// entry is destroyed and the confirmed message is returned, carrying the
// server id and timestamp but keeping the correlation id so the merged
// view treats it as the same logical row. Returns false for unknown or
// already-terminal entries (a stale ack after cancellation).
func (m *Manager) MarkSent(correlationID, confirmedID string, serverTime time.Time) (model.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[correlationID]
	if !ok || e.Terminal {
		return model.Message{}, false
	}
	msg := e.Message
	msg.ID = confirmedID
	msg.Status = model.StatusSent
	msg.Timestamp = serverTime

	delete(m.entries, correlationID)
	m.reconciled[confirmedID] = correlationID
	return msg, true
}

// MarkFailed moves a pending entry to the terminal failed state,
// preserving its content. Returns the entry for failure reporting.
func (m *Manager) MarkFailed(correlationID string, cause error) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[correlationID]
	if !ok {
		return Entry{}, ErrUnknownEntry
	}
	if e.Terminal {
		return *e, nil
	}
	e.Terminal = true
	e.Err = cause
	e.Message.Status = model.StatusFailed
	return *e, nil
}

// Resend creates a brand-new pending entry carrying the failed entry's
// content under a fresh correlation id. The failed entry is destroyed;
// its correlation id is never reused.
func (m *Manager) Resend(correlationID string) (Entry, error) {
	m.mu.Lock()
	e, ok := m.entries[correlationID]
	if !ok {
		m.mu.Unlock()
		return Entry{}, ErrUnknownEntry
	}
	if !e.Terminal {
		m.mu.Unlock()
		return Entry{}, ErrNotFailed
	}
	delete(m.entries, correlationID)
	conversationID, senderID := e.ConversationID, e.Message.SenderID
	draft := e.Message
	draft.Status = ""
	draft.CorrelationID = ""
	m.mu.Unlock()

	return m.Create(conversationID, senderID, draft), nil
}

// Discard drops a failed entry without resending it.
func (m *Manager) Discard(correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[correlationID]
	if !ok {
		return ErrUnknownEntry
	}
	if !e.Terminal {
		return ErrNotFailed
	}
	delete(m.entries, correlationID)
	return nil
}

// CorrelationFor maps a store-confirmed id back to the correlation id of
// the local send it reconciled, if any. The engine uses this to infer the
// delivered transition when the subscription echoes the message back.
func (m *Manager) CorrelationFor(confirmedID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.reconciled[confirmedID]
	return id, ok
}

// DropReconciled forgets a confirmed-id mapping once the delivered
// inference for it has fired, so the map stays bounded by in-flight
// sends rather than session history.
func (m *Manager) DropReconciled(confirmedID string) {
	m.mu.Lock()
	delete(m.reconciled, confirmedID)
	m.mu.Unlock()
}

// Entry returns a copy of a tracked entry.
func (m *Manager) Entry(correlationID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[correlationID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}
