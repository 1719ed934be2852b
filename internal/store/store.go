// Package store holds the in-memory merged message log per conversation:
// remote-confirmed messages interleaved with still-pending outbox entries,
// ordered so every observer converges on the same view.
package store

import (
	"sort"
	"sync"
	"time"

	"chatsync/internal/bus"
	"chatsync/internal/model"
)

// PendingSource supplies the not-yet-confirmed outbox entries for a
// conversation. The outbox manager implements it.
type PendingSource interface {
	Pending(conversationID string) []model.Message
}

// Store is the local cache of confirmed messages per conversation.
// It merges remote snapshots idempotently and publishes the merged view
// on every mutation.
type Store struct {
	mu      sync.RWMutex
	viewer  string
	logs    map[string]map[string]*model.Message // conversation -> confirmed id -> message
	convOf  map[string]string                    // confirmed id -> conversation
	hidden  map[string]map[string]bool           // confirmed id -> viewers it is hidden from
	pending PendingSource
	bus     *bus.Bus
}

// New creates a store for the given local viewer identity. pending and b
// may be nil in tests that exercise only the confirmed log.
func New(viewer string, pending PendingSource, b *bus.Bus) *Store {
	return &Store{
		viewer:  viewer,
		logs:    make(map[string]map[string]*model.Message),
		convOf:  make(map[string]string),
		hidden:  make(map[string]map[string]bool),
		pending: pending,
		bus:     b,
	}
}

// UpsertRemoteBatch merges a batch of remote-confirmed messages into the
// conversation log. Re-applying an identical batch is a no-op. A message
// already present is updated in place, except that its lifecycle status
// never regresses: a stale echo carrying an earlier status is ignored.
// Returns the messages that were not previously in the log, so the caller
// can account unread increments exactly once.
func (s *Store) UpsertRemoteBatch(conversationID string, batch []model.Message) []model.Message {
	s.mu.Lock()
	log := s.logs[conversationID]
	if log == nil {
		log = make(map[string]*model.Message)
		s.logs[conversationID] = log
	}

	var added []model.Message
	for i := range batch {
		m := batch[i]
		if m.ID == "" {
			continue // confirmed messages only
		}
		existing, ok := log[m.ID]
		if !ok {
			cp := m
			log[m.ID] = &cp
			s.convOf[m.ID] = conversationID
			added = append(added, m)
			continue
		}
		if existing.Status != m.Status && !existing.Status.CanAdvance(m.Status) {
			// Out-of-order echo; keep the newer lifecycle state.
			m.Status = existing.Status
		}
		cp := m
		if cp.CorrelationID == "" {
			cp.CorrelationID = existing.CorrelationID
		}
		log[m.ID] = &cp
	}
	s.mu.Unlock()

	s.publish(conversationID)
	return added
}

// Get returns the merged, ordered view for a conversation: confirmed
// messages (minus those hidden for the local viewer) interleaved with
// pending outbox entries, ordered by timestamp ascending with id as
// tie-break. A pending entry sorts after any confirmed entry with an
// earlier-or-equal send time.
func (s *Store) Get(conversationID string) []model.Message {
	s.mu.RLock()
	merged := make([]model.Message, 0, len(s.logs[conversationID]))
	for _, m := range s.logs[conversationID] {
		if s.hidden[m.ID][s.viewer] {
			continue
		}
		merged = append(merged, *m)
	}
	s.mu.RUnlock()

	if s.pending != nil {
		merged = append(merged, s.pending.Pending(conversationID)...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := &merged[i], &merged[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Pending() != b.Pending() {
			return !a.Pending()
		}
		// Confirmed entries tie-break on the server id: the sender's
		// copy keeps its correlation id for row identity, but ordering
		// by Key would diverge from observers that never saw one.
		if a.ID != "" && b.ID != "" {
			return a.ID < b.ID
		}
		return a.Key() < b.Key()
	})
	return merged
}

// Contains reports whether a confirmed message is already in the log.
func (s *Store) Contains(messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.convOf[messageID]
	return ok
}

// AdvanceStatus applies a lifecycle transition to a confirmed message,
// ignoring regressions. Returns true if the status changed.
func (s *Store) AdvanceStatus(messageID string, to model.Status) bool {
	s.mu.Lock()
	conversationID, ok := s.convOf[messageID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	m := s.logs[conversationID][messageID]
	if !m.Status.CanAdvance(to) {
		s.mu.Unlock()
		return false
	}
	m.Status = to
	s.mu.Unlock()

	s.publish(conversationID)
	return true
}

// RemoveForEveryone deletes a message from the log entirely.
func (s *Store) RemoveForEveryone(messageID string) {
	s.mu.Lock()
	conversationID, ok := s.convOf[messageID]
	if ok {
		delete(s.logs[conversationID], messageID)
		delete(s.convOf, messageID)
		delete(s.hidden, messageID)
	}
	s.mu.Unlock()

	if ok {
		s.publish(conversationID)
	}
}

// RemoveForSelf hides a message from one viewer only; the log retains it
// for everyone else.
func (s *Store) RemoveForSelf(messageID, viewerID string) {
	s.mu.Lock()
	conversationID, ok := s.convOf[messageID]
	if ok {
		if s.hidden[messageID] == nil {
			s.hidden[messageID] = make(map[string]bool)
		}
		s.hidden[messageID][viewerID] = true
	}
	s.mu.Unlock()

	if ok {
		s.publish(conversationID)
	}
}

// DropConversation removes a conversation's entire log, e.g. after a
// group is deleted.
func (s *Store) DropConversation(conversationID string) {
	s.mu.Lock()
	for id := range s.logs[conversationID] {
		delete(s.convOf, id)
		delete(s.hidden, id)
	}
	delete(s.logs, conversationID)
	s.mu.Unlock()
}

// Publish re-emits the merged view for a conversation. The engine calls
// this after outbox-only mutations, which the store cannot observe.
func (s *Store) Publish(conversationID string) {
	s.publish(conversationID)
}

func (s *Store) publish(conversationID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:         bus.KindViewUpdated,
		Conversation: conversationID,
		Timestamp:    time.Now(),
		Payload:      s.Get(conversationID),
	})
}
