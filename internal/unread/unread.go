// Package unread maintains per-conversation, per-participant unread
// counts with atomic increment and reset semantics, independent of how
// the remote store represents its nested counter maps.
package unread

import (
	"maps"
	"sync"
	"time"

	"chatsync/internal/bus"
)

// Counter tracks unread counts for every participant of every
// conversation this client knows about.
type Counter struct {
	mu     sync.Mutex
	counts map[string]map[string]int // conversation -> participant -> count
	bus    *bus.Bus
}

// NewCounter creates an empty counter.
func NewCounter(b *bus.Bus) *Counter {
	return &Counter{
		counts: make(map[string]map[string]int),
		bus:    b,
	}
}

// Init ensures a zeroed entry exists for a participant, e.g. when they
// join a group. Existing counts are left alone.
func (c *Counter) Init(conversationID string, participantIDs ...string) {
	c.mu.Lock()
	m := c.ensure(conversationID)
	for _, id := range participantIDs {
		if _, ok := m[id]; !ok {
			m[id] = 0
		}
	}
	c.mu.Unlock()
	c.publish(conversationID)
}

// OnMessageAppended increments the count for every participant except
// the sender. The whole batch of increments is applied atomically with
// respect to concurrent calls.
func (c *Counter) OnMessageAppended(conversationID, senderID string, participantIDs []string) {
	c.mu.Lock()
	m := c.ensure(conversationID)
	for _, id := range participantIDs {
		if id != senderID {
			m[id]++
		}
	}
	c.mu.Unlock()
	c.publish(conversationID)
}

// OnConversationRead resets the viewer's count to zero.
func (c *Counter) OnConversationRead(conversationID, viewerID string) {
	c.mu.Lock()
	m := c.ensure(conversationID)
	m[viewerID] = 0
	c.mu.Unlock()
	c.publish(conversationID)
}

// Remove deletes a participant's entry entirely; a member who left a
// group has no counter, not a zeroed one.
func (c *Counter) Remove(conversationID, participantID string) {
	c.mu.Lock()
	delete(c.counts[conversationID], participantID)
	c.mu.Unlock()
	c.publish(conversationID)
}

// Drop discards all state for a conversation.
func (c *Counter) Drop(conversationID string) {
	c.mu.Lock()
	delete(c.counts, conversationID)
	c.mu.Unlock()
}

// Get returns one participant's count.
func (c *Counter) Get(conversationID, participantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[conversationID][participantID]
}

// Counts returns a copy of the conversation's counter map.
func (c *Counter) Counts(conversationID string) map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counts[conversationID]))
	maps.Copy(out, c.counts[conversationID])
	return out
}

func (c *Counter) ensure(conversationID string) map[string]int {
	m := c.counts[conversationID]
	if m == nil {
		m = make(map[string]int)
		c.counts[conversationID] = m
	}
	return m
}

func (c *Counter) publish(conversationID string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{
		Kind:         bus.KindUnreadChanged,
		Conversation: conversationID,
		Timestamp:    time.Now(),
		Payload:      c.Counts(conversationID),
	})
}
