package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus. Subscriptions filter
// by kind prefix and optionally by conversation, so a chat screen can
// follow a single conversation while a chat list follows everything.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	prefix       string
	conversation string // empty = all conversations
	ch           chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Publish delivers evt to every matching subscriber. Delivery is
// non-blocking: a subscriber whose buffer is full misses the event.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		if sub.conversation != "" && sub.conversation != evt.Conversation {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Subscriber is backed up; drop rather than block the core.
		}
	}
}

// Subscribe returns a channel receiving events whose kind starts with
// prefix, plus an unsubscribe function.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(prefix, "", bufSize)
}

// SubscribeConversation is Subscribe restricted to one conversation's
// events.
func (b *Bus) SubscribeConversation(conversationID, prefix string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(prefix, conversationID, bufSize)
}

func (b *Bus) subscribe(prefix, conversationID string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{prefix: prefix, conversation: conversationID, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
