// Package presence tracks which participants are currently typing in
// each conversation, with automatic expiry so a client crashing mid-type
// never leaves a stuck indicator.
package presence

import (
	"sort"
	"sync"
	"time"

	"chatsync/internal/bus"
)

// DefaultTTL is how long a typing signal stays live without a refresh.
const DefaultTTL = 5 * time.Second

// Tracker is the per-conversation set of typing participants.
type Tracker struct {
	mu     sync.Mutex
	ttl    time.Duration
	typing map[string]map[string]time.Time // conversation -> participant -> expiry
	timers map[string]map[string]*time.Timer
	bus    *bus.Bus
	clock  func() time.Time
}

// NewTracker creates a tracker with the given expiry window; ttl <= 0
// uses DefaultTTL.
func NewTracker(ttl time.Duration, b *bus.Bus) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		ttl:    ttl,
		typing: make(map[string]map[string]time.Time),
		timers: make(map[string]map[string]*time.Timer),
		bus:    b,
		clock:  time.Now,
	}
}

// Set records that a participant started or stopped typing. Starting
// while already typing just refreshes the expiry; duplicate signals are
// idempotent and publish no extra events.
func (t *Tracker) Set(conversationID, participantID string, isTyping bool) {
	t.mu.Lock()
	changed := false
	if isTyping {
		set := t.typing[conversationID]
		if set == nil {
			set = make(map[string]time.Time)
			t.typing[conversationID] = set
		}
		if _, already := set[participantID]; !already {
			changed = true
		}
		set[participantID] = t.clock().Add(t.ttl)
		t.armTimer(conversationID, participantID)
	} else {
		changed = t.clearLocked(conversationID, participantID)
	}
	t.mu.Unlock()

	if changed {
		t.publish(conversationID)
	}
}

// Typing returns the current non-expired typing set for a conversation,
// sorted for stable presentation.
func (t *Tracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	var out []string
	for id, expiry := range t.typing[conversationID] {
		if expiry.After(now) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// armTimer schedules the auto-clear. Called with the lock held.
func (t *Tracker) armTimer(conversationID, participantID string) {
	timers := t.timers[conversationID]
	if timers == nil {
		timers = make(map[string]*time.Timer)
		t.timers[conversationID] = timers
	}
	if old := timers[participantID]; old != nil {
		old.Stop()
	}
	timers[participantID] = time.AfterFunc(t.ttl, func() {
		t.expire(conversationID, participantID)
	})
}

func (t *Tracker) expire(conversationID, participantID string) {
	t.mu.Lock()
	expiry, ok := t.typing[conversationID][participantID]
	// A refresh may have landed between the timer firing and this lock.
	if ok && expiry.After(t.clock()) {
		t.mu.Unlock()
		return
	}
	changed := t.clearLocked(conversationID, participantID)
	t.mu.Unlock()

	if changed {
		t.publish(conversationID)
	}
}

func (t *Tracker) clearLocked(conversationID, participantID string) bool {
	set, ok := t.typing[conversationID]
	if !ok {
		return false
	}
	if _, present := set[participantID]; !present {
		return false
	}
	delete(set, participantID)
	if timer := t.timers[conversationID][participantID]; timer != nil {
		timer.Stop()
		delete(t.timers[conversationID], participantID)
	}
	return true
}

func (t *Tracker) publish(conversationID string) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.Event{
		Kind:         bus.KindTypingChanged,
		Conversation: conversationID,
		Timestamp:    time.Now(),
		Payload:      t.Typing(conversationID),
	})
}
