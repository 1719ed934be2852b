package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"chatsync/internal/bus"
)

// State is a conversation subscription lifecycle state.
type State string

const (
	Unsubscribed State = "UNSUBSCRIBED"
	Subscribing  State = "SUBSCRIBING"
	Active       State = "ACTIVE"
	Error        State = "ERROR"
)

// validTransitions defines the subscription lifecycle: a clean close
// returns to Unsubscribed from anywhere, a dropped stream goes through
// Error and back to Subscribing for the backoff-retry loop.
var validTransitions = map[State][]State{
	Unsubscribed: {Subscribing},
	Subscribing:  {Active, Error, Unsubscribed},
	Active:       {Error, Unsubscribed},
	Error:        {Subscribing, Unsubscribed},
}

// Machine tracks one conversation's subscription state and rejects
// illegal transitions. State changes are published on the bus so the
// presentation layer can render a "reconnecting" indicator.
type Machine struct {
	mu           sync.RWMutex
	current      State
	conversation string
	bus          *bus.Bus
}

// NewMachine creates a machine for one conversation, starting Unsubscribed.
func NewMachine(conversationID string, b *bus.Bus) *Machine {
	return &Machine{
		current:      Unsubscribed,
		conversation: conversationID,
		bus:          b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to state to, returning an error if the
// lifecycle does not allow it.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid subscription transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:         bus.KindSyncState,
			Conversation: m.conversation,
			Timestamp:    time.Now(),
			Payload:      Change{From: from, To: to},
		})
	}
	return nil
}

// Change is the payload for subscription state change events.
type Change struct {
	From State
	To   State
}
