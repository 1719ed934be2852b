package bus

import "time"

// Event kinds published by the sync core. The presentation layer drives
// its entire UI off these: it never polls the components directly.
const (
	KindViewUpdated   = "view.updated"        // payload []model.Message (merged view)
	KindSendFailed    = "message.send_failed" // payload outbox.SendFailure
	KindTypingChanged = "typing.changed"      // payload []string (typing participants)
	KindUnreadChanged = "unread.changed"      // payload map[string]int
	KindSyncState     = "sync.state_changed"  // payload status.Change
	KindRosterUpdated = "roster.updated"      // payload *model.Conversation
	KindRosterDeleted = "roster.deleted"      // payload conversation id string
)

// Event is a domain event published on the bus. Conversation scopes the
// event to one chat; it is empty for events that are not per-conversation.
type Event struct {
	Kind         string
	Conversation string
	Timestamp    time.Time
	Payload      any
}
