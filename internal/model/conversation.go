package model

import (
	"sort"
	"strings"
	"time"
)

// ConversationType distinguishes 1:1 chats from groups.
type ConversationType string

const (
	Direct ConversationType = "direct"
	Group  ConversationType = "group"
)

// Conversation is a messaging context with a fixed participant set.
// Direct conversations have a deterministic id derived from the pair;
// groups get an opaque generated id.
type Conversation struct {
	ID            string
	Type          ConversationType
	Name          string
	Description   string
	Participants  []string
	Admins        []string
	CreatedBy     string
	LastMessageID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DirectConversationID derives the deterministic id for a 1:1 chat:
// the two participant ids sorted and joined, so both sides compute the
// same id without coordination.
func DirectConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "_" + pair[1]
}

// IsParticipant reports whether id is a member of the conversation.
func (c *Conversation) IsParticipant(id string) bool {
	return contains(c.Participants, id)
}

// IsAdmin reports whether id holds admin privileges. Direct chats have
// no admins.
func (c *Conversation) IsAdmin(id string) bool {
	return contains(c.Admins, id)
}

// Clone returns a deep copy safe to hand out of the owning goroutine.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	cp.Admins = append([]string(nil), c.Admins...)
	return &cp
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// SortParticipants normalizes participant order for stable storage and
// comparison.
func SortParticipants(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

// SystemEvent names the group lifecycle change a system message records.
type SystemEvent string

const (
	EventGroupCreated  SystemEvent = "group_created"
	EventMemberAdded   SystemEvent = "member_added"
	EventMemberRemoved SystemEvent = "member_removed"
	EventAdminPromoted SystemEvent = "admin_promoted"
	EventAdminRemoved  SystemEvent = "admin_removed"
	EventGroupUpdated  SystemEvent = "group_updated"
)

// SystemText renders the canonical system message body for an event.
func SystemText(event SystemEvent, actor, subject string) string {
	switch event {
	case EventGroupCreated:
		return actor + " created the group"
	case EventMemberAdded:
		return actor + " added " + subject + " to the group"
	case EventMemberRemoved:
		if actor == subject {
			return subject + " left the group"
		}
		return subject + " was removed from the group"
	case EventAdminPromoted:
		return subject + " is now an admin"
	case EventAdminRemoved:
		return subject + " is no longer an admin"
	case EventGroupUpdated:
		return actor + " updated the group " + subject
	}
	return strings.TrimSpace(actor + " " + subject)
}
