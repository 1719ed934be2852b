// Package roster is the registry of conversations this client belongs
// to: deterministic 1:1 chats and groups with admin-gated membership
// operations. Group lifecycle changes are recorded as system messages in
// the remote log and mirrored into conversation metadata.
package roster

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/model"
	"chatsync/internal/remote"
	"chatsync/internal/unread"
)

// SystemSender attributes system messages in the log.
const SystemSender = "system"

// ErrNotFound is returned for an unknown conversation id.
var ErrNotFound = errors.New("roster: conversation not found")

// ErrNotGroup is returned when a group operation targets a direct chat.
var ErrNotGroup = errors.New("roster: not a group conversation")

// PermissionError rejects a privilege-gated group mutation with the
// specific reason, so the caller can show it.
type PermissionError struct {
	Conversation string
	Actor        string
	Reason       string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("roster: %s (conversation %s, actor %s)", e.Reason, e.Conversation, e.Actor)
}

// Roster owns conversation membership state.
type Roster struct {
	mu     sync.Mutex
	convs  map[string]*model.Conversation
	unread *unread.Counter
	log    remote.Log
	bus    *bus.Bus
	logger *zap.Logger
	clock  func() time.Time
}

// New creates an empty roster. log may be nil in tests that do not
// exercise system messages.
func New(counter *unread.Counter, log remote.Log, b *bus.Bus, logger *zap.Logger) *Roster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Roster{
		convs:  make(map[string]*model.Conversation),
		unread: counter,
		log:    log,
		bus:    b,
		logger: logger,
		clock:  time.Now,
	}
}

// CreateOrGetDirect returns the 1:1 conversation between two users,
// creating it under its deterministic id on first contact.
func (r *Roster) CreateOrGetDirect(me, other string) *model.Conversation {
	id := model.DirectConversationID(me, other)

	r.mu.Lock()
	if c, ok := r.convs[id]; ok {
		out := c.Clone()
		r.mu.Unlock()
		return out
	}
	now := r.clock()
	c := &model.Conversation{
		ID:           id,
		Type:         model.Direct,
		Participants: model.SortParticipants([]string{me, other}),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.convs[id] = c
	out := c.Clone()
	r.mu.Unlock()

	r.unread.Init(id, me, other)
	r.publish(out)
	return out
}

// CreateGroup creates a group conversation with the creator as its sole
// initial admin and records a group_created system message.
func (r *Roster) CreateGroup(ctx context.Context, creator, name, description string, participants []string) (*model.Conversation, error) {
	members := model.SortParticipants(append(participants, creator))
	members = slices.Compact(members)
	if len(members) == 0 {
		return nil, errors.New("roster: group needs participants")
	}

	now := r.clock()
	c := &model.Conversation{
		ID:           uuid.NewString(),
		Type:         model.Group,
		Name:         name,
		Description:  description,
		Participants: members,
		Admins:       []string{creator},
		CreatedBy:    creator,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	r.mu.Lock()
	r.convs[c.ID] = c
	out := c.Clone()
	r.mu.Unlock()

	r.unread.Init(c.ID, members...)
	r.system(ctx, c.ID, model.EventGroupCreated, creator, "")
	r.publish(out)
	return out, nil
}

// Get returns a copy of a conversation.
func (r *Roster) Get(conversationID string) (*model.Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[conversationID]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Conversations returns copies of every known conversation.
func (r *Roster) Conversations() []*model.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.Conversation, 0, len(r.convs))
	for _, c := range r.convs {
		out = append(out, c.Clone())
	}
	return out
}

// Restore re-registers a conversation loaded from the persistent cache.
func (r *Roster) Restore(c *model.Conversation) {
	r.mu.Lock()
	r.convs[c.ID] = c.Clone()
	r.mu.Unlock()
	r.unread.Init(c.ID, c.Participants...)
}

// AddMembers adds users to a group. Only admins may; members already
// present are skipped. Each added member gets a zeroed unread entry and
// a member_added system message.
func (r *Roster) AddMembers(ctx context.Context, groupID, actor string, memberIDs ...string) error {
	r.mu.Lock()
	c, err := r.groupLocked(groupID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if !c.IsAdmin(actor) {
		r.mu.Unlock()
		return &PermissionError{Conversation: groupID, Actor: actor, Reason: "only admins can add members"}
	}
	var added []string
	for _, id := range memberIDs {
		if !c.IsParticipant(id) {
			c.Participants = append(c.Participants, id)
			added = append(added, id)
		}
	}
	if len(added) == 0 {
		r.mu.Unlock()
		return nil
	}
	c.UpdatedAt = r.clock()
	out := c.Clone()
	r.mu.Unlock()

	r.unread.Init(groupID, added...)
	r.mirror(ctx, groupID, "participants", out.Participants)
	for _, id := range added {
		r.system(ctx, groupID, model.EventMemberAdded, actor, id)
	}
	r.publish(out)
	return nil
}

// RemoveMember removes a user from a group. Admins can remove anyone;
// a member may remove themselves (leave). The member's unread entry is
// deleted, not zeroed, and admin status is dropped with membership.
func (r *Roster) RemoveMember(ctx context.Context, groupID, actor, memberID string) error {
	r.mu.Lock()
	c, err := r.groupLocked(groupID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if !c.IsAdmin(actor) && actor != memberID {
		r.mu.Unlock()
		return &PermissionError{Conversation: groupID, Actor: actor, Reason: "only admins can remove members"}
	}
	if !c.IsParticipant(memberID) {
		r.mu.Unlock()
		return nil
	}
	c.Participants = remove(c.Participants, memberID)
	c.Admins = remove(c.Admins, memberID)
	c.UpdatedAt = r.clock()
	out := c.Clone()
	r.mu.Unlock()

	r.unread.Remove(groupID, memberID)
	r.mirror(ctx, groupID, "participants", out.Participants)
	r.system(ctx, groupID, model.EventMemberRemoved, actor, memberID)
	r.publish(out)
	return nil
}

// Leave removes the caller from a group.
func (r *Roster) Leave(ctx context.Context, groupID, userID string) error {
	return r.RemoveMember(ctx, groupID, userID, userID)
}

// PromoteAdmin grants admin privileges. Admin-gated; the target must be
// a participant; promoting an existing admin is a no-op.
func (r *Roster) PromoteAdmin(ctx context.Context, groupID, actor, memberID string) error {
	r.mu.Lock()
	c, err := r.groupLocked(groupID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if !c.IsAdmin(actor) {
		r.mu.Unlock()
		return &PermissionError{Conversation: groupID, Actor: actor, Reason: "only admins can promote members"}
	}
	if !c.IsParticipant(memberID) {
		r.mu.Unlock()
		return fmt.Errorf("roster: %s is not a member of %s", memberID, groupID)
	}
	if c.IsAdmin(memberID) {
		r.mu.Unlock()
		return nil
	}
	c.Admins = append(c.Admins, memberID)
	c.UpdatedAt = r.clock()
	out := c.Clone()
	r.mu.Unlock()

	r.mirror(ctx, groupID, "admins", out.Admins)
	r.system(ctx, groupID, model.EventAdminPromoted, actor, memberID)
	r.publish(out)
	return nil
}

// DemoteAdmin revokes admin privileges. Admin-gated; the group creator
// cannot be demoted.
func (r *Roster) DemoteAdmin(ctx context.Context, groupID, actor, memberID string) error {
	r.mu.Lock()
	c, err := r.groupLocked(groupID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if !c.IsAdmin(actor) {
		r.mu.Unlock()
		return &PermissionError{Conversation: groupID, Actor: actor, Reason: "only admins can remove admin privileges"}
	}
	if memberID == c.CreatedBy {
		r.mu.Unlock()
		return &PermissionError{Conversation: groupID, Actor: actor, Reason: "cannot demote the group creator"}
	}
	if !c.IsAdmin(memberID) {
		r.mu.Unlock()
		return nil
	}
	c.Admins = remove(c.Admins, memberID)
	c.UpdatedAt = r.clock()
	out := c.Clone()
	r.mu.Unlock()

	r.mirror(ctx, groupID, "admins", out.Admins)
	r.system(ctx, groupID, model.EventAdminRemoved, actor, memberID)
	r.publish(out)
	return nil
}

// InfoUpdate carries optional group metadata changes.
type InfoUpdate struct {
	Name        *string
	Description *string
}

// UpdateInfo changes group name and/or description. Admin-gated; the
// system message names the changed fields.
func (r *Roster) UpdateInfo(ctx context.Context, groupID, actor string, upd InfoUpdate) error {
	r.mu.Lock()
	c, err := r.groupLocked(groupID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if !c.IsAdmin(actor) {
		r.mu.Unlock()
		return &PermissionError{Conversation: groupID, Actor: actor, Reason: "only admins can update group info"}
	}
	var changed string
	if upd.Name != nil {
		c.Name = *upd.Name
		changed = "name"
	}
	if upd.Description != nil {
		c.Description = *upd.Description
		if changed != "" {
			changed += ", description"
		} else {
			changed = "description"
		}
	}
	if changed == "" {
		r.mu.Unlock()
		return nil
	}
	c.UpdatedAt = r.clock()
	out := c.Clone()
	r.mu.Unlock()

	if upd.Name != nil {
		r.mirror(ctx, groupID, "name", out.Name)
	}
	if upd.Description != nil {
		r.mirror(ctx, groupID, "description", out.Description)
	}
	r.system(ctx, groupID, model.EventGroupUpdated, actor, changed)
	r.publish(out)
	return nil
}

// DeleteGroup removes a group entirely. Only the creator may.
func (r *Roster) DeleteGroup(_ context.Context, groupID, actor string) error {
	r.mu.Lock()
	c, err := r.groupLocked(groupID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if actor != c.CreatedBy {
		r.mu.Unlock()
		return &PermissionError{Conversation: groupID, Actor: actor, Reason: "only the group creator can delete the group"}
	}
	delete(r.convs, groupID)
	r.mu.Unlock()

	r.unread.Drop(groupID)
	if r.bus != nil {
		r.bus.Publish(bus.Event{
			Kind:         bus.KindRosterDeleted,
			Conversation: groupID,
			Timestamp:    time.Now(),
			Payload:      groupID,
		})
	}
	return nil
}

// RecordLastMessage updates the conversation's last-message reference.
func (r *Roster) RecordLastMessage(conversationID, messageID string, at time.Time) {
	r.mu.Lock()
	c, ok := r.convs[conversationID]
	if ok {
		c.LastMessageID = messageID
		c.UpdatedAt = at
	}
	r.mu.Unlock()
}

func (r *Roster) groupLocked(groupID string) (*model.Conversation, error) {
	c, ok := r.convs[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Type != model.Group {
		return nil, ErrNotGroup
	}
	return c, nil
}

// system appends a system message to the remote log. Failures are logged
// and swallowed: membership state already changed and the log echo is
// advisory.
func (r *Roster) system(ctx context.Context, conversationID string, event model.SystemEvent, actor, subject string) {
	if r.log == nil {
		return
	}
	msg := model.Message{
		CorrelationID:  uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       SystemSender,
		Type:           model.TypeSystem,
		Text:           model.SystemText(event, actor, subject),
	}
	if _, _, err := r.log.Append(ctx, conversationID, msg); err != nil {
		r.logger.Warn("system message append failed",
			zap.String("conversation", conversationID),
			zap.String("event", string(event)),
			zap.Error(err))
	}
}

// mirror pushes a metadata field to the remote store, best effort.
func (r *Roster) mirror(ctx context.Context, conversationID, path string, value any) {
	if r.log == nil {
		return
	}
	if err := r.log.UpdateField(ctx, conversationID, path, value); err != nil {
		r.logger.Warn("metadata mirror failed",
			zap.String("conversation", conversationID),
			zap.String("path", path),
			zap.Error(err))
	}
}

func (r *Roster) publish(c *model.Conversation) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{
		Kind:         bus.KindRosterUpdated,
		Conversation: c.ID,
		Timestamp:    time.Now(),
		Payload:      c,
	})
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
