// Package engine orchestrates the sync core. It owns the remote
// subscriptions and funnels every mutation for a conversation through
// one goroutine, so optimistic local sends reconcile cleanly with the
// confirmed state echoed back by the remote log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/cache"
	"chatsync/internal/model"
	"chatsync/internal/outbox"
	"chatsync/internal/presence"
	"chatsync/internal/remote"
	"chatsync/internal/roster"
	"chatsync/internal/store"
	"chatsync/internal/unread"
)

// ErrClosed is returned for operations on a stopped engine.
var ErrClosed = errors.New("engine: stopped")

// Params collects the engine's collaborators. Cache may be nil for a
// purely in-memory client.
type Params struct {
	Self     string
	Log      remote.Log
	Blobs    remote.BlobStore
	Store    *store.Store
	Outbox   *outbox.Manager
	Presence *presence.Tracker
	Unread   *unread.Counter
	Roster   *roster.Roster
	Cache    *cache.DB
	Bus      *bus.Bus
	Logger   *zap.Logger

	Retry         outbox.RetryPolicy
	ReconnectBase time.Duration
}

// Engine is the conversation sync engine.
type Engine struct {
	p      Params
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	sessions   map[string]*session
	deliveries map[string]chan outbox.Entry // conversation -> serialized send queue
	media      map[string][]byte            // correlation id -> bytes awaiting upload
	started    bool
}

// New creates an engine; call Start before use.
func New(p Params) *Engine {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Retry.MaxAttempts < outbox.DefaultRetryPolicy.MaxAttempts {
		p.Retry = outbox.DefaultRetryPolicy
	}
	if p.ReconnectBase <= 0 {
		p.ReconnectBase = time.Second
	}
	return &Engine{
		p:          p,
		logger:     p.Logger,
		sessions:   make(map[string]*session),
		deliveries: make(map[string]chan outbox.Entry),
		media:      make(map[string][]byte),
	}
}

// Start restores state from the persistent cache (known conversations,
// hidden messages, sends that never reached the remote) and resumes the
// interrupted sends.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if e.p.Cache == nil {
		return nil
	}
	go e.persistRoster()

	convs, err := e.p.Cache.ListConversations()
	if err != nil {
		return fmt.Errorf("restore conversations: %w", err)
	}
	for _, c := range convs {
		e.p.Roster.Restore(c)
	}

	pending, err := e.p.Cache.PendingOutbox()
	if err != nil {
		return fmt.Errorf("restore outbox: %w", err)
	}
	for _, msg := range pending {
		entry := e.p.Outbox.Restore(msg.ConversationID, msg)
		e.logger.Info("resuming interrupted send",
			zap.String("conversation", entry.ConversationID),
			zap.String("correlation_id", entry.CorrelationID))
		e.enqueue(entry)
	}
	return nil
}

// Stop tears the engine down. In-flight sends are abandoned at the next
// attempt boundary; their outbox rows survive in the cache and resume on
// the next Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = make(map[string]*session)
	e.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	if e.cancel != nil {
		e.cancel()
	}
}

// Open subscribes to a conversation: warm-loads the local cache into the
// merged view, then attaches to the remote stream. Idempotent.
func (e *Engine) Open(conversationID string) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrClosed
	}
	if _, ok := e.sessions[conversationID]; ok {
		e.mu.Unlock()
		return nil
	}
	s := newSession(e, conversationID)
	e.sessions[conversationID] = s
	e.mu.Unlock()

	s.start()
	return nil
}

// Close detaches from a conversation's remote stream. Sends already in
// flight run to completion; only delivery of further updates stops.
func (e *Engine) Close(conversationID string) {
	e.mu.Lock()
	s := e.sessions[conversationID]
	delete(e.sessions, conversationID)
	e.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// SendText queues a text message for a conversation and returns its
// correlation id immediately; confirmation arrives through the merged
// view stream, not here.
func (e *Engine) SendText(conversationID, text string, replyTo string) (string, error) {
	return e.send(conversationID, model.Message{
		Type:    model.TypeText,
		Text:    text,
		ReplyTo: replyTo,
	}, nil)
}

// SendMedia uploads the payload to the blob store as part of delivery
// and sends the resulting reference.
func (e *Engine) SendMedia(conversationID string, mediaType model.MessageType, data []byte, name string, duration time.Duration) (string, error) {
	return e.send(conversationID, model.Message{
		Type: mediaType,
		Media: &model.MediaRef{
			Name:     name,
			Size:     int64(len(data)),
			Duration: duration,
		},
	}, data)
}

func (e *Engine) send(conversationID string, draft model.Message, data []byte) (string, error) {
	e.mu.Lock()
	if !e.started || e.ctx.Err() != nil {
		e.mu.Unlock()
		return "", ErrClosed
	}
	e.mu.Unlock()

	if draft.Media != nil && draft.Media.URL == "" && len(data) == 0 {
		return "", errors.New("engine: media message without payload")
	}
	if err := draft.Validate(); err != nil {
		return "", err
	}

	entry := e.p.Outbox.Create(conversationID, e.p.Self, draft)
	if len(data) > 0 {
		e.mu.Lock()
		e.media[entry.CorrelationID] = data
		e.mu.Unlock()
	}
	if e.p.Cache != nil {
		if err := e.p.Cache.QueueOutbox(entry.Message); err != nil {
			e.logger.Warn("outbox persist failed", zap.Error(err))
		}
	}

	// Optimistic publish: the pending entry shows up in the merged view
	// before any network round trip.
	e.exec(conversationID, func() { e.p.Store.Publish(conversationID) })

	e.enqueue(entry)
	return entry.CorrelationID, nil
}

// Resend retries a terminally failed send under a brand-new correlation
// id; the failed entry's content travels with it unmodified.
func (e *Engine) Resend(failedCorrelationID string) (string, error) {
	old, ok := e.p.Outbox.Entry(failedCorrelationID)
	if !ok {
		return "", outbox.ErrUnknownEntry
	}
	fresh, err := e.p.Outbox.Resend(failedCorrelationID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if data, ok := e.media[failedCorrelationID]; ok {
		e.media[fresh.CorrelationID] = data
		delete(e.media, failedCorrelationID)
	}
	e.mu.Unlock()

	if e.p.Cache != nil {
		_ = e.p.Cache.DeleteOutbox(failedCorrelationID)
		if err := e.p.Cache.QueueOutbox(fresh.Message); err != nil {
			e.logger.Warn("outbox persist failed", zap.Error(err))
		}
	}

	conversationID := old.ConversationID
	e.exec(conversationID, func() { e.p.Store.Publish(conversationID) })
	e.enqueue(fresh)
	return fresh.CorrelationID, nil
}

// DiscardFailed drops a failed send from the merged view without
// retrying it.
func (e *Engine) DiscardFailed(correlationID string) error {
	entry, ok := e.p.Outbox.Entry(correlationID)
	if !ok {
		return outbox.ErrUnknownEntry
	}
	if err := e.p.Outbox.Discard(correlationID); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.media, correlationID)
	e.mu.Unlock()
	if e.p.Cache != nil {
		_ = e.p.Cache.DeleteOutbox(correlationID)
	}
	e.exec(entry.ConversationID, func() { e.p.Store.Publish(entry.ConversationID) })
	return nil
}

// SetTyping records the local user's typing state and mirrors it out so
// other participants see it.
func (e *Engine) SetTyping(conversationID string, isTyping bool) {
	e.exec(conversationID, func() {
		e.p.Presence.Set(conversationID, e.p.Self, isTyping)
		if err := e.p.Log.UpdateField(e.ctx, conversationID, "typing."+e.p.Self, isTyping); err != nil {
			e.logger.Debug("typing mirror failed", zap.Error(err))
		}
	})
}

// MarkRead zeroes the local user's unread count and pushes read
// receipts for every confirmed message from other senders.
func (e *Engine) MarkRead(conversationID string) {
	e.exec(conversationID, func() {
		e.p.Unread.OnConversationRead(conversationID, e.p.Self)
		if err := e.p.Log.UpdateField(e.ctx, conversationID, "unread."+e.p.Self, 0); err != nil {
			e.logger.Debug("unread mirror failed", zap.Error(err))
		}
		for _, m := range e.p.Store.Get(conversationID) {
			if m.ID == "" || m.SenderID == e.p.Self || m.SenderID == roster.SystemSender {
				continue
			}
			if m.Status == model.StatusRead {
				continue
			}
			e.p.Store.AdvanceStatus(m.ID, model.StatusRead)
			if err := e.p.Log.UpdateField(e.ctx, conversationID, "messages."+m.ID+".status", model.StatusRead); err != nil {
				e.logger.Debug("read receipt failed", zap.String("message", m.ID), zap.Error(err))
			}
			if e.p.Cache != nil {
				m.Status = model.StatusRead
				_ = e.p.Cache.UpsertMessage(m)
			}
		}
	})
}

// RemoveForEveryone deletes a confirmed message for all participants.
func (e *Engine) RemoveForEveryone(conversationID, messageID string) {
	e.exec(conversationID, func() {
		e.p.Store.RemoveForEveryone(messageID)
		if e.p.Cache != nil {
			_ = e.p.Cache.DeleteMessage(conversationID, messageID)
		}
		if err := e.p.Log.UpdateField(e.ctx, conversationID, "messages."+messageID+".deleted", true); err != nil {
			e.logger.Warn("remote delete failed", zap.String("message", messageID), zap.Error(err))
		}
	})
}

// RemoveForSelf hides a message from the local user only.
func (e *Engine) RemoveForSelf(conversationID, messageID string) {
	e.exec(conversationID, func() {
		e.p.Store.RemoveForSelf(messageID, e.p.Self)
		if e.p.Cache != nil {
			_ = e.p.Cache.HideMessage(conversationID, messageID, e.p.Self)
		}
	})
}

// DeleteGroup removes a group and all its local state. Creator-gated by
// the roster.
func (e *Engine) DeleteGroup(ctx context.Context, groupID string) error {
	if err := e.p.Roster.DeleteGroup(ctx, groupID, e.p.Self); err != nil {
		return err
	}
	e.Close(groupID)
	e.p.Store.DropConversation(groupID)
	if e.p.Cache != nil {
		_ = e.p.Cache.DeleteConversation(groupID)
	}
	return nil
}

// View returns the current merged view for a conversation.
func (e *Engine) View(conversationID string) []model.Message {
	return e.p.Store.Get(conversationID)
}

// Typing returns the conversation's current typing set.
func (e *Engine) Typing(conversationID string) []string {
	return e.p.Presence.Typing(conversationID)
}

// Unread returns the local user's unread count for a conversation.
func (e *Engine) Unread(conversationID string) int {
	return e.p.Unread.Get(conversationID, e.p.Self)
}

// exec runs fn on the conversation's serial loop when one is live, or
// inline otherwise (the components are individually safe; the loop only
// adds cross-component consistency while a subscription is active).
func (e *Engine) exec(conversationID string, fn func()) {
	e.mu.Lock()
	s := e.sessions[conversationID]
	e.mu.Unlock()
	if s != nil {
		s.do(fn)
		return
	}
	fn()
}

// enqueue hands an outbox entry to its conversation's delivery queue.
// One queue worker per conversation keeps this client's appends in send
// order while backoff sleeps stay off the session loop.
func (e *Engine) enqueue(entry outbox.Entry) {
	e.mu.Lock()
	q, ok := e.deliveries[entry.ConversationID]
	if !ok {
		q = make(chan outbox.Entry, 128)
		e.deliveries[entry.ConversationID] = q
		go e.deliveryLoop(q)
	}
	e.mu.Unlock()

	select {
	case q <- entry:
	case <-e.ctx.Done():
	}
}

func (e *Engine) deliveryLoop(q chan outbox.Entry) {
	for {
		select {
		case entry := <-q:
			e.deliver(entry)
		case <-e.ctx.Done():
			return
		}
	}
}

// deliver pushes one outbox entry to the remote store under the bounded
// retry policy: upload media if needed, append, reconcile on ack. A
// failed entry only becomes terminal after the policy is exhausted.
func (e *Engine) deliver(entry outbox.Entry) {
	conversationID := entry.ConversationID
	msg := entry.Message

	var lastErr error
	for attempt := 1; attempt <= e.p.Retry.MaxAttempts; attempt++ {
		if wait := e.p.Retry.Backoff(attempt); wait > 0 {
			select {
			case <-time.After(wait):
			case <-e.ctx.Done():
				return
			}
		}
		if _, err := e.p.Outbox.RecordAttempt(entry.CorrelationID); err != nil {
			return // reconciled or discarded underneath us
		}

		if msg.Media != nil && msg.Media.URL == "" {
			e.mu.Lock()
			data := e.media[entry.CorrelationID]
			e.mu.Unlock()
			url, err := e.p.Blobs.Upload(e.ctx, data, blobPath(conversationID, entry.CorrelationID, msg.Media.Name))
			if err != nil {
				lastErr = fmt.Errorf("upload media: %w", err)
				e.logger.Warn("media upload failed",
					zap.String("correlation_id", entry.CorrelationID),
					zap.Int("attempt", attempt),
					zap.Error(err))
				continue
			}
			// Swap in a fresh ref: copies already handed out to views
			// keep the URL-less one rather than changing underfoot.
			media := *msg.Media
			media.URL = url
			msg.Media = &media
			if err := e.p.Outbox.SetMediaURL(entry.CorrelationID, url); err != nil {
				return // reconciled or discarded underneath us
			}
		}

		confirmedID, serverTime, err := e.p.Log.Append(e.ctx, conversationID, msg)
		if err == nil {
			e.exec(conversationID, func() {
				e.reconcile(conversationID, entry.CorrelationID, confirmedID, serverTime)
			})
			return
		}
		lastErr = err
		e.logger.Warn("append failed",
			zap.String("conversation", conversationID),
			zap.String("correlation_id", entry.CorrelationID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	e.exec(conversationID, func() { e.fail(conversationID, entry.CorrelationID, lastErr) })
}

// reconcile swaps the pending entry for its confirmed form: same
// logical row (correlation id preserved), confirmed id and server
// timestamp, status sent. If the subscription echoed the message before
// the ack landed, the round trip already happened and the message is
// delivered.
func (e *Engine) reconcile(conversationID, correlationID, confirmedID string, serverTime time.Time) {
	echoSeen := e.p.Store.Contains(confirmedID)

	confirmed, ok := e.p.Outbox.MarkSent(correlationID, confirmedID, serverTime)
	if !ok {
		return
	}
	e.mu.Lock()
	delete(e.media, correlationID)
	e.mu.Unlock()

	first := !echoSeen
	e.p.Store.UpsertRemoteBatch(conversationID, []model.Message{confirmed})
	if echoSeen {
		// The echo already round-tripped; the delivered inference has
		// fired, so the confirmed-id mapping is no longer needed.
		e.p.Store.AdvanceStatus(confirmedID, model.StatusDelivered)
		confirmed.Status = model.StatusDelivered
		e.p.Outbox.DropReconciled(confirmedID)
	}
	if first {
		e.accountNew(conversationID, confirmed)
	}
	if e.p.Cache != nil {
		_ = e.p.Cache.DeleteOutbox(correlationID)
		_ = e.p.Cache.UpsertMessage(confirmed)
	}
}

func (e *Engine) fail(conversationID, correlationID string, cause error) {
	failed, err := e.p.Outbox.MarkFailed(correlationID, cause)
	if err != nil {
		return
	}
	e.logger.Error("send failed after retries",
		zap.String("conversation", conversationID),
		zap.String("correlation_id", correlationID),
		zap.Error(cause))
	if e.p.Cache != nil {
		msg := "send failed"
		if cause != nil {
			msg = cause.Error()
		}
		_ = e.p.Cache.MarkOutboxFailed(correlationID, msg)
	}
	e.p.Store.Publish(conversationID)
	e.p.Bus.Publish(bus.Event{
		Kind:         bus.KindSendFailed,
		Conversation: conversationID,
		Timestamp:    time.Now(),
		Payload: outbox.SendFailure{
			CorrelationID:  correlationID,
			ConversationID: conversationID,
			Message:        failed.Message,
			Err:            cause,
		},
	})
}

// handleBatch applies one remote delivery: merge messages, account
// unread for newly confirmed ones, infer delivered for our own echoed
// sends, and fan out typing changes. All of it is idempotent against
// duplicate echoes.
func (e *Engine) handleBatch(conversationID string, b remote.Batch) {
	if len(b.Messages) > 0 {
		added := e.p.Store.UpsertRemoteBatch(conversationID, b.Messages)
		for _, m := range added {
			e.accountNew(conversationID, m)
		}
		for _, m := range b.Messages {
			if _, ours := e.p.Outbox.CorrelationFor(m.ID); ours {
				// Our send round-tripped through the remote store.
				if e.p.Store.AdvanceStatus(m.ID, model.StatusDelivered) && e.p.Cache != nil {
					m.Status = model.StatusDelivered
					_ = e.p.Cache.UpsertMessage(m)
				}
				e.p.Outbox.DropReconciled(m.ID)
			} else if e.p.Cache != nil {
				_ = e.p.Cache.UpsertMessage(m)
			}
		}
	}
	for participantID, isTyping := range b.Typing {
		e.p.Presence.Set(conversationID, participantID, isTyping)
	}
}

// persistRoster follows roster events on the bus and mirrors membership
// changes into the cache, so conversations survive restarts.
func (e *Engine) persistRoster() {
	events, cancel := e.p.Bus.Subscribe("roster.", 64)
	defer cancel()
	for {
		select {
		case evt := <-events:
			switch evt.Kind {
			case bus.KindRosterUpdated:
				c, ok := evt.Payload.(*model.Conversation)
				if !ok {
					continue
				}
				if err := e.p.Cache.UpsertConversation(c); err != nil {
					e.logger.Warn("conversation persist failed",
						zap.String("conversation", c.ID), zap.Error(err))
				}
			case bus.KindRosterDeleted:
				if err := e.p.Cache.DeleteConversation(evt.Conversation); err != nil {
					e.logger.Warn("conversation delete failed",
						zap.String("conversation", evt.Conversation), zap.Error(err))
				}
			}
		case <-e.ctx.Done():
			return
		}
	}
}

// accountNew performs the once-per-message bookkeeping for a message
// newly confirmed in the merged view.
func (e *Engine) accountNew(conversationID string, m model.Message) {
	e.p.Roster.RecordLastMessage(conversationID, m.ID, m.Timestamp)
	if m.Type == model.TypeSystem {
		return
	}
	e.p.Unread.OnMessageAppended(conversationID, m.SenderID, e.participants(conversationID, m.SenderID))
}

// participants resolves the conversation's membership for unread
// fan-out, falling back to the two parties we can infer when the roster
// has not seen the conversation yet.
func (e *Engine) participants(conversationID, senderID string) []string {
	if c, ok := e.p.Roster.Get(conversationID); ok {
		return c.Participants
	}
	if senderID == e.p.Self {
		return []string{e.p.Self}
	}
	return []string{e.p.Self, senderID}
}

func blobPath(conversationID, correlationID, name string) string {
	if name == "" {
		name = correlationID
	}
	return "media/" + conversationID + "/" + correlationID + "_" + name
}
