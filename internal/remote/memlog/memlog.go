// Package memlog is an in-process implementation of the remote log and
// blob store. It defines the reference semantics of the backend: strictly
// monotonic server timestamps, append echo to every subscriber, and
// snapshot replay on subscribe. Tests and the local bench run against it.
package memlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatsync/internal/model"
	"chatsync/internal/remote"
)

// ErrInjected is the error returned while failure injection is armed.
var ErrInjected = errors.New("memlog: injected failure")

// Log is an in-memory remote.Log plus remote.BlobStore.
type Log struct {
	mu          sync.Mutex
	seq         int
	base        time.Time
	logs        map[string][]model.Message
	subs        map[string]map[int]*subscriber
	nextSub     int
	failAppends int
	blobs       map[string][]byte
}

type subscriber struct {
	ch   chan remote.Batch
	done chan error
	once sync.Once
}

// New creates an empty in-memory backend.
func New() *Log {
	return &Log{
		base:  time.Unix(1_700_000_000, 0).UTC(),
		logs:  make(map[string][]model.Message),
		subs:  make(map[string]map[int]*subscriber),
		blobs: make(map[string][]byte),
	}
}

// FailAppends makes the next n Append calls fail, for exercising the
// bounded retry policy.
func (l *Log) FailAppends(n int) {
	l.mu.Lock()
	l.failAppends = n
	l.mu.Unlock()
}

// Append confirms a message: assigns the next id and a strictly
// monotonic server timestamp, stores it, and echoes it to subscribers.
// The correlation id is not persisted server-side; reconciliation runs
// off the returned ack, and other clients never see it.
func (l *Log) Append(_ context.Context, conversationID string, msg model.Message) (string, time.Time, error) {
	l.mu.Lock()
	if l.failAppends > 0 {
		l.failAppends--
		l.mu.Unlock()
		return "", time.Time{}, ErrInjected
	}
	l.seq++
	msg.ID = fmt.Sprintf("m%06d", l.seq)
	msg.CorrelationID = ""
	msg.ConversationID = conversationID
	msg.Timestamp = l.base.Add(time.Duration(l.seq) * time.Millisecond)
	if msg.Status == "" || msg.Status == model.StatusPending {
		msg.Status = model.StatusSent
	}
	l.logs[conversationID] = append(l.logs[conversationID], msg)
	id, ts := msg.ID, msg.Timestamp
	l.broadcastLocked(conversationID, remote.Batch{
		ConversationID: conversationID,
		Messages:       []model.Message{msg},
	})
	l.mu.Unlock()
	return id, ts, nil
}

// Subscribe registers a push subscriber. The current log is replayed as
// the first batch, matching the snapshot-listener backends this stands
// in for.
func (l *Log) Subscribe(conversationID string, onBatch func(remote.Batch)) (remote.Subscription, error) {
	sub := &subscriber{
		ch:   make(chan remote.Batch, 64),
		done: make(chan error, 1),
	}
	l.mu.Lock()
	if l.subs[conversationID] == nil {
		l.subs[conversationID] = make(map[int]*subscriber)
	}
	id := l.nextSub
	l.nextSub++
	l.subs[conversationID][id] = sub

	snapshot := append([]model.Message(nil), l.logs[conversationID]...)
	sub.ch <- remote.Batch{ConversationID: conversationID, Messages: snapshot}
	l.mu.Unlock()

	go func() {
		for b := range sub.ch {
			onBatch(b)
		}
	}()

	cancel := func() {
		l.mu.Lock()
		if _, ok := l.subs[conversationID][id]; ok {
			delete(l.subs[conversationID], id)
			close(sub.ch)
		}
		l.mu.Unlock()
	}
	return &subscription{sub: sub, cancel: cancel}, nil
}

type subscription struct {
	sub    *subscriber
	cancel func()
}

func (s *subscription) Done() <-chan error { return s.sub.done }
func (s *subscription) Cancel()            { s.cancel() }

// DropSubscribers simulates a transport failure: every live subscription
// of the conversation receives err on Done and stops delivering.
func (l *Log) DropSubscribers(conversationID string, err error) {
	l.mu.Lock()
	for id, sub := range l.subs[conversationID] {
		sub.once.Do(func() { sub.done <- err })
		close(sub.ch)
		delete(l.subs[conversationID], id)
	}
	l.mu.Unlock()
}

// UpdateField applies a dotted-path update the way a document store
// would. Understood paths: "typing.<participant>" (bool, echoed to
// subscribers) and "messages.<id>.status" (echoed as a message batch).
// Anything else is accepted and ignored; metadata the core mirrors out
// has no reader here.
func (l *Log) UpdateField(_ context.Context, conversationID, path string, value any) error {
	parts := strings.Split(path, ".")
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case len(parts) == 2 && parts[0] == "typing":
		isTyping, ok := value.(bool)
		if !ok {
			return fmt.Errorf("memlog: typing value %T, want bool", value)
		}
		l.broadcastLocked(conversationID, remote.Batch{
			ConversationID: conversationID,
			Typing:         map[string]bool{parts[1]: isTyping},
		})
	case len(parts) == 3 && parts[0] == "messages" && parts[2] == "status":
		st, ok := value.(model.Status)
		if !ok {
			if s, oks := value.(string); oks {
				st, ok = model.Status(s), true
			}
		}
		if !ok {
			return fmt.Errorf("memlog: status value %T", value)
		}
		log := l.logs[conversationID]
		for i := range log {
			if log[i].ID == parts[1] {
				log[i].Status = st
				l.broadcastLocked(conversationID, remote.Batch{
					ConversationID: conversationID,
					Messages:       []model.Message{log[i]},
				})
				break
			}
		}
	}
	return nil
}

// DeleteMessage removes a message from the log entirely (delete for
// everyone) and echoes nothing; clients converge via their own removal.
func (l *Log) DeleteMessage(conversationID, messageID string) {
	l.mu.Lock()
	log := l.logs[conversationID]
	for i := range log {
		if log[i].ID == messageID {
			l.logs[conversationID] = append(log[:i], log[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
}

// Messages returns a copy of a conversation's confirmed log.
func (l *Log) Messages(conversationID string) []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.Message(nil), l.logs[conversationID]...)
}

func (l *Log) broadcastLocked(conversationID string, b remote.Batch) {
	for _, sub := range l.subs[conversationID] {
		select {
		case sub.ch <- b:
		default:
		}
	}
}

// Upload implements remote.BlobStore: bytes in, stable URL out.
func (l *Log) Upload(_ context.Context, data []byte, path string) (string, error) {
	l.mu.Lock()
	if l.failAppends > 0 {
		l.failAppends--
		l.mu.Unlock()
		return "", ErrInjected
	}
	l.blobs[path] = append([]byte(nil), data...)
	l.mu.Unlock()
	return "memblob://" + path, nil
}
