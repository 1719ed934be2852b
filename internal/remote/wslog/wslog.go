// Package wslog implements the remote log over a websocket connection to
// the sync gateway, speaking a small JSON frame protocol. Reconnection is
// not handled here: a dropped connection surfaces through each
// subscription's Done channel and the engine owns the backoff loop.
package wslog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatsync/internal/model"
	"chatsync/internal/remote"
)

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("wslog: connection closed")

type ack struct {
	messageID  string
	serverTime time.Time
	url        string
	err        error
}

// Client is a remote.Log backed by one websocket connection.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan ack   // correlation id -> ack waiter
	subs    map[string]*clientSub // conversation -> subscription
	closed  bool
}

type clientSub struct {
	onBatch func(remote.Batch)
	done    chan error
	once    sync.Once
}

// Dial connects to the gateway and starts the read loop.
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]chan ack),
		subs:    make(map[string]*clientSub),
	}
	go c.readLoop()
	return c, nil
}

// Append sends the message and blocks until the gateway acks it with the
// confirmed id and server timestamp, or ctx expires.
func (c *Client) Append(ctx context.Context, conversationID string, msg model.Message) (string, time.Time, error) {
	if msg.CorrelationID == "" {
		return "", time.Time{}, errors.New("wslog: append requires a correlation id")
	}

	ch := make(chan ack, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", time.Time{}, ErrClosed
	}
	c.pending[msg.CorrelationID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.CorrelationID)
		c.mu.Unlock()
	}()

	w := toWire(msg)
	if err := c.write(frame{
		Type:          frameAppend,
		Conversation:  conversationID,
		CorrelationID: msg.CorrelationID,
		Message:       &w,
	}); err != nil {
		return "", time.Time{}, err
	}

	select {
	case a := <-ch:
		return a.messageID, a.serverTime, a.err
	case <-ctx.Done():
		return "", time.Time{}, ctx.Err()
	}
}

// Subscribe asks the gateway to stream the conversation. The gateway
// replies with a snapshot batch followed by live echoes.
func (c *Client) Subscribe(conversationID string, onBatch func(remote.Batch)) (remote.Subscription, error) {
	sub := &clientSub{onBatch: onBatch, done: make(chan error, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.subs[conversationID] = sub
	c.mu.Unlock()

	if err := c.write(frame{Type: frameSubscribe, Conversation: conversationID}); err != nil {
		c.mu.Lock()
		delete(c.subs, conversationID)
		c.mu.Unlock()
		return nil, err
	}

	cancel := func() {
		c.mu.Lock()
		delete(c.subs, conversationID)
		c.mu.Unlock()
		_ = c.write(frame{Type: frameUnsubscribe, Conversation: conversationID})
	}
	return &subscription{sub: sub, cancel: cancel}, nil
}

type subscription struct {
	sub    *clientSub
	cancel func()
}

func (s *subscription) Done() <-chan error { return s.sub.done }
func (s *subscription) Cancel()            { s.cancel() }

// Upload pushes a media blob to the gateway and blocks until it acks
// with the blob's public URL.
func (c *Client) Upload(ctx context.Context, data []byte, path string) (string, error) {
	id := uuid.NewString()
	ch := make(chan ack, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(frame{
		Type:          frameUpload,
		CorrelationID: id,
		Path:          path,
		Data:          data,
	}); err != nil {
		return "", err
	}

	select {
	case a := <-ch:
		return a.url, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// UpdateField mirrors a dotted-path metadata update to the gateway,
// fire-and-forget.
func (c *Client) UpdateField(_ context.Context, conversationID, path string, value any) error {
	return c.write(frame{
		Type:         frameUpdate,
		Conversation: conversationID,
		Path:         path,
		Value:        value,
	})
}

// Close shuts the connection down; live subscriptions see ErrClosed.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return c.conn.Close()
}

func (c *Client) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

func (c *Client) readLoop() {
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.fail(fmt.Errorf("read gateway frame: %w", err))
			return
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f frame) {
	switch f.Type {
	case frameAppendAck, frameUploadAck, frameError:
		c.mu.Lock()
		ch := c.pending[f.CorrelationID]
		c.mu.Unlock()
		if ch == nil {
			return
		}
		a := ack{messageID: f.MessageID, serverTime: time.UnixMilli(f.ServerTime).UTC(), url: f.URL}
		if f.Error != "" {
			a.err = errors.New(f.Error)
		}
		ch <- a
	case frameBatch:
		c.mu.Lock()
		sub := c.subs[f.Conversation]
		c.mu.Unlock()
		if sub == nil {
			return
		}
		b := remote.Batch{ConversationID: f.Conversation, Typing: f.Typing}
		for _, w := range f.Messages {
			b.Messages = append(b.Messages, fromWire(w))
		}
		sub.onBatch(b)
	default:
		if c.logger != nil {
			c.logger.Debug("unhandled gateway frame", zap.String("type", f.Type))
		}
	}
}

// fail tears down every waiter and subscription with err.
func (c *Client) fail(err error) {
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		ch <- ack{err: err}
		delete(c.pending, id)
	}
	for id, sub := range c.subs {
		sub.once.Do(func() { sub.done <- err })
		delete(c.subs, id)
	}
	c.mu.Unlock()
}
