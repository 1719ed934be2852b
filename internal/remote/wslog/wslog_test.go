package wslog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/internal/model"
	"chatsync/internal/remote"
)

var upgrader = websocket.Upgrader{}

// fakeGateway acks every append with a fixed id and echoes the message
// back as a batch, which is all the client-side protocol needs covered.
func fakeGateway(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		seq := 0
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Type {
			case frameSubscribe:
				_ = conn.WriteJSON(frame{Type: frameBatch, Conversation: f.Conversation})
			case frameAppend:
				seq++
				msg := *f.Message
				msg.ID = "srv1"
				msg.Status = "sent"
				msg.Timestamp = time.Now().UnixMilli()
				_ = conn.WriteJSON(frame{
					Type:          frameAppendAck,
					Conversation:  f.Conversation,
					CorrelationID: f.CorrelationID,
					MessageID:     msg.ID,
					ServerTime:    msg.Timestamp,
				})
				_ = conn.WriteJSON(frame{Type: frameBatch, Conversation: f.Conversation, Messages: []wireMessage{msg}})
			case frameUpload:
				_ = conn.WriteJSON(frame{
					Type:          frameUploadAck,
					CorrelationID: f.CorrelationID,
					URL:           "https://blobs.test/" + f.Path,
				})
			case frameUpdate:
				_ = conn.WriteJSON(frame{
					Type:         frameBatch,
					Conversation: f.Conversation,
					Typing:       map[string]bool{"bob": true},
				})
			}
		}
	}))
}

func dialTest(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAppendRoundTrip(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	c := dialTest(t, srv)

	id, serverTime, err := c.Append(context.Background(), "c1", model.Message{
		CorrelationID: "corr1",
		Type:          model.TypeText,
		Text:          "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "srv1" || serverTime.IsZero() {
		t.Errorf("ack = %q @ %v", id, serverTime)
	}
}

func TestAppendRequiresCorrelationID(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	c := dialTest(t, srv)

	if _, _, err := c.Append(context.Background(), "c1", model.Message{Type: model.TypeText, Text: "x"}); err == nil {
		t.Error("append without correlation id should fail")
	}
}

func TestSubscribeReceivesBatchesAndTyping(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	c := dialTest(t, srv)

	batches := make(chan remote.Batch, 10)
	sub, err := c.Subscribe("c1", func(b remote.Batch) { batches <- b })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()
	<-batches // subscription snapshot

	if _, _, err := c.Append(context.Background(), "c1", model.Message{
		CorrelationID: "corr1", Type: model.TypeText, Text: "hi",
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case b := <-batches:
		if len(b.Messages) != 1 || b.Messages[0].Text != "hi" {
			t.Errorf("batch = %+v", b)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for echo batch")
	}

	if err := c.UpdateField(context.Background(), "c1", "typing.bob", true); err != nil {
		t.Fatal(err)
	}
	select {
	case b := <-batches:
		if !b.Typing["bob"] {
			t.Errorf("typing batch = %+v", b)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for typing batch")
	}
}

func TestUploadReturnsBlobURL(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	c := dialTest(t, srv)

	url, err := c.Upload(context.Background(), []byte("bytes"), "media/c1/photo.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://blobs.test/media/c1/photo.jpg" {
		t.Errorf("url = %q", url)
	}
}

func TestConnectionDropSignalsDone(t *testing.T) {
	srv := fakeGateway(t)
	c := dialTest(t, srv)

	sub, err := c.Subscribe("c1", func(remote.Batch) {})
	if err != nil {
		t.Fatal(err)
	}
	srv.CloseClientConnections()

	select {
	case err := <-sub.Done():
		if err == nil {
			t.Error("done delivered nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for done signal")
	}
}
