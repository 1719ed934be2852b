package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/model"
	"chatsync/internal/outbox"
	"chatsync/internal/presence"
	"chatsync/internal/remote"
	"chatsync/internal/remote/memlog"
	"chatsync/internal/roster"
	"chatsync/internal/status"
	"chatsync/internal/store"
	"chatsync/internal/unread"
)

type fixture struct {
	self   string
	bus    *bus.Bus
	store  *store.Store
	outbox *outbox.Manager
	unread *unread.Counter
	roster *roster.Roster
	eng    *Engine
}

func newFixture(t *testing.T, self string, log *memlog.Log) *fixture {
	t.Helper()
	return newFixtureWith(t, self, log, log)
}

func newFixtureWith(t *testing.T, self string, log remote.Log, blobs remote.BlobStore) *fixture {
	t.Helper()
	b := bus.New()
	ob := outbox.NewManager()
	st := store.New(self, ob, b)
	pr := presence.NewTracker(60*time.Millisecond, b)
	un := unread.NewCounter(b)
	ro := roster.New(un, log, b, zap.NewNop())

	eng := New(Params{
		Self:          self,
		Log:           log,
		Blobs:         blobs,
		Store:         st,
		Outbox:        ob,
		Presence:      pr,
		Unread:        un,
		Roster:        ro,
		Bus:           b,
		Logger:        zap.NewNop(),
		Retry:         outbox.RetryPolicy{MaxAttempts: 3, Base: time.Millisecond},
		ReconnectBase: 5 * time.Millisecond,
	})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(eng.Stop)
	return &fixture{self: self, bus: b, store: st, outbox: ob, unread: un, roster: ro, eng: eng}
}

func (f *fixture) openDirect(t *testing.T, other string) string {
	t.Helper()
	conv := f.roster.CreateOrGetDirect(f.self, other)
	if err := f.eng.Open(conv.ID); err != nil {
		t.Fatalf("open %s: %v", conv.ID, err)
	}
	return conv.ID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func find(view []model.Message, key string) (model.Message, bool) {
	for _, m := range view {
		if m.Key() == key || m.ID == key || m.CorrelationID == key {
			return m, true
		}
	}
	return model.Message{}, false
}

func TestSendLifecycle(t *testing.T) {
	log := memlog.New()
	alice := newFixture(t, "alice", log)
	conv := alice.openDirect(t, "bob")

	corr, err := alice.eng.SendText(conv, "hello", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// The pending entry is visible before any round trip.
	if _, ok := find(alice.eng.View(conv), corr); !ok {
		t.Fatalf("pending message not in view")
	}

	// Ack plus subscription echo completes the round trip: the same
	// logical row ends up confirmed and delivered.
	waitFor(t, "delivered", func() bool {
		m, ok := find(alice.eng.View(conv), corr)
		return ok && m.ID != "" && m.Status == model.StatusDelivered
	})

	view := alice.eng.View(conv)
	if len(view) != 1 {
		t.Fatalf("view has %d messages, want 1 (no duplicate for ack+echo)", len(view))
	}
	if view[0].Text != "hello" {
		t.Fatalf("text = %q", view[0].Text)
	}
	if alice.unread.Get(conv, "bob") != 1 {
		t.Fatalf("bob unread = %d, want 1", alice.unread.Get(conv, "bob"))
	}
	if alice.eng.Unread(conv) != 0 {
		t.Fatalf("sender unread = %d, want 0", alice.eng.Unread(conv))
	}
}

func TestSendFailsAfterBoundedRetries(t *testing.T) {
	log := memlog.New()
	alice := newFixture(t, "alice", log)
	conv := alice.openDirect(t, "bob")

	events, cancel := alice.bus.Subscribe(bus.KindSendFailed, 4)
	defer cancel()

	log.FailAppends(3)
	corr, err := alice.eng.SendText(conv, "doomed", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case evt := <-events:
		failure, ok := evt.Payload.(outbox.SendFailure)
		if !ok {
			t.Fatalf("payload %T", evt.Payload)
		}
		if failure.CorrelationID != corr {
			t.Fatalf("failed correlation %s, want %s", failure.CorrelationID, corr)
		}
		if failure.Message.Text != "doomed" {
			t.Fatalf("failure lost content: %q", failure.Message.Text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no send_failed event")
	}

	m, ok := find(alice.eng.View(conv), corr)
	if !ok || m.Status != model.StatusFailed {
		t.Fatalf("view entry = %+v, want failed", m)
	}
	if got := log.Messages(conv); len(got) != 0 {
		t.Fatalf("remote log has %d messages, want 0", len(got))
	}
}

func TestResendAfterFailure(t *testing.T) {
	log := memlog.New()
	alice := newFixture(t, "alice", log)
	conv := alice.openDirect(t, "bob")

	events, cancel := alice.bus.Subscribe(bus.KindSendFailed, 4)
	defer cancel()
	log.FailAppends(3)
	corr, _ := alice.eng.SendText(conv, "second try", "")
	<-events

	fresh, err := alice.eng.Resend(corr)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if fresh == corr {
		t.Fatal("resend reused the correlation id")
	}

	waitFor(t, "resend delivered", func() bool {
		m, ok := find(alice.eng.View(conv), fresh)
		return ok && m.ID != "" && m.Status == model.StatusDelivered
	})
	if _, ok := find(alice.eng.View(conv), corr); ok {
		t.Fatal("failed entry still visible after resend")
	}
	if m, _ := find(alice.eng.View(conv), fresh); m.Text != "second try" {
		t.Fatalf("resent text = %q", m.Text)
	}
}

func TestDiscardFailed(t *testing.T) {
	log := memlog.New()
	alice := newFixture(t, "alice", log)
	conv := alice.openDirect(t, "bob")

	events, cancel := alice.bus.Subscribe(bus.KindSendFailed, 4)
	defer cancel()
	log.FailAppends(3)
	corr, _ := alice.eng.SendText(conv, "oops", "")
	<-events

	if err := alice.eng.DiscardFailed(corr); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, ok := find(alice.eng.View(conv), corr); ok {
		t.Fatal("discarded entry still visible")
	}
	if err := alice.eng.DiscardFailed(corr); !errors.Is(err, outbox.ErrUnknownEntry) {
		t.Fatalf("second discard err = %v", err)
	}
}

func TestConcurrentSendsConvergeOnServerOrder(t *testing.T) {
	log := memlog.New()
	alice := newFixture(t, "alice", log)
	bob := newFixture(t, "bob", log)
	conv := alice.openDirect(t, "bob")
	if got := bob.openDirect(t, "alice"); got != conv {
		t.Fatalf("direct ids diverge: %s vs %s", conv, got)
	}

	go alice.eng.SendText(conv, "from alice", "")
	go bob.eng.SendText(conv, "from bob", "")

	confirmed := func(view []model.Message) bool {
		if len(view) != 2 {
			return false
		}
		for _, m := range view {
			if m.ID == "" {
				return false
			}
		}
		return true
	}
	waitFor(t, "both views confirmed", func() bool {
		return confirmed(alice.eng.View(conv)) && confirmed(bob.eng.View(conv))
	})

	av, bv := alice.eng.View(conv), bob.eng.View(conv)
	want := log.Messages(conv)
	for i := range want {
		if av[i].ID != want[i].ID || bv[i].ID != want[i].ID {
			t.Fatalf("order diverges at %d: alice=%s bob=%s server=%s",
				i, av[i].ID, bv[i].ID, want[i].ID)
		}
	}
}

func TestResubscribeSnapshotIsIdempotent(t *testing.T) {
	log := memlog.New()
	alice := newFixture(t, "alice", log)
	conv := alice.openDirect(t, "bob")

	corr, _ := alice.eng.SendText(conv, "once", "")
	waitFor(t, "confirmed", func() bool {
		m, ok := find(alice.eng.View(conv), corr)
		return ok && m.ID != ""
	})

	alice.eng.Close(conv)
	if err := alice.eng.Open(conv); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	// The replayed snapshot must not duplicate the message or
	// double-count unread.
	waitFor(t, "view settled", func() bool { return len(alice.eng.View(conv)) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := len(alice.eng.View(conv)); n != 1 {
		t.Fatalf("view has %d messages after replay, want 1", n)
	}
	if n := alice.unread.Get(conv, "bob"); n != 1 {
		t.Fatalf("bob unread = %d after replay, want 1", n)
	}
}

func TestReconnectHealsMissedMessages(t *testing.T) {
	log := memlog.New()
	alice := newFixture(t, "alice", log)
	conv := alice.roster.CreateOrGetDirect("alice", "bob").ID

	states, cancel := alice.bus.SubscribeConversation(conv, bus.KindSyncState, 16)
	defer cancel()
	if err := alice.eng.Open(conv); err != nil {
		t.Fatalf("open: %v", err)
	}

	awaitState := func(want status.State) {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case evt := <-states:
				if ch, ok := evt.Payload.(status.Change); ok && ch.To == want {
					return
				}
			case <-deadline:
				t.Fatalf("never reached %s", want)
			}
		}
	}
	awaitState(status.Active)

	log.DropSubscribers(conv, errors.New("stream reset"))
	awaitState(status.Error)

	// Land a message while detached; the resubscribe snapshot carries it.
	if _, _, err := log.Append(context.Background(), conv, model.Message{
		SenderID: "bob", Type: model.TypeText, Text: "missed you",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	awaitState(status.Active)
	waitFor(t, "missed message healed", func() bool {
		_, ok := find(alice.eng.View(conv), "m000001")
		return ok
	})
	if n := alice.eng.Unread(conv); n != 1 {
		t.Fatalf("unread = %d, want 1", n)
	}
}

func TestMarkReadRoundTrip(t *testing.T) {
	log := memlog.New()
	alice := newFixture(t, "alice", log)
	bob := newFixture(t, "bob", log)
	conv := alice.openDirect(t, "bob")
	bob.openDirect(t, "alice")

	corr, _ := alice.eng.SendText(conv, "read me", "")
	var confirmedID string
	waitFor(t, "bob received", func() bool {
		m, ok := find(alice.eng.View(conv), corr)
		if !ok || m.ID == "" {
			return false
		}
		confirmedID = m.ID
		_, ok = find(bob.eng.View(conv), confirmedID)
		return ok
	})
	waitFor(t, "bob unread set", func() bool { return bob.eng.Unread(conv) == 1 })

	bob.eng.MarkRead(conv)
	waitFor(t, "bob unread cleared", func() bool { return bob.eng.Unread(conv) == 0 })
	// The receipt echoes back and advances alice's copy to read.
	waitFor(t, "read receipt", func() bool {
		m, ok := find(alice.eng.View(conv), confirmedID)
		return ok && m.Status == model.StatusRead
	})
}

func TestMediaSendUploadsBeforeAppend(t *testing.T) {
	log := memlog.New()
	alice := newFixture(t, "alice", log)
	conv := alice.openDirect(t, "bob")

	payload := []byte("fake-jpeg-bytes")
	corr, err := alice.eng.SendMedia(conv, model.TypeImage, payload, "cat.jpg", 0)
	if err != nil {
		t.Fatalf("send media: %v", err)
	}

	waitFor(t, "media confirmed", func() bool {
		m, ok := find(alice.eng.View(conv), corr)
		return ok && m.ID != "" && m.Media != nil && m.Media.URL != ""
	})
	m, _ := find(alice.eng.View(conv), corr)
	if m.Media.Name != "cat.jpg" || m.Media.Size != int64(len(payload)) {
		t.Fatalf("media ref = %+v", m.Media)
	}
	if got := log.Messages(conv); len(got) != 1 || got[0].Media.URL != m.Media.URL {
		t.Fatalf("remote media ref mismatch: %+v", got)
	}
}

func TestSendMediaWithoutPayloadRejected(t *testing.T) {
	log := memlog.New()
	alice := newFixture(t, "alice", log)
	conv := alice.openDirect(t, "bob")

	if _, err := alice.eng.SendMedia(conv, model.TypeImage, nil, "x.jpg", 0); err == nil {
		t.Fatal("want error for empty media payload")
	}
}

func TestTypingFanOutAndExpiry(t *testing.T) {
	log := memlog.New()
	alice := newFixture(t, "alice", log)
	bob := newFixture(t, "bob", log)
	conv := alice.openDirect(t, "bob")
	bob.openDirect(t, "alice")

	alice.eng.SetTyping(conv, true)
	waitFor(t, "bob sees alice typing", func() bool {
		typing := bob.eng.Typing(conv)
		return len(typing) == 1 && typing[0] == "alice"
	})
	// The tracker expires stale typing on its own.
	waitFor(t, "typing expired", func() bool {
		return len(bob.eng.Typing(conv)) == 0
	})
}

func TestRemoveForEveryoneAndForSelf(t *testing.T) {
	log := memlog.New()
	alice := newFixture(t, "alice", log)
	conv := alice.openDirect(t, "bob")

	a, _ := alice.eng.SendText(conv, "first", "")
	b, _ := alice.eng.SendText(conv, "second", "")
	waitFor(t, "both confirmed", func() bool {
		ma, oka := find(alice.eng.View(conv), a)
		mb, okb := find(alice.eng.View(conv), b)
		return oka && okb && ma.ID != "" && mb.ID != ""
	})
	ma, _ := find(alice.eng.View(conv), a)
	mb, _ := find(alice.eng.View(conv), b)

	alice.eng.RemoveForEveryone(conv, ma.ID)
	waitFor(t, "removed for everyone", func() bool {
		_, ok := find(alice.eng.View(conv), ma.ID)
		return !ok
	})

	alice.eng.RemoveForSelf(conv, mb.ID)
	waitFor(t, "hidden for self", func() bool {
		_, ok := find(alice.eng.View(conv), mb.ID)
		return !ok
	})
}

func TestSendAfterStop(t *testing.T) {
	log := memlog.New()
	alice := newFixture(t, "alice", log)
	conv := alice.openDirect(t, "bob")

	alice.eng.Stop()
	if _, err := alice.eng.SendText(conv, "late", ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

// laggedLog slows down the first append so a later send could overtake
// it if deliveries were not serialized per conversation.
type laggedLog struct {
	*memlog.Log
	mu     sync.Mutex
	lagged bool
}

func (l *laggedLog) Append(ctx context.Context, conversationID string, msg model.Message) (string, time.Time, error) {
	l.mu.Lock()
	first := !l.lagged
	l.lagged = true
	l.mu.Unlock()
	if first {
		time.Sleep(50 * time.Millisecond)
	}
	return l.Log.Append(ctx, conversationID, msg)
}

func TestOwnSendsKeepSendOrder(t *testing.T) {
	mem := memlog.New()
	lag := &laggedLog{Log: mem}
	alice := newFixtureWith(t, "alice", lag, mem)
	conv := alice.openDirect(t, "bob")

	c1, err := alice.eng.SendText(conv, "first", "")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := alice.eng.SendText(conv, "second", "")
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "both confirmed", func() bool {
		m1, ok1 := find(alice.eng.View(conv), c1)
		m2, ok2 := find(alice.eng.View(conv), c2)
		return ok1 && ok2 && m1.ID != "" && m2.ID != ""
	})

	remoteLog := mem.Messages(conv)
	if remoteLog[0].Text != "first" || remoteLog[1].Text != "second" {
		t.Fatalf("remote order = [%q %q], want send order",
			remoteLog[0].Text, remoteLog[1].Text)
	}
	view := alice.eng.View(conv)
	if view[0].Text != "first" || view[1].Text != "second" {
		t.Fatalf("own send order inverted: [%q %q]", view[0].Text, view[1].Text)
	}
}

// gatedBlobs holds every upload until released, so a test can observe
// the pending view mid-delivery.
type gatedBlobs struct {
	*memlog.Log
	release chan struct{}
}

func (g *gatedBlobs) Upload(ctx context.Context, data []byte, path string) (string, error) {
	<-g.release
	return g.Log.Upload(ctx, data, path)
}

func TestMediaUploadDoesNotWriteThroughSharedRef(t *testing.T) {
	mem := memlog.New()
	blobs := &gatedBlobs{Log: mem, release: make(chan struct{})}
	alice := newFixtureWith(t, "alice", mem, blobs)
	conv := alice.openDirect(t, "bob")

	corr, err := alice.eng.SendMedia(conv, model.TypeImage, []byte("bytes"), "cat.jpg", 0)
	if err != nil {
		t.Fatal(err)
	}

	// Snapshot the pending row while the upload is still gated.
	snapshot, ok := find(alice.eng.View(conv), corr)
	if !ok || snapshot.Media == nil || snapshot.Media.URL != "" {
		t.Fatalf("pending snapshot = %+v", snapshot)
	}

	close(blobs.release)
	waitFor(t, "media confirmed", func() bool {
		m, ok := find(alice.eng.View(conv), corr)
		return ok && m.ID != "" && m.Media != nil && m.Media.URL != ""
	})

	if snapshot.Media.URL != "" {
		t.Error("delivery wrote the URL through the snapshot's media ref")
	}
}
