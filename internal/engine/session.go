package engine

import (
	"time"

	"go.uber.org/zap"

	"chatsync/internal/remote"
	"chatsync/internal/status"
)

// maxResubscribeWait caps the doubling backoff between resubscribe
// attempts after a stream failure.
const maxResubscribeWait = 30 * time.Second

// session is the per-conversation actor: every mutation for the
// conversation runs on its loop goroutine while a subscription is
// live, so batch application, reconciliation, and user actions never
// interleave mid-update.
type session struct {
	conversationID string
	eng            *Engine
	machine        *status.Machine
	logger         *zap.Logger

	cmds chan func()
	quit chan struct{}
	done chan struct{}
}

func newSession(e *Engine, conversationID string) *session {
	return &session{
		conversationID: conversationID,
		eng:            e,
		machine:        status.NewMachine(conversationID, e.p.Bus),
		logger:         e.logger.With(zap.String("conversation", conversationID)),
		cmds:           make(chan func(), 64),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (s *session) start() {
	go s.loop()
	s.do(func() {
		s.transition(status.Subscribing)
		s.warmLoad()
	})
	go s.run()
}

// do enqueues fn onto the session loop, falling back to inline
// execution if the loop has already shut down.
func (s *session) do(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
		fn()
	}
}

func (s *session) loop() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.quit:
			// Drain what was already enqueued before stopping.
			for {
				select {
				case fn := <-s.cmds:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (s *session) close() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	<-s.done
	if s.machine.Current() != status.Unsubscribed {
		s.transition(status.Unsubscribed)
	}
}

func (s *session) transition(to status.State) {
	if err := s.machine.Transition(to); err != nil {
		s.logger.Warn("subscription state", zap.Error(err))
	}
}

// warmLoad hydrates the merged view from the persistent cache so the
// conversation renders instantly, before the remote snapshot lands.
func (s *session) warmLoad() {
	e := s.eng
	if e.p.Cache == nil {
		return
	}
	msgs, err := e.p.Cache.ListMessages(s.conversationID)
	if err != nil {
		s.logger.Warn("cache warm load failed", zap.Error(err))
		return
	}
	if len(msgs) > 0 {
		e.p.Store.UpsertRemoteBatch(s.conversationID, msgs)
	}
	hidden, err := e.p.Cache.HiddenMessages(s.conversationID, e.p.Self)
	if err != nil {
		s.logger.Warn("cache hidden load failed", zap.Error(err))
		return
	}
	for _, id := range hidden {
		e.p.Store.RemoveForSelf(id, e.p.Self)
	}
}

// run owns the subscription lifecycle: subscribe, watch for stream
// failure, and resubscribe with doubling backoff until the session is
// closed. The remote snapshot delivered on each (re)subscribe heals
// whatever was missed while detached.
func (s *session) run() {
	wait := s.eng.p.ReconnectBase
	for {
		sub, err := s.eng.p.Log.Subscribe(s.conversationID, s.onBatch)
		if err != nil {
			s.logger.Warn("subscribe failed", zap.Error(err))
			s.do(func() { s.transition(status.Error) })
			if !s.sleep(wait) {
				return
			}
			wait = nextWait(wait)
			s.do(func() { s.transition(status.Subscribing) })
			continue
		}

		wait = s.eng.p.ReconnectBase
		s.do(func() { s.transition(status.Active) })

		select {
		case err := <-sub.Done():
			if err != nil {
				s.logger.Warn("subscription lost", zap.Error(err))
			}
			s.do(func() { s.transition(status.Error) })
			if !s.sleep(wait) {
				return
			}
			wait = nextWait(wait)
			s.do(func() { s.transition(status.Subscribing) })
		case <-s.quit:
			sub.Cancel()
			return
		}
	}
}

// onBatch runs off the remote delivery goroutine; it hops onto the
// session loop so batches serialize with user mutations.
func (s *session) onBatch(b remote.Batch) {
	s.do(func() { s.eng.handleBatch(s.conversationID, b) })
}

func (s *session) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.quit:
		return false
	}
}

func nextWait(d time.Duration) time.Duration {
	d *= 2
	if d > maxResubscribeWait {
		d = maxResubscribeWait
	}
	return d
}
