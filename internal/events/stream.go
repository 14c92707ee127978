// Package events provides the per-session publish/subscribe event stream.
// Events flow from the agent controller and tool dispatcher to subscribers
// (console renderer, socket pusher, durable store). Each subscriber owns a
// bounded inbox and a dedicated worker, so a slow consumer never stalls
// the publish path or its peers.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/orbit/internal/observability"
	"github.com/haasonsaas/orbit/pkg/models"
)

const (
	// DefaultInboxSize is the per-subscriber channel capacity.
	DefaultInboxSize = 256

	// DefaultWriteTimeout bounds how long a publish waits on one full
	// subscriber inbox before dropping the event for that subscriber.
	DefaultWriteTimeout = 100 * time.Millisecond
)

// ErrStreamClosed is returned by Publish after Close.
var ErrStreamClosed = errors.New("event stream closed")

// Handler consumes one event. Handlers run on the subscriber's own worker
// goroutine, in publish order, and may block (make network calls).
type Handler func(ctx context.Context, e models.Event)

// Subscription is the handle returned by Subscribe, used to unsubscribe.
type Subscription struct {
	id string
}

type subscriber struct {
	id      string
	inbox   chan models.Event
	handler Handler

	// pending counts enqueued-but-unhandled events, for Drain.
	pending atomic.Int64

	// slow is set once a publish timed out on this inbox.
	slow atomic.Bool

	// quit tells the worker to drain its inbox and exit. The inbox channel
	// itself is never closed, so a racing Publish can never panic.
	quit chan struct{}
	done chan struct{}
}

// Stream is a multi-subscriber fan-out of a totally ordered event sequence.
// Delivery is at-most-once per subscriber; per-subscriber order matches
// publish order.
type Stream struct {
	mu        sync.Mutex
	subs      map[string]*subscriber
	closed    bool
	sessionID string

	inboxSize    int
	writeTimeout time.Duration
	logger       *slog.Logger
}

// Option configures a Stream.
type Option func(*Stream)

// WithInboxSize overrides the per-subscriber inbox capacity.
func WithInboxSize(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.inboxSize = n
		}
	}
}

// WithWriteTimeout overrides the bounded wait on a full inbox.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStream creates an event stream for one session.
func NewStream(sessionID string, opts ...Option) *Stream {
	s := &Stream{
		subs:         make(map[string]*subscriber),
		sessionID:    sessionID,
		inboxSize:    DefaultInboxSize,
		writeTimeout: DefaultWriteTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionID returns the session this stream belongs to.
func (s *Stream) SessionID() string {
	return s.sessionID
}

// Subscribe registers a handler invoked once per event in publish order.
func (s *Stream) Subscribe(handler Handler) Subscription {
	sub := &subscriber{
		id:      uuid.NewString(),
		inbox:   make(chan models.Event, s.inboxSize),
		handler: handler,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.done)
		return Subscription{id: sub.id}
	}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	go sub.run(s.logger)
	return Subscription{id: sub.id}
}

// Unsubscribe removes the handler. Events already queued for this
// subscriber still deliver; further events skip it.
func (s *Stream) Unsubscribe(handle Subscription) {
	s.mu.Lock()
	sub, ok := s.subs[handle.id]
	if ok {
		delete(s.subs, handle.id)
	}
	s.mu.Unlock()

	if ok {
		close(sub.quit)
	}
}

// Publish enqueues one event and returns without waiting for delivery.
// A full subscriber inbox is waited on up to the write timeout, after which
// the event is dropped for that subscriber only and a SUBSCRIBER_LAG event
// is emitted to its peers. Publish after Close returns ErrStreamClosed.
func (s *Stream) Publish(e models.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.SessionID == "" {
		e.SessionID = s.sessionID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	targets := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	observability.EventsPublished.WithLabelValues(string(e.Type)).Inc()

	var lagged []*subscriber
	for _, sub := range targets {
		if !s.deliver(sub, e) {
			lagged = append(lagged, sub)
		}
	}

	// Tell healthy subscribers that a peer is lagging. Lag notices are
	// best-effort: a full inbox here drops silently to avoid recursion.
	for _, slow := range lagged {
		lag := models.NewEvent(models.EventSubscriberLag, map[string]any{
			"subscriber": slow.id,
			"dropped":    string(e.Type),
		})
		lag.SessionID = s.sessionID
		for _, sub := range targets {
			if sub == slow {
				continue
			}
			select {
			case sub.inbox <- lag:
				sub.pending.Add(1)
			default:
			}
		}
	}
	return nil
}

// deliver enqueues e for one subscriber, waiting up to the write timeout.
// Returns false when the event was dropped.
func (s *Stream) deliver(sub *subscriber, e models.Event) bool {
	select {
	case sub.inbox <- e:
		sub.pending.Add(1)
		return true
	default:
	}

	timer := time.NewTimer(s.writeTimeout)
	defer timer.Stop()
	select {
	case sub.inbox <- e:
		sub.pending.Add(1)
		return true
	case <-timer.C:
		sub.slow.Store(true)
		observability.EventsDropped.Inc()
		s.logger.Warn("event dropped for slow subscriber",
			"subscriber", sub.id,
			"event_type", e.Type,
			"session_id", s.sessionID,
		)
		return false
	}
}

// Drain blocks until all enqueued events are delivered to all current
// subscribers or the timeout elapses.
func (s *Stream) Drain(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		idle := true
		for _, sub := range s.subs {
			if sub.pending.Load() > 0 {
				idle = false
				break
			}
		}
		s.mu.Unlock()

		if idle {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("event stream drain timed out after %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close refuses further publishes, drains queued events, and releases
// handlers. Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[string]*subscriber)
	s.mu.Unlock()

	for _, sub := range subs {
		close(sub.quit)
	}
	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-time.After(5 * time.Second):
			s.logger.Warn("subscriber did not finish during close", "subscriber", sub.id)
		}
	}
}

// run is the per-subscriber worker. A panicking handler is isolated: the
// panic is logged and delivery continues with the next event. On quit the
// worker drains already-queued events before exiting.
func (sub *subscriber) run(logger *slog.Logger) {
	defer close(sub.done)
	ctx := context.Background()
	for {
		select {
		case e := <-sub.inbox:
			sub.handle(ctx, e, logger)
			sub.pending.Add(-1)
		case <-sub.quit:
			for {
				select {
				case e := <-sub.inbox:
					sub.handle(ctx, e, logger)
					sub.pending.Add(-1)
				default:
					return
				}
			}
		}
	}
}

func (sub *subscriber) handle(ctx context.Context, e models.Event, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked",
				"subscriber", sub.id,
				"event_type", e.Type,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	sub.handler(ctx, e)
}
