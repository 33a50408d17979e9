package sessions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/procstream/mcp-bridge-go/internal/jsonrpc"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown to the
	// registry.
	ErrSessionNotFound = errors.New("session not found")
	// ErrQueueFull is returned by Push when a frame was dropped because the
	// session's outbound queue is at capacity.
	ErrQueueFull = errors.New("session queue full")
)

// Session is one logical client connection. It owns a bounded outbound
// queue and a set of live subscribers; the broker only ever reaches a
// Session through the registry by id, so a removed session simply becomes
// unreachable.
type Session struct {
	id      string
	created time.Time

	mu           sync.Mutex
	backlog      []jsonrpc.Message
	capacity     int
	subscribers  map[*Subscriber]struct{}
	lastActivity time.Time
	closed       bool
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// Touch records activity on the session, deferring the idle sweep.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleFor reports how long ago the session last saw activity.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// QueueDepth returns the number of frames buffered while no subscriber is
// attached.
func (s *Session) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

// SubscriberCount returns the number of live subscribers.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Push delivers a frame to the session. Every live subscriber is teed the
// same frame; with no subscribers attached the frame lands in the bounded
// backlog instead. At capacity the newest frame is dropped and ErrQueueFull
// returned so the caller can log it. Push never blocks.
func (s *Session) Push(frame jsonrpc.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionNotFound
	}
	s.lastActivity = time.Now()

	if len(s.subscribers) == 0 {
		if len(s.backlog) >= s.capacity {
			return ErrQueueFull
		}
		s.backlog = append(s.backlog, frame)
		return nil
	}

	var dropped bool
	for sub := range s.subscribers {
		if sub.isClosed() {
			// Pruned lazily on the next delivery attempt; subscribers are
			// never scanned proactively.
			delete(s.subscribers, sub)
			continue
		}
		select {
		case sub.ch <- frame:
		default:
			dropped = true
		}
	}
	if dropped {
		return ErrQueueFull
	}
	return nil
}

// Subscribe attaches a new subscriber and replays any backlog buffered
// while the session had no consumers. Multiple subscribers see the same
// event feed.
func (s *Session) Subscribe() (*Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionNotFound
	}

	sub := &Subscriber{
		session: s,
		ch:      make(chan jsonrpc.Message, s.capacity),
	}
	for _, frame := range s.backlog {
		sub.ch <- frame
	}
	s.backlog = nil
	s.subscribers[sub] = struct{}{}
	return sub, nil
}

// close drops the backlog and detaches every subscriber.
func (s *Session) close() {
	s.mu.Lock()
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribers = map[*Subscriber]struct{}{}
	s.backlog = nil
	s.closed = true
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// ErrHeartbeat is returned by NextFrame when the heartbeat interval elapsed
// with no frame ready. It signals liveness, not failure.
var ErrHeartbeat = errors.New("heartbeat interval elapsed")

// Subscriber is one live delivery handle onto a session's event feed. The
// outer transport layer drives it through NextFrame and turns frames into
// stream events or socket messages.
type Subscriber struct {
	session *Session
	ch      chan jsonrpc.Message
	closed  atomic.Bool
}

// NextFrame blocks until the next frame is ready, the heartbeat interval
// elapses (ErrHeartbeat), the context is canceled, or the subscriber is
// detached (ErrSessionNotFound).
func (sub *Subscriber) NextFrame(ctx context.Context, heartbeat time.Duration) (jsonrpc.Message, error) {
	if sub.closed.Load() {
		return nil, ErrSessionNotFound
	}

	timer := time.NewTimer(heartbeat)
	defer timer.Stop()

	select {
	case frame, ok := <-sub.ch:
		if !ok {
			return nil, ErrSessionNotFound
		}
		return frame, nil
	case <-timer.C:
		return nil, ErrHeartbeat
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close detaches the subscriber. Safe to call more than once.
func (sub *Subscriber) Close() {
	if sub.closed.CompareAndSwap(false, true) {
		sub.session.mu.Lock()
		delete(sub.session.subscribers, sub)
		sub.session.mu.Unlock()
		close(sub.ch)
	}
}

func (sub *Subscriber) isClosed() bool {
	return sub.closed.Load()
}
