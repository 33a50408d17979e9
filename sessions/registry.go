// Package sessions implements the per-client session records of the bridge:
// an id-keyed registry of bounded outbound queues with teed subscriber
// handles and an idle sweep. Sessions live only in the registry map, so
// removing one is the whole destruction story; anything still holding its
// id just starts seeing ErrSessionNotFound.
package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultQueueCapacity bounds each session's outbound queue.
	DefaultQueueCapacity = 100
	// DefaultMaxIdle is the idle age past which a session is swept.
	DefaultMaxIdle = 300 * time.Second
	// DefaultSweepInterval is how often the idle sweeper runs.
	DefaultSweepInterval = 30 * time.Second
)

// Info is a point-in-time snapshot of one session for the control surface.
type Info struct {
	ID          string        `json:"sessionId"`
	QueueDepth  int           `json:"queueDepth"`
	Subscribers int           `json:"subscribers"`
	IdleFor     time.Duration `json:"-"`
	IdleSeconds float64       `json:"idleSeconds"`
}

// Registry owns every live session.
type Registry struct {
	log       *slog.Logger
	capacity  int
	liveGauge prometheus.Gauge

	mu       sync.RWMutex
	sessions map[string]*Session
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithQueueCapacity overrides the per-session queue capacity.
func WithQueueCapacity(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithLiveGauge tracks the live session count on the given gauge.
func WithLiveGauge(g prometheus.Gauge) RegistryOption {
	return func(r *Registry) { r.liveGauge = g }
}

// NewRegistry constructs an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:      slog.Default(),
		capacity: DefaultQueueCapacity,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new session with an empty queue and no subscribers.
func (r *Registry) Create() *Session {
	now := time.Now()
	s := &Session{
		id:           uuid.NewString(),
		created:      now,
		capacity:     r.capacity,
		subscribers:  make(map[*Subscriber]struct{}),
		lastActivity: now,
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	n := len(r.sessions)
	r.mu.Unlock()

	if r.liveGauge != nil {
		r.liveGauge.Set(float64(n))
	}
	r.log.Info("session.create", slog.String("session_id", s.id))
	return s
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove destroys the session: its queue is drained and every subscriber
// detached. Removing an unknown id returns ErrSessionNotFound.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	if r.liveGauge != nil {
		r.liveGauge.Set(float64(n))
	}
	s.close()
	r.log.Info("session.remove", slog.String("session_id", id))
	return nil
}

// List snapshots every live session.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		idle := s.IdleFor()
		out = append(out, Info{
			ID:          s.ID(),
			QueueDepth:  s.QueueDepth(),
			Subscribers: s.SubscriberCount(),
			IdleFor:     idle,
			IdleSeconds: idle.Seconds(),
		})
	}
	r.mu.RUnlock()
	return out
}

// All returns every live session. The broker uses this for notification
// fan-out; membership is whatever the map held at call time.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	return out
}

// SweepIdle removes every session idle for longer than maxAge and returns
// how many were removed.
func (r *Registry) SweepIdle(maxAge time.Duration) int {
	var stale []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if s.IdleFor() > maxAge {
			delete(r.sessions, id)
			stale = append(stale, s)
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if r.liveGauge != nil && len(stale) > 0 {
		r.liveGauge.Set(float64(n))
	}

	for _, s := range stale {
		s.close()
		r.log.Info("session.sweep", slog.String("session_id", s.ID()))
	}
	return len(stale)
}

// RunSweeper periodically sweeps idle sessions until the context ends.
func (r *Registry) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxIdle
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.SweepIdle(maxAge); n > 0 {
				r.log.Info("session.sweep.done", slog.Int("removed", n))
			}
		}
	}
}
