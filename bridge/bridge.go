// Package bridge is the broker between many client sessions and the single
// child process. Inbound submissions are filtered, admitted through a
// bounded in-flight gate, and written to the child; the child's outbound
// stream is demultiplexed by request id back to the owning session, with
// notifications fanned out to every session.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/procstream/mcp-bridge-go/filter"
	"github.com/procstream/mcp-bridge-go/internal/jsonrpc"
	"github.com/procstream/mcp-bridge-go/internal/logctx"
	"github.com/procstream/mcp-bridge-go/internal/metric"
	"github.com/procstream/mcp-bridge-go/sessions"
)

const (
	// DefaultMaxInFlight bounds concurrent requests admitted to the child.
	DefaultMaxInFlight = 128
	// permitRetryDelay is the pause between admission attempts when the
	// gate is full.
	permitRetryDelay = 2 * time.Millisecond

	// correlationMaxAge is how long an unanswered request keeps its
	// correlation entry before the sweeper drops it.
	correlationMaxAge = 5 * time.Minute
)

// ErrBridgeDown is returned once the child's outbound stream has ended.
var ErrBridgeDown = errors.New("bridge: child process stream closed")

// ErrBlocked is returned by Submit when a filter dropped the message. The
// synthesized policy error has already been queued to the submitter.
var ErrBlocked = errors.New("bridge: message blocked by content policy")

// ProcessClient is the slice of the child supervisor the broker needs.
type ProcessClient interface {
	WriteMessage(payload jsonrpc.Message) error
	Inbox() <-chan jsonrpc.Message
}

// Bridge routes messages between the session registry and the child.
type Bridge struct {
	log      *slog.Logger
	proc     ProcessClient
	registry *sessions.Registry
	pipeline *filter.Pipeline
	metrics  *metric.Metrics

	permits chan struct{}

	corrMu sync.Mutex
	corr   map[string]corrEntry
}

type corrEntry struct {
	sessionID string
	at        time.Time
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

// WithMaxInFlight overrides the in-flight admission bound.
func WithMaxInFlight(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.permits = make(chan struct{}, n)
		}
	}
}

// WithMetrics attaches instrumentation.
func WithMetrics(m *metric.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// New constructs a Bridge over the given child, registry, and pipeline.
func New(proc ProcessClient, registry *sessions.Registry, pipeline *filter.Pipeline, opts ...Option) *Bridge {
	b := &Bridge{
		log:      slog.Default(),
		proc:     proc,
		registry: registry,
		pipeline: pipeline,
		permits:  make(chan struct{}, DefaultMaxInFlight),
		corr:     make(map[string]corrEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Submit routes one client message toward the child on behalf of a
// session. Requests get a correlation entry so the response finds its way
// back; notifications are written through without one. A message a filter
// blocks never reaches the child: the submitter gets a synthesized policy
// error on its own queue instead and Submit returns ErrBlocked.
func (b *Bridge) Submit(ctx context.Context, sessionID string, payload jsonrpc.Message) error {
	sess, err := b.registry.Get(sessionID)
	if err != nil {
		return err
	}
	sess.Touch()

	msg, err := jsonrpc.Parse(payload)
	if err != nil {
		return fmt.Errorf("bridge: parse submission: %w", err)
	}

	// Method calls without an id are notifications by wire shape, but only
	// methods under notifications/ are fire-and-forget by convention. Any
	// other id-less call implicitly expects a reply and gets an id minted
	// here so the response can route back.
	if req := msg.AsRequest(); req != nil && req.ID.IsNil() && !strings.HasPrefix(req.Method, "notifications/") {
		req.ID = jsonrpc.NewStringID(uuid.NewString())
		payload, err = json.Marshal(req)
		if err != nil {
			return fmt.Errorf("bridge: stamp request id: %w", err)
		}
		msg, _ = jsonrpc.Parse(payload)
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method:    msg.Method,
		ID:        msg.ID.String(),
		Type:      msg.Type(),
		Direction: "client_to_server",
	})

	res := b.pipeline.Apply(filter.ClientToServer, sessionID, payload)
	if res.Blocked {
		b.log.InfoContext(ctx, "bridge.submit.blocked",
			slog.String("session_id", sessionID),
			slog.String("reason", res.Reason),
		)
		if req := msg.AsRequest(); req != nil && !req.ID.IsNil() {
			synth := jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeBlockedByPolicy,
				"message blocked by content policy", map[string]string{"reason": res.Reason})
			if raw, merr := json.Marshal(synth); merr == nil {
				b.deliver(ctx, sess, jsonrpc.Message(raw))
			}
		}
		return ErrBlocked
	}
	payload = res.Payload

	if req := msg.AsRequest(); req != nil && !req.ID.IsNil() {
		b.track(req.ID.Key(), sessionID)
	}

	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()

	if err := b.proc.WriteMessage(payload); err != nil {
		return fmt.Errorf("bridge: write to child: %w", err)
	}
	if b.metrics != nil {
		b.metrics.MessagesSubmitted.Inc()
	}
	b.log.DebugContext(ctx, "bridge.submit", slog.String("session_id", sessionID))
	return nil
}

// acquire takes an in-flight permit, polling with a short fixed delay so a
// burst beyond the bound degrades into pacing instead of an error.
func (b *Bridge) acquire(ctx context.Context) error {
	for {
		select {
		case b.permits <- struct{}{}:
			if b.metrics != nil {
				b.metrics.InFlight.Inc()
			}
			return nil
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(permitRetryDelay):
		}
	}
}

func (b *Bridge) release() {
	<-b.permits
	if b.metrics != nil {
		b.metrics.InFlight.Dec()
	}
}

// track records which session awaits the response for an id key. A stale
// entry under the same key belongs to an abandoned request; the new owner
// overwrites it.
func (b *Bridge) track(key, sessionID string) {
	b.corrMu.Lock()
	b.corr[key] = corrEntry{sessionID: sessionID, at: time.Now()}
	b.corrMu.Unlock()
}

// pop resolves and removes the correlation entry for an id key.
func (b *Bridge) pop(key string) (string, bool) {
	b.corrMu.Lock()
	e, ok := b.corr[key]
	if ok {
		delete(b.corr, key)
	}
	b.corrMu.Unlock()
	return e.sessionID, ok
}

// sweepCorrelations drops entries whose request never got an answer.
func (b *Bridge) sweepCorrelations(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	n := 0
	b.corrMu.Lock()
	for key, e := range b.corr {
		if e.at.Before(cutoff) {
			delete(b.corr, key)
			n++
		}
	}
	b.corrMu.Unlock()
	return n
}

// Run drains the child's outbound stream until it closes: responses with a
// tracked id go point-to-point to the owning session, everything else fans
// out to all sessions. A closed inbox is fatal; every session hears about
// it and Run returns ErrBridgeDown.
func (b *Bridge) Run(ctx context.Context) error {
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()

	inbox := b.proc.Inbox()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			if n := b.sweepCorrelations(correlationMaxAge); n > 0 {
				b.log.InfoContext(ctx, "bridge.correlation.sweep", slog.Int("dropped", n))
			}
		case payload, ok := <-inbox:
			if !ok {
				b.broadcastDown(ctx)
				return ErrBridgeDown
			}
			b.route(ctx, payload)
		}
	}
}

func (b *Bridge) route(ctx context.Context, payload jsonrpc.Message) {
	msg, err := jsonrpc.Parse(payload)
	if err != nil {
		b.log.WarnContext(ctx, "bridge.route.unparseable", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method:    msg.Method,
		ID:        msg.ID.String(),
		Type:      msg.Type(),
		Direction: "server_to_client",
	})

	if msg.IsResponse() && !msg.ID.IsNil() {
		if sessionID, ok := b.pop(msg.ID.Key()); ok {
			sess, err := b.registry.Get(sessionID)
			if err != nil {
				// Owner was removed or swept while the request was in
				// flight; the response has nowhere to go.
				b.log.InfoContext(ctx, "bridge.route.orphan", slog.String("session_id", sessionID))
				return
			}
			if out, ok := b.filterOutbound(ctx, sess.ID(), payload); ok {
				b.deliver(ctx, sess, out)
			}
			return
		}
		b.log.InfoContext(ctx, "bridge.route.unclaimed", slog.String("rpc_id", msg.ID.String()))
		return
	}

	// Notifications, child-initiated requests, and responses without a
	// tracked id all fan out. Filtering runs per target so a session-aware
	// chain sees the right session id.
	for _, sess := range b.registry.All() {
		if out, ok := b.filterOutbound(ctx, sess.ID(), payload); ok {
			b.deliver(ctx, sess, out)
		}
	}
	if b.metrics != nil {
		b.metrics.MessagesFannedOut.Inc()
	}
}

// filterOutbound runs the server-to-client chain. Blocked outbound frames
// vanish silently; synthesizing errors for them would fabricate protocol
// traffic the child never sent.
func (b *Bridge) filterOutbound(ctx context.Context, sessionID string, payload jsonrpc.Message) (jsonrpc.Message, bool) {
	res := b.pipeline.Apply(filter.ServerToClient, sessionID, payload)
	if res.Blocked {
		b.log.InfoContext(ctx, "bridge.outbound.blocked",
			slog.String("session_id", sessionID),
			slog.String("reason", res.Reason),
		)
		return nil, false
	}
	return res.Payload, true
}

func (b *Bridge) deliver(ctx context.Context, sess *sessions.Session, payload jsonrpc.Message) {
	if err := sess.Push(payload); err != nil {
		if errors.Is(err, sessions.ErrQueueFull) {
			b.log.WarnContext(ctx, "bridge.deliver.drop",
				slog.String("session_id", sess.ID()),
			)
			if b.metrics != nil {
				b.metrics.QueueDrops.Inc()
			}
			return
		}
		b.log.WarnContext(ctx, "bridge.deliver.fail",
			slog.String("session_id", sess.ID()),
			slog.String("err", err.Error()),
		)
		return
	}
	if b.metrics != nil {
		b.metrics.MessagesDelivered.Inc()
	}
}

// broadcastDown tells every session the child is gone. The notification is
// the last frame a session will ever receive.
func (b *Bridge) broadcastDown(ctx context.Context) {
	note, err := jsonrpc.NewRequest(nil, "notifications/bridge/down", map[string]string{
		"reason": "child process stream closed",
	})
	if err != nil {
		return
	}
	raw, err := json.Marshal(note)
	if err != nil {
		return
	}
	b.log.ErrorContext(ctx, "bridge.down")
	for _, sess := range b.registry.All() {
		b.deliver(ctx, sess, jsonrpc.Message(raw))
	}
}
