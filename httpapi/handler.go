// Package httpapi is the HTTP surface of the bridge: a control API for
// sessions and filters, plus two streaming sinks (SSE and WebSocket) that
// drain a session's frame feed to a connected client.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/procstream/mcp-bridge-go/bridge"
	"github.com/procstream/mcp-bridge-go/filter"
	"github.com/procstream/mcp-bridge-go/internal/jsonrpc"
	"github.com/procstream/mcp-bridge-go/internal/logctx"
	"github.com/procstream/mcp-bridge-go/sessions"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	acceptedMediaTypes   = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	authorizationHeader = "Authorization"

	// DefaultHeartbeat is the stream keep-alive interval.
	DefaultHeartbeat = 15 * time.Second
	// maxSubmitBytes bounds a single submitted message body.
	maxSubmitBytes = 4 << 20
)

// Broker is the slice of the bridge the HTTP surface drives.
type Broker interface {
	Submit(ctx context.Context, sessionID string, payload jsonrpc.Message) error
}

// writeJSONError emits a transport-level error body. This is not JSON-RPC
// framing; protocol errors travel in-band on the session stream.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger    *slog.Logger
	authToken string
	heartbeat time.Duration
	registry  prometheus.Gatherer
}

// WithLogger sets the logger. If not provided, the default logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAuthToken enables the static bearer gate. Empty disables it.
func WithAuthToken(token string) Option {
	return func(c *newConfig) { c.authToken = strings.TrimSpace(token) }
}

// WithHeartbeat overrides the stream keep-alive interval.
func WithHeartbeat(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

// WithPrometheusGatherer exposes the given registry at GET /metrics.
func WithPrometheusGatherer(g prometheus.Gatherer) Option {
	return func(c *newConfig) { c.registry = g }
}

// Handler serves the bridge's control and streaming endpoints.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	registry  *sessions.Registry
	broker    Broker
	pipeline  *filter.Pipeline
	authToken string
	heartbeat time.Duration
}

// lockedWriteFlusher serializes concurrent writes/flushes on a streaming
// response and refuses writes after the request context ends.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a Handler over the given registry, broker, and pipeline.
func New(registry *sessions.Registry, broker Broker, pipeline *filter.Pipeline, opts ...Option) (*Handler, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}

	cfg := &newConfig{logger: slog.Default(), heartbeat: DefaultHeartbeat}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:       slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		registry:  registry,
		broker:    broker,
		pipeline:  pipeline,
		authToken: cfg.authToken,
		heartbeat: cfg.heartbeat,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", h.handleCreateSession)
	mux.HandleFunc("GET /sessions", h.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{id}", h.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/messages", h.handleSubmit)
	mux.HandleFunc("GET /sessions/{id}/stream", h.handleStream)
	mux.HandleFunc("GET /sessions/{id}/ws", h.handleWebSocket)
	mux.HandleFunc("GET /filters", h.handleListFilters)
	mux.HandleFunc("POST /filters/{name}/toggle", h.handleToggleFilter)
	mux.HandleFunc("PUT /filters/config", h.handleReplaceFilterConfig)
	mux.HandleFunc("GET /filters/metrics", h.handleFilterMetrics)
	if cfg.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.registry, promhttp.HandlerOpts{}))
	}
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// checkAuthentication enforces the static bearer gate. With no token
// configured every request passes. It writes the response on failure and
// reports whether the request may proceed.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) bool {
	if h.authToken == "" {
		return true
	}

	raw := r.Header.Get(authorizationHeader)
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.authToken)) != 1 {
		h.log.InfoContext(ctx, "auth.fail")
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSONError(w, http.StatusUnauthorized, "invalid or missing bearer token")
		return false
	}
	return true
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAuthentication(ctx, r, w) {
		return
	}

	sess := h.registry.Create()
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": sess.ID()})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAuthentication(ctx, r, w) {
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]any{"sessions": h.registry.List()})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAuthentication(ctx, r, w) {
		return
	}

	id := r.PathValue("id")
	if err := h.registry.Remove(id); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "unknown session")
			return
		}
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "session removal failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubmit accepts one JSON-RPC message on behalf of a session. A
// policy block is not an HTTP error: the synthesized JSON-RPC error is
// already queued on the session's stream, so the submission is still
// accepted at the transport level.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAuthentication(ctx, r, w) {
		return
	}

	id := r.PathValue("id")
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id})

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmitBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(body) > maxSubmitBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "message too large")
		return
	}
	if !json.Valid(body) {
		writeJSONError(w, http.StatusBadRequest, "body is not valid JSON")
		return
	}

	err = h.broker.Submit(ctx, id, jsonrpc.Message(body))
	switch {
	case err == nil:
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true})
	case errors.Is(err, bridge.ErrBlocked):
		h.log.InfoContext(ctx, "http.submit.blocked")
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true, "blocked": true})
	case errors.Is(err, sessions.ErrSessionNotFound):
		writeJSONError(w, http.StatusNotFound, "unknown session")
	default:
		h.log.ErrorContext(ctx, "http.submit.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadGateway, "submission failed")
	}
}

// handleStream attaches an SSE subscriber to the session and relays its
// frame feed until the client goes away or the session is destroyed.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAuthentication(ctx, r, w) {
		return
	}

	accepted, _, err := contenttype.GetAcceptableMediaType(r, acceptedMediaTypes)
	if err != nil || accepted.String() != eventStreamMediaType.String() {
		writeJSONError(w, http.StatusNotAcceptable, "accept header must allow text/event-stream")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	id := r.PathValue("id")
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id})

	sess, err := h.registry.Get(id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}
	sub, err := sess.Subscribe()
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}
	defer sub.Close()

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")
	defer h.log.InfoContext(ctx, "sse.stream.end")

	for {
		frame, err := sub.NextFrame(ctx, h.heartbeat)
		switch {
		case err == nil:
			if err := writeSSEEvent(wf, frame); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		case errors.Is(err, sessions.ErrHeartbeat):
			if _, err := wf.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			wf.Flush()
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		default:
			// Session destroyed underneath the stream.
			return
		}
	}
}

func writeSSEEvent(wf *lockedWriteFlusher, payload []byte) error {
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

func (h *Handler) handleListFilters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAuthentication(ctx, r, w) {
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]any{"filters": h.pipeline.List()})
}

func (h *Handler) handleToggleFilter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAuthentication(ctx, r, w) {
		return
	}

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "body must be {\"enabled\": bool}")
		return
	}

	name := r.PathValue("name")
	if err := h.pipeline.Toggle(name, body.Enabled); err != nil {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown filter %q", name))
		return
	}
	h.log.InfoContext(ctx, "filter.toggle",
		slog.String("filter", name),
		slog.Bool("enabled", body.Enabled),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReplaceFilterConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAuthentication(ctx, r, w) {
		return
	}

	var cfg filter.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "body must be a filter config document")
		return
	}
	if err := h.pipeline.SetConfig(cfg); err != nil {
		// A config that fails to compile leaves the previous one in force.
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.log.InfoContext(ctx, "filter.config.replace")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleFilterMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAuthentication(ctx, r, w) {
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(h.pipeline.Metrics())
}
