package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/procstream/mcp-bridge-go/bridge"
	"github.com/procstream/mcp-bridge-go/filter"
	"github.com/procstream/mcp-bridge-go/internal/jsonrpc"
	"github.com/procstream/mcp-bridge-go/sessions"
)

// fakeBroker records submissions and can simulate policy blocks.
type fakeBroker struct {
	registry  *sessions.Registry
	submitted []jsonrpc.Message
	blockAll  bool
}

func (f *fakeBroker) Submit(_ context.Context, sessionID string, payload jsonrpc.Message) error {
	if _, err := f.registry.Get(sessionID); err != nil {
		return err
	}
	if f.blockAll {
		return bridge.ErrBlocked
	}
	f.submitted = append(f.submitted, payload)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T, opts ...Option) (*Handler, *sessions.Registry, *fakeBroker) {
	t.Helper()

	registry := sessions.NewRegistry(sessions.WithLogger(testLogger()))
	pipeline, err := filter.NewPipeline(filter.DefaultConfig(), filter.WithPipelineLogger(testLogger()))
	if err != nil {
		t.Fatal(err)
	}
	broker := &fakeBroker{registry: registry}

	opts = append([]Option{WithLogger(testLogger()), WithHeartbeat(50 * time.Millisecond)}, opts...)
	h, err := New(registry, broker, pipeline, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return h, registry, broker
}

func doJSON(t *testing.T, h http.Handler, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSessionLifecycle(t *testing.T) {
	h, registry, _ := newTestHandler(t)

	w := doJSON(t, h, "POST", "/sessions", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	var created struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.SessionID == "" {
		t.Fatal("no session id returned")
	}

	w = doJSON(t, h, "GET", "/sessions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var listed struct {
		Sessions []struct {
			ID string `json:"sessionId"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Sessions) != 1 || listed.Sessions[0].ID != created.SessionID {
		t.Errorf("sessions = %+v", listed)
	}

	w = doJSON(t, h, "DELETE", "/sessions/"+created.SessionID, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if _, err := registry.Get(created.SessionID); err == nil {
		t.Error("session survived delete")
	}

	w = doJSON(t, h, "DELETE", "/sessions/"+created.SessionID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", w.Code)
	}
}

func TestSubmit(t *testing.T) {
	h, registry, broker := newTestHandler(t)
	sess := registry.Create()

	w := doJSON(t, h, "POST", "/sessions/"+sess.ID()+"/messages",
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}
	if len(broker.submitted) != 1 {
		t.Fatalf("submitted = %d", len(broker.submitted))
	}

	w = doJSON(t, h, "POST", "/sessions/no-such/messages", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d", w.Code)
	}

	w = doJSON(t, h, "POST", "/sessions/"+sess.ID()+"/messages", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON status = %d", w.Code)
	}
}

func TestSubmitBlockedStillAccepted(t *testing.T) {
	h, registry, broker := newTestHandler(t)
	broker.blockAll = true
	sess := registry.Create()

	w := doJSON(t, h, "POST", "/sessions/"+sess.ID()+"/messages",
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Accepted bool `json:"accepted"`
		Blocked  bool `json:"blocked"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Accepted || !body.Blocked {
		t.Errorf("body = %+v", body)
	}
}

func TestStreamDeliversFramesAndHeartbeats(t *testing.T) {
	h, registry, _ := newTestHandler(t)
	sess := registry.Create()

	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest("GET", srv.URL+"/sessions/"+sess.ID()+"/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	if err := sess.Push(jsonrpc.Message(`{"jsonrpc":"2.0","id":1,"result":"pong"}`)); err != nil {
		t.Fatal(err)
	}

	sc := bufio.NewScanner(resp.Body)
	var sawData, sawHeartbeat bool
	deadline := time.After(3 * time.Second)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for !(sawData && sawHeartbeat) {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed early")
			}
			if strings.HasPrefix(line, "data: ") && strings.Contains(line, "pong") {
				sawData = true
			}
			if strings.HasPrefix(line, ": keep-alive") {
				sawHeartbeat = true
			}
		case <-deadline:
			t.Fatalf("timed out: data=%v heartbeat=%v", sawData, sawHeartbeat)
		}
	}
}

func TestStreamRequiresEventStreamAccept(t *testing.T) {
	h, registry, _ := newTestHandler(t)
	sess := registry.Create()

	req := httptest.NewRequest("GET", "/sessions/"+sess.ID()+"/stream", nil)
	req.Header.Set("Accept", "application/xml")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotAcceptable {
		t.Errorf("status = %d", w.Code)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	h, registry, broker := newTestHandler(t)
	sess := registry.Create()

	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + sess.ID() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Client to bridge.
	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); err != nil {
		t.Fatal(err)
	}

	// Bridge to client.
	if err := sess.Push(jsonrpc.Message(`{"jsonrpc":"2.0","id":1,"result":"pong"}`)); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(frame, []byte("pong")) {
		t.Errorf("frame = %s", frame)
	}

	// The read pump runs concurrently; give it a beat to record the submit.
	deadline := time.Now().Add(2 * time.Second)
	for len(broker.submitted) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(broker.submitted) != 1 {
		t.Errorf("submitted = %d", len(broker.submitted))
	}
}

func TestFilterEndpoints(t *testing.T) {
	h, _, _ := newTestHandler(t)

	w := doJSON(t, h, "GET", "/filters", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var listed struct {
		Filters []filter.Info `json:"filters"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Filters) != 6 {
		t.Errorf("filters = %+v", listed.Filters)
	}

	w = doJSON(t, h, "POST", "/filters/pii_redactor/toggle", `{"enabled":false}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("toggle status = %d", w.Code)
	}
	w = doJSON(t, h, "POST", "/filters/bogus/toggle", `{"enabled":true}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown filter status = %d", w.Code)
	}

	w = doJSON(t, h, "PUT", "/filters/config", `{"blacklist":{"blocked_keywords":["x"]}}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("config status = %d body = %s", w.Code, w.Body)
	}
	w = doJSON(t, h, "PUT", "/filters/config", `{"blacklist":{"blocked_patterns":["("]}}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad pattern status = %d", w.Code)
	}

	w = doJSON(t, h, "GET", "/filters/metrics", "")
	if w.Code != http.StatusOK {
		t.Errorf("metrics status = %d", w.Code)
	}
}

func TestBearerGate(t *testing.T) {
	h, registry, _ := newTestHandler(t, WithAuthToken("sekrit"))
	registry.Create()

	w := doJSON(t, h, "GET", "/sessions", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/sessions", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token status = %d", rec.Code)
	}
}
