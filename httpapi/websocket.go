package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/procstream/mcp-bridge-go/bridge"
	"github.com/procstream/mcp-bridge-go/internal/jsonrpc"
	"github.com/procstream/mcp-bridge-go/internal/logctx"
	"github.com/procstream/mcp-bridge-go/sessions"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = maxSubmitBytes
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The control surface binds to loopback by default and the bearer gate
	// runs before the upgrade, so cross-origin upgrades are allowed.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection into a bidirectional session
// sink: outbound frames from the session feed become text messages, and
// inbound text messages are submitted to the broker on the session's
// behalf. Either side closing tears down both pumps.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAuthentication(ctx, r, w) {
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

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		h.log.InfoContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	conn.SetReadLimit(wsReadLimit)

	h.log.InfoContext(ctx, "ws.stream.start")

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		h.wsWritePump(ctx, conn, sub)
	}()

	h.wsReadPump(ctx, conn, id)

	cancel()
	sub.Close()
	_ = conn.Close()
	h.log.InfoContext(ctx, "ws.stream.end")
}

// wsWritePump relays the session feed to the socket, sending pings on
// heartbeat to keep intermediaries from reaping an idle connection.
func (h *Handler) wsWritePump(ctx context.Context, conn *websocket.Conn, sub *sessions.Subscriber) {
	for {
		frame, err := sub.NextFrame(ctx, h.heartbeat)
		switch {
		case err == nil:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.InfoContext(ctx, "ws.write.fail", slog.String("err", err.Error()))
				return
			}
		case errors.Is(err, sessions.ErrHeartbeat):
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		default:
			return
		}
	}
}

// wsReadPump submits inbound socket messages to the broker until the
// client disconnects.
func (h *Handler) wsReadPump(ctx context.Context, conn *websocket.Conn, sessionID string) {
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.InfoContext(ctx, "ws.read.fail", slog.String("err", err.Error()))
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		err = h.broker.Submit(ctx, sessionID, jsonrpc.Message(payload))
		switch {
		case err == nil, errors.Is(err, bridge.ErrBlocked):
			// Blocked submissions already produced an in-band error frame.
		case errors.Is(err, sessions.ErrSessionNotFound):
			return
		default:
			h.log.WarnContext(ctx, "ws.submit.fail", slog.String("err", err.Error()))
		}
	}
}
