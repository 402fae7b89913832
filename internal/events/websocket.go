package events

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// WebSocketHandler streams a session's events to a browser.
type WebSocketHandler struct {
	hub            *Hub
	originPatterns []string
}

// NewWebSocketHandler creates a handler. An empty pattern list allows any
// origin.
func NewWebSocketHandler(hub *Hub, originPatterns []string) *WebSocketHandler {
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &WebSocketHandler{hub: hub, originPatterns: originPatterns}
}

// Serve upgrades the request and forwards events for sessionID until the
// client disconnects or the session is closed. Callers must have verified
// that the session exists.
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Warn("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	events, cancel := h.hub.Subscribe(sessionID)
	defer cancel()

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// once the peer goes away.
	ctx := ws.CloseRead(r.Context())
	slog.Info("Event stream opened", "session_id", sessionID, "ip", r.RemoteAddr)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Event stream closed by client", "session_id", sessionID)
			return
		case e, ok := <-events:
			if !ok {
				slog.Info("Event stream closed by server", "session_id", sessionID)
				return
			}
			if err := writeEvent(ctx, ws, e); err != nil {
				slog.Debug("WebSocket write error", "error", err, "session_id", sessionID)
				return
			}
		case <-ping.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Debug("WebSocket ping failed", "error", err, "session_id", sessionID)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, e)
}
