package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/maestroio/cli/cmd/maestro/cli/errs"
	"github.com/maestroio/cli/cmd/maestro/cli/logging"
	"github.com/maestroio/cli/cmd/maestro/cli/validation"
)

const (
	// writeWait bounds each WebSocket write.
	writeWait = 10 * time.Second
	// pingPeriod keeps idle upgrades alive.
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The runtime is a local desktop companion; the transport carries no
	// authentication by design (see the coordinator's scope).
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStream upgrades the connection and relays the session's events as
// line-delimited JSON documents, one per WebSocket text message.
//
// Subscriptions are strictly session-scoped: the upgrade URL encodes the
// session id and events for other sessions are never delivered here.
func (h *handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if err := validation.ValidateSessionID(sessionID); err != nil {
		writeError(w, errs.InvalidArgument(err.Error()))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer func() { _ = conn.Close() }()

	sub := h.coord.Broker().Subscribe(sessionID)
	defer sub.Close()

	ctx := logging.WithSession(r.Context(), sessionID)
	logging.Debug(ctx, "stream subscriber attached")

	// Reader goroutine: the client sends nothing meaningful, but reads are
	// required to process close and pong frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(pingPeriod)
	defer pings.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logging.Debug(ctx, "stream write failed", slog.Any("error", err))
				return
			}
		case <-pings.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
