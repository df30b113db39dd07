package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skiffworks/skiff/internal/orchestrator"
)

// writeWait bounds control frame writes on shutdown.
const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The desktop client connects from a file:// or app origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket serves one query per connection: the client sends a
// ChatRequest, receives the event stream as JSON text messages, and the
// server closes when the run ends. Closing the socket mid-run aborts
// the query.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req ChatRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.logger.Debug("websocket read failed", "error", err)
		return
	}
	if req.Text == "" {
		_ = conn.WriteJSON(orchestrator.ErrorEvent("text is required"))
		return
	}

	// Reads after the query only watch for disconnect; a read error
	// means the client went away and the run should stop.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	onEvent := func(ev orchestrator.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			cancel()
		}
	}

	err = s.svc.ProcessQuery(ctx, req.query(), onEvent)
	if err != nil && !errors.Is(err, orchestrator.ErrCancelled) {
		s.logger.Error("websocket query failed", "error", err)
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}
