package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/chat-director/internal/core"
)

const wsWriteTimeout = 5 * time.Second

// handleStream serves selection changes as Server-Sent Events. The current
// selection is replayed first when one exists.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	if s.isClosed() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	updates, cancel, err := s.selection.Subscribe()
	if err != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	s.metrics.IncSSEClients(1)
	defer s.metrics.IncSSEClients(-1)

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	replay := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		case u, ok := <-updates:
			if !ok {
				return
			}
			if replay {
				replay = false
				if u.Message == nil {
					continue
				}
			}
			data, err := json.Marshal(u)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: selection\ndata: %s\n\n", data)
			flusher.Flush()
			s.metrics.IncUpdatesSent("sse")
		}
	}
}

type wsMessage struct {
	Type    string            `json:"type"`
	Message *core.ChatMessage `json:"message"`
}

// handleWS serves the same selection feed over a WebSocket. Every update,
// including the initial state, is sent as {"type":"selection","message":...}.
// Client frames are ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.isClosed() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(baseWriter(w), r, &websocket.AcceptOptions{
		OriginPatterns:     s.wsOriginPatterns(),
		InsecureSkipVerify: s.cors != nil && s.cors.allowAll,
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	updates, cancel, err := s.selection.Subscribe()
	if err != nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer cancel()

	s.metrics.IncWSClients(1)
	defer s.metrics.IncWSClients(-1)

	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ticker.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				return
			}
		case u, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "selection closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, wsMessage{Type: "selection", Message: u.Message})
			cancelWrite()
			if err != nil {
				return
			}
			s.metrics.IncUpdatesSent("ws")
		}
	}
}

// wsOriginPatterns mirrors the CORS policy. Cross-origin upgrades are
// accepted only when CORS is configured; the middleware has already rejected
// disallowed origins by the time the handler runs. A wildcard policy also
// skips the origin check so file-loaded overlays ("null" origin) can connect.
func (s *Server) wsOriginPatterns() []string {
	if s.cors == nil {
		return nil
	}
	return []string{"*"}
}
