package web

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leonletto/delegate/internal/activity"
)

// sseKeepalive is the comment-line interval that keeps idle proxies from
// dropping the connection.
const sseKeepalive = 30 * time.Second

// handleGlobalStream is the cross-team SSE activity feed.
func (s *Server) handleGlobalStream(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, "")
}

// handleTeamStream is the per-team SSE activity feed.
func (s *Server) handleTeamStream(w http.ResponseWriter, r *http.Request) {
	team, _, ok := s.resolveTeam(w, r)
	if !ok {
		return
	}
	s.serveSSE(w, r, team)
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, team string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, cancel := s.Broadcast.Subscribe(team)
	defer cancel()

	fmt.Fprintf(w, "data: %s\n\n", activity.Event{Type: activity.TypeConnected}.JSON())
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", e.JSON())
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to loopback; the dashboard is the only expected origin.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// handleWebSocket mirrors the SSE feed over a WebSocket for clients that
// prefer a bidirectional transport. Optional ?team= filters the feed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	team := r.URL.Query().Get("team")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	events, cancel := s.Broadcast.Subscribe(team)
	defer cancel()

	// Drain client frames so pings and closes are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	if err := conn.WriteJSON(activity.Event{Type: activity.TypeConnected}); err != nil {
		return
	}
	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-keepalive.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
