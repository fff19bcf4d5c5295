package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// keepaliveInterval is how often an SSE comment is written so proxies
// do not reap idle streams.
const keepaliveInterval = 30 * time.Second

// handleEvents handles GET /api/events/{board}: a server-sent-events
// stream of the board's bus subjects. The stream runs until the client
// disconnects. Slow consumers drop events rather than stall the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "Event streaming is not enabled", http.StatusServiceUnavailable)
		return
	}
	boardID := r.PathValue("board")
	user := userFrom(r.Context())

	member, err := s.memberOf(r.Context(), boardID, user.ID)
	if err != nil {
		s.logger.Error("Failed to check board membership", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "Board not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.bus.Subscribe(boardID)
	if err != nil {
		s.logger.Error("Failed to subscribe to board events", "board_id", boardID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

// Seed creates demo users and a demo board when the store is empty.
// Used by `kira serve --seed`.
func (s *Server) Seed(ctx context.Context) error {
	return s.db.Seed(ctx)
}
