package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPingInterval = 30 * time.Second
	wsReadWindow   = 60 * time.Second
	wsWriteWindow  = 5 * time.Second
	wsBuffer       = 64
)

// handleConversationList lists the caller's conversations.
// GET /v1/conversations?archived=true
func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	archived, _ := strconv.ParseBool(r.URL.Query().Get("archived"))
	convs, err := s.deps.Conversations.List(r.Context(), userFrom(r.Context()), archived)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	}, s.logger)
}

// handleConversationMessages returns a conversation and its message log.
func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	id := r.PathValue("id")

	conv, err := s.deps.Conversations.Get(r.Context(), userID, id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	msgs, err := s.deps.Conversations.Load(r.Context(), userID, id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversation": conv,
		"messages":     msgs,
	}, s.logger)
}

func (s *Server) handleConversationArchive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Conversations.Archive(r.Context(), userFrom(r.Context()), id); err != nil {
		s.storeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"id": id, "status": "archived"}, s.logger)
}

// handleConversationEvents mirrors the live events of one conversation
// to a websocket. Slow clients miss events; turns never wait for them.
func (s *Server) handleConversationEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "live events are disabled")
		return
	}
	userID := userFrom(r.Context())
	id := r.PathValue("id")
	if _, err := s.deps.Conversations.Get(r.Context(), userID, id); err != nil {
		s.storeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.deps.Bus.Subscribe(id, wsBuffer)
	defer s.deps.Bus.Unsubscribe(ch)
	s.logger.Debug("event subscriber attached", "conversation_id", id, "user_id", userID)

	// The reader only keeps the connection alive and notices closes.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsReadWindow))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsReadWindow))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWindow))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWindow))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event subscriber write failed", "conversation_id", id, "error", err)
				return
			}
		}
	}
}
