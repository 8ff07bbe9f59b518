package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nugget/quill/internal/agent"
	"github.com/nugget/quill/internal/events"
)

// maxTurnBody bounds a turn request body.
const maxTurnBody = 1 << 20

// streamWriteWindow is how long a streamed turn may go without writing.
const streamWriteWindow = 120 * time.Second

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationMessage flattens validator errors into one line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// handleTurn runs one turn and streams its events.
// POST /v1/turns {"conversationId": "...", "message": "..."}
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	if !s.limiter.allow(userID) {
		w.Header().Set("Retry-After", "1")
		s.errorResponse(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}

	var req agent.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTurnBody))
	if err := dec.Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "validation", validationMessage(err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	terminal := false
	emit := func(e events.Event) {
		s.writeSSE(w, e)
		flusher.Flush()
		terminal = terminal || e.Terminal()

		// Tool loops can outlast the server write timeout.
		if err := rc.SetWriteDeadline(time.Now().Add(streamWriteWindow)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	out, err := s.deps.Turns.RunTurn(r.Context(), userID, req, emit)
	if err != nil {
		s.logger.Debug("turn ended with error", "user_id", userID, "kind", agent.KindOf(err), "error", err)
		if !terminal {
			// Failures before the turn started emit nothing.
			emit(events.Event{
				Kind:           events.KindError,
				ConversationID: req.ConversationID,
				Timestamp:      s.now(),
				Error: &events.Error{
					Code:    string(agent.KindOf(err)),
					Message: "la requête n'a pas pu être traitée",
					Fatal:   true,
				},
			})
		}
		return
	}
	s.logger.Debug("turn streamed", "user_id", userID, "conversation_id", out.ConversationID, "status", out.Status)
}

func (s *Server) writeSSE(w http.ResponseWriter, e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}
