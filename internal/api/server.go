// Package api serves the assistant over HTTP. Turns stream their events
// as server-sent events; conversations, usage and audit are plain JSON;
// live turn events of a conversation are mirrored over a websocket.
//
// Identity comes from the X-User-ID header, set by the authenticating
// proxy in front of the service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/quill/internal/agent"
	"github.com/nugget/quill/internal/audit"
	"github.com/nugget/quill/internal/buildinfo"
	"github.com/nugget/quill/internal/config"
	"github.com/nugget/quill/internal/conversation"
	"github.com/nugget/quill/internal/events"
	"github.com/nugget/quill/internal/usage"
)

// UserHeader carries the authenticated user id.
const UserHeader = "X-User-ID"

// TurnRunner runs one assistant turn, usually an *agent.Loop.
type TurnRunner interface {
	RunTurn(ctx context.Context, userID string, req agent.Request, emit events.Emitter) (*agent.Outcome, error)
}

// ConversationStore is the read side of the conversation log.
type ConversationStore interface {
	List(ctx context.Context, userID string, includeArchived bool) ([]*conversation.Conversation, error)
	Get(ctx context.Context, userID, id string) (*conversation.Conversation, error)
	Load(ctx context.Context, userID, conversationID string) ([]*conversation.Message, error)
	Archive(ctx context.Context, userID, id string) error
}

// UsageReporter exposes quota and spend.
type UsageReporter interface {
	Get(ctx context.Context, userID string) (*usage.Status, error)
	Summary(ctx context.Context, userID string, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, userID string, start, end time.Time) (map[string]*usage.Summary, error)
}

// AuditLister lists audited tool calls.
type AuditLister interface {
	List(ctx context.Context, userID string, limit int) ([]audit.Entry, error)
}

// Deps are the server's collaborators. Usage, Audit and Bus are
// optional; their endpoints answer 503 when unset.
type Deps struct {
	Turns         TurnRunner
	Conversations ConversationStore
	Usage         UsageReporter
	Audit         AuditLister
	Bus           *events.Bus
	Logger        *slog.Logger
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	deps     Deps
	limiter  *userLimiter
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewServer creates a new API server.
func NewServer(listen config.ListenConfig, cfg config.APIConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address: listen.Address,
		port:    listen.Port,
		deps:    deps,
		limiter: newUserLimiter(cfg.RateLimit, cfg.Burst),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second, // reset per event while streaming
	}
	return s
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Turns
	mux.Handle("POST /v1/turns", s.authed(s.handleTurn))

	// Conversations
	mux.Handle("GET /v1/conversations", s.authed(s.handleConversationList))
	mux.Handle("GET /v1/conversations/{id}/messages", s.authed(s.handleConversationMessages))
	mux.Handle("POST /v1/conversations/{id}/archive", s.authed(s.handleConversationArchive))
	mux.Handle("GET /v1/conversations/{id}/events", s.authed(s.handleConversationEvents))

	// Usage and audit
	mux.Handle("GET /v1/usage", s.authed(s.handleUsage))
	mux.Handle("GET /v1/audit", s.authed(s.handleAudit))

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns nil after Shutdown,
// including a Shutdown that happened before Start.
func (s *Server) Start(ctx context.Context) error {
	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.InfoContext(ctx, "starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"user_id", r.Header.Get(UserHeader),
			"duration", time.Since(start),
		)
	})
}

type userKey struct{}

// authed rejects requests without a user id and stores it in the
// request context.
func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" || len(userID) > 128 {
			s.errorResponse(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid "+UserHeader+" header")
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}, s.logger)
}

// storeError maps a store failure to a response.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, conversation.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	s.logger.Error("store request failed", "path", r.URL.Path, "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "internal", "internal error")
}
