package api

import (
	"net/http"
	"strconv"

	"github.com/nugget/quill/internal/usage"
)

const maxAuditLimit = 500

// handleUsage reports the caller's quota and this month's token spend.
// GET /v1/usage
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "usage reporting is disabled")
		return
	}
	ctx := r.Context()
	userID := userFrom(ctx)

	status, err := s.deps.Usage.Get(ctx, userID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	start, end := usage.PeriodBounds(s.now())
	summary, err := s.deps.Usage.Summary(ctx, userID, start, end)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	byModel, err := s.deps.Usage.SummaryByModel(ctx, userID, start, end)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"quota":   status,
		"tokens":  summary,
		"byModel": byModel,
	}, s.logger)
}

// handleAudit lists the caller's audited tool calls, newest first.
// GET /v1/audit?limit=50
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "audit log is disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxAuditLimit {
			s.errorResponse(w, http.StatusBadRequest, "validation", "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	entries, err := s.deps.Audit.List(r.Context(), userFrom(r.Context()), limit)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"entries": entries,
		"count":   len(entries),
	}, s.logger)
}
