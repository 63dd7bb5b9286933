package api

import (
	"net/http"
	"strconv"

	"github.com/confship/confship/internal/audit"
)

// handleListAudit returns a page of the audit trail, newest first.
//
// Query parameters:
//   - action: filter by action (deployment_started, snapshot_created, ...)
//   - entity_type: filter by entity (deployment, snapshot, target)
//   - entity_id: filter by entity identifier
//   - limit, offset: pagination
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	filter := audit.Filter{
		Action:     r.URL.Query().Get("action"),
		EntityType: r.URL.Query().Get("entity_type"),
		EntityID:   r.URL.Query().Get("entity_id"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = offset
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// recordAudit writes an API-sourced audit entry. Failures are logged, not
// surfaced; an audit write never fails the operation it describes.
func (s *Server) recordAudit(r *http.Request, action, entityType, entityID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	if claims := claimsFrom(r.Context()); claims != nil {
		if details == nil {
			details = map[string]any{}
		}
		details["subject"] = claims.Subject
	}
	entry := &audit.Entry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Source:     audit.SourceAPI,
		Details:    details,
	}
	if err := s.audit.Record(r.Context(), entry); err != nil {
		s.logger.Warn("audit record failed", "action", action, "error", err)
	}
}
