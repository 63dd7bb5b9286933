package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/confship/confship/internal/audit"
	"github.com/confship/confship/internal/deploy"
)

// submitDeploymentRequest is the body for POST /deployments. The
// configuration archive travels base64-encoded in the payload field.
type submitDeploymentRequest struct {
	TargetIDs []string       `json:"target_ids"`
	Payload   string         `json:"payload"`
	Options   deploy.Options `json:"options"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// handleSubmitDeployment starts a new deployment and returns it immediately;
// execution is asynchronous and observed via GET /deployments/{id} or the
// WebSocket feed. Conflicting submissions against a busy target get 409.
func (s *Server) handleSubmitDeployment(w http.ResponseWriter, r *http.Request) {
	var req submitDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.TargetIDs) == 0 {
		writeBadRequest(w, "target_ids is required")
		return
	}
	if req.Payload == "" {
		writeBadRequest(w, "payload is required")
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		writeBadRequest(w, "payload must be base64-encoded")
		return
	}

	claims := claimsFrom(r.Context())
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	if claims != nil {
		metadata["submitted_by"] = claims.Subject
	}

	dep, err := s.scheduler.Submit(r.Context(), deploy.SubmitRequest{
		TargetIDs: req.TargetIDs,
		Trigger:   deploy.TriggerManual,
		Options:   req.Options,
		Metadata:  metadata,
		Payload:   payload,
		Source:    audit.SourceAPI,
	})
	if err != nil {
		writeDomainError(w, err, "failed to submit deployment")
		return
	}

	writeJSON(w, http.StatusAccepted, dep)
}

// handleListDeployments returns deployments, newest first.
//
// Query parameters:
//   - status: filter by aggregate status (pending, running, completed, failed, cancelled)
//   - limit: maximum rows returned
func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	filter := deploy.ListFilter{}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = deploy.Status(status)
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	deployments, err := s.deployments.ListDeployments(r.Context(), filter)
	if err != nil {
		writeInternalError(w, "failed to list deployments")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployments": deployments,
		"count":       len(deployments),
	})
}

// handleGetDeployment returns a deployment and its per-target results.
func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dep, results, err := s.scheduler.Progress(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to load deployment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment": dep,
		"results":    results,
	})
}

// handleCancelDeployment requests cooperative cancellation of a running
// deployment. Cancellation takes effect at the next phase boundary; phases
// already in flight run to completion.
func (s *Server) handleCancelDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.scheduler.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err, "failed to cancel deployment")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"deployment_id": id,
		"cancelling":    true,
	})
}

// rollbackRequest is the body for POST /deployments/{id}/rollback. With an
// empty target_id every target with a pre-deployment snapshot is restored.
type rollbackRequest struct {
	TargetID string `json:"target_id,omitempty"`
}

// handleRollbackDeployment manually restores a finished deployment's targets
// from their pre-deployment snapshots.
func (s *Server) handleRollbackDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req rollbackRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}

	if err := s.scheduler.RequestRollback(r.Context(), id, req.TargetID); err != nil {
		writeDomainError(w, err, "failed to roll back deployment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment_id": id,
		"rolled_back":   true,
	})
}
