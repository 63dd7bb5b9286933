package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/confship/confship/internal/audit"
	"github.com/confship/confship/internal/snapshot"
)

// handleListSnapshots returns snapshots, newest first.
//
// Query parameters:
//   - target_id: filter by target
//   - status: filter by status (creating, completed, failed, deleted)
//   - limit: maximum rows returned
func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	filter := snapshot.ListFilter{
		TargetID: r.URL.Query().Get("target_id"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = snapshot.Status(status)
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	snapshots, err := s.snapRepo.List(r.Context(), filter)
	if err != nil {
		writeInternalError(w, "failed to list snapshots")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshots": snapshots,
		"count":     len(snapshots),
	})
}

// createSnapshotRequest is the body for POST /snapshots.
type createSnapshotRequest struct {
	TargetID  string `json:"target_id"`
	Protected bool   `json:"protected,omitempty"`
}

// handleCreateSnapshot captures a manual snapshot of a target's current
// remote configuration.
func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req createSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.TargetID == "" {
		writeBadRequest(w, "target_id is required")
		return
	}

	snap, err := s.snapshots.Create(r.Context(), req.TargetID, snapshot.TypeManual)
	if err != nil {
		writeDomainError(w, err, "failed to create snapshot")
		return
	}

	if req.Protected {
		if err := s.snapRepo.SetProtected(r.Context(), snap.ID, true); err != nil {
			writeInternalError(w, "failed to protect snapshot")
			return
		}
		snap.Protected = true
	}

	s.recordAudit(r, audit.ActionSnapshotCreated, audit.EntitySnapshot, snap.ID, map[string]any{
		"target_id": snap.TargetID,
		"type":      string(snap.Type),
	})
	writeJSON(w, http.StatusCreated, snap)
}

// handleGetSnapshot returns a single snapshot record.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapRepo.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "failed to load snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleDeleteSnapshot removes a snapshot and its archive. Protected
// snapshots are refused with 409.
func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.snapshots.Delete(r.Context(), id); err != nil {
		writeDomainError(w, err, "failed to delete snapshot")
		return
	}

	s.recordAudit(r, audit.ActionSnapshotDeleted, audit.EntitySnapshot, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// protectSnapshotRequest is the body for POST /snapshots/{id}/protect.
type protectSnapshotRequest struct {
	Protected bool `json:"protected"`
}

// handleProtectSnapshot sets or clears the protected flag. Protected
// snapshots are exempt from retention sweeps and deletion.
func (s *Server) handleProtectSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req protectSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.snapRepo.SetProtected(r.Context(), id, req.Protected); err != nil {
		writeDomainError(w, err, "failed to update snapshot")
		return
	}

	snap, err := s.snapRepo.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to load snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// restoreSnapshotRequest is the body for POST /snapshots/{id}/restore.
type restoreSnapshotRequest struct {
	BackupFirst bool `json:"backup_first,omitempty"`
}

// handleRestoreSnapshot pushes a snapshot's archive back onto its target
// and restarts the managed service. The restore is synchronous; the
// request returns once the target reports healthy or the restore fails.
func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req restoreSnapshotRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}

	if err := s.snapshots.Restore(r.Context(), id, snapshot.RestoreOptions{BackupFirst: req.BackupFirst}); err != nil {
		writeDomainError(w, err, "failed to restore snapshot")
		return
	}

	s.recordAudit(r, audit.ActionSnapshotRestored, audit.EntitySnapshot, id, map[string]any{
		"backup_first": req.BackupFirst,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot_id": id,
		"restored":    true,
	})
}
