package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/confship/confship/internal/audit"
	"github.com/confship/confship/internal/target"
)

// targetRequest is the body for target create and update. Credential is the
// plaintext SSH private key or password; it is encrypted before persistence
// and never echoed back in responses.
type targetRequest struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	Credential string `json:"credential,omitempty"`
	ConfigPath string `json:"config_path"`
	RestartCmd string `json:"restart_cmd,omitempty"`
	HealthCmd  string `json:"health_cmd,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
}

// handleListTargets returns all targets ordered by name.
func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.targets.List(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list targets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"targets": targets,
		"count":   len(targets),
	})
}

// handleGetTarget returns a single target record.
func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	tgt, err := s.targets.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "failed to load target")
		return
	}
	writeJSON(w, http.StatusOK, tgt)
}

// handleCreateTarget registers a new deployment target. The supplied
// credential is sealed with the secrets box before it reaches the database.
func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Credential == "" {
		writeBadRequest(w, "credential is required")
		return
	}

	sealed, err := s.secrets.Encrypt([]byte(req.Credential))
	if err != nil {
		writeInternalError(w, "failed to seal credential")
		return
	}

	port := req.Port
	if port == 0 {
		port = 22
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	tgt := &target.Target{
		Name:       req.Name,
		Host:       req.Host,
		Port:       port,
		User:       req.User,
		Credential: sealed,
		ConfigPath: req.ConfigPath,
		RestartCmd: req.RestartCmd,
		HealthCmd:  req.HealthCmd,
		Enabled:    enabled,
	}
	if err := s.targets.Create(r.Context(), tgt); err != nil {
		writeDomainError(w, err, "failed to create target")
		return
	}

	s.recordAudit(r, audit.ActionTargetCreated, audit.EntityTarget, tgt.ID, map[string]any{
		"name": tgt.Name,
		"host": tgt.Host,
	})
	writeJSON(w, http.StatusCreated, tgt)
}

// handleUpdateTarget replaces a target's mutable fields. An empty credential
// keeps the stored one; a non-empty credential is re-encrypted.
func (s *Server) handleUpdateTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tgt, err := s.targets.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to load target")
		return
	}

	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if req.Name != "" {
		tgt.Name = req.Name
	}
	if req.Host != "" {
		tgt.Host = req.Host
	}
	if req.Port != 0 {
		tgt.Port = req.Port
	}
	if req.User != "" {
		tgt.User = req.User
	}
	if req.ConfigPath != "" {
		tgt.ConfigPath = req.ConfigPath
	}
	tgt.RestartCmd = req.RestartCmd
	tgt.HealthCmd = req.HealthCmd
	if req.Enabled != nil {
		tgt.Enabled = *req.Enabled
	}
	if req.Credential != "" {
		sealed, err := s.secrets.Encrypt([]byte(req.Credential))
		if err != nil {
			writeInternalError(w, "failed to seal credential")
			return
		}
		tgt.Credential = sealed
	}

	if err := s.targets.Update(r.Context(), tgt); err != nil {
		writeDomainError(w, err, "failed to update target")
		return
	}

	s.recordAudit(r, audit.ActionTargetUpdated, audit.EntityTarget, tgt.ID, map[string]any{
		"name": tgt.Name,
	})
	writeJSON(w, http.StatusOK, tgt)
}

// handleDeleteTarget removes a target record. Snapshots of the target are
// kept; they age out through the retention sweep.
func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.targets.Delete(r.Context(), id); err != nil {
		writeDomainError(w, err, "failed to delete target")
		return
	}

	s.recordAudit(r, audit.ActionTargetDeleted, audit.EntityTarget, id, nil)
	w.WriteHeader(http.StatusNoContent)
}
