package api

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/confship/confship/internal/audit"
	"github.com/confship/confship/internal/deploy"
)

// githubPushEvent is the subset of the GitHub push payload the trigger needs.
type githubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	HeadCommit struct {
		Message string `json:"message"`
	} `json:"head_commit"`
}

// handleGitHubWebhook deploys the local configuration checkout when GitHub
// reports a push. Authentication is the HMAC signature GitHub computes over
// the raw body with the shared webhook secret; JWT auth does not apply here.
//
// The handler archives the configured checkout directory and submits a
// deployment against every enabled target. A conflicting in-flight
// deployment yields 409 and GitHub retries delivery.
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookCfg.Secret == "" || s.webhookCfg.ConfigDir == "" {
		writeNotFound(w, "webhook trigger not configured")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}
	if !verifySignature(s.webhookCfg.Secret, body, r.Header.Get("X-Hub-Signature-256")) {
		writeUnauthorized(w, "invalid webhook signature")
		return
	}

	if event := r.Header.Get("X-GitHub-Event"); event != "push" {
		// Ping and other events are acknowledged without deploying.
		writeJSON(w, http.StatusOK, map[string]any{"ignored": event})
		return
	}

	var push githubPushEvent
	if err := json.Unmarshal(body, &push); err != nil {
		writeBadRequest(w, "invalid push payload")
		return
	}

	payload, err := archiveDir(s.webhookCfg.ConfigDir)
	if err != nil {
		s.logger.Error("webhook archive build failed", "dir", s.webhookCfg.ConfigDir, "error", err)
		writeInternalError(w, "failed to archive configuration checkout")
		return
	}

	targetIDs, err := s.enabledTargetIDs(r)
	if err != nil {
		writeInternalError(w, "failed to resolve targets")
		return
	}
	if len(targetIDs) == 0 {
		writeConflict(w, "no enabled targets to deploy to")
		return
	}

	dep, err := s.scheduler.Submit(r.Context(), deploy.SubmitRequest{
		TargetIDs: targetIDs,
		Trigger:   deploy.TriggerWebhook,
		Options:   deploy.Options{AutoRestart: true, AutoRollback: true},
		Metadata: map[string]any{
			"ref":        push.Ref,
			"commit_sha": push.After,
			"repository": push.Repository.FullName,
		},
		Payload: payload,
		Source:  audit.SourceWebhook,
	})
	if err != nil {
		writeDomainError(w, err, "failed to submit deployment")
		return
	}

	writeJSON(w, http.StatusAccepted, dep)
}

// enabledTargetIDs resolves the webhook's target set: every enabled target,
// optionally narrowed to the comma-separated names in the targets query
// parameter.
func (s *Server) enabledTargetIDs(r *http.Request) ([]string, error) {
	targets, err := s.targets.List(r.Context())
	if err != nil {
		return nil, err
	}

	var wanted map[string]struct{}
	if names := r.URL.Query().Get("targets"); names != "" {
		wanted = make(map[string]struct{})
		for _, name := range strings.Split(names, ",") {
			wanted[strings.TrimSpace(name)] = struct{}{}
		}
	}

	var ids []string
	for _, tgt := range targets {
		if !tgt.Enabled {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[tgt.Name]; !ok {
				continue
			}
		}
		ids = append(ids, tgt.ID)
	}
	return ids, nil
}

// verifySignature checks the X-Hub-Signature-256 header against the body.
func verifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	sent, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sent, mac.Sum(nil))
}

// archiveDir packs a directory tree into the gzipped tar format the
// deployment pipeline pushes to targets. Paths inside the archive are
// relative to the directory root; symlinks and hidden VCS directories
// are skipped.
func archiveDir(dir string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
