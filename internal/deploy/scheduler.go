package deploy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/confship/confship/internal/audit"
	"github.com/confship/confship/internal/notify"
	"github.com/confship/confship/internal/snapshot"
	"github.com/confship/confship/internal/target"
)

// TargetSource provides target records for scheduling.
type TargetSource interface {
	GetByID(ctx context.Context, id string) (*target.Target, error)
}

// Notifier receives deployment lifecycle events.
type Notifier interface {
	Publish(e notify.Event)
}

// DeploymentRecorder receives aggregate deployment measurements.
type DeploymentRecorder interface {
	RecordDeployment(status string, targets int, d time.Duration)
}

// SubmitRequest describes one deployment submission.
type SubmitRequest struct {
	TargetIDs []string
	Trigger   Trigger
	Options   Options
	Metadata  map[string]any
	Payload   []byte
	Source    string // audit source: api, webhook, scheduler
}

// execution tracks one running deployment.
type execution struct {
	cancelled atomic.Bool
}

// Scheduler fans a deployment out into one execution per target and joins
// the results.
//
// Submission atomically acquires every named target's exclusive lock or
// fails with ErrConflict; conflicting submissions are rejected, not queued.
// Each target runs independently; one target's failure never halts another.
// The aggregate status is derived once at the join barrier.
type Scheduler struct {
	repo      Repository
	targets   TargetSource
	executor  *Executor
	snapshots *snapshot.Manager
	audit     audit.Recorder
	notifier  Notifier
	metrics   DeploymentRecorder
	logger    Logger

	baseCtx context.Context
	wg      sync.WaitGroup

	mu      sync.Mutex
	busy    map[string]string     // target ID -> deployment ID holding the lock
	running map[string]*execution // deployment ID -> cancel state
}

// NewScheduler creates a scheduler. baseCtx bounds all background
// executions; cancelling it (process shutdown) cancels running deployments
// cooperatively.
func NewScheduler(baseCtx context.Context, repo Repository, targets TargetSource, executor *Executor, snapshots *snapshot.Manager, rec audit.Recorder, notifier Notifier) *Scheduler {
	s := &Scheduler{
		repo:      repo,
		targets:   targets,
		executor:  executor,
		snapshots: snapshots,
		audit:     rec,
		notifier:  notifier,
		logger:    noopLogger{},
		baseCtx:   baseCtx,
		busy:      make(map[string]string),
		running:   make(map[string]*execution),
	}
	return s
}

// SetMetrics sets the aggregate metrics recorder.
func (s *Scheduler) SetMetrics(m DeploymentRecorder) { s.metrics = m }

// SetLogger sets the logger.
func (s *Scheduler) SetLogger(l Logger) { s.logger = l }

// Submit validates the request, acquires all target locks, records the
// deployment, and starts one execution goroutine per target. Returns the
// pending deployment immediately; progress is observed via Progress.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*Deployment, error) {
	if len(req.TargetIDs) == 0 {
		return nil, ErrNoTargets
	}
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}

	ids := dedupe(req.TargetIDs)
	tgts := make([]*target.Target, 0, len(ids))
	for _, id := range ids {
		tgt, err := s.targets.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolving target %q: %w", id, err)
		}
		if !tgt.Enabled {
			return nil, fmt.Errorf("%w: target %s is disabled", ErrValidation, tgt.Name)
		}
		tgts = append(tgts, tgt)
	}

	dep := &Deployment{
		ID:        "dep-" + uuid.NewString()[:8],
		Trigger:   req.Trigger,
		Status:    StatusPending,
		TargetIDs: ids,
		Options:   req.Options,
		Metadata:  req.Metadata,
	}

	exec := &execution{}
	if err := s.acquire(ids, dep, exec); err != nil {
		return nil, err
	}

	if err := s.repo.CreateDeployment(ctx, dep); err != nil {
		s.release(ids, dep.ID)
		s.dropRunning(dep.ID)
		return nil, err
	}

	results := make([]Result, len(tgts))
	for i, tgt := range tgts {
		results[i] = Result{DeploymentID: dep.ID, TargetID: tgt.ID}
		if err := s.repo.CreateResult(ctx, &results[i]); err != nil {
			s.abortSubmission(ctx, dep, err)
			s.release(ids, dep.ID)
			s.dropRunning(dep.ID)
			return nil, err
		}
	}

	s.recordAudit(ctx, audit.ActionDeploymentStarted, dep, req.Source, map[string]any{
		"trigger": string(req.Trigger),
		"targets": len(tgts),
	})
	s.notifier.Publish(notify.Event{
		Kind:         notify.EventDeploymentStarted,
		DeploymentID: dep.ID,
		Status:       string(StatusPending),
	})

	s.wg.Add(1)
	go s.run(dep, tgts, results, req.Payload, exec)

	return dep, nil
}

// abortSubmission marks an already-recorded deployment as failed when the
// rest of the submission cannot be stored. Best effort; the row must not
// stay pending forever.
func (s *Scheduler) abortSubmission(ctx context.Context, dep *Deployment, cause error) {
	now := time.Now().UTC()
	dep.Status = StatusFailed
	dep.Error = "submission aborted: " + cause.Error()
	dep.FinishedAt = &now
	if err := s.repo.UpdateDeployment(context.WithoutCancel(ctx), dep); err != nil {
		s.logger.Error("persisting aborted submission", "deployment", dep.ID, "error", err)
	}
}

// run drives all target executions and finalizes the aggregate at the join
// barrier.
func (s *Scheduler) run(dep *Deployment, tgts []*target.Target, results []Result, payload []byte, exec *execution) {
	defer s.wg.Done()
	defer s.release(dep.TargetIDs, dep.ID)
	defer s.dropRunning(dep.ID)

	ctx := s.baseCtx
	// Store writes run on a detached context: shutdown cancels baseCtx to
	// stop executions at phase boundaries, but the outcome of those
	// executions still has to be written.
	store := context.WithoutCancel(s.baseCtx)
	started := time.Now().UTC()
	dep.Status = StatusRunning
	dep.StartedAt = &started
	if err := s.repo.UpdateDeployment(store, dep); err != nil {
		s.logger.Error("persisting deployment start", "deployment", dep.ID, "error", err)
	}

	var barrier sync.WaitGroup
	for i := range tgts {
		barrier.Add(1)
		go func(tgt *target.Target, res *Result) {
			defer barrier.Done()
			s.executor.Run(ctx, dep, tgt, res, payload, &exec.cancelled)
		}(tgts[i], &results[i])
	}
	barrier.Wait()

	s.finalize(store, dep, results, exec, started)
}

// finalize derives the aggregate status from the terminal per-target
// results. Partial success stays visible per target, never collapsed.
func (s *Scheduler) finalize(ctx context.Context, dep *Deployment, results []Result, exec *execution, started time.Time) {
	completed, rolledBack, failed := 0, 0, 0
	for i := range results {
		switch results[i].Status {
		case ResultCompleted:
			completed++
		case ResultRolledBack:
			rolledBack++
		default:
			failed++
		}
	}

	switch {
	case completed == len(results):
		dep.Status = StatusCompleted
	case exec.cancelled.Load():
		dep.Status = StatusCancelled
		dep.Error = "cancelled by request"
	default:
		dep.Status = StatusFailed
		dep.Error = fmt.Sprintf("%d of %d targets failed", failed+rolledBack, len(results))
		if rolledBack > 0 {
			dep.Error += fmt.Sprintf(" (%d rolled back)", rolledBack)
		}
	}

	finished := time.Now().UTC()
	dep.FinishedAt = &finished
	if err := s.repo.UpdateDeployment(ctx, dep); err != nil {
		s.logger.Error("persisting deployment outcome", "deployment", dep.ID, "error", err)
	}

	s.logger.Info("deployment finished",
		"deployment", dep.ID,
		"status", string(dep.Status),
		"completed", completed,
		"rolled_back", rolledBack,
		"failed", failed,
	)

	action := audit.ActionDeploymentCompleted
	kind := notify.EventDeploymentCompleted
	switch dep.Status {
	case StatusFailed:
		action = audit.ActionDeploymentFailed
		kind = notify.EventDeploymentFailed
	case StatusCancelled:
		action = audit.ActionDeploymentCancelled
		kind = notify.EventDeploymentCancelled
	}
	s.recordAudit(ctx, action, dep, audit.SourceSystem, map[string]any{
		"completed":   completed,
		"rolled_back": rolledBack,
		"failed":      failed,
	})
	s.notifier.Publish(notify.Event{
		Kind:         kind,
		DeploymentID: dep.ID,
		Status:       string(dep.Status),
		Error:        dep.Error,
	})

	if s.metrics != nil {
		s.metrics.RecordDeployment(string(dep.Status), len(results), time.Since(started))
	}
}

// Progress returns the deployment and its per-target results.
func (s *Scheduler) Progress(ctx context.Context, id string) (*Deployment, []Result, error) {
	dep, err := s.repo.GetDeployment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	results, err := s.repo.GetResults(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return dep, results, nil
}

// Cancel requests cooperative cancellation of a running deployment. The
// request is observed at phase boundaries; in-flight remote commands finish
// or time out first.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	exec, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		dep, err := s.repo.GetDeployment(ctx, id)
		if err != nil {
			return err
		}
		if dep.Status.Terminal() {
			return ErrFinished
		}
		return ErrNotFound
	}

	exec.cancelled.Store(true)
	s.logger.Info("cancellation requested", "deployment", id)
	return nil
}

// RequestRollback manually restores targets of a finished deployment from
// their pre-deployment snapshots. With an empty targetID every target that
// has a completed snapshot is restored.
func (s *Scheduler) RequestRollback(ctx context.Context, deploymentID, targetID string) error {
	dep, err := s.repo.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	if !dep.Status.Terminal() {
		return fmt.Errorf("deployment %s still running: cancel it first", dep.ID)
	}

	results, err := s.repo.GetResults(ctx, deploymentID)
	if err != nil {
		return err
	}

	restored := 0
	for i := range results {
		res := &results[i]
		if targetID != "" && res.TargetID != targetID {
			continue
		}
		if res.SnapshotID == "" {
			continue
		}
		if err := s.rollbackOne(ctx, dep, res); err != nil {
			return err
		}
		restored++
	}
	if restored == 0 {
		return ErrNotRollbackEligible
	}
	return nil
}

// rollbackOne restores one target under its exclusive lock.
func (s *Scheduler) rollbackOne(ctx context.Context, dep *Deployment, res *Result) error {
	lockID := "rollback-" + dep.ID
	if err := s.acquireOne(res.TargetID, lockID); err != nil {
		return err
	}
	defer s.releaseOne(res.TargetID, lockID)

	if err := s.snapshots.Restore(ctx, res.SnapshotID, snapshot.RestoreOptions{}); err != nil {
		return err
	}

	s.recordAudit(ctx, audit.ActionDeploymentRolledBack, dep, audit.SourceAPI, map[string]any{
		"target_id":   res.TargetID,
		"snapshot_id": res.SnapshotID,
		"manual":      true,
	})
	s.notifier.Publish(notify.Event{
		Kind:         notify.EventDeploymentRolledBack,
		DeploymentID: dep.ID,
		TargetID:     res.TargetID,
	})
	return nil
}

// Close waits for running deployments to finish. Callers cancel baseCtx
// first so executions stop at their next phase boundary.
func (s *Scheduler) Close() {
	s.wg.Wait()
}

// acquire takes all target locks or none.
func (s *Scheduler) acquire(targetIDs []string, dep *Deployment, exec *execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range targetIDs {
		if holder, taken := s.busy[id]; taken {
			return fmt.Errorf("%w: target %s locked by deployment %s", ErrConflict, id, holder)
		}
	}
	for _, id := range targetIDs {
		s.busy[id] = dep.ID
	}
	s.running[dep.ID] = exec
	return nil
}

func (s *Scheduler) acquireOne(targetID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if other, taken := s.busy[targetID]; taken {
		return fmt.Errorf("%w: target %s locked by deployment %s", ErrConflict, targetID, other)
	}
	s.busy[targetID] = holder
	return nil
}

func (s *Scheduler) releaseOne(targetID, holder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[targetID] == holder {
		delete(s.busy, targetID)
	}
}

// release frees the target locks held by a deployment.
func (s *Scheduler) release(targetIDs []string, depID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range targetIDs {
		if s.busy[id] == depID {
			delete(s.busy, id)
		}
	}
}

func (s *Scheduler) dropRunning(depID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, depID)
}

func (s *Scheduler) recordAudit(ctx context.Context, action string, dep *Deployment, source string, details map[string]any) {
	err := s.audit.Record(ctx, &audit.Entry{
		Action:     action,
		EntityType: audit.EntityDeployment,
		EntityID:   dep.ID,
		Source:     source,
		Details:    details,
	})
	if err != nil {
		s.logger.Error("recording audit entry", "deployment", dep.ID, "action", action, "error", err)
	}
}

// dedupe preserves order while dropping duplicate target IDs.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
