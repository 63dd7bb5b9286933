package deploy

import (
	"context"

	"github.com/confship/confship/internal/audit"
	"github.com/confship/confship/internal/snapshot"
	"github.com/confship/confship/internal/target"
	"github.com/confship/confship/internal/transport"
)

// RollbackCoordinator restores a target to its pre-deployment snapshot when
// an execution fails mid-deploy.
//
// An execution is eligible only when it failed at the deploying or
// restarting phase, auto_rollback is set, and a completed pre-deployment
// snapshot exists. A failed restore finalizes as rollback_failed and is
// never auto-retried: the target may hold a partial write, and blind
// retries risk compounding it. That status requires operator attention.
type RollbackCoordinator struct {
	snapshots *snapshot.Manager
	snapRepo  snapshot.Repository
	dialer    transport.Dialer
	audit     audit.Recorder
	logger    Logger
}

// NewRollbackCoordinator creates a coordinator.
func NewRollbackCoordinator(snapshots *snapshot.Manager, snapRepo snapshot.Repository, dialer transport.Dialer, rec audit.Recorder) *RollbackCoordinator {
	return &RollbackCoordinator{
		snapshots: snapshots,
		snapRepo:  snapRepo,
		dialer:    dialer,
		audit:     rec,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger.
func (c *RollbackCoordinator) SetLogger(l Logger) { c.logger = l }

// Eligible reports whether a failing execution qualifies for automatic
// rollback. skip_backup executions never qualify: there is no snapshot.
func (c *RollbackCoordinator) Eligible(dep *Deployment, res *Result) bool {
	if !dep.Options.AutoRollback || res.SnapshotID == "" {
		return false
	}
	return res.Phase == PhaseDeploying || res.Phase == PhaseRestarting
}

// Attempt restores the pre-deployment snapshot and finalizes the result as
// rolled_back or rollback_failed. The original failure category and message
// stay on the result; rollback details go to the audit trail.
func (c *RollbackCoordinator) Attempt(ctx context.Context, dep *Deployment, tgt *target.Target, res *Result, sess transport.Session, e *Executor) {
	res.Status = ResultRollingBack
	e.persist(ctx, res)

	c.logger.Warn("rolling back target",
		"deployment", dep.ID,
		"target", tgt.Name,
		"snapshot", res.SnapshotID,
		"failed_phase", string(res.Phase),
	)

	if err := c.restore(ctx, tgt, res, sess); err != nil {
		e.finalize(ctx, res, ResultRollbackFailed)
		c.logger.Error("rollback failed, manual intervention required",
			"deployment", dep.ID,
			"target", tgt.Name,
			"error", err,
		)
		c.record(ctx, audit.ActionRollbackFailed, dep, tgt, res, err.Error())
		return
	}

	e.finalize(ctx, res, ResultRolledBack)
	c.logger.Info("target rolled back",
		"deployment", dep.ID,
		"target", tgt.Name,
		"snapshot", res.SnapshotID,
	)
	c.record(ctx, audit.ActionDeploymentRolledBack, dep, tgt, res, "")
}

// restore performs the actual snapshot restore, reusing the execution's
// session when it is still open.
func (c *RollbackCoordinator) restore(ctx context.Context, tgt *target.Target, res *Result, sess transport.Session) error {
	snap, err := c.snapRepo.GetByID(ctx, res.SnapshotID)
	if err != nil {
		return err
	}
	archive, err := c.snapshots.ReadArchive(snap)
	if err != nil {
		return err
	}

	if sess == nil {
		sess, err = c.dialer.Dial(ctx, tgt.ID)
		if err != nil {
			return err
		}
		defer sess.Close()
	}

	// The pre-deployment snapshot already captures pre-change state, so no
	// backup-before-restore here.
	return c.snapshots.RestoreOver(ctx, sess, snap, tgt, archive, snapshot.RestoreOptions{BackupFirst: false})
}

// record writes the rollback outcome to the audit trail, carrying the
// original failure that triggered it.
func (c *RollbackCoordinator) record(ctx context.Context, action string, dep *Deployment, tgt *target.Target, res *Result, rollbackErr string) {
	details := map[string]any{
		"target":            tgt.Name,
		"snapshot_id":       res.SnapshotID,
		"failed_phase":      string(res.Phase),
		"original_category": string(res.ErrorCategory),
		"original_error":    res.Error,
	}
	if rollbackErr != "" {
		details["rollback_error"] = rollbackErr
	}
	err := c.audit.Record(ctx, &audit.Entry{
		Action:     action,
		EntityType: audit.EntityDeployment,
		EntityID:   dep.ID,
		Details:    details,
	})
	if err != nil {
		c.logger.Error("recording rollback audit entry", "deployment", dep.ID, "error", err)
	}
}
