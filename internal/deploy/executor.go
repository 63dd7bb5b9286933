package deploy

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/confship/confship/internal/snapshot"
	"github.com/confship/confship/internal/target"
	"github.com/confship/confship/internal/transport"
)

// ExecutorConfig bounds the phases of a target execution.
type ExecutorConfig struct {
	PhaseTimeout   time.Duration
	RestartTimeout time.Duration
	HealthTimeout  time.Duration

	// OutputLimit caps how many bytes of remote command output are kept
	// on a result.
	OutputLimit int
}

// Validator checks a configuration payload before it is deployed. The
// engine treats payloads as opaque bytes; validation is a pluggable hook.
type Validator func(ctx context.Context, payload []byte) error

// PhaseRecorder receives phase timing measurements. A nil recorder is valid.
type PhaseRecorder interface {
	RecordPhase(targetName, phase string, d time.Duration, success bool)
}

// Logger is the minimal logging interface the deploy package needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ArchiveValidator is the default payload validation hook: the payload must
// be a readable, non-empty gzipped tar archive.
func ArchiveValidator(_ context.Context, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrValidation)
	}
	gz, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: not a gzip archive: %v", ErrValidation, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	entries := 0
	for {
		_, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: corrupt tar archive: %v", ErrValidation, err)
		}
		entries++
	}
	if entries == 0 {
		return fmt.Errorf("%w: archive contains no files", ErrValidation)
	}
	return nil
}

// Executor runs one target's execution through the deployment state machine.
//
// Phases run strictly in order; a cancel request is observed only at phase
// boundaries, so an in-flight backup or restore is never interrupted
// mid-write. Every result is finalized exactly once.
type Executor struct {
	cfg       ExecutorConfig
	dialer    transport.Dialer
	snapshots *snapshot.Manager
	repo      Repository
	rollback  *RollbackCoordinator
	validate  Validator
	metrics   PhaseRecorder
	logger    Logger

	// onPhase, when set, is called after every persisted phase or status
	// change. The scheduler uses it to emit live progress events.
	onPhase func(res *Result)
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig, dialer transport.Dialer, snapshots *snapshot.Manager, repo Repository, rollback *RollbackCoordinator) *Executor {
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = 5 * time.Minute
	}
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = 2 * time.Minute
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = time.Minute
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = 16 * 1024
	}
	return &Executor{
		cfg:       cfg,
		dialer:    dialer,
		snapshots: snapshots,
		repo:      repo,
		rollback:  rollback,
		validate:  ArchiveValidator,
		metrics:   nil,
		logger:    noopLogger{},
	}
}

// SetValidator replaces the payload validation hook.
func (e *Executor) SetValidator(v Validator) {
	if v != nil {
		e.validate = v
	}
}

// SetMetrics sets the phase timing recorder.
func (e *Executor) SetMetrics(m PhaseRecorder) { e.metrics = m }

// SetLogger sets the logger.
func (e *Executor) SetLogger(l Logger) { e.logger = l }

// SetOnPhase sets the phase change callback.
func (e *Executor) SetOnPhase(fn func(res *Result)) { e.onPhase = fn }

// Run executes one target through the state machine, mutating and
// persisting res until it reaches a terminal status. The cancelled flag is
// checked at phase boundaries.
func (e *Executor) Run(ctx context.Context, dep *Deployment, tgt *target.Target, res *Result, payload []byte, cancelled *atomic.Bool) {
	now := time.Now().UTC()
	res.Status = ResultRunning
	res.StartedAt = &now
	e.persist(ctx, res)

	var sess transport.Session
	defer func() {
		if sess != nil {
			sess.Close()
		}
	}()

	opts := dep.Options

	// Validation phase.
	if e.isCancelled(ctx, cancelled) {
		e.finalizeCancelled(ctx, res)
		return
	}
	if !opts.SkipValidation {
		if !e.runValidation(ctx, tgt, res, payload) {
			return
		}
	}

	// Backup phase.
	if e.isCancelled(ctx, cancelled) {
		e.finalizeCancelled(ctx, res)
		return
	}
	if !opts.SkipBackup {
		ok, s := e.runBackup(ctx, tgt, res, sess)
		sess = s
		if !ok {
			return
		}
	}

	// Deploy phase.
	if e.isCancelled(ctx, cancelled) {
		e.finalizeCancelled(ctx, res)
		return
	}
	ok, s := e.runDeploy(ctx, dep, tgt, res, payload, sess)
	sess = s
	if !ok {
		return
	}

	// Restart phase.
	if opts.AutoRestart && tgt.RestartCmd != "" {
		if e.isCancelled(ctx, cancelled) {
			e.finalizeCancelled(ctx, res)
			return
		}
		if !e.runRestart(ctx, dep, tgt, res, sess) {
			return
		}
	}

	e.finalize(ctx, res, ResultCompleted)
	e.logger.Info("target execution completed",
		"deployment", dep.ID,
		"target", tgt.Name,
		"phase", string(res.Phase),
	)
}

// runValidation runs the validation hook. Returns false if the execution
// was finalized.
func (e *Executor) runValidation(ctx context.Context, tgt *target.Target, res *Result, payload []byte) bool {
	e.enterPhase(ctx, res, PhaseValidating)
	start := time.Now()

	vctx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
	err := e.validate(vctx, payload)
	cancel()

	e.recordPhase(tgt, PhaseValidating, start, err == nil)
	if err != nil {
		e.fail(ctx, res, CategoryValidation, err)
		return false
	}
	return true
}

// runBackup captures the pre-deployment snapshot. Returns the session so
// later phases reuse the connection.
func (e *Executor) runBackup(ctx context.Context, tgt *target.Target, res *Result, sess transport.Session) (bool, transport.Session) {
	e.enterPhase(ctx, res, PhaseBackingUp)
	start := time.Now()

	sess, err := e.ensureSession(ctx, tgt, sess)
	if err != nil {
		e.recordPhase(tgt, PhaseBackingUp, start, false)
		e.fail(ctx, res, classify(err, CategoryConnectivity), err)
		return false, sess
	}

	bctx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
	snap, err := e.snapshots.CreateWithSession(bctx, sess, tgt, snapshot.TypePreDeployment)
	cancel()

	e.recordPhase(tgt, PhaseBackingUp, start, err == nil)
	if err != nil {
		// A failed capture leaves no snapshot reference on the result;
		// rollback selects restore candidates by SnapshotID.
		e.fail(ctx, res, classify(err, CategoryBackup), err)
		return false, sess
	}
	res.SnapshotID = snap.ID
	return true, sess
}

// runDeploy pushes the payload to the target's configuration root.
func (e *Executor) runDeploy(ctx context.Context, dep *Deployment, tgt *target.Target, res *Result, payload []byte, sess transport.Session) (bool, transport.Session) {
	e.enterPhase(ctx, res, PhaseDeploying)
	start := time.Now()

	sess, err := e.ensureSession(ctx, tgt, sess)
	if err == nil {
		dctx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
		err = sess.Push(dctx, tgt.ConfigPath, payload)
		cancel()
	}

	e.recordPhase(tgt, PhaseDeploying, start, err == nil)
	if err != nil {
		e.failOrRollback(ctx, dep, tgt, res, sess, classify(err, CategoryDeploy), err)
		return false, sess
	}
	return true, sess
}

// runRestart runs the restart command and waits for the health check.
func (e *Executor) runRestart(ctx context.Context, dep *Deployment, tgt *target.Target, res *Result, sess transport.Session) bool {
	e.enterPhase(ctx, res, PhaseRestarting)
	start := time.Now()

	out, err := sess.Run(ctx, tgt.RestartCmd, e.cfg.RestartTimeout)
	if out != nil {
		code := out.ExitCode
		res.ExitCode = &code
		res.Stdout = truncate(out.Stdout, e.cfg.OutputLimit)
		res.Stderr = truncate(out.Stderr, e.cfg.OutputLimit)
	}
	if err == nil && out.ExitCode != 0 {
		err = fmt.Errorf("restart command exited %d", out.ExitCode)
	}
	if err == nil {
		hctx, cancel := context.WithTimeout(ctx, e.cfg.HealthTimeout)
		if herr := sess.HealthCheck(hctx); herr != nil {
			err = fmt.Errorf("post-restart health check: %w", herr)
		}
		cancel()
	}

	e.recordPhase(tgt, PhaseRestarting, start, err == nil)
	if err != nil {
		e.failOrRollback(ctx, dep, tgt, res, sess, classify(err, CategoryRestart), err)
		return false
	}
	return true
}

// ensureSession dials the target if no session is open yet.
func (e *Executor) ensureSession(ctx context.Context, tgt *target.Target, sess transport.Session) (transport.Session, error) {
	if sess != nil {
		return sess, nil
	}
	return e.dialer.Dial(ctx, tgt.ID)
}

// enterPhase persists a phase transition.
func (e *Executor) enterPhase(ctx context.Context, res *Result, phase Phase) {
	res.Phase = phase
	e.persist(ctx, res)
}

// fail finalizes the result as failed with the given category.
func (e *Executor) fail(ctx context.Context, res *Result, category Category, err error) {
	res.ErrorCategory = category
	res.Error = err.Error()
	e.finalize(ctx, res, ResultFailed)
}

// failOrRollback records the failure, then hands off to the rollback
// coordinator when the execution is eligible.
func (e *Executor) failOrRollback(ctx context.Context, dep *Deployment, tgt *target.Target, res *Result, sess transport.Session, category Category, err error) {
	res.ErrorCategory = category
	res.Error = err.Error()

	if e.rollback != nil && e.rollback.Eligible(dep, res) {
		e.rollback.Attempt(ctx, dep, tgt, res, sess, e)
		return
	}
	e.finalize(ctx, res, ResultFailed)
}

// finalizeCancelled records a cancellation observed at a phase boundary.
func (e *Executor) finalizeCancelled(ctx context.Context, res *Result) {
	res.ErrorCategory = CategoryCancelled
	res.Error = "cancelled at phase boundary after " + string(res.Phase)
	e.finalize(ctx, res, ResultFailed)
}

// finalize writes the terminal status exactly once.
func (e *Executor) finalize(ctx context.Context, res *Result, status ResultStatus) {
	if res.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	res.Status = status
	res.FinishedAt = &now
	e.persist(ctx, res)
}

// persist writes the result and notifies the phase callback. Persistence
// failures are logged, not propagated: the in-memory result is authoritative
// for the rest of the execution.
//
// The write is detached from cancellation: shutdown cancels the base context
// while executions finalize, and a terminal status must still reach the
// store.
func (e *Executor) persist(ctx context.Context, res *Result) {
	if err := e.repo.UpdateResult(context.WithoutCancel(ctx), res); err != nil {
		e.logger.Error("persisting result",
			"result", res.ID,
			"phase", string(res.Phase),
			"error", err,
		)
	}
	if e.onPhase != nil {
		e.onPhase(res)
	}
}

// isCancelled reports whether the execution should stop at this boundary.
func (e *Executor) isCancelled(ctx context.Context, cancelled *atomic.Bool) bool {
	if cancelled != nil && cancelled.Load() {
		return true
	}
	return ctx.Err() != nil
}

func (e *Executor) recordPhase(tgt *target.Target, phase Phase, start time.Time, success bool) {
	if e.metrics != nil {
		e.metrics.RecordPhase(tgt.Name, string(phase), time.Since(start), success)
	}
}

// classify maps transport sentinel errors onto failure categories, falling
// back to the phase's own category.
func classify(err error, fallback Category) Category {
	switch {
	case errors.Is(err, transport.ErrAuthentication):
		return CategoryAuthentication
	case errors.Is(err, transport.ErrTimeout):
		return CategoryTimeout
	case errors.Is(err, transport.ErrConnectivity):
		return CategoryConnectivity
	}
	return fallback
}

// truncate bounds remote command output stored on a result.
func truncate(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "\n[output truncated]"
}
