package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/confship/confship/internal/target"
	"github.com/confship/confship/internal/transport"
)

// Config contains snapshot storage settings.
type Config struct {
	// StorageDir is the local directory holding snapshot archives.
	StorageDir string

	// RetentionDays is the default retention window for new snapshots.
	RetentionDays int

	// RestoreHealthTTL bounds how long a restored target may take to
	// report healthy before the restore is considered failed.
	RestoreHealthTTL time.Duration
}

// TargetSource provides target records for snapshot operations.
type TargetSource interface {
	GetByID(ctx context.Context, id string) (*target.Target, error)
}

// Logger is the minimal logging interface the manager needs.
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

// healthPollInterval is how often a restored target is re-checked while
// waiting for it to report healthy.
const healthPollInterval = 2 * time.Second

// Manager captures and restores target configuration snapshots.
//
// A snapshot is the remote configuration directory archived as gzipped tar,
// stored locally under StorageDir with a SHA-256 checksum recorded at capture
// time and verified again before any restore.
type Manager struct {
	cfg     Config
	repo    Repository
	targets TargetSource
	dialer  transport.Dialer
	logger  Logger
}

// NewManager creates a snapshot manager.
func NewManager(cfg Config, repo Repository, targets TargetSource, dialer transport.Dialer) (*Manager, error) {
	if cfg.StorageDir == "" {
		return nil, fmt.Errorf("snapshot: storage dir is required")
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating snapshot storage dir: %w", err)
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.RestoreHealthTTL <= 0 {
		cfg.RestoreHealthTTL = 2 * time.Minute
	}
	return &Manager{
		cfg:     cfg,
		repo:    repo,
		targets: targets,
		dialer:  dialer,
		logger:  noopLogger{},
	}, nil
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Create captures the target's configuration directory into a new snapshot.
//
// The record is inserted in creating status before any remote work so a
// crash mid-capture leaves an inspectable failed row rather than nothing.
func (m *Manager) Create(ctx context.Context, targetID string, typ Type) (*Snapshot, error) {
	tgt, err := m.targets.GetByID(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("loading target %q: %w", targetID, err)
	}

	snap := &Snapshot{
		TargetID:      tgt.ID,
		Type:          typ,
		Status:        StatusCreating,
		RetentionDays: m.cfg.RetentionDays,
	}
	if err := m.repo.Create(ctx, snap); err != nil {
		return nil, err
	}

	if err := m.capture(ctx, snap, tgt); err != nil {
		snap.Status = StatusFailed
		snap.Error = err.Error()
		if updErr := m.repo.Update(ctx, snap); updErr != nil {
			m.logger.Error("recording snapshot failure", "snapshot", snap.ID, "error", updErr)
		}
		return snap, err
	}

	now := time.Now().UTC()
	snap.Status = StatusCompleted
	snap.CompletedAt = &now
	if err := m.repo.Update(ctx, snap); err != nil {
		return nil, fmt.Errorf("completing snapshot %s: %w", snap.ID, err)
	}

	m.logger.Info("snapshot created",
		"snapshot", snap.ID,
		"target", tgt.Name,
		"type", string(typ),
		"size_bytes", snap.SizeBytes,
	)
	return snap, nil
}

// CreateWithSession captures a snapshot over an already open session. Used
// during deployments so the backup phase reuses the deployment's connection.
func (m *Manager) CreateWithSession(ctx context.Context, sess transport.Session, tgt *target.Target, typ Type) (*Snapshot, error) {
	snap := &Snapshot{
		TargetID:      tgt.ID,
		Type:          typ,
		Status:        StatusCreating,
		RetentionDays: m.cfg.RetentionDays,
	}
	if err := m.repo.Create(ctx, snap); err != nil {
		return nil, err
	}

	if err := m.captureOver(ctx, snap, tgt, sess); err != nil {
		snap.Status = StatusFailed
		snap.Error = err.Error()
		if updErr := m.repo.Update(ctx, snap); updErr != nil {
			m.logger.Error("recording snapshot failure", "snapshot", snap.ID, "error", updErr)
		}
		return snap, err
	}

	now := time.Now().UTC()
	snap.Status = StatusCompleted
	snap.CompletedAt = &now
	if err := m.repo.Update(ctx, snap); err != nil {
		return nil, fmt.Errorf("completing snapshot %s: %w", snap.ID, err)
	}
	return snap, nil
}

// capture dials the target and archives its configuration directory.
func (m *Manager) capture(ctx context.Context, snap *Snapshot, tgt *target.Target) error {
	sess, err := m.dialer.Dial(ctx, tgt.ID)
	if err != nil {
		return err
	}
	defer sess.Close()

	return m.captureOver(ctx, snap, tgt, sess)
}

// captureOver fetches the remote archive and writes it to local storage.
func (m *Manager) captureOver(ctx context.Context, snap *Snapshot, tgt *target.Target, sess transport.Session) error {
	archive, err := sess.Fetch(ctx, tgt.ConfigPath)
	if err != nil {
		return fmt.Errorf("fetching %s from %s: %w", tgt.ConfigPath, tgt.Name, err)
	}

	location := m.archivePath(snap.ID)
	if err := os.WriteFile(location, archive, 0o600); err != nil {
		return fmt.Errorf("writing snapshot archive: %w", err)
	}

	sum := sha256.Sum256(archive)
	snap.Location = location
	snap.Checksum = hex.EncodeToString(sum[:])
	snap.SizeBytes = int64(len(archive))
	return nil
}

// RestoreOptions modify restore behavior.
type RestoreOptions struct {
	// BackupFirst captures the target's current state before overwriting
	// it, so even a restore is reversible. Rollbacks disable this: the
	// failed state is not worth keeping and the extra round trip delays
	// recovery.
	BackupFirst bool
}

// Restore pushes a completed snapshot back to its target, restarts the
// service if the target defines a restart command, and waits for the target
// to report healthy.
func (m *Manager) Restore(ctx context.Context, snapshotID string, opts RestoreOptions) error {
	snap, err := m.repo.GetByID(ctx, snapshotID)
	if err != nil {
		return err
	}
	if !snap.Restorable() {
		return fmt.Errorf("%w: snapshot %s is %s", ErrNotRestorable, snap.ID, snap.Status)
	}

	tgt, err := m.targets.GetByID(ctx, snap.TargetID)
	if err != nil {
		return fmt.Errorf("loading target %q: %w", snap.TargetID, err)
	}

	archive, err := m.readVerified(snap)
	if err != nil {
		return err
	}

	sess, err := m.dialer.Dial(ctx, tgt.ID)
	if err != nil {
		return err
	}
	defer sess.Close()

	return m.RestoreOver(ctx, sess, snap, tgt, archive, opts)
}

// RestoreOver performs a restore over an already open session. The archive
// must have been read via ReadArchive (or readVerified) so its integrity is
// established before the target is touched.
func (m *Manager) RestoreOver(ctx context.Context, sess transport.Session, snap *Snapshot, tgt *target.Target, archive []byte, opts RestoreOptions) error {
	if opts.BackupFirst {
		if _, err := m.CreateWithSession(ctx, sess, tgt, TypeAutomatic); err != nil {
			return fmt.Errorf("pre-restore backup of %s: %w", tgt.Name, err)
		}
	}

	if err := sess.Push(ctx, tgt.ConfigPath, archive); err != nil {
		return fmt.Errorf("%w: pushing snapshot %s to %s: %w", ErrRestoreFailed, snap.ID, tgt.Name, err)
	}

	if tgt.RestartCmd != "" {
		res, err := sess.Run(ctx, tgt.RestartCmd, 0)
		if err != nil {
			return fmt.Errorf("%w: restarting %s: %w", ErrRestoreFailed, tgt.Name, err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("%w: restart on %s exited %d", ErrRestoreFailed, tgt.Name, res.ExitCode)
		}
	}

	if err := m.awaitHealthy(ctx, sess); err != nil {
		return fmt.Errorf("%w: %s unhealthy after restore: %w", ErrRestoreFailed, tgt.Name, err)
	}

	m.logger.Info("snapshot restored", "snapshot", snap.ID, "target", tgt.Name)
	return nil
}

// ReadArchive loads and checksum-verifies a snapshot's archive bytes.
func (m *Manager) ReadArchive(snap *Snapshot) ([]byte, error) {
	return m.readVerified(snap)
}

// readVerified loads the archive from storage and verifies its checksum.
func (m *Manager) readVerified(snap *Snapshot) ([]byte, error) {
	archive, err := os.ReadFile(snap.Location)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot archive: %w", err)
	}
	sum := sha256.Sum256(archive)
	if hex.EncodeToString(sum[:]) != snap.Checksum {
		return nil, fmt.Errorf("%w: snapshot %s", ErrChecksumMismatch, snap.ID)
	}
	return archive, nil
}

// awaitHealthy polls the target's health command until it passes or the
// restore health window closes.
func (m *Manager) awaitHealthy(ctx context.Context, sess transport.Session) error {
	deadline := time.Now().Add(m.cfg.RestoreHealthTTL)

	var lastErr error
	for {
		if lastErr = sess.HealthCheck(ctx); lastErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
}

// Delete removes a snapshot's archive and marks the record deleted.
// Protected snapshots are refused; clear the flag first.
func (m *Manager) Delete(ctx context.Context, snapshotID string) error {
	snap, err := m.repo.GetByID(ctx, snapshotID)
	if err != nil {
		return err
	}
	if snap.Protected {
		return fmt.Errorf("%w: snapshot %s", ErrProtected, snap.ID)
	}
	return m.remove(ctx, snap)
}

// Sweep deletes unprotected snapshots past their retention window. It is
// idempotent: already deleted snapshots are skipped and a missing archive
// file is not an error.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	snaps, err := m.repo.List(ctx, ListFilter{Status: StatusCompleted})
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	removed := 0
	for i := range snaps {
		snap := &snaps[i]
		if !snap.Expired(now) {
			continue
		}
		if err := m.remove(ctx, snap); err != nil {
			m.logger.Warn("sweeping snapshot", "snapshot", snap.ID, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info("retention sweep removed snapshots", "count", removed)
	}
	return removed, nil
}

// remove deletes the archive file and marks the record deleted.
func (m *Manager) remove(ctx context.Context, snap *Snapshot) error {
	if snap.Location != "" {
		if err := os.Remove(snap.Location); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing snapshot archive: %w", err)
		}
	}
	snap.Status = StatusDeleted
	if err := m.repo.Update(ctx, snap); err != nil {
		return err
	}
	m.logger.Debug("snapshot deleted", "snapshot", snap.ID)
	return nil
}

// archivePath returns the local storage path for a snapshot ID.
func (m *Manager) archivePath(id string) string {
	return filepath.Join(m.cfg.StorageDir, id+".tar.gz")
}
