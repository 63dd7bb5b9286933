package deploy

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/confship/confship/internal/audit"
	"github.com/confship/confship/internal/notify"
	"github.com/confship/confship/internal/snapshot"
	"github.com/confship/confship/internal/target"
	"github.com/confship/confship/internal/transport"
)

// setupTestDB creates an in-memory SQLite database with the full schema.
// A single connection keeps concurrent executions serialized at the driver.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE deployments (
			id TEXT PRIMARY KEY,
			trigger_type TEXT NOT NULL DEFAULT 'manual',
			status TEXT NOT NULL DEFAULT 'pending',
			target_ids TEXT NOT NULL DEFAULT '[]',
			options TEXT NOT NULL DEFAULT '{}',
			metadata TEXT,
			error TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			started_at TEXT,
			finished_at TEXT
		) STRICT;
		CREATE TABLE deployment_results (
			id TEXT PRIMARY KEY,
			deployment_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT 'pending',
			status TEXT NOT NULL DEFAULT 'pending',
			exit_code INTEGER,
			stdout TEXT,
			stderr TEXT,
			error_category TEXT,
			error TEXT,
			snapshot_id TEXT,
			started_at TEXT,
			finished_at TEXT
		) STRICT;
		CREATE UNIQUE INDEX idx_results_deployment_target
			ON deployment_results(deployment_id, target_id);
		CREATE TABLE snapshots (
			id TEXT PRIMARY KEY,
			target_id TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'manual',
			status TEXT NOT NULL DEFAULT 'creating',
			location TEXT NOT NULL DEFAULT '',
			checksum TEXT NOT NULL DEFAULT '',
			size_bytes INTEGER NOT NULL DEFAULT 0,
			retention_days INTEGER NOT NULL DEFAULT 30,
			protected INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			completed_at TEXT
		) STRICT;
		CREATE TABLE audit_logs (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT,
			source TEXT NOT NULL DEFAULT 'system',
			details TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// scriptSession scripts per-call outcomes for the transport operations a
// deployment runs. Call counters pick the next scripted value; past the end
// of a script everything succeeds.
type scriptSession struct {
	mu sync.Mutex

	fetchData []byte
	fetchErr  error
	fetchGate chan struct{} // when set, Fetch blocks until closed

	pushErrs   []error
	runExits   []int
	healthErrs []error

	pushes  [][]byte
	runCmds []string

	pushCount, runCount, healthCount int
}

func (s *scriptSession) Push(_ context.Context, _ string, archive []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.pushCount
	s.pushCount++
	s.pushes = append(s.pushes, archive)
	if i < len(s.pushErrs) {
		return s.pushErrs[i]
	}
	return nil
}

func (s *scriptSession) Run(_ context.Context, command string, _ time.Duration) (*transport.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.runCount
	s.runCount++
	s.runCmds = append(s.runCmds, command)
	exit := 0
	if i < len(s.runExits) {
		exit = s.runExits[i]
	}
	return &transport.Result{ExitCode: exit, Stderr: []byte("service log")}, nil
}

func (s *scriptSession) Fetch(_ context.Context, _ string) ([]byte, error) {
	if s.fetchGate != nil {
		<-s.fetchGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchData, s.fetchErr
}

func (s *scriptSession) HealthCheck(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.healthCount
	s.healthCount++
	if i < len(s.healthErrs) {
		return s.healthErrs[i]
	}
	return nil
}

func (s *scriptSession) Close() error { return nil }

type mapDialer struct {
	sessions map[string]*scriptSession
}

func (d *mapDialer) Dial(_ context.Context, targetID string) (transport.Session, error) {
	sess, ok := d.sessions[targetID]
	if !ok {
		return nil, transport.ErrConnectivity
	}
	return sess, nil
}

type mapTargets struct {
	targets map[string]*target.Target
}

func (m *mapTargets) GetByID(_ context.Context, id string) (*target.Target, error) {
	tgt, ok := m.targets[id]
	if !ok {
		return nil, target.ErrNotFound
	}
	return tgt, nil
}

type recordNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordNotifier) Publish(e notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.Kind
	}
	return out
}

// harness wires a scheduler over in-memory storage and scripted transports.
type harness struct {
	scheduler *Scheduler
	repo      Repository
	snapRepo  snapshot.Repository
	audit     *audit.SQLiteRecorder
	notifier  *recordNotifier
	executor  *Executor
}

func newTarget(id, name string) *target.Target {
	return &target.Target{
		ID:         id,
		Name:       name,
		Host:       "10.0.0.10",
		Port:       22,
		User:       "deploy",
		Credential: "blob",
		ConfigPath: "/etc/wled-bridge",
		RestartCmd: "systemctl restart wled-bridge",
		HealthCmd:  "systemctl is-active wled-bridge",
		Enabled:    true,
	}
}

func setupHarness(t *testing.T, targets map[string]*target.Target, sessions map[string]*scriptSession) *harness {
	t.Helper()
	return setupHarnessWith(t, context.Background(), nil, targets, sessions)
}

// setupHarnessWith wires a scheduler over in-memory storage with a caller
// chosen base context. wrap, when set, decorates the repository before it
// is handed to the scheduler and executor.
func setupHarnessWith(t *testing.T, baseCtx context.Context, wrap func(Repository) Repository, targets map[string]*target.Target, sessions map[string]*scriptSession) *harness {
	t.Helper()

	db := setupTestDB(t)
	var repo Repository = NewSQLiteRepository(db)
	if wrap != nil {
		repo = wrap(repo)
	}
	snapRepo := snapshot.NewSQLiteRepository(db)
	rec := audit.NewSQLiteRecorder(db)
	notifier := &recordNotifier{}
	dialer := &mapDialer{sessions: sessions}
	src := &mapTargets{targets: targets}

	snaps, err := snapshot.NewManager(snapshot.Config{
		StorageDir:       t.TempDir(),
		RetentionDays:    30,
		RestoreHealthTTL: 100 * time.Millisecond,
	}, snapRepo, src, dialer)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	coord := NewRollbackCoordinator(snaps, snapRepo, dialer, rec)
	exec := NewExecutor(ExecutorConfig{
		PhaseTimeout:   5 * time.Second,
		RestartTimeout: 5 * time.Second,
		HealthTimeout:  time.Second,
	}, dialer, snaps, repo, coord)

	sched := NewScheduler(baseCtx, repo, src, exec, snaps, rec, notifier)

	return &harness{
		scheduler: sched,
		repo:      repo,
		snapRepo:  snapRepo,
		audit:     rec,
		notifier:  notifier,
		executor:  exec,
	}
}

// testPayload builds a valid single-file gzipped tar archive.
func testPayload(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte("bridge:\n  port: 8080\n")
	if err := tw.WriteHeader(&tar.Header{Name: "config.yaml", Mode: 0o644, Size: int64(len(content))}); err != nil {
		t.Fatalf("writing tar header: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("writing tar content: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("closing gzip: %v", err)
	}
	return buf.Bytes()
}

// waitTerminal polls until the deployment reaches a terminal status.
func waitTerminal(t *testing.T, h *harness, id string) (*Deployment, []Result) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		dep, results, err := h.scheduler.Progress(context.Background(), id)
		if err != nil {
			t.Fatalf("Progress: %v", err)
		}
		if dep.Status.Terminal() {
			return dep, results
		}
		if time.Now().After(deadline) {
			t.Fatalf("deployment %s still %s after 5s", id, dep.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func allPhases() Options {
	return Options{AutoRestart: true, AutoRollback: true}
}

// Scenario A: all phases succeed.
func TestDeploymentFullPipelineSucceeds(t *testing.T) {
	sess := &scriptSession{fetchData: []byte("previous-config")}
	h := setupHarness(t,
		map[string]*target.Target{"tgt-1": newTarget("tgt-1", "lounge")},
		map[string]*scriptSession{"tgt-1": sess},
	)

	dep, err := h.scheduler.Submit(context.Background(), SubmitRequest{
		TargetIDs: []string{"tgt-1"},
		Options:   allPhases(),
		Payload:   testPayload(t),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final, results := waitTerminal(t, h, dep.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (%s)", final.Status, final.Error)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	res := results[0]
	if res.Status != ResultCompleted {
		t.Errorf("result status = %s, want completed", res.Status)
	}
	if res.Phase != PhaseRestarting {
		t.Errorf("result phase = %s, want restarting", res.Phase)
	}
	if res.SnapshotID == "" {
		t.Fatal("no pre-deployment snapshot recorded")
	}

	snap, err := h.snapRepo.GetByID(context.Background(), res.SnapshotID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if snap.Status != snapshot.StatusCompleted {
		t.Errorf("snapshot status = %s, want completed", snap.Status)
	}
	if snap.Type != snapshot.TypePreDeployment {
		t.Errorf("snapshot type = %s, want pre_deployment", snap.Type)
	}

	// Payload was pushed, restart command ran.
	if len(sess.pushes) != 1 {
		t.Errorf("pushes = %d, want 1", len(sess.pushes))
	}
	if len(sess.runCmds) != 1 || sess.runCmds[0] != "systemctl restart wled-bridge" {
		t.Errorf("runCmds = %v", sess.runCmds)
	}
}

// Scenario B: restart fails, rollback restores the snapshot.
func TestRestartFailureTriggersRollback(t *testing.T) {
	sess := &scriptSession{
		fetchData: []byte("previous-config"),
		runExits:  []int{1, 0}, // deploy restart fails, rollback restart succeeds
	}
	h := setupHarness(t,
		map[string]*target.Target{"tgt-1": newTarget("tgt-1", "lounge")},
		map[string]*scriptSession{"tgt-1": sess},
	)

	dep, err := h.scheduler.Submit(context.Background(), SubmitRequest{
		TargetIDs: []string{"tgt-1"},
		Options:   allPhases(),
		Payload:   testPayload(t),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final, results := waitTerminal(t, h, dep.ID)
	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	res := results[0]
	if res.Status != ResultRolledBack {
		t.Fatalf("result status = %s, want rolled_back (%s)", res.Status, res.Error)
	}
	if res.ErrorCategory != CategoryRestart {
		t.Errorf("category = %s, want restart", res.ErrorCategory)
	}
	if !strings.Contains(res.Error, "exited 1") {
		t.Errorf("original failure not preserved: %q", res.Error)
	}

	// Snapshot content was pushed back: payload push + restore push.
	if len(sess.pushes) != 2 {
		t.Fatalf("pushes = %d, want 2", len(sess.pushes))
	}
	if string(sess.pushes[1]) != "previous-config" {
		t.Errorf("restore pushed %q, want the snapshot archive", sess.pushes[1])
	}

	// Rollback audit entry carries the original failure.
	entries, err := h.audit.List(context.Background(), audit.Filter{Action: audit.ActionDeploymentRolledBack})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if entries.Total != 1 {
		t.Fatalf("rollback audit entries = %d, want 1", entries.Total)
	}
	if entries.Entries[0].Details["original_error"] == "" {
		t.Error("original error missing from rollback audit entry")
	}
}

// Scenario C: skip_backup means no snapshot, so a deploy failure cannot
// roll back.
func TestSkipBackupDisablesRollback(t *testing.T) {
	sess := &scriptSession{
		pushErrs: []error{errors.New("disk full")},
	}
	h := setupHarness(t,
		map[string]*target.Target{"tgt-1": newTarget("tgt-1", "lounge")},
		map[string]*scriptSession{"tgt-1": sess},
	)

	dep, err := h.scheduler.Submit(context.Background(), SubmitRequest{
		TargetIDs: []string{"tgt-1"},
		Options:   Options{SkipBackup: true, AutoRestart: true, AutoRollback: true},
		Payload:   testPayload(t),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final, results := waitTerminal(t, h, dep.ID)
	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	res := results[0]
	if res.Status != ResultFailed {
		t.Errorf("result status = %s, want failed", res.Status)
	}
	if res.Phase != PhaseDeploying {
		t.Errorf("phase = %s, want deploying", res.Phase)
	}
	if res.SnapshotID != "" {
		t.Errorf("snapshot taken despite skip_backup: %s", res.SnapshotID)
	}

	snaps, err := h.snapRepo.List(context.Background(), snapshot.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("snapshots = %d, want 0", len(snaps))
	}
}

// Scenario D: one target succeeds, one fails; the failure never touches
// the sibling.
func TestPartialFailurePreservedPerTarget(t *testing.T) {
	good := &scriptSession{fetchData: []byte("cfg-a")}
	bad := &scriptSession{
		fetchData: []byte("cfg-b"),
		pushErrs:  []error{errors.New("read-only filesystem")},
	}
	h := setupHarness(t,
		map[string]*target.Target{
			"tgt-1": newTarget("tgt-1", "lounge"),
			"tgt-2": newTarget("tgt-2", "attic"),
		},
		map[string]*scriptSession{"tgt-1": good, "tgt-2": bad},
	)

	dep, err := h.scheduler.Submit(context.Background(), SubmitRequest{
		TargetIDs: []string{"tgt-1", "tgt-2"},
		Options:   Options{AutoRestart: true}, // no auto_rollback
		Payload:   testPayload(t),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final, results := waitTerminal(t, h, dep.ID)
	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "1 of 2") {
		t.Errorf("aggregate error = %q", final.Error)
	}

	byTarget := make(map[string]Result)
	for _, r := range results {
		byTarget[r.TargetID] = r
	}
	if byTarget["tgt-1"].Status != ResultCompleted {
		t.Errorf("tgt-1 status = %s, want completed", byTarget["tgt-1"].Status)
	}
	if byTarget["tgt-2"].Status != ResultFailed {
		t.Errorf("tgt-2 status = %s, want failed", byTarget["tgt-2"].Status)
	}

	// The successful target got its full pipeline.
	if len(good.runCmds) != 1 {
		t.Errorf("good target restarts = %d, want 1", len(good.runCmds))
	}
}

func TestConcurrentSubmitExactlyOneWins(t *testing.T) {
	gate := make(chan struct{})
	sess := &scriptSession{fetchData: []byte("cfg"), fetchGate: gate}
	h := setupHarness(t,
		map[string]*target.Target{"tgt-1": newTarget("tgt-1", "lounge")},
		map[string]*scriptSession{"tgt-1": sess},
	)

	req := SubmitRequest{
		TargetIDs: []string{"tgt-1"},
		Options:   allPhases(),
		Payload:   testPayload(t),
	}

	errs := make(chan error, 2)
	var ids sync.Map
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dep, err := h.scheduler.Submit(context.Background(), req)
			if dep != nil {
				ids.Store(dep.ID, struct{}{})
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(gate)

	var conflicts, successes int
	var winner string
	for i := 0; i < 2; i++ {
		err := <-errs
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("successes = %d, conflicts = %d, want exactly one of each", successes, conflicts)
	}

	ids.Range(func(k, _ any) bool {
		winner = k.(string)
		return false
	})
	waitTerminal(t, h, winner)

	// The lock is free again after the join barrier.
	dep, err := h.scheduler.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("resubmit after completion: %v", err)
	}
	waitTerminal(t, h, dep.ID)
}

// The sequence of phases observed for a target only ever advances.
func TestObservedPhaseOrderMonotonic(t *testing.T) {
	sess := &scriptSession{fetchData: []byte("cfg")}
	h := setupHarness(t,
		map[string]*target.Target{"tgt-1": newTarget("tgt-1", "lounge")},
		map[string]*scriptSession{"tgt-1": sess},
	)

	var mu sync.Mutex
	var observed []Phase
	h.executor.SetOnPhase(func(res *Result) {
		mu.Lock()
		observed = append(observed, res.Phase)
		mu.Unlock()
	})

	dep, err := h.scheduler.Submit(context.Background(), SubmitRequest{
		TargetIDs: []string{"tgt-1"},
		Options:   allPhases(),
		Payload:   testPayload(t),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, h, dep.ID)

	mu.Lock()
	defer mu.Unlock()
	if len(observed) == 0 {
		t.Fatal("no phase transitions observed")
	}
	for i := 1; i < len(observed); i++ {
		if observed[i-1].After(observed[i]) {
			t.Fatalf("phase went backwards: %v", observed)
		}
	}
	if observed[len(observed)-1] != PhaseRestarting {
		t.Errorf("last phase = %s, want restarting", observed[len(observed)-1])
	}
}

func TestSubmitRejectsEmptyTargetSet(t *testing.T) {
	h := setupHarness(t, map[string]*target.Target{}, map[string]*scriptSession{})

	_, err := h.scheduler.Submit(context.Background(), SubmitRequest{Payload: testPayload(t)})
	if !errors.Is(err, ErrNoTargets) {
		t.Errorf("err = %v, want ErrNoTargets", err)
	}
}

func TestSubmitRejectsDisabledTarget(t *testing.T) {
	tgt := newTarget("tgt-1", "lounge")
	tgt.Enabled = false
	h := setupHarness(t,
		map[string]*target.Target{"tgt-1": tgt},
		map[string]*scriptSession{},
	)

	_, err := h.scheduler.Submit(context.Background(), SubmitRequest{
		TargetIDs: []string{"tgt-1"},
		Payload:   testPayload(t),
	})
	if err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Errorf("err = %v, want disabled target rejection", err)
	}
}

func TestValidationFailureStopsBeforeRemoteWork(t *testing.T) {
	sess := &scriptSession{fetchData: []byte("cfg")}
	h := setupHarness(t,
		map[string]*target.Target{"tgt-1": newTarget("tgt-1", "lounge")},
		map[string]*scriptSession{"tgt-1": sess},
	)

	dep, err := h.scheduler.Submit(context.Background(), SubmitRequest{
		TargetIDs: []string{"tgt-1"},
		Options:   allPhases(),
		Payload:   []byte("not an archive"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final, results := waitTerminal(t, h, dep.ID)
	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	res := results[0]
	if res.ErrorCategory != CategoryValidation {
		t.Errorf("category = %s, want validation", res.ErrorCategory)
	}
	if res.Phase != PhaseValidating {
		t.Errorf("phase = %s, want validating", res.Phase)
	}
	if len(sess.pushes) != 0 || sess.runCount != 0 {
		t.Error("remote operations ran despite validation failure")
	}
}

func TestCancelObservedAtPhaseBoundary(t *testing.T) {
	gate := make(chan struct{})
	sess := &scriptSession{fetchData: []byte("cfg"), fetchGate: gate}
	h := setupHarness(t,
		map[string]*target.Target{"tgt-1": newTarget("tgt-1", "lounge")},
		map[string]*scriptSession{"tgt-1": sess},
	)

	dep, err := h.scheduler.Submit(context.Background(), SubmitRequest{
		TargetIDs: []string{"tgt-1"},
		Options:   allPhases(),
		Payload:   testPayload(t),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Cancel while the backup fetch is in flight, then let it finish.
	waitForPhase(t, h, dep.ID, PhaseBackingUp)
	if err := h.scheduler.Cancel(context.Background(), dep.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(gate)

	final, results := waitTerminal(t, h, dep.ID)
	if final.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	res := results[0]
	if res.ErrorCategory != CategoryCancelled {
		t.Errorf("category = %s, want cancelled", res.ErrorCategory)
	}
	// The backup completed; the deploy phase never started.
	if len(sess.pushes) != 0 {
		t.Error("push ran after cancellation")
	}
}

func waitForPhase(t *testing.T, h *harness, id string, phase Phase) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, results, err := h.scheduler.Progress(context.Background(), id)
		if err != nil {
			t.Fatalf("Progress: %v", err)
		}
		if len(results) > 0 && results[0].Phase == phase {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("phase %s never reached", phase)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotificationsOnTerminalOutcome(t *testing.T) {
	sess := &scriptSession{fetchData: []byte("cfg")}
	h := setupHarness(t,
		map[string]*target.Target{"tgt-1": newTarget("tgt-1", "lounge")},
		map[string]*scriptSession{"tgt-1": sess},
	)

	dep, err := h.scheduler.Submit(context.Background(), SubmitRequest{
		TargetIDs: []string{"tgt-1"},
		Options:   allPhases(),
		Payload:   testPayload(t),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, h, dep.ID)
	h.scheduler.Close()

	kinds := h.notifier.kinds()
	var started, completed bool
	for _, k := range kinds {
		if k == notify.EventDeploymentStarted {
			started = true
		}
		if k == notify.EventDeploymentCompleted {
			completed = true
		}
	}
	if !started || !completed {
		t.Errorf("events = %v, want started and completed", kinds)
	}
}

func TestArchiveValidator(t *testing.T) {
	ctx := context.Background()

	if err := ArchiveValidator(ctx, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("empty payload: err = %v, want ErrValidation", err)
	}
	if err := ArchiveValidator(ctx, []byte("plain text")); !errors.Is(err, ErrValidation) {
		t.Errorf("non-gzip payload: err = %v, want ErrValidation", err)
	}

	var empty bytes.Buffer
	gz := gzip.NewWriter(&empty)
	tw := tar.NewWriter(gz)
	tw.Close()
	gz.Close()
	if err := ArchiveValidator(ctx, empty.Bytes()); !errors.Is(err, ErrValidation) {
		t.Errorf("empty archive: err = %v, want ErrValidation", err)
	}
}

// Shutdown cancels the base context while an execution is mid-backup. The
// interrupted deployment and its results must still land in the store as
// terminal; a row stuck at running is a lost outcome.
func TestShutdownPersistsTerminalState(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate := make(chan struct{})
	sess := &scriptSession{fetchData: []byte("cfg"), fetchGate: gate}
	h := setupHarnessWith(t, base, nil,
		map[string]*target.Target{"tgt-1": newTarget("tgt-1", "lounge")},
		map[string]*scriptSession{"tgt-1": sess},
	)

	dep, err := h.scheduler.Submit(context.Background(), SubmitRequest{
		TargetIDs: []string{"tgt-1"},
		Options:   allPhases(),
		Payload:   testPayload(t),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	cancel()
	close(gate)
	h.scheduler.Close()

	stored, err := h.repo.GetDeployment(context.Background(), dep.ID)
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if !stored.Status.Terminal() {
		t.Fatalf("stored deployment status = %s, want terminal", stored.Status)
	}
	if stored.FinishedAt == nil {
		t.Error("finished_at not recorded")
	}

	results, err := h.repo.GetResults(context.Background(), dep.ID)
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	for _, res := range results {
		if !res.Status.Terminal() {
			t.Errorf("target %s result status = %s, want terminal", res.TargetID, res.Status)
		}
	}
}

// flakyResultRepo fails the n-th CreateResult call.
type flakyResultRepo struct {
	Repository
	failOn int
	calls  int
}

func (r *flakyResultRepo) CreateResult(ctx context.Context, res *Result) error {
	r.calls++
	if r.calls == r.failOn {
		return errors.New("disk I/O error")
	}
	return r.Repository.CreateResult(ctx, res)
}

// A submission that dies while storing its result rows must not leave the
// already-inserted deployment at pending.
func TestSubmitStorageFailureMarksDeploymentFailed(t *testing.T) {
	wrap := func(repo Repository) Repository {
		return &flakyResultRepo{Repository: repo, failOn: 2}
	}
	h := setupHarnessWith(t, context.Background(), wrap,
		map[string]*target.Target{
			"tgt-1": newTarget("tgt-1", "lounge"),
			"tgt-2": newTarget("tgt-2", "attic"),
		},
		map[string]*scriptSession{},
	)

	_, err := h.scheduler.Submit(context.Background(), SubmitRequest{
		TargetIDs: []string{"tgt-1", "tgt-2"},
		Options:   allPhases(),
		Payload:   testPayload(t),
	})
	if err == nil {
		t.Fatal("Submit succeeded despite result storage failure")
	}

	deps, err := h.repo.ListDeployments(context.Background(), ListFilter{})
	if err != nil {
		t.Fatalf("ListDeployments: %v", err)
	}
	if len(deps) != 1 {
		t.Fatalf("deployments = %d, want 1", len(deps))
	}
	if deps[0].Status != StatusFailed {
		t.Errorf("deployment status = %s, want failed", deps[0].Status)
	}
	if deps[0].FinishedAt == nil {
		t.Error("finished_at not recorded")
	}

	// The aborted submission released its locks.
	dep, err := h.scheduler.Submit(context.Background(), SubmitRequest{
		TargetIDs: []string{"tgt-1"},
		Payload:   testPayload(t),
	})
	if err != nil {
		t.Fatalf("resubmit after aborted submission: %v", err)
	}
	waitTerminal(t, h, dep.ID)
}

// A failed backup must not attach its snapshot to the result: manual
// rollback picks restore candidates by SnapshotID, and a failed capture is
// not restorable.
func TestFailedBackupLeavesNoSnapshotReference(t *testing.T) {
	sess := &scriptSession{fetchErr: errors.New("tar: /etc/wled-bridge: permission denied")}
	h := setupHarness(t,
		map[string]*target.Target{"tgt-1": newTarget("tgt-1", "lounge")},
		map[string]*scriptSession{"tgt-1": sess},
	)

	dep, err := h.scheduler.Submit(context.Background(), SubmitRequest{
		TargetIDs: []string{"tgt-1"},
		Options:   allPhases(),
		Payload:   testPayload(t),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final, results := waitTerminal(t, h, dep.ID)
	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	res := results[0]
	if res.Status != ResultFailed {
		t.Errorf("result status = %s, want failed", res.Status)
	}
	if res.ErrorCategory != CategoryBackup {
		t.Errorf("category = %s, want backup", res.ErrorCategory)
	}
	if res.SnapshotID != "" {
		t.Errorf("snapshot %s recorded on result despite failed capture", res.SnapshotID)
	}

	// With no restorable snapshot the manual rollback request is rejected
	// outright instead of tripping over the failed capture.
	if err := h.scheduler.RequestRollback(context.Background(), dep.ID, ""); !errors.Is(err, ErrNotRollbackEligible) {
		t.Errorf("RequestRollback err = %v, want ErrNotRollbackEligible", err)
	}
}
