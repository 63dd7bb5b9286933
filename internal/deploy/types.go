package deploy

import "time"

// Trigger records what initiated a deployment.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerWebhook   Trigger = "webhook"
	TriggerScheduled Trigger = "scheduled"
)

// Status is the aggregate state of a deployment across all its targets.
// It is derived at the join barrier once every target execution is terminal:
// completed only when every target completed, cancelled when a cancel
// request ended the run, failed otherwise.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Phase is the step a target execution last reached. Phases advance strictly
// in order; skipped phases (per options) are never entered.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseValidating Phase = "validating"
	PhaseBackingUp  Phase = "backing_up"
	PhaseDeploying  Phase = "deploying"
	PhaseRestarting Phase = "restarting"
)

// phaseOrder maps each phase to its position in the pipeline. Used to check
// that observed sequences only ever advance.
var phaseOrder = map[Phase]int{
	PhasePending:    0,
	PhaseValidating: 1,
	PhaseBackingUp:  2,
	PhaseDeploying:  3,
	PhaseRestarting: 4,
}

// After reports whether p comes later in the pipeline than q.
func (p Phase) After(q Phase) bool {
	return phaseOrder[p] > phaseOrder[q]
}

// ResultStatus is the terminal outcome of one target execution.
type ResultStatus string

const (
	ResultPending        ResultStatus = "pending"
	ResultRunning        ResultStatus = "running"
	ResultCompleted      ResultStatus = "completed"
	ResultFailed         ResultStatus = "failed"
	ResultRollingBack    ResultStatus = "rolling_back"
	ResultRolledBack     ResultStatus = "rolled_back"
	ResultRollbackFailed ResultStatus = "rollback_failed"
)

// Terminal reports whether the result status is final.
func (s ResultStatus) Terminal() bool {
	switch s {
	case ResultCompleted, ResultFailed, ResultRolledBack, ResultRollbackFailed:
		return true
	}
	return false
}

// Category classifies a target execution failure for operators. Failures are
// always reported as target + phase + category, never as stack traces.
type Category string

const (
	CategoryValidation     Category = "validation"
	CategoryConnectivity   Category = "connectivity"
	CategoryAuthentication Category = "authentication"
	CategoryBackup         Category = "backup"
	CategoryDeploy         Category = "deploy"
	CategoryRestart        Category = "restart"
	CategoryRestore        Category = "restore"
	CategoryRollback       Category = "rollback"
	CategoryTimeout        Category = "timeout"
	CategoryCancelled      Category = "cancelled"
)

// Options control which phases a deployment runs.
type Options struct {
	// SkipValidation jumps straight from pending to the backup phase.
	SkipValidation bool `json:"skip_validation"`

	// SkipBackup deploys without a pre-deployment snapshot. This disables
	// rollback eligibility for the execution regardless of AutoRollback.
	SkipBackup bool `json:"skip_backup"`

	// AutoRestart runs the target's restart command after a successful
	// deploy. When false the execution completes after the deploy phase.
	AutoRestart bool `json:"auto_restart"`

	// AutoRollback restores the pre-deployment snapshot when the deploy
	// or restart phase fails.
	AutoRollback bool `json:"auto_rollback"`
}

// Deployment is one logical change request against a set of targets.
// Immutable once terminal.
type Deployment struct {
	ID         string         `json:"id"`
	Trigger    Trigger        `json:"trigger"`
	Status     Status         `json:"status"`
	TargetIDs  []string       `json:"target_ids"`
	Options    Options        `json:"options"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Result is one target's execution record within a deployment. Each
// execution goroutine writes only its own result row.
type Result struct {
	ID            string       `json:"id"`
	DeploymentID  string       `json:"deployment_id"`
	TargetID      string       `json:"target_id"`
	Phase         Phase        `json:"phase"`
	Status        ResultStatus `json:"status"`
	ExitCode      *int         `json:"exit_code,omitempty"`
	Stdout        string       `json:"stdout,omitempty"`
	Stderr        string       `json:"stderr,omitempty"`
	ErrorCategory Category     `json:"error_category,omitempty"`
	Error         string       `json:"error,omitempty"`
	SnapshotID    string       `json:"snapshot_id,omitempty"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	FinishedAt    *time.Time   `json:"finished_at,omitempty"`
}
