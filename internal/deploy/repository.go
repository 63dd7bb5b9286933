package deploy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for deployment persistence.
type Repository interface {
	CreateDeployment(ctx context.Context, d *Deployment) error
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	ListDeployments(ctx context.Context, filter ListFilter) ([]Deployment, error)
	UpdateDeployment(ctx context.Context, d *Deployment) error

	CreateResult(ctx context.Context, r *Result) error
	UpdateResult(ctx context.Context, r *Result) error
	GetResults(ctx context.Context, deploymentID string) ([]Result, error)
	GetResult(ctx context.Context, deploymentID, targetID string) (*Result, error)
}

// ListFilter narrows a deployment listing. Zero values match everything.
type ListFilter struct {
	Status Status
	Limit  int
}

const deploymentColumns = `id, trigger_type, status, target_ids, options, metadata,
			error, created_at, started_at, finished_at`

const resultColumns = `id, deployment_id, target_id, phase, status, exit_code,
			stdout, stderr, error_category, error, snapshot_id, started_at, finished_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed deployment repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// CreateDeployment inserts a new deployment. ID and CreatedAt are generated
// if empty.
func (r *SQLiteRepository) CreateDeployment(ctx context.Context, d *Deployment) error {
	if d.ID == "" {
		d.ID = "dep-" + uuid.NewString()[:8]
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = StatusPending
	}

	targetIDs, err := json.Marshal(d.TargetIDs)
	if err != nil {
		return fmt.Errorf("marshalling target ids: %w", err)
	}
	options, err := json.Marshal(d.Options)
	if err != nil {
		return fmt.Errorf("marshalling options: %w", err)
	}
	var metadata any
	if d.Metadata != nil {
		b, err := json.Marshal(d.Metadata)
		if err != nil {
			return fmt.Errorf("marshalling metadata: %w", err)
		}
		metadata = string(b)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO deployments (id, trigger_type, status, target_ids, options, metadata,
			error, created_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, string(d.Trigger), string(d.Status), string(targetIDs), string(options),
		metadata, nullableString(d.Error), d.CreatedAt.Format(time.RFC3339),
		nullableTime(d.StartedAt), nullableTime(d.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting deployment: %w", err)
	}
	return nil
}

// GetDeployment retrieves a deployment by ID.
func (r *SQLiteRepository) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying deployment: %w", err)
	}
	return d, nil
}

// ListDeployments retrieves deployments matching the filter, newest first.
func (r *SQLiteRepository) ListDeployments(ctx context.Context, filter ListFilter) ([]Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deployments: %w", err)
	}
	defer rows.Close()

	var deployments []Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning deployment: %w", err)
		}
		deployments = append(deployments, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deployments: %w", err)
	}
	if deployments == nil {
		deployments = []Deployment{}
	}
	return deployments, nil
}

// UpdateDeployment persists status, error, and timestamps.
func (r *SQLiteRepository) UpdateDeployment(ctx context.Context, d *Deployment) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE deployments SET status = ?, error = ?, started_at = ?, finished_at = ?
		 WHERE id = ?`,
		string(d.Status), nullableString(d.Error),
		nullableTime(d.StartedAt), nullableTime(d.FinishedAt), d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating deployment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateResult inserts a new per-target result row.
func (r *SQLiteRepository) CreateResult(ctx context.Context, res *Result) error {
	if res.ID == "" {
		res.ID = "res-" + uuid.NewString()[:8]
	}
	if res.Phase == "" {
		res.Phase = PhasePending
	}
	if res.Status == "" {
		res.Status = ResultPending
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO deployment_results (id, deployment_id, target_id, phase, status,
			exit_code, stdout, stderr, error_category, error, snapshot_id, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.DeploymentID, res.TargetID, string(res.Phase), string(res.Status),
		res.ExitCode, nullableString(res.Stdout), nullableString(res.Stderr),
		nullableString(string(res.ErrorCategory)), nullableString(res.Error),
		nullableString(res.SnapshotID), nullableTime(res.StartedAt), nullableTime(res.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting result: %w", err)
	}
	return nil
}

// UpdateResult persists the current state of a target execution.
func (r *SQLiteRepository) UpdateResult(ctx context.Context, res *Result) error {
	out, err := r.db.ExecContext(ctx,
		`UPDATE deployment_results SET phase = ?, status = ?, exit_code = ?, stdout = ?,
			stderr = ?, error_category = ?, error = ?, snapshot_id = ?, started_at = ?, finished_at = ?
		 WHERE id = ?`,
		string(res.Phase), string(res.Status), res.ExitCode,
		nullableString(res.Stdout), nullableString(res.Stderr),
		nullableString(string(res.ErrorCategory)), nullableString(res.Error),
		nullableString(res.SnapshotID), nullableTime(res.StartedAt), nullableTime(res.FinishedAt),
		res.ID,
	)
	if err != nil {
		return fmt.Errorf("updating result: %w", err)
	}
	affected, err := out.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetResults retrieves all per-target results for a deployment.
func (r *SQLiteRepository) GetResults(ctx context.Context, deploymentID string) ([]Result, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM deployment_results WHERE deployment_id = ? ORDER BY target_id`,
		deploymentID)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		results = append(results, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating results: %w", err)
	}
	if results == nil {
		results = []Result{}
	}
	return results, nil
}

// GetResult retrieves one target's result within a deployment.
func (r *SQLiteRepository) GetResult(ctx context.Context, deploymentID, targetID string) (*Result, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM deployment_results WHERE deployment_id = ? AND target_id = ?`,
		deploymentID, targetID)
	res, err := scanResult(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying result: %w", err)
	}
	return res, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(sc scanner) (*Deployment, error) {
	var d Deployment
	var trigger, status, targetIDs, options, createdAt string
	var metadata, errText, startedAt, finishedAt sql.NullString

	if err := sc.Scan(&d.ID, &trigger, &status, &targetIDs, &options, &metadata,
		&errText, &createdAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}

	d.Trigger = Trigger(trigger)
	d.Status = Status(status)
	d.Error = errText.String
	if err := json.Unmarshal([]byte(targetIDs), &d.TargetIDs); err != nil {
		return nil, fmt.Errorf("unmarshalling target ids: %w", err)
	}
	if err := json.Unmarshal([]byte(options), &d.Options); err != nil {
		return nil, fmt.Errorf("unmarshalling options: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &d.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling metadata: %w", err)
		}
	}
	d.CreatedAt = parseTime(createdAt)
	d.StartedAt = parseNullableTime(startedAt)
	d.FinishedAt = parseNullableTime(finishedAt)
	return &d, nil
}

func scanResult(sc scanner) (*Result, error) {
	var res Result
	var phase, status string
	var exitCode sql.NullInt64
	var stdout, stderr, category, errText, snapshotID, startedAt, finishedAt sql.NullString

	if err := sc.Scan(&res.ID, &res.DeploymentID, &res.TargetID, &phase, &status,
		&exitCode, &stdout, &stderr, &category, &errText, &snapshotID,
		&startedAt, &finishedAt); err != nil {
		return nil, err
	}

	res.Phase = Phase(phase)
	res.Status = ResultStatus(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		res.ExitCode = &code
	}
	res.Stdout = stdout.String
	res.Stderr = stderr.String
	res.ErrorCategory = Category(category.String)
	res.Error = errText.String
	res.SnapshotID = snapshotID.String
	res.StartedAt = parseNullableTime(startedAt)
	res.FinishedAt = parseNullableTime(finishedAt)
	return &res, nil
}

// parseTime parses RFC3339 timestamps from SQLite text columns.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// nullableTime formats an optional timestamp for storage.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// nullableString maps empty strings onto NULL for optional TEXT columns.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
