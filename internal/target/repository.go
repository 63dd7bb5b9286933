package target

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// Repository defines the interface for target persistence.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Target, error)
	GetByName(ctx context.Context, name string) (*Target, error)
	List(ctx context.Context) ([]Target, error)
	Create(ctx context.Context, t *Target) error
	Update(ctx context.Context, t *Target) error
	Delete(ctx context.Context, id string) error
}

const targetColumns = `id, name, host, port, user, credential, config_path,
			restart_cmd, health_cmd, enabled, created_at, updated_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed target repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Validate checks a target record before persistence.
func Validate(t *Target) error {
	var errs []string
	if t.Name == "" {
		errs = append(errs, "name is required")
	}
	if t.Host == "" {
		errs = append(errs, "host is required")
	}
	if t.Port < 1 || t.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if t.User == "" {
		errs = append(errs, "user is required")
	}
	if t.Credential == "" {
		errs = append(errs, "credential is required")
	}
	if t.ConfigPath == "" || !strings.HasPrefix(t.ConfigPath, "/") {
		errs = append(errs, "config_path must be an absolute remote path")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// GetByID retrieves a target by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Target, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, id)
	t, err := scanTarget(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying target by id: %w", err)
	}
	return t, nil
}

// GetByName retrieves a target by its unique name.
func (r *SQLiteRepository) GetByName(ctx context.Context, name string) (*Target, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE name = ?`, name)
	t, err := scanTarget(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying target by name: %w", err)
	}
	return t, nil
}

// List retrieves all targets ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Target, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+targetColumns+` FROM targets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying targets: %w", err)
	}
	defer rows.Close()

	var targets []Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning target: %w", err)
		}
		targets = append(targets, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating targets: %w", err)
	}
	if targets == nil {
		targets = []Target{}
	}
	return targets, nil
}

// Create inserts a new target. The ID and timestamps are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, t *Target) error {
	if err := Validate(t); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = "tgt-" + uuid.NewString()[:8]
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO targets (id, name, host, port, user, credential, config_path,
			restart_cmd, health_cmd, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Host, t.Port, t.User, t.Credential, t.ConfigPath,
		t.RestartCmd, t.HealthCmd, boolToInt(t.Enabled),
		t.CreatedAt.Format(time.RFC3339), t.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrExists
		}
		return fmt.Errorf("inserting target: %w", err)
	}
	return nil
}

// Update persists changes to an existing target.
func (r *SQLiteRepository) Update(ctx context.Context, t *Target) error {
	if err := Validate(t); err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx,
		`UPDATE targets SET name = ?, host = ?, port = ?, user = ?, credential = ?,
			config_path = ?, restart_cmd = ?, health_cmd = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		t.Name, t.Host, t.Port, t.User, t.Credential,
		t.ConfigPath, t.RestartCmd, t.HealthCmd, boolToInt(t.Enabled),
		t.UpdatedAt.Format(time.RFC3339), t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating target: %w", err)
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

// Delete removes a target by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting target: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanTarget.
type scanner interface {
	Scan(dest ...any) error
}

// scanTarget scans a single target row.
func scanTarget(s scanner) (*Target, error) {
	var t Target
	var enabled int
	var createdAt, updatedAt string

	if err := s.Scan(&t.ID, &t.Name, &t.Host, &t.Port, &t.User, &t.Credential,
		&t.ConfigPath, &t.RestartCmd, &t.HealthCmd, &enabled,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}

	t.Enabled = enabled != 0
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// parseTime parses RFC3339 timestamps from SQLite text columns.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// boolToInt converts a bool to the SQLite integer representation.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
