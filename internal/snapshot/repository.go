package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for snapshot persistence.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Snapshot, error)
	List(ctx context.Context, filter ListFilter) ([]Snapshot, error)
	Create(ctx context.Context, s *Snapshot) error
	Update(ctx context.Context, s *Snapshot) error
	SetProtected(ctx context.Context, id string, protected bool) error
}

// ListFilter narrows a snapshot listing. Zero values match everything.
type ListFilter struct {
	TargetID string
	Status   Status
	Limit    int
}

const snapshotColumns = `id, target_id, type, status, location, checksum,
			size_bytes, retention_days, protected, error, created_at, completed_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed snapshot repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves a snapshot by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id)
	s, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	return s, nil
}

// List retrieves snapshots matching the filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter ListFilter) ([]Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE 1=1`
	var args []any
	if filter.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, filter.TargetID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		snapshots = append(snapshots, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshots: %w", err)
	}
	if snapshots == nil {
		snapshots = []Snapshot{}
	}
	return snapshots, nil
}

// Create inserts a new snapshot record. The ID is generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, s *Snapshot) error {
	if s.ID == "" {
		s.ID = "snap-" + uuid.NewString()[:8]
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, target_id, type, status, location, checksum,
			size_bytes, retention_days, protected, error, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TargetID, string(s.Type), string(s.Status), s.Location, s.Checksum,
		s.SizeBytes, s.RetentionDays, boolToInt(s.Protected), s.Error,
		s.CreatedAt.Format(time.RFC3339), nullableTime(s.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	return nil
}

// Update persists changes to an existing snapshot record.
func (r *SQLiteRepository) Update(ctx context.Context, s *Snapshot) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE snapshots SET status = ?, location = ?, checksum = ?, size_bytes = ?,
			retention_days = ?, protected = ?, error = ?, completed_at = ?
		 WHERE id = ?`,
		string(s.Status), s.Location, s.Checksum, s.SizeBytes,
		s.RetentionDays, boolToInt(s.Protected), s.Error, nullableTime(s.CompletedAt),
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("updating snapshot: %w", err)
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

// SetProtected toggles the protection flag on a snapshot.
func (r *SQLiteRepository) SetProtected(ctx context.Context, id string, protected bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE snapshots SET protected = ? WHERE id = ?`, boolToInt(protected), id)
	if err != nil {
		return fmt.Errorf("updating snapshot protection: %w", err)
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

// scanner abstracts *sql.Row and *sql.Rows for scanSnapshot.
type scanner interface {
	Scan(dest ...any) error
}

// scanSnapshot scans a single snapshot row.
func scanSnapshot(sc scanner) (*Snapshot, error) {
	var s Snapshot
	var typ, status, createdAt string
	var errText, completedAt sql.NullString
	var protected int

	if err := sc.Scan(&s.ID, &s.TargetID, &typ, &status, &s.Location, &s.Checksum,
		&s.SizeBytes, &s.RetentionDays, &protected, &errText,
		&createdAt, &completedAt); err != nil {
		return nil, err
	}

	s.Type = Type(typ)
	s.Status = Status(status)
	s.Protected = protected != 0
	s.Error = errText.String
	s.CreatedAt = parseTime(createdAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		s.CompletedAt = &t
	}
	return &s, nil
}

// parseTime parses RFC3339 timestamps from SQLite text columns.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullableTime formats an optional timestamp for storage.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// boolToInt converts a bool to the SQLite integer representation.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
