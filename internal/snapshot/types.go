package snapshot

import "time"

// Type records why a snapshot was taken.
type Type string

const (
	TypeManual        Type = "manual"
	TypeAutomatic     Type = "automatic"
	TypePreDeployment Type = "pre_deployment"
	TypeScheduled     Type = "scheduled"
)

// Status tracks a snapshot through its lifecycle. Only completed snapshots
// are restorable; creating, failed, and deleted snapshots never are.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDeleted   Status = "deleted"
)

// Snapshot is one captured copy of a target's configuration directory,
// stored as a gzipped tar archive with an integrity checksum.
type Snapshot struct {
	ID            string     `json:"id"`
	TargetID      string     `json:"target_id"`
	Type          Type       `json:"type"`
	Status        Status     `json:"status"`
	Location      string     `json:"location"`
	Checksum      string     `json:"checksum"`
	SizeBytes     int64      `json:"size_bytes"`
	RetentionDays int        `json:"retention_days"`
	Protected     bool       `json:"protected"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Restorable reports whether the snapshot can serve as a restore source.
func (s *Snapshot) Restorable() bool {
	return s.Status == StatusCompleted
}

// Expired reports whether the snapshot has outlived its retention window.
// Protected snapshots never expire.
func (s *Snapshot) Expired(now time.Time) bool {
	if s.Protected || s.RetentionDays <= 0 {
		return false
	}
	return now.Sub(s.CreatedAt) > time.Duration(s.RetentionDays)*24*time.Hour
}
