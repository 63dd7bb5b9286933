package snapshot

import "errors"

var (
	// ErrNotFound is returned when a snapshot does not exist.
	ErrNotFound = errors.New("snapshot: not found")

	// ErrNotRestorable is returned when a restore is requested from a
	// snapshot that is not in completed status.
	ErrNotRestorable = errors.New("snapshot: not restorable")

	// ErrProtected is returned when a delete would remove a protected
	// snapshot.
	ErrProtected = errors.New("snapshot: protected")

	// ErrChecksumMismatch is returned when a stored archive fails
	// integrity verification before a restore.
	ErrChecksumMismatch = errors.New("snapshot: checksum mismatch")

	// ErrRestoreFailed is returned when pushing a snapshot back to its
	// target fails. The target may be in an inconsistent state.
	ErrRestoreFailed = errors.New("snapshot: restore failed")
)
