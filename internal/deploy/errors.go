package deploy

import "errors"

var (
	// ErrConflict is returned when a submitted target already has a
	// non-terminal execution in flight. Submissions are rejected, never
	// queued; the caller decides whether to retry.
	ErrConflict = errors.New("deploy: target busy")

	// ErrNoTargets is returned when a deployment names no targets.
	ErrNoTargets = errors.New("deploy: no targets")

	// ErrNotFound is returned when a deployment does not exist.
	ErrNotFound = errors.New("deploy: not found")

	// ErrFinished is returned when an operation requires a deployment
	// that is still running.
	ErrFinished = errors.New("deploy: already finished")

	// ErrNotRollbackEligible is returned when a rollback is requested for
	// an execution without a completed pre-deployment snapshot.
	ErrNotRollbackEligible = errors.New("deploy: not rollback eligible")

	// ErrValidation is returned when the payload fails validation.
	ErrValidation = errors.New("deploy: validation failed")
)
