package target

import "errors"

var (
	// ErrNotFound is returned when a target ID does not exist.
	ErrNotFound = errors.New("target: not found")

	// ErrExists is returned when creating a target whose name is taken.
	ErrExists = errors.New("target: already exists")

	// ErrInvalid is returned when target validation fails.
	ErrInvalid = errors.New("target: invalid")
)
