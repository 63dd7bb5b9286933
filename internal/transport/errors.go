package transport

import "errors"

// Sentinel errors for the transport package. Callers classify failures with
// errors.Is; the retry policy lives entirely inside this package.
var (
	// ErrAuthentication is returned when the target rejects the credential.
	// Fatal and never retried: repeating a bad credential only locks accounts.
	ErrAuthentication = errors.New("transport: authentication failed")

	// ErrConnectivity is returned when the target is unreachable after the
	// bounded retry budget is exhausted.
	ErrConnectivity = errors.New("transport: connection failed")

	// ErrTimeout is returned when a remote operation exceeds its time bound.
	ErrTimeout = errors.New("transport: operation timed out")

	// ErrClosed is returned when an operation is attempted on a closed session.
	ErrClosed = errors.New("transport: session closed")
)
