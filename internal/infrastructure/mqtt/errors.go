package mqtt

import "errors"

var (
	// ErrConnectionFailed is returned when the initial broker connection
	// cannot be established.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrNotConnected is returned when a publish is attempted while the
	// broker connection is down.
	ErrNotConnected = errors.New("mqtt: not connected")
)
