package transport

import (
	"context"
	"time"
)

// Result holds the outcome of one remote command.
//
// A non-zero exit code is not an error at the transport level; callers
// interpret it against the phase they are running.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte

	// Orphaned is set when the command exceeded its time bound and the
	// transport could not interrupt it; the remote process may still run.
	Orphaned bool
}

// Session is an authenticated connection to one target.
//
// All operations are time-bounded. Implementations must be safe for
// sequential use from a single deployment execution; they are not required
// to support concurrent calls.
type Session interface {
	// Push extracts the gzipped tar archive into the remote directory,
	// creating it if needed.
	Push(ctx context.Context, dir string, archive []byte) error

	// Run executes a command and captures its exit code and output.
	Run(ctx context.Context, command string, timeout time.Duration) (*Result, error)

	// Fetch archives the remote directory and returns the gzipped tar bytes.
	Fetch(ctx context.Context, dir string) ([]byte, error)

	// HealthCheck runs the target's health command; nil means healthy.
	HealthCheck(ctx context.Context) error

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Dialer opens sessions to targets. The production implementation is
// SSHDialer; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, targetID string) (Session, error)
}

// Logger is the minimal logging interface the transport needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
