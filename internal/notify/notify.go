// Package notify fans deployment lifecycle events out to the configured
// notification channels. The channel set is fixed: the log channel is always
// active, MQTT and webhook are enabled by configuration. Delivery is best
// effort; a failing channel never affects a deployment's outcome.
package notify

import (
	"context"
	"time"
)

// Event kinds emitted by the deployment engine.
const (
	EventDeploymentStarted    = "deployment.started"
	EventDeploymentPhase      = "deployment.phase"
	EventDeploymentCompleted  = "deployment.completed"
	EventDeploymentFailed     = "deployment.failed"
	EventDeploymentCancelled  = "deployment.cancelled"
	EventDeploymentRolledBack = "deployment.rolled_back"
	EventRollbackFailed       = "deployment.rollback_failed"
	EventSnapshotCreated      = "snapshot.created"
	EventSnapshotRestored     = "snapshot.restored"
)

// Event is one notification payload.
type Event struct {
	Kind         string         `json:"kind"`
	DeploymentID string         `json:"deployment_id,omitempty"`
	TargetID     string         `json:"target_id,omitempty"`
	TargetName   string         `json:"target_name,omitempty"`
	Phase        string         `json:"phase,omitempty"`
	Status       string         `json:"status,omitempty"`
	Error        string         `json:"error,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Channel delivers events to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// Logger is the minimal logging interface the dispatcher needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Dispatcher delivers each event to every registered channel.
type Dispatcher struct {
	channels []Channel
	logger   Logger
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(logger Logger, channels ...Channel) *Dispatcher {
	return &Dispatcher{channels: channels, logger: logger}
}

// sendTimeout bounds delivery to a single channel so one slow endpoint
// cannot stall the rest.
const sendTimeout = 15 * time.Second

// Publish delivers the event to all channels. Failures are logged per
// channel and do not stop delivery to the others.
func (d *Dispatcher) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	for _, ch := range d.channels {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := ch.Send(ctx, e); err != nil {
			d.logger.Warn("notification delivery failed",
				"channel", ch.Name(),
				"kind", e.Kind,
				"error", err,
			)
		}
		cancel()
	}
}
