package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/confship/confship/internal/infrastructure/config"
)

func TestDisabledReturnsNil(t *testing.T) {
	r, err := Connect(config.MetricsConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if r != nil {
		t.Fatal("disabled metrics must yield a nil recorder")
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder

	// Every method must no-op on the nil recorder.
	r.RecordPhase("lounge", "deploying", time.Second, true)
	r.RecordDeployment("completed", 3, time.Minute)
	if err := r.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck on nil recorder: %v", err)
	}
	r.Close()
}
