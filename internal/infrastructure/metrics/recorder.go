// Package metrics records deployment timing to InfluxDB.
//
// Writes are non-blocking and batched; a failed metrics backend must never
// slow down or fail a deployment. When metrics are disabled the recorder is
// nil and every method no-ops, so call sites need no enabled checks.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/confship/confship/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second
)

// Logger is the minimal logging interface the recorder needs.
type Logger interface {
	Warn(msg string, args ...any)
}

// Recorder writes deployment measurements to InfluxDB. A nil *Recorder is
// valid and drops all writes.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	connected bool
	mu        sync.RWMutex
}

// Connect creates a recorder backed by the configured InfluxDB instance.
// Returns (nil, nil) when metrics are disabled.
func Connect(cfg config.MetricsConfig, logger Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging influxdb: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb at %s not healthy", cfg.URL)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	r := &Recorder{
		client:    client,
		writeAPI:  writeAPI,
		connected: true,
	}

	// Async write failures surface on this channel; log and keep going.
	go func() {
		for writeErr := range writeAPI.Errors() {
			if logger != nil {
				logger.Warn("influxdb write failed", "error", writeErr)
			}
		}
	}()

	return r, nil
}

// RecordPhase records the duration of one deployment phase on one target.
func (r *Recorder) RecordPhase(targetName, phase string, d time.Duration, success bool) {
	if r == nil || !r.isConnected() {
		return
	}
	r.writeAPI.WritePoint(write.NewPoint(
		"deployment_phase",
		map[string]string{
			"target": targetName,
			"phase":  phase,
		},
		map[string]interface{}{
			"duration_ms": d.Milliseconds(),
			"success":     success,
		},
		time.Now(),
	))
}

// RecordDeployment records the overall outcome of a deployment.
func (r *Recorder) RecordDeployment(status string, targets int, d time.Duration) {
	if r == nil || !r.isConnected() {
		return
	}
	r.writeAPI.WritePoint(write.NewPoint(
		"deployment",
		map[string]string{
			"status": status,
		},
		map[string]interface{}{
			"targets":     targets,
			"duration_ms": d.Milliseconds(),
		},
		time.Now(),
	))
}

// HealthCheck pings the InfluxDB server.
func (r *Recorder) HealthCheck(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if !r.isConnected() {
		return fmt.Errorf("metrics: not connected")
	}
	checkCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	healthy, err := r.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("metrics: ping: %w", err)
	}
	if !healthy {
		return fmt.Errorf("metrics: server not healthy")
	}
	return nil
}

// Close flushes pending writes and shuts the client down.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()

	r.writeAPI.Flush()
	r.client.Close()
}

func (r *Recorder) isConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}
