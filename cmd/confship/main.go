// Confship - configuration deployment orchestration
//
// Confship takes a configuration archive through validate, snapshot, deploy,
// restart, and health check against a fleet of SSH targets, rolling back to
// the pre-deployment snapshot when an eligible phase fails.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/confship/confship/migrations"

	"github.com/confship/confship/internal/api"
	"github.com/confship/confship/internal/audit"
	"github.com/confship/confship/internal/auth"
	"github.com/confship/confship/internal/deploy"
	"github.com/confship/confship/internal/infrastructure/config"
	"github.com/confship/confship/internal/infrastructure/database"
	"github.com/confship/confship/internal/infrastructure/logging"
	"github.com/confship/confship/internal/infrastructure/metrics"
	"github.com/confship/confship/internal/infrastructure/mqtt"
	"github.com/confship/confship/internal/notify"
	"github.com/confship/confship/internal/secrets"
	"github.com/confship/confship/internal/snapshot"
	"github.com/confship/confship/internal/target"
	"github.com/confship/confship/internal/transport"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Subcommands operate offline and exit; the bare binary runs the server.
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runToken mints a JWT access token for API clients. There is no user
// store; possession of the configured secret is what authorises minting.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "operator", "token subject recorded in the audit trail")
	role := fs.String("role", "operator", "token role: operator or viewer")
	ttl := fs.Int("ttl", 60, "token lifetime in minutes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	signed, err := auth.GenerateToken(*subject, auth.Role(*role), cfg.Security.JWT.Secret, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(signed)
	return nil
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Confship",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	// Open database and run migrations
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Repositories and audit trail
	targetRepo := target.NewSQLiteRepository(db.DB)
	snapRepo := snapshot.NewSQLiteRepository(db.DB)
	deployRepo := deploy.NewSQLiteRepository(db.DB)
	auditRec := audit.NewSQLiteRecorder(db.DB)

	// Credential box: decrypts target credentials just-in-time for transport
	// sessions, encrypts new credentials arriving over the API.
	box, err := secrets.NewBox(cfg.Security.SecretsKey)
	if err != nil {
		return fmt.Errorf("initialising secrets box: %w", err)
	}

	// SSH transport
	dialer := transport.NewSSHDialer(transport.Config{
		ConnectTimeout: cfg.Transport.ConnectTimeout,
		CommandTimeout: cfg.Transport.CommandTimeout,
		RetryAttempts:  cfg.Transport.RetryAttempts,
		RetryBackoff:   cfg.Transport.RetryBackoff,
		MaxRetryDelay:  cfg.Transport.MaxRetryDelay,
		KnownHosts:     cfg.Transport.KnownHosts,
	}, targetRepo, box)
	dialer.SetLogger(log.With("component", "transport"))

	// Snapshot store
	snapMgr, err := snapshot.NewManager(snapshot.Config{
		StorageDir:       cfg.Snapshots.StorageDir,
		RetentionDays:    cfg.Snapshots.RetentionDays,
		RestoreHealthTTL: cfg.Snapshots.RestoreHealthTTL,
	}, snapRepo, targetRepo, dialer)
	if err != nil {
		return fmt.Errorf("initialising snapshot manager: %w", err)
	}
	snapMgr.SetLogger(log.With("component", "snapshot"))

	// Notification channels: log always, MQTT and webhook by configuration,
	// plus the WebSocket hub so API clients see live events.
	hub := api.NewHub(cfg.WebSocket, log.With("component", "websocket"))
	channels := []notify.Channel{
		notify.NewLogChannel(log.With("component", "notify")),
		hub,
	}

	var mqttClient *mqtt.Client
	if cfg.Notify.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.Notify.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected", "broker", fmt.Sprintf("%s:%d", cfg.Notify.MQTT.Host, cfg.Notify.MQTT.Port))
		channels = append(channels, notify.NewMQTTChannel(mqttClient, cfg.Notify.MQTT.Topic))
	}
	if cfg.Notify.Webhook.Enabled {
		channels = append(channels, notify.NewWebhookChannel(cfg.Notify.Webhook.URL, cfg.Notify.Webhook.Timeout))
	}
	dispatcher := notify.NewDispatcher(log.With("component", "notify"), channels...)

	// Metrics are optional; a nil recorder disables recording everywhere.
	recorder, err := metrics.Connect(cfg.Metrics, log.With("component", "metrics"))
	if err != nil {
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	if recorder != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			recorder.Close()
		}()
		log.Info("InfluxDB connected", "url", cfg.Metrics.URL, "bucket", cfg.Metrics.Bucket)
	}

	// Deployment engine
	rollback := deploy.NewRollbackCoordinator(snapMgr, snapRepo, dialer, auditRec)
	rollback.SetLogger(log.With("component", "rollback"))

	executor := deploy.NewExecutor(deploy.ExecutorConfig{
		PhaseTimeout:   cfg.Deploy.PhaseTimeout,
		RestartTimeout: cfg.Deploy.RestartTimeout,
		HealthTimeout:  cfg.Deploy.HealthTimeout,
		OutputLimit:    cfg.Deploy.OutputLimit,
	}, dialer, snapMgr, deployRepo, rollback)
	executor.SetLogger(log.With("component", "deploy"))
	executor.SetMetrics(recorder)
	executor.SetOnPhase(func(res *deploy.Result) {
		dispatcher.Publish(notify.Event{
			Kind:         notify.EventDeploymentPhase,
			DeploymentID: res.DeploymentID,
			TargetID:     res.TargetID,
			Phase:        string(res.Phase),
			Status:       string(res.Status),
		})
	})

	scheduler := deploy.NewScheduler(ctx, deployRepo, targetRepo, executor, snapMgr, auditRec, dispatcher)
	scheduler.SetLogger(log.With("component", "scheduler"))
	scheduler.SetMetrics(recorder)
	defer func() {
		log.Info("waiting for running deployments")
		scheduler.Close()
	}()

	// Retention sweep
	go sweepLoop(ctx, snapMgr, cfg.Snapshots.SweepInterval, log)

	// HTTP API
	server, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Webhook:     cfg.Webhook,
		Logger:      log.With("component", "api"),
		Scheduler:   scheduler,
		Snapshots:   snapMgr,
		SnapRepo:    snapRepo,
		Targets:     targetRepo,
		Deployments: deployRepo,
		Audit:       auditRec,
		Secrets:     box,
		ExternalHub: hub,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, recorder); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// sweepLoop removes expired snapshots on the configured interval.
func sweepLoop(ctx context.Context, snapMgr *snapshot.Manager, interval time.Duration, log *logging.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := snapMgr.Sweep(ctx)
			if err != nil {
				log.Warn("snapshot sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				log.Info("snapshot sweep complete", "removed", removed)
			}
		}
	}
}

// getConfigPath returns the configuration file path.
// Uses CONFSHIP_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("CONFSHIP_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the infrastructure connections at startup.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, recorder *metrics.Recorder) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if recorder != nil {
		if err := recorder.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
