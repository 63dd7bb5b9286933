// Package api provides the HTTP REST API and WebSocket server for Confship.
//
// It exposes deployment submission and progress, snapshot management, target
// administration, audit queries, and a WebSocket feed of live deployment
// events. The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/confship/confship/internal/audit"
	"github.com/confship/confship/internal/deploy"
	"github.com/confship/confship/internal/infrastructure/config"
	"github.com/confship/confship/internal/infrastructure/logging"
	"github.com/confship/confship/internal/secrets"
	"github.com/confship/confship/internal/snapshot"
	"github.com/confship/confship/internal/target"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Security    config.SecurityConfig
	Webhook     config.WebhookConfig
	Logger      *logging.Logger
	Scheduler   *deploy.Scheduler
	Snapshots   *snapshot.Manager
	SnapRepo    snapshot.Repository
	Targets     target.Repository
	Deployments deploy.Repository
	Audit       audit.Recorder
	Secrets     secrets.Encryptor
	ExternalHub *Hub // If set, the server uses this hub instead of creating its own
	Version     string
}

// Server is the HTTP API server for Confship.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	webhookCfg  config.WebhookConfig
	logger      *logging.Logger
	scheduler   *deploy.Scheduler
	snapshots   *snapshot.Manager
	snapRepo    snapshot.Repository
	targets     target.Repository
	deployments deploy.Repository
	audit       audit.Recorder
	secrets     secrets.Encryptor
	version     string
	server      *http.Server
	hub         *Hub
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("deployment scheduler is required")
	}
	if deps.Targets == nil {
		return nil, fmt.Errorf("target repository is required")
	}

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		secCfg:      deps.Security,
		webhookCfg:  deps.Webhook,
		logger:      deps.Logger,
		scheduler:   deps.Scheduler,
		snapshots:   deps.Snapshots,
		snapRepo:    deps.SnapRepo,
		targets:     deps.Targets,
		deployments: deps.Deployments,
		audit:       deps.Audit,
		secrets:     deps.Secrets,
		version:     deps.Version,
		hub:         deps.ExternalHub,
	}
	return s, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub (unless one was injected externally) and
// launches the HTTP listener in a background goroutine. The server is
// stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	go s.hub.Run(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "address", s.server.Addr)
	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
