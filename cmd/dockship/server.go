package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/artpar/dockship/internal/core/domain"
	"github.com/artpar/dockship/internal/shell/controller"
	"github.com/artpar/dockship/internal/shell/source"
	"github.com/artpar/dockship/internal/shell/store"
	"github.com/artpar/dockship/internal/shell/webhook"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive push webhooks and deploy matching branches",
		Long: `Listen for GitHub or GitLab push webhooks. A verified push to one of
webhook.branches updates the local checkout of webhook.repo_url and deploys
that commit. Deployments of the target run one at a time; pushes arriving
during a run are coalesced into the next one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := NewServer(a.cfg, a.logger)
			if err != nil {
				return err
			}
			return server.Start(cmd.Context())
		},
	}

	flags := cmd.Flags()
	addTargetFlags(flags)
	addAuthFlags(flags)
	flags.String("listen", "", "Address to listen on")
	flags.String("history-dsn", "", "Run history database")

	return cmd
}

// =============================================================================
// Server
// =============================================================================

// Server is the webhook receiver and the deployments it triggers.
type Server struct {
	config     *Config
	httpServer *http.Server
	queue      *webhook.Queue
	runner     *controller.Runner
	checkout   *source.Checkout
	request    domain.DeploymentRequest
	store      store.Store
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	if cfg.Webhook.Secret == "" {
		return nil, &ServerError{Op: "NewServer", Err: errors.New("webhook.secret is required"), ExitCode: ExitConfigError}
	}
	if cfg.Webhook.RepoURL == "" {
		return nil, &ServerError{Op: "NewServer", Err: errors.New("webhook.repo_url is required"), ExitCode: ExitConfigError}
	}
	if len(cfg.Webhook.Branches) != 1 {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      fmt.Errorf("webhook.branches must name exactly one branch to check out, got %v", cfg.Webhook.Branches),
			ExitCode: ExitConfigError,
		}
	}

	workdir, err := filepath.Abs(cfg.Webhook.Workdir)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}

	// Secrets and credential are resolved once, at startup
	secrets, err := cfg.Bindings(EnvFlags{}, nil)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}
	req, err := cfg.DeploymentRequest(filepath.Join(workdir, cfg.Sync.Source), secrets)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}
	hostKey, err := cfg.HostKeyCallback()
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}

	// Connect to database
	var history store.Store
	if cfg.History.Enabled {
		s, err := openHistory(cfg.History.DSN)
		if err != nil {
			return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitOther}
		}
		history = s
	}

	s := &Server{
		config: cfg,
		runner: controller.NewRunner(controller.Config{
			Connect:     controller.SSHConnector(hostKey, logger),
			History:     history,
			HistoryKeep: cfg.History.Keep,
			Trigger:     store.TriggerWebhook,
			Logger:      logger,
		}),
		checkout: &source.Checkout{
			URL:    cfg.Webhook.RepoURL,
			Branch: cfg.Webhook.Branches[0],
			Dir:    workdir,
			Auth:   source.Auth{Token: cfg.Webhook.Token},
			Logger: logger,
		},
		request: req,
		store:   history,
		logger:  logger,
	}
	s.queue = webhook.NewQueue(s.deploy, logger)

	handler, err := webhook.NewServer(webhook.Config{
		Secret: []byte(cfg.Webhook.Secret),
		Targets: []webhook.Target{{
			Name:       req.Target(),
			Branches:   cfg.Webhook.Branches,
			Repository: cfg.Webhook.Repository,
		}},
		Queue:   s.queue,
		History: history,
		Logger:  logger,
	})
	if err != nil {
		s.closeStore()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:         cfg.Webhook.Listen,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Webhook.ReadTimeout,
		WriteTimeout: cfg.Webhook.WriteTimeout,
	}

	return s, nil
}

// deploy updates the checkout to the pushed commit and runs the pipeline.
func (s *Server) deploy(ctx context.Context, job webhook.Job) error {
	rev, err := s.checkout.Update(ctx, job.Revision)
	if err != nil {
		return err
	}
	_, err = s.runner.Run(ctx, s.request.WithRevision(rev))
	return err
}

// Start starts the server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.queue.Start()

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting webhook server",
			"address", s.config.Webhook.Listen,
			"target", s.request.Target(),
			"branches", s.config.Webhook.Branches,
		)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitOther,
		}
	case <-ctx.Done():
		s.logger.Info("received shutdown signal")
	}

	return s.Shutdown(context.Background())
}

// Shutdown stops accepting webhooks, cancels running deployments and
// closes the history store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Webhook.ShutdownTimeout)
	defer cancel()

	// Shutdown HTTP server
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Stop deployments
	s.queue.Stop()

	// Close database
	s.closeStore()

	s.logger.Info("shutdown complete")
	return nil
}

func (s *Server) closeStore() {
	if s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
