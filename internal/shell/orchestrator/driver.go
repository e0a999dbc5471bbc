// Package orchestrator drives docker compose on the deploy host: commands
// run through the SSH session, status and logs come from the Docker Engine
// API reached through a tunnel to the remote socket.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/artpar/dockship/internal/core/domain"
)

// Remote is the part of a transport session the driver needs.
type Remote interface {
	ExecuteWithTimeout(ctx context.Context, script string, timeout time.Duration) (domain.ExecResult, error)
	DialRemote(ctx context.Context, network, addr string) (net.Conn, error)
}

// Config configures a Driver.
type Config struct {
	ProjectName    string
	ComposeFiles   []string      // Relative to the project path; empty uses compose defaults
	CommandTimeout time.Duration // Default: domain.DefaultCommandTimeout
	BuildTimeout   time.Duration // Default: domain.DefaultBuildTimeout
	DockerSocket   string        // Default: DefaultDockerSocket
	Logger         *slog.Logger
}

// Driver runs compose lifecycle commands for one project.
type Driver struct {
	remote Remote
	cfg    Config
	logger *slog.Logger

	newEngine func(dialFunc) (engineAPI, error)

	engineOnce sync.Once
	engine     engineAPI
	engineErr  error
}

// NewDriver creates a driver for the project named in cfg.
func NewDriver(remote Remote, cfg Config) *Driver {
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = domain.DefaultCommandTimeout
	}
	if cfg.BuildTimeout == 0 {
		cfg.BuildTimeout = domain.DefaultBuildTimeout
	}
	if cfg.DockerSocket == "" {
		cfg.DockerSocket = DefaultDockerSocket
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		remote:    remote,
		cfg:       cfg,
		logger:    logger.With("component", "orchestrator", "project", cfg.ProjectName),
		newEngine: newEngineClient,
	}
}

// Close releases the Engine API client, if one was opened.
func (d *Driver) Close() error {
	if d.engine != nil {
		return d.engine.Close()
	}
	return nil
}

func (d *Driver) command(projectPath string, args ...string) string {
	return ComposeCommand(projectPath, d.cfg.ProjectName, d.cfg.ComposeFiles, args...)
}

// =============================================================================
// Stop
// =============================================================================

// noPriorMarkers are compose messages meaning there is nothing to stop.
var noPriorMarkers = []string{
	"no such project",
	"no configuration file provided",
}

// noPriorDeployment reports whether down failed because the project was
// never deployed: compose found no project, or the shell could not cd into
// projectPath. Missing paths referenced from the compose file do not count.
func noPriorDeployment(output, projectPath string) bool {
	for _, line := range strings.Split(strings.ToLower(output), "\n") {
		for _, marker := range noPriorMarkers {
			if strings.Contains(line, marker) {
				return true
			}
		}
		if strings.Contains(line, "cd:") &&
			strings.Contains(line, strings.ToLower(projectPath)) &&
			(strings.Contains(line, "can't cd") || strings.Contains(line, "no such file or directory")) {
			return true
		}
	}
	return false
}

// Stop runs `down --remove-orphans`. A project that was never deployed
// yields a non-fatal ErrOrchestration marked NoPriorDeployment.
func (d *Driver) Stop(ctx context.Context, projectPath string) error {
	result, err := d.remote.ExecuteWithTimeout(ctx, d.command(projectPath, "down", "--remove-orphans"), d.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if result.OK() {
		d.logger.Info("stopped previous deployment")
		return nil
	}

	output := result.Output()
	if noPriorDeployment(output, projectPath) {
		return &domain.DeployError{
			Op:                "Stop",
			Message:           "no prior deployment: " + lastLines(output, 3),
			Err:               domain.ErrOrchestration,
			NoPriorDeployment: true,
		}
	}
	return domain.NewDeployError("Stop",
		fmt.Sprintf("compose down exited %d: %s", result.ExitCode, lastLines(output, 20)),
		domain.ErrOrchestration)
}

// =============================================================================
// Build and Start
// =============================================================================

// BuildAndStart runs `build` and then `up --detach --remove-orphans`, both
// within BuildTimeout. A failed build returns ErrBuild carrying the project
// status taken right after the failure, and up is not run.
func (d *Driver) BuildAndStart(ctx context.Context, projectPath string) error {
	deadline := time.Now().Add(d.cfg.BuildTimeout)

	start := time.Now()
	result, err := d.remote.ExecuteWithTimeout(ctx, d.command(projectPath, "build"), d.cfg.BuildTimeout)
	if err != nil {
		return err
	}
	if !result.OK() {
		buildErr := &domain.DeployError{
			Op:      "BuildAndStart",
			Message: fmt.Sprintf("compose build exited %d: %s", result.ExitCode, lastLines(result.Output(), 20)),
			Err:     domain.ErrBuild,
		}
		if services, statusErr := d.Status(ctx, projectPath); statusErr == nil {
			buildErr.Services = services
		} else {
			d.logger.Warn("status after failed build", "error", statusErr)
		}
		return buildErr
	}
	d.logger.Info("images built", "duration", time.Since(start))

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return domain.NewDeployError("BuildAndStart",
			fmt.Sprintf("build used the whole %v budget", d.cfg.BuildTimeout), domain.ErrTimeout)
	}
	result, err = d.remote.ExecuteWithTimeout(ctx, d.command(projectPath, "up", "--detach", "--remove-orphans"), remaining)
	if err != nil {
		return err
	}
	if !result.OK() {
		return domain.NewDeployError("BuildAndStart",
			fmt.Sprintf("compose up exited %d: %s", result.ExitCode, lastLines(result.Output(), 20)),
			domain.ErrOrchestration)
	}
	d.logger.Info("containers started", "duration", time.Since(start))
	return nil
}

// =============================================================================
// Status and Logs
// =============================================================================

// engineClient opens the Engine API client on first use.
func (d *Driver) engineClient() (engineAPI, error) {
	d.engineOnce.Do(func() {
		d.engine, d.engineErr = d.newEngine(func(ctx context.Context) (net.Conn, error) {
			return d.remote.DialRemote(ctx, "unix", d.cfg.DockerSocket)
		})
	})
	return d.engine, d.engineErr
}

// Status lists every container of the project, stopped ones included. The
// Engine API is tried first; `compose ps` is the fallback.
func (d *Driver) Status(ctx context.Context, projectPath string) ([]domain.ServiceStatus, error) {
	if api, err := d.engineClient(); err == nil {
		ectx, cancel := context.WithTimeout(ctx, d.cfg.CommandTimeout)
		services, err := engineStatus(ectx, api, d.cfg.ProjectName)
		cancel()
		if err == nil {
			return services, nil
		}
		if ctx.Err() != nil {
			return nil, statusError(ctx, err)
		}
		d.logger.Debug("engine API status failed, falling back to compose ps", "error", err)
	}

	result, err := d.remote.ExecuteWithTimeout(ctx, d.command(projectPath, "ps", "--all", "--format", "json"), d.cfg.CommandTimeout)
	if err != nil {
		return nil, err
	}
	if !result.OK() {
		return nil, domain.NewDeployError("Status",
			fmt.Sprintf("compose ps exited %d: %s", result.ExitCode, lastLines(result.Output(), 5)),
			domain.ErrOrchestration)
	}
	services, err := ParsePS(result.Stdout)
	if err != nil {
		return nil, domain.NewDeployError("Status", err.Error(), domain.ErrOrchestration)
	}
	return services, nil
}

// Logs returns the last tail lines of every service. The Engine API is
// tried first; `compose logs` is the fallback.
func (d *Driver) Logs(ctx context.Context, projectPath string, tail int) (string, error) {
	if tail <= 0 {
		return "", nil
	}
	if api, err := d.engineClient(); err == nil {
		ectx, cancel := context.WithTimeout(ctx, d.cfg.CommandTimeout)
		logs, err := engineLogs(ectx, api, d.cfg.ProjectName, tail)
		cancel()
		if err == nil {
			return logs, nil
		}
		if ctx.Err() != nil {
			return "", statusError(ctx, err)
		}
		d.logger.Debug("engine API logs failed, falling back to compose logs", "error", err)
	}

	result, err := d.remote.ExecuteWithTimeout(ctx,
		d.command(projectPath, "logs", "--no-color", "--tail", fmt.Sprintf("%d", tail)), d.cfg.CommandTimeout)
	if err != nil {
		return "", err
	}
	if !result.OK() {
		return "", domain.NewDeployError("Logs",
			fmt.Sprintf("compose logs exited %d: %s", result.ExitCode, lastLines(result.Output(), 5)),
			domain.ErrOrchestration)
	}
	return result.Stdout, nil
}

func statusError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewDeployError("Status", "deadline exceeded", domain.ErrTimeout)
	}
	return &domain.DeployError{Op: "Status", Message: err.Error(), Err: errors.Join(domain.ErrExecution, ctx.Err())}
}
