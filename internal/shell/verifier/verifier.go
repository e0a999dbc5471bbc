// Package verifier decides whether a deployment came up: it waits for the
// settle delay, reads the project status and fetches a log tail sized by
// the verdict.
package verifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/artpar/dockship/internal/core/domain"
	"github.com/artpar/dockship/internal/core/verify"
)

// Driver is the part of the orchestrator the verifier reads from.
type Driver interface {
	Status(ctx context.Context, projectPath string) ([]domain.ServiceStatus, error)
	Logs(ctx context.Context, projectPath string, tail int) (string, error)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Options sizes one verification.
type Options struct {
	SettleDelay      time.Duration
	SuccessTailLines int
	FailureTailLines int
}

// Result is the verdict with the evidence behind it.
type Result struct {
	Success  bool
	Reason   string
	Services []domain.ServiceStatus
	Logs     string
}

// Verifier classifies the post-deploy state of one project.
type Verifier struct {
	driver Driver
	sleep  Sleeper
	logger *slog.Logger
}

// New creates a Verifier. A nil sleep uses Sleep.
func New(driver Driver, sleep Sleeper, logger *slog.Logger) *Verifier {
	if sleep == nil {
		sleep = Sleep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		driver: driver,
		sleep:  sleep,
		logger: logger.With("component", "verifier"),
	}
}

// Verify waits opts.SettleDelay, then succeeds iff at least one service is
// running. A failing status query is a Failure with the error as reason.
// Every Failure carries the failure log tail; a failing log fetch never
// changes the verdict.
func (v *Verifier) Verify(ctx context.Context, projectPath string, opts Options) Result {
	if err := v.sleep(ctx, opts.SettleDelay); err != nil {
		return Result{Success: false, Reason: "interrupted while settling: " + err.Error()}
	}

	var result Result
	services, err := v.driver.Status(ctx, projectPath)
	if err != nil {
		v.logger.Warn("status query failed", "error", err)
		result = Result{Success: false, Reason: "status query failed: " + err.Error()}
	} else {
		verdict := verify.Classify(services)
		result = Result{
			Success:  verdict.Success,
			Reason:   verdict.Reason,
			Services: services,
		}
	}

	tail := verify.TailLines(result.Success, opts.SuccessTailLines, opts.FailureTailLines)
	logs, err := v.driver.Logs(ctx, projectPath, tail)
	if err != nil {
		v.logger.Warn("log fetch failed", "error", err, "tail", tail)
	} else {
		result.Logs = logs
	}

	v.logger.Info("verification finished",
		"success", result.Success,
		"services", len(services),
		"running", countRunning(services),
	)
	return result
}

func countRunning(services []domain.ServiceStatus) int {
	n := 0
	for _, s := range services {
		if s.IsRunning() {
			n++
		}
	}
	return n
}
