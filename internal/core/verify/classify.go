// Package verify classifies the post-deploy state of a compose project.
// This package contains NO I/O.
package verify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/artpar/dockship/internal/core/domain"
)

// =============================================================================
// Classification (Pure Functions)
// =============================================================================

// Result is the classification of one status snapshot.
type Result struct {
	Success bool
	Reason  string
}

// Classify returns Success iff at least one service is running.
// An empty list is a Failure.
func Classify(services []domain.ServiceStatus) Result {
	if len(services) == 0 {
		return Result{Success: false, Reason: "no services found for project"}
	}

	for _, s := range services {
		if s.IsRunning() {
			return Result{Success: true, Reason: Summary(services)}
		}
	}

	return Result{Success: false, Reason: "no service is running: " + Summary(services)}
}

// Summary renders "name=state" pairs sorted by service name.
func Summary(services []domain.ServiceStatus) string {
	parts := make([]string, 0, len(services))
	for _, s := range services {
		name := s.Service
		if name == "" {
			name = s.Container
		}
		parts = append(parts, fmt.Sprintf("%s=%s", name, s.State))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

// TailLines picks the log tail length for a classification.
// Failures get the larger tail.
func TailLines(success bool, successTail, failureTail int) int {
	if success {
		return successTail
	}
	return failureTail
}

// =============================================================================
// Per-Container Health (Pure Functions)
// =============================================================================

// Healthy maps a container state and optional health check result to the
// Healthy flag of a ServiceStatus.
//
// Parameters:
// - state: container state (running, exited, restarting, paused, created, dead)
// - healthCheck: docker health check result (healthy, unhealthy, starting) or ""
func Healthy(state, healthCheck string) bool {
	// Non-running containers are unhealthy
	if state != domain.ServiceStateRunning {
		return false
	}
	switch healthCheck {
	case "unhealthy", "starting":
		return false
	default:
		return true
	}
}

// NormalizeState lowercases a state string and maps the human "Up 3 minutes"
// form some compose versions print into the machine state.
func NormalizeState(state, status string) string {
	state = strings.ToLower(strings.TrimSpace(state))
	if state != "" {
		return state
	}
	status = strings.ToLower(strings.TrimSpace(status))
	switch {
	case strings.HasPrefix(status, "up"):
		return domain.ServiceStateRunning
	case strings.HasPrefix(status, "exited"):
		return "exited"
	case strings.HasPrefix(status, "restarting"):
		return "restarting"
	case strings.HasPrefix(status, "created"):
		return "created"
	default:
		return status
	}
}
