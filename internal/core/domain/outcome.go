package domain

import (
	"time"
)

// =============================================================================
// Service Status
// =============================================================================

// ServiceStatus is the observed state of one container of the compose project.
type ServiceStatus struct {
	Service   string `json:"service" yaml:"service"`
	Container string `json:"container,omitempty" yaml:"container,omitempty"`
	State     string `json:"state" yaml:"state"`
	Health    string `json:"health,omitempty" yaml:"health,omitempty"`
	Healthy   bool   `json:"healthy" yaml:"healthy"`
	Status    string `json:"status,omitempty" yaml:"status,omitempty"`
}

// ServiceStateRunning is the container state that counts as up.
const ServiceStateRunning = "running"

// IsRunning reports whether the container is in the running state.
func (s ServiceStatus) IsRunning() bool {
	return s.State == ServiceStateRunning
}

// =============================================================================
// Sync Result
// =============================================================================

// SyncResult counts what a mirror sync did.
type SyncResult struct {
	FilesTransferred  int   `json:"files_transferred" yaml:"files_transferred"`
	BytesTransferred  int64 `json:"bytes_transferred" yaml:"bytes_transferred"`
	DeletedRemoteOnly int   `json:"deleted_remote_only" yaml:"deleted_remote_only"`
	FilesUnchanged    int   `json:"files_unchanged" yaml:"files_unchanged"`
}

// =============================================================================
// Exec Result
// =============================================================================

// ExecResult is the captured output of one remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports a zero exit status.
func (r ExecResult) OK() bool { return r.ExitCode == 0 }

// Output returns stderr when present, else stdout. Used in error messages.
func (r ExecResult) Output() string {
	if r.Stderr != "" {
		return r.Stderr
	}
	return r.Stdout
}

// =============================================================================
// Outcome
// =============================================================================

// Outcome is the terminal result of one pipeline run.
type Outcome struct {
	RunID       string          `json:"run_id" yaml:"run_id"`
	Success     bool            `json:"success" yaml:"success"`
	Reason      string          `json:"reason,omitempty" yaml:"reason,omitempty"`
	FailedState State           `json:"failed_state,omitempty" yaml:"failed_state,omitempty"`
	Services    []ServiceStatus `json:"services" yaml:"services"`
	Logs        string          `json:"logs,omitempty" yaml:"logs,omitempty"`
	Sync        SyncResult      `json:"sync" yaml:"sync"`
	Revision    string          `json:"revision,omitempty" yaml:"revision,omitempty"`
	Target      string          `json:"target" yaml:"target"`
	StartedAt   time.Time       `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time       `json:"finished_at" yaml:"finished_at"`
}

// FinalState returns Succeeded or Failed.
func (o Outcome) FinalState() State {
	if o.Success {
		return StateSucceeded
	}
	return StateFailed
}

// Duration returns the wall time of the run.
func (o Outcome) Duration() time.Duration {
	if o.FinishedAt.IsZero() || o.StartedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

// RunningCount returns the number of services in the running state.
func (o Outcome) RunningCount() int {
	n := 0
	for _, s := range o.Services {
		if s.IsRunning() {
			n++
		}
	}
	return n
}
