package store

import (
	"context"
	"time"

	"github.com/artpar/dockship/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for run history.
// Implementations are safe for concurrent use.
type Store interface {
	// Run operations
	RecordRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]Run, error)
	PruneRuns(ctx context.Context, target string, keep int) (int, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Run
// =============================================================================

// Trigger values recorded on a run.
const (
	TriggerCLI     = "cli"
	TriggerWebhook = "webhook"
)

// Run is the recorded summary of one pipeline run.
type Run struct {
	ID                string                 `json:"id" yaml:"id"`
	Target            string                 `json:"target" yaml:"target"`
	Host              string                 `json:"host" yaml:"host"`
	RemotePath        string                 `json:"remote_path" yaml:"remote_path"`
	Project           string                 `json:"project,omitempty" yaml:"project,omitempty"`
	Revision          string                 `json:"revision,omitempty" yaml:"revision,omitempty"`
	Trigger           string                 `json:"trigger" yaml:"trigger"`
	Success           bool                   `json:"success" yaml:"success"`
	FinalState        domain.State           `json:"final_state" yaml:"final_state"`
	FailedState       domain.State           `json:"failed_state,omitempty" yaml:"failed_state,omitempty"`
	Reason            string                 `json:"reason,omitempty" yaml:"reason,omitempty"`
	ErrorKind         string                 `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	FilesTransferred  int                    `json:"files_transferred" yaml:"files_transferred"`
	BytesTransferred  int64                  `json:"bytes_transferred" yaml:"bytes_transferred"`
	DeletedRemoteOnly int                    `json:"deleted_remote_only" yaml:"deleted_remote_only"`
	Services          []domain.ServiceStatus `json:"services" yaml:"services"`
	StartedAt         time.Time              `json:"started_at" yaml:"started_at"`
	FinishedAt        time.Time              `json:"finished_at" yaml:"finished_at"`
}

// Duration returns the wall time of the run.
func (r Run) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// NewRun builds the history record of a finished run. runErr is the error
// the controller returned, used for the error kind.
func NewRun(o domain.Outcome, req domain.DeploymentRequest, trigger string, runErr error) *Run {
	if trigger == "" {
		trigger = TriggerCLI
	}
	return &Run{
		ID:                o.RunID,
		Target:            o.Target,
		Host:              req.Host,
		RemotePath:        req.RemotePath,
		Project:           req.ProjectName,
		Revision:          o.Revision,
		Trigger:           trigger,
		Success:           o.Success,
		FinalState:        o.FinalState(),
		FailedState:       o.FailedState,
		Reason:            o.Reason,
		ErrorKind:         domain.KindName(runErr),
		FilesTransferred:  o.Sync.FilesTransferred,
		BytesTransferred:  o.Sync.BytesTransferred,
		DeletedRemoteOnly: o.Sync.DeletedRemoteOnly,
		Services:          o.Services,
		StartedAt:         o.StartedAt,
		FinishedAt:        o.FinishedAt,
	}
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int

	// Target restricts the listing to one target when set.
	Target string
	// FailedOnly restricts the listing to failed runs.
	FailedOnly bool
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
