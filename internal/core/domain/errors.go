package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

var (
	// Transport errors
	ErrAuth        = errors.New("authentication failed")
	ErrUnreachable = errors.New("host unreachable")
	ErrTransfer    = errors.New("file transfer failed")
	ErrExecution   = errors.New("remote execution failed")
	ErrTimeout     = errors.New("operation timed out")

	// Orchestration errors
	ErrBuild         = errors.New("container build failed")
	ErrOrchestration = errors.New("orchestration command failed")

	// Pipeline errors
	ErrPreflight      = errors.New("preflight check failed")
	ErrInvalidRequest = errors.New("invalid deployment request")
	ErrEnvInvalid     = errors.New("invalid environment binding")
	ErrVerification   = errors.New("deployment verification failed")
)

// DeployError wraps a taxonomy sentinel with the operation that failed.
type DeployError struct {
	Op      string // Operation that failed (e.g., "Connect", "Stop")
	Message string
	Err     error

	// NoPriorDeployment marks an orchestration error raised by stopping a
	// project that was never deployed. The controller treats it as non-fatal.
	NoPriorDeployment bool

	// Services is the status snapshot captured when a build fails, so the
	// state the previous deployment was left in is reported.
	Services []ServiceStatus
}

func (e *DeployError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *DeployError) Unwrap() error {
	return e.Err
}

// NewDeployError creates a new DeployError.
func NewDeployError(op, message string, err error) *DeployError {
	return &DeployError{
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// IsNoPriorDeployment reports whether err is the non-fatal stop error for a
// project that has nothing to stop.
func IsNoPriorDeployment(err error) bool {
	var de *DeployError
	if errors.As(err, &de) {
		return de.NoPriorDeployment && errors.Is(err, ErrOrchestration)
	}
	return false
}

// StageError attaches the pipeline state that was active when err occurred.
type StageError struct {
	State State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedState returns the state recorded on err, or the empty state.
func FailedState(err error) State {
	var se *StageError
	if errors.As(err, &se) {
		return se.State
	}
	return ""
}

// Kind returns the taxonomy sentinel err belongs to, or nil if none matches.
func Kind(err error) error {
	for _, kind := range []error{
		ErrAuth, ErrUnreachable, ErrTransfer, ErrTimeout, ErrBuild,
		ErrOrchestration, ErrExecution, ErrPreflight, ErrInvalidRequest,
		ErrEnvInvalid, ErrVerification,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

var kindNames = map[error]string{
	ErrAuth:           "auth",
	ErrUnreachable:    "unreachable",
	ErrTransfer:       "transfer",
	ErrTimeout:        "timeout",
	ErrBuild:          "build",
	ErrOrchestration:  "orchestration",
	ErrExecution:      "execution",
	ErrPreflight:      "preflight",
	ErrInvalidRequest: "invalid_request",
	ErrEnvInvalid:     "env_invalid",
	ErrVerification:   "verification",
}

// KindName returns a short stable name for the kind of err: "" for nil,
// "other" when no sentinel matches.
func KindName(err error) string {
	if err == nil {
		return ""
	}
	if name, ok := kindNames[Kind(err)]; ok {
		return name
	}
	return "other"
}
