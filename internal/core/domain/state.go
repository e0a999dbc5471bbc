package domain

// =============================================================================
// Pipeline States
// =============================================================================

// State is a step of the deployment pipeline.
type State string

const (
	StateIdle             State = "idle"
	StateConnecting       State = "connecting"
	StateSyncing          State = "syncing"
	StateWritingEnv       State = "writing_env"
	StateStopping         State = "stopping"
	StateBuildingStarting State = "building_starting"
	StateVerifying        State = "verifying"
	StateSucceeded        State = "succeeded"
	StateFailed           State = "failed"
)

// IsTerminal returns true for Succeeded and Failed.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// IsValid checks if the state is one of the known pipeline states.
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StateConnecting, StateSyncing, StateWritingEnv, StateStopping,
		StateBuildingStarting, StateVerifying, StateSucceeded, StateFailed:
		return true
	default:
		return false
	}
}
