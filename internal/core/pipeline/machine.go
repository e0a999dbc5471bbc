// Package pipeline defines the deployment state machine.
// This is part of the Functional Core - all functions are pure with no I/O.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/artpar/dockship/internal/core/domain"
)

var ErrInvalidTransition = errors.New("invalid pipeline transition")

// Order is the only forward path through the pipeline.
var Order = []domain.State{
	domain.StateIdle,
	domain.StateConnecting,
	domain.StateSyncing,
	domain.StateWritingEnv,
	domain.StateStopping,
	domain.StateBuildingStarting,
	domain.StateVerifying,
	domain.StateSucceeded,
}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed state transitions. Every
// non-terminal state may fail; only Verifying may succeed.
var validTransitions = map[domain.State][]domain.State{
	domain.StateIdle:             {domain.StateConnecting, domain.StateFailed},
	domain.StateConnecting:       {domain.StateSyncing, domain.StateFailed},
	domain.StateSyncing:          {domain.StateWritingEnv, domain.StateFailed},
	domain.StateWritingEnv:       {domain.StateStopping, domain.StateFailed},
	domain.StateStopping:         {domain.StateBuildingStarting, domain.StateFailed},
	domain.StateBuildingStarting: {domain.StateVerifying, domain.StateFailed},
	domain.StateVerifying:        {domain.StateSucceeded, domain.StateFailed},
	domain.StateSucceeded:        {}, // Terminal state
	domain.StateFailed:           {}, // Terminal state
}

// ValidateTransition checks if a state transition is valid.
func ValidateTransition(from, to domain.State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Next returns the forward successor of s, or the empty state when s is
// terminal.
func Next(s domain.State) domain.State {
	for i, o := range Order {
		if o == s && i+1 < len(Order) {
			return Order[i+1]
		}
	}
	return ""
}

// =============================================================================
// Machine
// =============================================================================

// Transition records one state change.
type Transition struct {
	From domain.State
	To   domain.State
}

// Machine tracks the current state of one run and the transitions taken.
// It is not safe for concurrent use.
type Machine struct {
	current domain.State
	history []Transition
	failed  domain.State
}

// NewMachine returns a Machine in Idle.
func NewMachine() *Machine {
	return &Machine{current: domain.StateIdle}
}

// Current returns the current state.
func (m *Machine) Current() domain.State { return m.current }

// FailedAt returns the state that was active when the run failed.
func (m *Machine) FailedAt() domain.State { return m.failed }

// History returns the transitions taken so far.
func (m *Machine) History() []Transition {
	return append([]Transition(nil), m.history...)
}

// Advance moves to the given state if the transition is valid.
func (m *Machine) Advance(to domain.State) (Transition, error) {
	if err := ValidateTransition(m.current, to); err != nil {
		return Transition{}, err
	}
	t := Transition{From: m.current, To: to}
	if to == domain.StateFailed {
		m.failed = m.current
	}
	m.current = to
	m.history = append(m.history, t)
	return t, nil
}

// Fail moves to Failed from any non-terminal state.
func (m *Machine) Fail() (Transition, error) {
	return m.Advance(domain.StateFailed)
}

// Visited reports whether the run ever entered s.
func (m *Machine) Visited(s domain.State) bool {
	if s == domain.StateIdle {
		return true
	}
	for _, t := range m.history {
		if t.To == s {
			return true
		}
	}
	return false
}
