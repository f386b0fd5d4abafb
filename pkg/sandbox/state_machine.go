package sandbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
)

// State represents the lifecycle position of a sandbox
type State string

const (
	// StateCreated indicates the sandbox exists but has not been started
	StateCreated State = "created"
	// StateStarting indicates the isolation envelope is being built
	StateStarting State = "starting"
	// StateRunning indicates at least one process runs inside the sandbox
	StateRunning State = "running"
	// StateSuspended indicates every process of the sandbox is frozen
	StateSuspended State = "suspended"
	// StateStopping indicates processes are being terminated
	StateStopping State = "stopping"
	// StateStopped indicates every process exited and resources were released
	StateStopped State = "stopped"
	// StateError indicates start failed and was rolled back
	StateError State = "error"
)

// States returns every lifecycle state in declaration order.
func States() []State {
	return []State{
		StateCreated,
		StateStarting,
		StateRunning,
		StateSuspended,
		StateStopping,
		StateStopped,
		StateError,
	}
}

// ParseState converts a state name.
func ParseState(name string) (State, error) {
	s := State(name)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown sandbox state %q", name)
	}
	return s, nil
}

// IsValid returns true if the state is valid
func (s State) IsValid() bool {
	switch s {
	case StateCreated, StateStarting, StateRunning, StateSuspended, StateStopping, StateStopped, StateError:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the state is terminal
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateError
}

// IsActive reports whether the sandbox may still own processes.
func (s State) IsActive() bool {
	return s == StateRunning || s == StateSuspended || s == StateStopping
}

// CanTransitionTo checks if a transition from current state to target state is valid
func (s State) CanTransitionTo(target State) bool {
	switch s {
	case StateCreated:
		return target == StateStarting || target == StateStopping
	case StateStarting:
		return target == StateRunning || target == StateError
	case StateRunning:
		return target == StateSuspended || target == StateStopping
	case StateSuspended:
		return target == StateRunning || target == StateStopping
	case StateStopping:
		return target == StateStopped
	default:
		return false
	}
}

// Transition represents a state change of one sandbox
type Transition struct {
	ID           string    `json:"id"`
	SandboxID    string    `json:"sandbox_id"`
	SandboxName  string    `json:"sandbox_name"`
	From         State     `json:"from"`
	To           State     `json:"to"`
	Timestamp    time.Time `json:"timestamp"`
	Reason       string    `json:"reason"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// lifecycle holds the state and transition history of one sandbox. The
// owning sandbox serialises access under its lock.
type lifecycle struct {
	state   State
	history []Transition
	limit   int
}

const defaultHistoryLimit = 256

func newLifecycle() lifecycle {
	return lifecycle{state: StateCreated, limit: defaultHistoryLimit}
}

// transition moves to target and returns the recorded transition.
func (l *lifecycle) transition(id, name string, target State, at time.Time, reason string, cause error, logger zerolog.Logger) (Transition, error) {
	if !target.IsValid() {
		return Transition{}, fmt.Errorf("%w: unknown state %s", errdefs.ErrInvalidState, target)
	}
	if !l.state.CanTransitionTo(target) {
		return Transition{}, fmt.Errorf("%w: invalid state transition for sandbox %s: %s -> %s", errdefs.ErrInvalidState, name, l.state, target)
	}

	t := Transition{
		ID:          uuid.New().String(),
		SandboxID:   id,
		SandboxName: name,
		From:        l.state,
		To:          target,
		Timestamp:   at,
		Reason:      reason,
	}
	if cause != nil {
		t.ErrorMessage = cause.Error()
	}

	l.state = target
	if len(l.history) >= l.limit {
		copy(l.history, l.history[1:])
		l.history = l.history[:len(l.history)-1]
	}
	l.history = append(l.history, t)

	event := logger.Info()
	if target == StateError {
		event = logger.Error().Str("error", t.ErrorMessage)
	}
	event.
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Str("reason", reason).
		Msg("Sandbox state transition")
	return t, nil
}

func (l *lifecycle) transitions() []Transition {
	out := make([]Transition, len(l.history))
	copy(out, l.history)
	return out
}

// TransitionMatrix returns the legal targets of every state
func TransitionMatrix() map[State][]State {
	matrix := make(map[State][]State)
	for _, from := range States() {
		matrix[from] = make([]State, 0)
		for _, to := range States() {
			if from.CanTransitionTo(to) {
				matrix[from] = append(matrix[from], to)
			}
		}
	}
	return matrix
}
