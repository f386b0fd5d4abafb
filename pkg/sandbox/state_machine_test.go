package sandbox

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
)

func TestStateValidation(t *testing.T) {
	for _, s := range States() {
		assert.True(t, s.IsValid(), s)
		parsed, err := ParseState(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	assert.False(t, State("paused").IsValid())
	_, err := ParseState("paused")
	assert.Error(t, err)
}

func TestStateProperties(t *testing.T) {
	tests := []struct {
		state    State
		terminal bool
		active   bool
	}{
		{StateCreated, false, false},
		{StateStarting, false, false},
		{StateRunning, false, true},
		{StateSuspended, false, true},
		{StateStopping, false, true},
		{StateStopped, true, false},
		{StateError, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.IsTerminal())
			assert.Equal(t, tt.active, tt.state.IsActive())
		})
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from  State
		to    State
		valid bool
	}{
		{StateCreated, StateStarting, true},
		{StateCreated, StateStopping, true},
		{StateCreated, StateRunning, false},
		{StateStarting, StateRunning, true},
		{StateStarting, StateError, true},
		{StateStarting, StateStopping, false},
		{StateRunning, StateSuspended, true},
		{StateRunning, StateStopping, true},
		{StateRunning, StateStopped, false},
		{StateRunning, StateError, false},
		{StateSuspended, StateRunning, true},
		{StateSuspended, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateStopping, StateRunning, false},
		{StateStopped, StateCreated, false},
		{StateStopped, StateStarting, false},
		{StateError, StateStarting, false},
		{StateError, StateStopping, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestTransitionMatrix(t *testing.T) {
	matrix := TransitionMatrix()
	require.Len(t, matrix, len(States()))
	assert.Empty(t, matrix[StateStopped])
	assert.Empty(t, matrix[StateError])
	assert.ElementsMatch(t, []State{StateSuspended, StateStopping}, matrix[StateRunning])
}

func TestLifecycleTransition(t *testing.T) {
	l := newLifecycle()
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	logger := zerolog.Nop()

	tr, err := l.transition("id-1", "box", StateStarting, at, "start requested", nil, logger)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, tr.From)
	assert.Equal(t, StateStarting, tr.To)
	assert.Equal(t, at, tr.Timestamp)
	assert.NotEmpty(t, tr.ID)

	tr, err = l.transition("id-1", "box", StateError, at, "start failed", errors.New("boom"), logger)
	require.NoError(t, err)
	assert.Equal(t, "boom", tr.ErrorMessage)
	assert.Equal(t, StateError, l.state)

	_, err = l.transition("id-1", "box", StateStarting, at, "retry", nil, logger)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidState))
	_, err = l.transition("id-1", "box", State("bogus"), at, "bogus", nil, logger)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidState))

	assert.Len(t, l.transitions(), 2)
}

func TestLifecycleHistoryIsBounded(t *testing.T) {
	l := newLifecycle()
	l.limit = 3
	logger := zerolog.Nop()
	at := time.Now()

	steps := []State{StateStarting, StateRunning, StateSuspended, StateRunning, StateStopping, StateStopped}
	for _, s := range steps {
		_, err := l.transition("id", "box", s, at, "step", nil, logger)
		require.NoError(t, err)
	}

	history := l.transitions()
	require.Len(t, history, 3)
	assert.Equal(t, StateRunning, history[0].To)
	assert.Equal(t, StateStopped, history[2].To)
}
