package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecution_HappyPath(t *testing.T) {
	exec := &Execution{ID: "exe_1", TaskID: "tsk_1", Status: ExecPending}
	start := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	end := start.Add(42 * time.Second)

	assert.Nil(t, exec.Duration())

	require.NoError(t, exec.MarkStarted(start))
	assert.Equal(t, ExecRunning, exec.Status)
	assert.Equal(t, start, *exec.StartedAt)
	assert.Nil(t, exec.Duration())

	require.NoError(t, exec.MarkCompleted(end, map[string]any{"n": 1}))
	assert.Equal(t, ExecCompleted, exec.Status)
	require.NotNil(t, exec.Duration())
	assert.Equal(t, 42*time.Second, *exec.Duration())
	assert.GreaterOrEqual(t, exec.Duration().Seconds(), 0.0)
}

func TestExecution_Failure(t *testing.T) {
	exec := &Execution{Status: ExecPending}
	now := time.Now()
	require.NoError(t, exec.MarkStarted(now))
	require.NoError(t, exec.MarkFailed(now.Add(time.Second), "boom", "attempt 1 of 3"))
	assert.Equal(t, ExecFailed, exec.Status)
	assert.Equal(t, "boom", exec.ErrorMessage)
	assert.Equal(t, "attempt 1 of 3", exec.Logs)
	require.NotNil(t, exec.Duration())
	assert.Equal(t, time.Second, *exec.Duration())
}

func TestExecution_TerminalStatesAreFinal(t *testing.T) {
	now := time.Now()

	completed := &Execution{Status: ExecPending}
	require.NoError(t, completed.MarkStarted(now))
	require.NoError(t, completed.MarkCompleted(now, nil))
	assert.ErrorIs(t, completed.MarkFailed(now, "late", ""), ErrTerminalState)
	assert.ErrorIs(t, completed.MarkCancelled(now), ErrTerminalState)
	assert.ErrorIs(t, completed.MarkCompleted(now, nil), ErrTerminalState)

	cancelled := &Execution{Status: ExecPending}
	require.NoError(t, cancelled.MarkCancelled(now))
	assert.ErrorIs(t, cancelled.MarkCancelled(now), ErrTerminalState)
	assert.Error(t, cancelled.MarkStarted(now))
}

func TestExecution_CancelFromPendingAndRunning(t *testing.T) {
	now := time.Now()

	pending := &Execution{Status: ExecPending}
	require.NoError(t, pending.MarkCancelled(now))
	assert.Equal(t, ExecCancelled, pending.Status)

	running := &Execution{Status: ExecPending}
	require.NoError(t, running.MarkStarted(now))
	require.NoError(t, running.MarkCancelled(now))
	assert.Equal(t, ExecCancelled, running.Status)
}

func TestExecution_IllegalTransitions(t *testing.T) {
	now := time.Now()

	// Completing or failing before start is not allowed.
	exec := &Execution{Status: ExecPending}
	assert.Error(t, exec.MarkCompleted(now, nil))
	assert.Error(t, exec.MarkFailed(now, "x", ""))

	// Starting twice is not allowed.
	require.NoError(t, exec.MarkStarted(now))
	assert.Error(t, exec.MarkStarted(now))
}

func TestExecStatus_Terminal(t *testing.T) {
	assert.False(t, ExecPending.Terminal())
	assert.False(t, ExecRunning.Terminal())
	assert.True(t, ExecCompleted.Terminal())
	assert.True(t, ExecFailed.Terminal())
	assert.True(t, ExecCancelled.Terminal())
}
