package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sundial-hq/sundial/errors"
	"github.com/sundial-hq/sundial/remote"
)

func newTestExecution() *Execution {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return NewExecution("wh_1", "model.orders", "select 1", nil,
		start, start.Add(24*time.Hour), TriggerManual)
}

func TestNewExecutionStartsPending(t *testing.T) {
	e := newTestExecution()
	assert.Equal(t, StatusPending, e.Status)
	assert.NotEmpty(t, e.ID)
	assert.Nil(t, e.StartedAt)
	assert.Nil(t, e.CompletedAt)
}

func TestExecutionHappyPath(t *testing.T) {
	e := newTestExecution()

	require.NoError(t, e.Start("rex_1"))
	assert.Equal(t, StatusRunning, e.Status)
	assert.Equal(t, "rex_1", e.RemoteID)
	require.NotNil(t, e.StartedAt)

	require.NoError(t, e.Succeed())
	assert.Equal(t, StatusSuccess, e.Status)
	require.NotNil(t, e.CompletedAt)
}

func TestExecutionFailureRecordsKind(t *testing.T) {
	e := newTestExecution()
	require.NoError(t, e.Start("rex_2"))
	require.NoError(t, e.Fail(remote.KindQuery, "syntax error near SELEC"))

	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, remote.KindQuery, e.ErrorKind)
	assert.Equal(t, "syntax error near SELEC", e.ErrorMessage)
}

func TestExecutionTimeout(t *testing.T) {
	e := newTestExecution()
	require.NoError(t, e.Start("rex_3"))
	require.NoError(t, e.Expire("exceeded maximum runtime"))

	assert.Equal(t, StatusTimeout, e.Status)
	assert.Equal(t, remote.KindTimeout, e.ErrorKind)
}

func TestExecutionCancelFromPendingAndRunning(t *testing.T) {
	pending := newTestExecution()
	require.NoError(t, pending.Cancel())
	assert.Equal(t, StatusCancelled, pending.Status)

	running := newTestExecution()
	require.NoError(t, running.Start("rex_4"))
	require.NoError(t, running.Cancel())
	assert.Equal(t, StatusCancelled, running.Status)
}

func TestTerminalStatesAdmitNoTransitions(t *testing.T) {
	all := []Status{StatusPending, StatusRunning, StatusSuccess,
		StatusFailed, StatusTimeout, StatusCancelled}
	for _, from := range []Status{StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled} {
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s must be illegal", from, to)
		}
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	e := newTestExecution()

	// PENDING cannot jump straight to a terminal result.
	err := e.Succeed()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
	assert.Equal(t, StatusPending, e.Status)

	require.NoError(t, e.Start("rex_5"))
	require.NoError(t, e.Succeed())

	// Terminal executions stay terminal.
	err = e.Cancel()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
	assert.Equal(t, StatusSuccess, e.Status)

	err = e.Fail(remote.KindNetwork, "late failure")
	require.Error(t, err)
	assert.Equal(t, StatusSuccess, e.Status)
}

func TestRuntime(t *testing.T) {
	e := newTestExecution()
	now := time.Now().UTC()
	assert.Zero(t, e.Runtime(now))

	started := now.Add(-10 * time.Minute)
	e.StartedAt = &started
	assert.Equal(t, 10*time.Minute, e.Runtime(now))

	completed := started.Add(3 * time.Minute)
	e.CompletedAt = &completed
	assert.Equal(t, 3*time.Minute, e.Runtime(now))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusTimeout.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}
