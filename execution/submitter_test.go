package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sundial-hq/sundial/errors"
	qtesting "github.com/sundial-hq/sundial/internal/testing"
	"github.com/sundial-hq/sundial/remote"
)

func testRequest() Request {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return Request{
		InstanceID:  "wh_1",
		EntityID:    "model.orders",
		QueryText:   "select count(*) from orders",
		WindowStart: start,
		WindowEnd:   start.Add(24 * time.Hour),
		Trigger:     TriggerManual,
	}
}

func TestSubmitterSubmitSuccess(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))
	client := &fakeClient{}
	sub := NewSubmitter(store, client, zap.NewNop().Sugar())

	e, err := sub.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, e.Status)
	assert.Equal(t, "rex_1", e.RemoteID)

	persisted, err := store.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, persisted.Status)
	assert.Equal(t, "rex_1", persisted.RemoteID)

	require.Len(t, client.submitted, 1)
	assert.Equal(t, "wh_1", client.submitted[0].InstanceID)
}

func TestSubmitterValidation(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))
	sub := NewSubmitter(store, &fakeClient{}, zap.NewNop().Sugar())

	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing instance", func(r *Request) { r.InstanceID = "" }},
		{"missing entity", func(r *Request) { r.EntityID = "" }},
		{"missing query", func(r *Request) { r.QueryText = "" }},
		{"zero window", func(r *Request) { r.WindowStart = time.Time{}; r.WindowEnd = time.Time{} }},
		{"inverted window", func(r *Request) { r.WindowStart, r.WindowEnd = r.WindowEnd, r.WindowStart }},
		{"bad trigger", func(r *Request) { r.Trigger = "webhook" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := testRequest()
			tc.mutate(&req)
			_, err := sub.Submit(context.Background(), req)
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequest(err))
		})
	}
}

func TestSubmitterRejectionPersistsFailure(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))
	client := &fakeClient{
		submitFn: func(remote.SubmitRequest) (*remote.SubmitResponse, error) {
			return nil, remote.Errorf(remote.KindPermission, "role lacks access to model.orders")
		},
	}
	sub := NewSubmitter(store, client, zap.NewNop().Sugar())

	e, err := sub.Submit(context.Background(), testRequest())
	require.Error(t, err)
	require.NotNil(t, e)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, remote.KindPermission, e.ErrorKind)

	persisted, perr := store.Get(e.ID)
	require.NoError(t, perr)
	assert.Equal(t, StatusFailed, persisted.Status)
	assert.Equal(t, remote.KindPermission, persisted.ErrorKind)
	assert.Contains(t, persisted.ErrorMessage, "role lacks access")
}

func TestSubmitterRetry(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))
	client := &fakeClient{}
	sub := NewSubmitter(store, client, zap.NewNop().Sugar())

	prior := newTestExecution()
	require.NoError(t, prior.Start("rex_old"))
	require.NoError(t, prior.Fail(remote.KindNetwork, "unreachable"))
	require.NoError(t, store.Create(prior))

	fresh, err := sub.Retry(context.Background(), prior.ID)
	require.NoError(t, err)
	assert.NotEqual(t, prior.ID, fresh.ID)
	assert.Equal(t, prior.ID, fresh.RetryOf)
	assert.Equal(t, StatusRunning, fresh.Status)
	assert.Equal(t, prior.QueryText, fresh.QueryText)
	assert.True(t, fresh.WindowStart.Equal(prior.WindowStart))
}

func TestSubmitterRetryRequiresTerminalFailure(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))
	sub := NewSubmitter(store, &fakeClient{}, zap.NewNop().Sugar())

	running := newTestExecution()
	require.NoError(t, running.Start("rex_1"))
	require.NoError(t, store.Create(running))

	_, err := sub.Retry(context.Background(), running.ID)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequest(err))

	succeeded := newTestExecution()
	require.NoError(t, succeeded.Start("rex_2"))
	require.NoError(t, succeeded.Succeed())
	require.NoError(t, store.Create(succeeded))

	_, err = sub.Retry(context.Background(), succeeded.ID)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestSubmitterCancel(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))
	sub := NewSubmitter(store, &fakeClient{}, zap.NewNop().Sugar())

	e := newTestExecution()
	require.NoError(t, store.Create(e))

	cancelled, err := sub.Cancel(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = sub.Cancel(e.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
}
