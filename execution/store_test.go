package execution

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sundial-hq/sundial/errors"
	qtesting "github.com/sundial-hq/sundial/internal/testing"
	"github.com/sundial-hq/sundial/remote"
)

func TestStoreCreateAndGet(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))

	e := newTestExecution()
	e.Parameters = json.RawMessage(`{"region":"emea"}`)
	e.ScheduleID = "sch_1"
	require.NoError(t, store.Create(e))

	got, err := store.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "wh_1", got.InstanceID)
	assert.Equal(t, "model.orders", got.EntityID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, TriggerManual, got.TriggerSource)
	assert.Equal(t, "sch_1", got.ScheduleID)
	assert.JSONEq(t, `{"region":"emea"}`, string(got.Parameters))
	assert.True(t, got.WindowStart.Equal(e.WindowStart))
	assert.True(t, got.WindowEnd.Equal(e.WindowEnd))
}

func TestStoreGetNotFound(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))

	_, err := store.Get("ex_missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreUpdateLifecycle(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))

	e := newTestExecution()
	require.NoError(t, store.Create(e))

	require.NoError(t, e.Start("rex_1"))
	require.NoError(t, store.Update(e))

	got, err := store.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "rex_1", got.RemoteID)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, got.Fail(remote.KindNetwork, "unreachable"))
	require.NoError(t, store.Update(got))

	final, err := store.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, remote.KindNetwork, final.ErrorKind)
	assert.Equal(t, "unreachable", final.ErrorMessage)
	require.NotNil(t, final.CompletedAt)
}

func TestStoreUpdateMissingExecution(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))

	e := newTestExecution()
	err := store.Update(e)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreListByStatusOldestFirst(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))

	base := time.Now().UTC()
	var ids []string
	for i := 0; i < 3; i++ {
		e := newTestExecution()
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Create(e))
		ids = append(ids, e.ID)
	}

	got, err := store.ListByStatus(StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ids[0], got[0].ID)
	assert.Equal(t, ids[2], got[2].ID)
}

func TestStoreCountAndStatusCounts(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))

	running := newTestExecution()
	require.NoError(t, running.Start("rex_1"))
	require.NoError(t, store.Create(running))

	done := newTestExecution()
	require.NoError(t, done.Start("rex_2"))
	require.NoError(t, done.Succeed())
	require.NoError(t, store.Create(done))

	n, err := store.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := store.StatusCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusRunning])
	assert.Equal(t, 1, counts[StatusSuccess])
}

func TestStoreResultRoundTrip(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))

	e := newTestExecution()
	require.NoError(t, store.Create(e))

	result := &Result{
		ExecutionID: e.ID,
		Location:    "/api/v1/results/rex_1",
		Shape:       ShapeTabular,
		RowCount:    42,
		ByteSize:    1024,
		DurationMS:  1500,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.SaveResult(result))

	got, err := store.GetResult(e.ID)
	require.NoError(t, err)
	assert.Equal(t, ShapeTabular, got.Shape)
	assert.Equal(t, int64(42), got.RowCount)
	assert.Equal(t, int64(1024), got.ByteSize)

	_, err = store.GetResult("ex_missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreCleanupOldExecutions(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))

	old := newTestExecution()
	require.NoError(t, old.Start("rex_1"))
	require.NoError(t, old.Succeed())
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.Create(old))
	require.NoError(t, store.SaveResult(&Result{
		ExecutionID: old.ID, Location: "loc", Shape: ShapeRaw, CreatedAt: time.Now().UTC(),
	}))

	fresh := newTestExecution()
	require.NoError(t, fresh.Start("rex_2"))
	require.NoError(t, fresh.Succeed())
	require.NoError(t, store.Create(fresh))

	// Active executions are never swept regardless of age.
	stale := newTestExecution()
	stale.CreatedAt = time.Now().UTC().Add(-72 * time.Hour)
	require.NoError(t, store.Create(stale))

	n, err := store.CleanupOldExecutions(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Get(old.ID)
	assert.True(t, errors.IsNotFound(err))
	_, err = store.Get(fresh.ID)
	assert.NoError(t, err)
	_, err = store.Get(stale.ID)
	assert.NoError(t, err)
}

func TestStoreListResultPending(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))

	e := newTestExecution()
	require.NoError(t, e.Start("rex_1"))
	require.NoError(t, e.Succeed())
	e.ResultPending = true
	require.NoError(t, store.Create(e))

	other := newTestExecution()
	require.NoError(t, other.Start("rex_2"))
	require.NoError(t, other.Succeed())
	require.NoError(t, store.Create(other))

	pending, err := store.ListResultPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, e.ID, pending[0].ID)
}
