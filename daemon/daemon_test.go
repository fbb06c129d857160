package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sundial-hq/sundial/backfill"
	"github.com/sundial-hq/sundial/config"
	"github.com/sundial-hq/sundial/execution"
	qtesting "github.com/sundial-hq/sundial/internal/testing"
	"github.com/sundial-hq/sundial/remote"
)

// scriptedClient lets tests choose the remote status per remote id.
type scriptedClient struct {
	mu       sync.Mutex
	nextID   int
	statuses map[string]*remote.StatusResponse
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{statuses: make(map[string]*remote.StatusResponse)}
}

func (c *scriptedClient) Submit(_ context.Context, _ remote.SubmitRequest) (*remote.SubmitResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := "rex_" + string(rune('0'+c.nextID))
	return &remote.SubmitResponse{RemoteID: id}, nil
}

func (c *scriptedClient) GetStatus(_ context.Context, remoteID, _, _ string) (*remote.StatusResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.statuses[remoteID]; ok {
		return st, nil
	}
	return &remote.StatusResponse{Status: remote.StatusRunning}, nil
}

func (c *scriptedClient) FetchResult(context.Context, string) ([]byte, error) {
	return []byte(`{"rows":[[1]]}`), nil
}

func (c *scriptedClient) setStatus(remoteID string, st *remote.StatusResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[remoteID] = st
}

func testConfig() config.Config {
	cfg := config.Config{}
	cfg.Database.Path = ":memory:"
	cfg.Remote.BaseURL = "http://localhost:0"
	cfg.Remote.TimeoutSeconds = 30
	cfg.Remote.RatePerSecond = 5
	cfg.Remote.RateBurst = 10
	cfg.Remote.RetryMaxAttempts = 3
	cfg.Remote.RetryBaseSeconds = 2
	cfg.Remote.RetryMaxWaitSeconds = 60
	cfg.Poller = config.PollerConfig{
		IntervalSeconds: 15, MaxConcurrentPolls: 10,
		MaxRuntimeSeconds: 600, MaxPollErrors: 5, TokenWaitSeconds: 1,
	}
	cfg.Scheduler = config.SchedulerConfig{IntervalSeconds: 60, DedupWindowSeconds: 300}
	cfg.Backfill = config.BackfillConfig{MaxGlobalSegments: 8, TokenWaitSeconds: 0}
	return cfg
}

func newTestDaemon(t *testing.T) (*Daemon, *scriptedClient) {
	t.Helper()
	conn := qtesting.CreateTestDB(t)
	client := newScriptedClient()
	d, err := NewWithClient(context.Background(), testConfig(), conn, client, zap.NewNop().Sugar())
	require.NoError(t, err)
	return d, client
}

func TestDaemonSubmitAdhocDefaultsToManual(t *testing.T) {
	d, _ := newTestDaemon(t)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e, err := d.SubmitAdhoc(context.Background(), execution.Request{
		InstanceID:  "wh_1",
		EntityID:    "model.orders",
		QueryText:   "select 1",
		WindowStart: start,
		WindowEnd:   start.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, execution.TriggerManual, e.TriggerSource)
	assert.Equal(t, execution.StatusRunning, e.Status)

	got, err := d.GetExecution(e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
}

func TestDaemonExecutionResolutionFlowsToBackfill(t *testing.T) {
	d, client := newTestDaemon(t)

	c, err := d.CreateBackfill(context.Background(), "orders-2d", "wh_1", "model.orders",
		"select 1", nil,
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
		backfill.GranularityDay, 2)
	require.NoError(t, err)

	running, err := d.execStore.ListByStatus(execution.StatusRunning, 10)
	require.NoError(t, err)
	require.Len(t, running, 2)

	for _, e := range running {
		client.setStatus(e.RemoteID, &remote.StatusResponse{
			Status:         remote.StatusSuccess,
			ResultLocation: "/api/v1/results/" + e.RemoteID,
		})
	}
	require.NoError(t, d.poller.Tick(context.Background(), time.Now().UTC()))

	collection, counts, err := d.BackfillStatus(c.ID)
	require.NoError(t, err)
	assert.Equal(t, backfill.CollectionCompleted, collection.Status)
	assert.Equal(t, 2, counts[backfill.SegmentSuccess])
}

func TestDaemonCancelSkipsLinkedSegment(t *testing.T) {
	d, _ := newTestDaemon(t)

	c, err := d.CreateBackfill(context.Background(), "orders-1d", "wh_1", "model.orders",
		"select 1", nil,
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		backfill.GranularityDay, 1)
	require.NoError(t, err)

	running, err := d.execStore.ListByStatus(execution.StatusRunning, 10)
	require.NoError(t, err)
	require.Len(t, running, 1)

	e, err := d.CancelExecution(running[0].ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCancelled, e.Status)

	_, counts, err := d.BackfillStatus(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[backfill.SegmentSkipped])
}

func TestDaemonScheduleLifecycle(t *testing.T) {
	d, _ := newTestDaemon(t)

	sch, err := d.CreateSchedule("orders-daily", "0 9 * * *", "UTC",
		"wh_1", "model.orders", "select 1", nil, 24*time.Hour, 5)
	require.NoError(t, err)

	all, err := d.ListSchedules()
	require.NoError(t, err)
	require.Len(t, all, 1)

	paused, err := d.PauseSchedule(sch.ID)
	require.NoError(t, err)
	assert.True(t, paused.Paused)

	resumed, err := d.ResumeSchedule(sch.ID)
	require.NoError(t, err)
	assert.False(t, resumed.Paused)

	require.NoError(t, d.DeleteSchedule(sch.ID))
	all, err = d.ListSchedules()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDaemonStartStop(t *testing.T) {
	d, _ := newTestDaemon(t)

	require.NoError(t, d.Start(context.Background()))
	d.Stop()
}

func TestDaemonStats(t *testing.T) {
	d, _ := newTestDaemon(t)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := d.SubmitAdhoc(context.Background(), execution.Request{
		InstanceID:  "wh_1",
		EntityID:    "model.orders",
		QueryText:   "select 1",
		WindowStart: start,
		WindowEnd:   start.Add(time.Hour),
	})
	require.NoError(t, err)

	stats, err := d.ExecutionStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats[execution.StatusRunning])
}
