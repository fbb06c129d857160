package execution

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sundial-hq/sundial/config"
	"github.com/sundial-hq/sundial/governor"
	qtesting "github.com/sundial-hq/sundial/internal/testing"
	"github.com/sundial-hq/sundial/remote"
)

func testPollerConfig() config.PollerConfig {
	return config.PollerConfig{
		IntervalSeconds:    15,
		MaxConcurrentPolls: 10,
		MaxRuntimeSeconds:  600,
		MaxPollErrors:      5,
		TokenWaitSeconds:   1,
	}
}

func newTestPoller(t *testing.T, client *fakeClient, cfg config.PollerConfig) (*Poller, *Store) {
	t.Helper()
	store := NewStore(qtesting.CreateTestDB(t))
	log := zap.NewNop().Sugar()
	finalizer := NewFinalizer(store, client, log)
	gov := governor.New(cfg.MaxConcurrentPolls, 8)
	p := NewPoller(context.Background(), store, client, finalizer, gov, cfg, log)
	t.Cleanup(p.cancel)
	return p, store
}

func createRunning(t *testing.T, store *Store, remoteID string) *Execution {
	t.Helper()
	e := newTestExecution()
	require.NoError(t, e.Start(remoteID))
	require.NoError(t, store.Create(e))
	return e
}

func TestPollerResolvesSuccessAndFinalizes(t *testing.T) {
	client := &fakeClient{
		statusFn: func(remoteID string) (*remote.StatusResponse, error) {
			return &remote.StatusResponse{
				Status:         remote.StatusSuccess,
				ResultLocation: "/api/v1/results/" + remoteID,
			}, nil
		},
		resultFn: func(string) ([]byte, error) {
			return []byte(`{"rows":[[1],[2],[3]]}`), nil
		},
	}
	p, store := newTestPoller(t, client, testPollerConfig())

	var resolved []*Execution
	var mu sync.Mutex
	p.AddObserver(ObserverFunc(func(e *Execution) {
		mu.Lock()
		resolved = append(resolved, e)
		mu.Unlock()
	}))

	e := createRunning(t, store, "rex_1")
	require.NoError(t, p.Tick(context.Background(), time.Now().UTC()))

	got, err := store.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.False(t, got.ResultPending)

	result, err := store.GetResult(e.ID)
	require.NoError(t, err)
	assert.Equal(t, ShapeTabular, result.Shape)
	assert.Equal(t, int64(3), result.RowCount)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, resolved, 1)
	assert.Equal(t, e.ID, resolved[0].ID)
}

func TestPollerResolvesRemoteFailure(t *testing.T) {
	client := &fakeClient{
		statusFn: func(string) (*remote.StatusResponse, error) {
			return &remote.StatusResponse{
				Status:       remote.StatusFailed,
				ErrorMessage: "division by zero in expression",
			}, nil
		},
	}
	p, store := newTestPoller(t, client, testPollerConfig())

	e := createRunning(t, store, "rex_1")
	require.NoError(t, p.Tick(context.Background(), time.Now().UTC()))

	got, err := store.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "division by zero")
}

func TestPollerForcesTimeout(t *testing.T) {
	client := &fakeClient{}
	p, store := newTestPoller(t, client, testPollerConfig())

	e := createRunning(t, store, "rex_1")
	started := time.Now().UTC().Add(-20 * time.Minute)
	e.StartedAt = &started
	require.NoError(t, store.Update(e))

	require.NoError(t, p.Tick(context.Background(), time.Now().UTC()))

	got, err := store.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, got.Status)
	assert.Equal(t, remote.KindTimeout, got.ErrorKind)
	assert.Contains(t, got.ErrorMessage, "maximum runtime")
	assert.Zero(t, client.statusCalls, "timed-out executions are not polled")
}

func TestPollerExhaustsPollErrorBudget(t *testing.T) {
	client := &fakeClient{
		statusFn: func(string) (*remote.StatusResponse, error) {
			return nil, remote.Errorf(remote.KindNetwork, "connection refused")
		},
	}
	cfg := testPollerConfig()
	p, store := newTestPoller(t, client, cfg)

	e := createRunning(t, store, "rex_1")

	for i := 1; i < cfg.MaxPollErrors; i++ {
		require.NoError(t, p.Tick(context.Background(), time.Now().UTC()))
		got, err := store.Get(e.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, got.Status)
		assert.Equal(t, i, got.PollErrors)
	}

	require.NoError(t, p.Tick(context.Background(), time.Now().UTC()))
	got, err := store.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, remote.KindNetwork, got.ErrorKind)
	assert.Contains(t, got.ErrorMessage, "status polling exhausted")
}

func TestPollerResetsErrorCountOnSuccessfulPoll(t *testing.T) {
	var failNext atomic.Bool
	failNext.Store(true)
	client := &fakeClient{
		statusFn: func(string) (*remote.StatusResponse, error) {
			if failNext.Load() {
				return nil, remote.Errorf(remote.KindNetwork, "flaky")
			}
			return &remote.StatusResponse{Status: remote.StatusRunning}, nil
		},
	}
	p, store := newTestPoller(t, client, testPollerConfig())

	e := createRunning(t, store, "rex_1")

	require.NoError(t, p.Tick(context.Background(), time.Now().UTC()))
	got, _ := store.Get(e.ID)
	assert.Equal(t, 1, got.PollErrors)

	failNext.Store(false)
	require.NoError(t, p.Tick(context.Background(), time.Now().UTC()))
	got, _ = store.Get(e.ID)
	assert.Equal(t, 0, got.PollErrors)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestPollerBoundsConcurrentPolls(t *testing.T) {
	const capacity = 3

	var inFlight, peak atomic.Int32
	client := &fakeClient{
		statusFn: func(string) (*remote.StatusResponse, error) {
			cur := inFlight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			return &remote.StatusResponse{Status: remote.StatusRunning}, nil
		},
	}
	cfg := testPollerConfig()
	cfg.MaxConcurrentPolls = capacity
	p, store := newTestPoller(t, client, cfg)

	for i := 0; i < 20; i++ {
		createRunning(t, store, "rex_many")
	}

	require.NoError(t, p.Tick(context.Background(), time.Now().UTC()))
	assert.LessOrEqual(t, peak.Load(), int32(capacity))
	assert.Greater(t, client.statusCalls, 0)
}

func TestPollerRetriesPendingResultFetch(t *testing.T) {
	var failFetch atomic.Bool
	failFetch.Store(true)
	client := &fakeClient{
		statusFn: func(remoteID string) (*remote.StatusResponse, error) {
			return &remote.StatusResponse{
				Status:         remote.StatusSuccess,
				ResultLocation: "/api/v1/results/" + remoteID,
			}, nil
		},
		resultFn: func(string) ([]byte, error) {
			if failFetch.Load() {
				return nil, remote.Errorf(remote.KindNetwork, "artifact store unreachable")
			}
			return []byte(`{"rows":[[1]]}`), nil
		},
	}
	p, store := newTestPoller(t, client, testPollerConfig())

	e := createRunning(t, store, "rex_1")
	require.NoError(t, p.Tick(context.Background(), time.Now().UTC()))

	got, err := store.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.True(t, got.ResultPending, "fetch failure leaves result pending without reverting SUCCESS")

	failFetch.Store(false)
	require.NoError(t, p.Tick(context.Background(), time.Now().UTC()))

	got, err = store.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.False(t, got.ResultPending)

	result, err := store.GetResult(e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.RowCount)
}

func TestPollerResolvesStrandedPending(t *testing.T) {
	client := &fakeClient{}
	cfg := testPollerConfig()
	p, store := newTestPoller(t, client, cfg)

	// A PENDING row with no remote id means the submitter died between
	// persist and dispatch. There is nothing to poll, so the error
	// budget drains it to FAILED.
	e := newTestExecution()
	require.NoError(t, store.Create(e))

	for i := 0; i < cfg.MaxPollErrors; i++ {
		require.NoError(t, p.Tick(context.Background(), time.Now().UTC()))
	}

	got, err := store.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "no remote id")
	assert.Zero(t, client.statusCalls)
}

func TestPollerSkipsCancelledExecutions(t *testing.T) {
	client := &fakeClient{}
	p, store := newTestPoller(t, client, testPollerConfig())

	e := createRunning(t, store, "rex_1")
	require.NoError(t, e.Cancel())
	require.NoError(t, store.Update(e))

	require.NoError(t, p.Tick(context.Background(), time.Now().UTC()))

	got, err := store.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Zero(t, client.statusCalls, "terminal executions are not polled")
}

func TestPollerStartStop(t *testing.T) {
	client := &fakeClient{}
	cfg := testPollerConfig()
	cfg.IntervalSeconds = 1
	p, _ := newTestPoller(t, client, cfg)

	p.Start()
	p.Stop()

	stats := p.Stats()
	assert.Contains(t, stats, "ticks_since_start")
}
