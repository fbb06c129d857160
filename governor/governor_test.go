package governor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sundial-hq/sundial/errors"
)

func TestPoolAcquireRelease(t *testing.T) {
	p := NewPool(2)
	ctx := context.Background()

	require.NoError(t, p.Acquire(ctx, 0))
	require.NoError(t, p.Acquire(ctx, 0))
	assert.Equal(t, 2, p.InFlight())

	err := p.Acquire(ctx, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDeferred))

	p.Release()
	require.NoError(t, p.Acquire(ctx, 0))
}

func TestPoolAcquireWaitsForToken(t *testing.T) {
	p := NewPool(1)
	ctx := context.Background()
	require.NoError(t, p.Acquire(ctx, 0))

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Release()
	}()

	require.NoError(t, p.Acquire(ctx, time.Second))
}

func TestPoolAcquireDeferredAfterWait(t *testing.T) {
	p := NewPool(1)
	require.NoError(t, p.Acquire(context.Background(), 0))

	err := p.Acquire(context.Background(), 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDeferred))
}

func TestPoolAcquireContextCancelled(t *testing.T) {
	p := NewPool(1)
	require.NoError(t, p.Acquire(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Acquire(ctx, time.Second)
	require.Error(t, err)
	assert.False(t, errors.Is(err, errors.ErrDeferred))
}

func TestPoolReleaseWithoutAcquireIsNoop(t *testing.T) {
	p := NewPool(1)
	p.Release()
	assert.Equal(t, 0, p.InFlight())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const capacity = 4
	const workers = 50

	p := NewPool(capacity)
	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Acquire(context.Background(), time.Second); err != nil {
				return
			}
			cur := inFlight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			p.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(capacity))
	assert.Greater(t, peak.Load(), int32(0))
}

func TestGovernorCollectionPools(t *testing.T) {
	g := New(10, 8)

	a := g.Collection("bf_1", 2)
	b := g.Collection("bf_2", 3)
	again := g.Collection("bf_1", 99)

	assert.Same(t, a, again)
	assert.Equal(t, 2, a.Capacity())
	assert.Equal(t, 3, b.Capacity())

	g.ReleaseCollection("bf_1")
	fresh := g.Collection("bf_1", 5)
	assert.NotSame(t, a, fresh)
	assert.Equal(t, 5, fresh.Capacity())
}

func TestGovernorIndependentPools(t *testing.T) {
	g := New(1, 1)
	ctx := context.Background()

	require.NoError(t, g.Poll().Acquire(ctx, 0))
	require.NoError(t, g.Backfill().Acquire(ctx, 0))
	require.NoError(t, g.Collection("bf_1", 1).Acquire(ctx, 0))

	assert.True(t, errors.Is(g.Poll().Acquire(ctx, 0), errors.ErrDeferred))
}
