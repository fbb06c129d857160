// Package governor bounds how much concurrent work the orchestrator may
// have in flight against the remote service. It maintains independent
// token pools for status polling, global backfill submission, and
// per-collection backfill submission. Callers acquire a token before
// starting work and release it when the work resolves; when no token
// frees up within the caller's wait budget the acquire fails with
// errors.ErrDeferred and the caller retries on a later tick.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/sundial-hq/sundial/errors"
)

// Pool is a fixed-capacity token pool.
type Pool struct {
	tokens chan struct{}
}

// NewPool creates a pool holding capacity tokens.
func NewPool(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{tokens: make(chan struct{}, capacity)}
}

// Capacity reports the pool's fixed size.
func (p *Pool) Capacity() int {
	return cap(p.tokens)
}

// InFlight reports how many tokens are currently held.
func (p *Pool) InFlight() int {
	return len(p.tokens)
}

// Acquire takes a token, waiting up to wait for one to free. A zero wait
// makes the acquire non-blocking. Returns errors.ErrDeferred when no
// token became available in time.
func (p *Pool) Acquire(ctx context.Context, wait time.Duration) error {
	select {
	case p.tokens <- struct{}{}:
		return nil
	default:
	}
	if wait <= 0 {
		return errors.ErrDeferred
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case p.tokens <- struct{}{}:
		return nil
	case <-timer.C:
		return errors.ErrDeferred
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "acquire token")
	}
}

// Release returns a token. Releasing more than was acquired is a
// programming error and is ignored rather than blocking the caller.
func (p *Pool) Release() {
	select {
	case <-p.tokens:
	default:
	}
}

// Governor owns the orchestrator's three pool families.
type Governor struct {
	poll     *Pool
	backfill *Pool

	mu          sync.Mutex
	collections map[string]*Pool
}

// New creates a governor with the given poll and global-backfill
// capacities. Per-collection pools are created on first use.
func New(pollCapacity, backfillCapacity int) *Governor {
	return &Governor{
		poll:        NewPool(pollCapacity),
		backfill:    NewPool(backfillCapacity),
		collections: make(map[string]*Pool),
	}
}

// Poll returns the status-polling pool.
func (g *Governor) Poll() *Pool {
	return g.poll
}

// Backfill returns the global backfill submission pool.
func (g *Governor) Backfill() *Pool {
	return g.backfill
}

// Collection returns the pool for a backfill collection, creating it at
// the given capacity on first use. Capacity is fixed for the pool's
// lifetime; later calls ignore the argument.
func (g *Governor) Collection(id string, capacity int) *Pool {
	g.mu.Lock()
	defer g.mu.Unlock()

	pool, ok := g.collections[id]
	if !ok {
		pool = NewPool(capacity)
		g.collections[id] = pool
	}
	return pool
}

// ReleaseCollection drops a collection's pool once the collection has
// reached a terminal state. Held tokens are abandoned with it.
func (g *Governor) ReleaseCollection(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.collections, id)
}
