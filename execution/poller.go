package execution

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sundial-hq/sundial/config"
	"github.com/sundial-hq/sundial/errors"
	"github.com/sundial-hq/sundial/governor"
	"github.com/sundial-hq/sundial/remote"
)

// Observer is notified when an execution reaches a terminal state.
// Implementations must be fast; they run on the poller's goroutines.
type Observer interface {
	ExecutionResolved(e *Execution)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(e *Execution)

// ExecutionResolved implements Observer.
func (f ObserverFunc) ExecutionResolved(e *Execution) { f(e) }

// Poller drives RUNNING executions to resolution. Each tick it checks
// every active execution against the remote service, bounded by the
// governor's poll pool; executions that cannot get a token this tick
// are simply picked up on a later one.
type Poller struct {
	store     *Store
	client    remote.Client
	finalizer *Finalizer
	gov       *governor.Governor
	cfg       config.PollerConfig

	observers []Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
}

// NewPoller creates a poller.
func NewPoller(ctx context.Context, store *Store, client remote.Client, finalizer *Finalizer, gov *governor.Governor, cfg config.PollerConfig, log *zap.SugaredLogger) *Poller {
	pollerCtx, cancel := context.WithCancel(ctx)
	return &Poller{
		store:     store,
		client:    client,
		finalizer: finalizer,
		gov:       gov,
		cfg:       cfg,
		ctx:       pollerCtx,
		cancel:    cancel,
		log:       log.Named("poller"),
	}
}

// AddObserver registers an observer for terminal transitions. Must be
// called before Start.
func (p *Poller) AddObserver(o Observer) {
	p.observers = append(p.observers, o)
}

// Start begins the poll loop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go p.run()
	p.log.Infow("Poller started", "interval", p.cfg.Interval())
}

// Stop gracefully stops the poll loop, waiting for in-flight polls.
func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
	p.log.Infow("Poller stopped")
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case tickTime := <-ticker.C:
			p.mu.Lock()
			p.lastTickAt = tickTime
			p.ticksSinceStart++
			p.mu.Unlock()

			if err := p.Tick(p.ctx, tickTime.UTC()); err != nil {
				p.log.Warnw("Poll tick error", "error", err)
			}
		}
	}
}

// Tick performs one polling pass. Exported so tests and operational
// commands can drive the poller without the background loop.
func (p *Poller) Tick(ctx context.Context, now time.Time) error {
	active, err := p.store.ListActive(1000)
	if err != nil {
		return errors.Wrap(err, "failed to list active executions")
	}

	var wg sync.WaitGroup
	for _, e := range active {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		default:
		}

		if err := p.gov.Poll().Acquire(ctx, p.cfg.TokenWait()); err != nil {
			if errors.Is(err, errors.ErrDeferred) {
				p.log.Debugw("Poll capacity exhausted, deferring remainder",
					"execution_id", e.ID)
				break
			}
			wg.Wait()
			return err
		}

		wg.Add(1)
		go func(e *Execution) {
			defer wg.Done()
			defer p.gov.Poll().Release()
			p.pollOne(ctx, e, now)
		}(e)
	}
	wg.Wait()

	return p.retryPendingResults(ctx)
}

// pollOne checks a single execution and applies the outcome.
func (p *Poller) pollOne(ctx context.Context, e *Execution, now time.Time) {
	if e.RemoteID == "" {
		// PENDING with no remote id: the submitter never finished its
		// dispatch. There is nothing to poll; spend the error budget so
		// the record eventually resolves.
		p.recordPollError(e, errors.Newf("execution %s has no remote id", e.ID))
		return
	}
	if e.Runtime(now) > p.cfg.MaxRuntime() {
		p.resolveTimeout(e, now)
		return
	}

	st, err := p.client.GetStatus(ctx, e.RemoteID, e.InstanceID, e.EntityID)
	if err != nil {
		p.recordPollError(e, err)
		return
	}

	if e.PollErrors > 0 {
		e.PollErrors = 0
		if uerr := p.store.Update(e); uerr != nil {
			p.log.Errorw("Failed to reset poll errors", "execution_id", e.ID, "error", uerr)
		}
	}

	switch st.Status {
	case remote.StatusPending, remote.StatusRunning:
		// Still in flight; nothing to record.
	case remote.StatusSuccess:
		p.resolveSuccess(ctx, e, st.ResultLocation)
	case remote.StatusFailed:
		p.resolveFailure(e, st.ErrorMessage)
	}
}

func (p *Poller) resolveSuccess(ctx context.Context, e *Execution, location string) {
	if err := e.Succeed(); err != nil {
		p.log.Errorw("Illegal transition to SUCCESS", "execution_id", e.ID, "error", err)
		return
	}
	if location != "" {
		e.ResultPending = true
	}
	if err := p.store.Update(e); err != nil {
		p.log.Errorw("Failed to persist SUCCESS", "execution_id", e.ID, "error", err)
		return
	}
	p.log.Infow("Execution succeeded",
		"execution_id", e.ID,
		"remote_id", e.RemoteID,
		"runtime", e.Runtime(time.Now().UTC()).Round(time.Second))

	if location != "" {
		// Best effort; a failed fetch leaves result_pending set for the
		// next tick.
		_, _ = p.finalizer.Finalize(ctx, e, location)
	}
	p.notify(e)
}

func (p *Poller) resolveFailure(e *Execution, message string) {
	if message == "" {
		message = "service reported execution failure"
	}
	if err := e.Fail(remote.KindQuery, message); err != nil {
		p.log.Errorw("Illegal transition to FAILED", "execution_id", e.ID, "error", err)
		return
	}
	if err := p.store.Update(e); err != nil {
		p.log.Errorw("Failed to persist FAILED", "execution_id", e.ID, "error", err)
		return
	}
	p.log.Warnw("Execution failed",
		"execution_id", e.ID,
		"remote_id", e.RemoteID,
		"error", message)
	p.notify(e)
}

func (p *Poller) resolveTimeout(e *Execution, now time.Time) {
	msg := "exceeded maximum runtime of " + p.cfg.MaxRuntime().String()
	if err := e.Expire(msg); err != nil {
		p.log.Errorw("Illegal transition to TIMEOUT", "execution_id", e.ID, "error", err)
		return
	}
	if err := p.store.Update(e); err != nil {
		p.log.Errorw("Failed to persist TIMEOUT", "execution_id", e.ID, "error", err)
		return
	}
	p.log.Warnw("Execution timed out",
		"execution_id", e.ID,
		"remote_id", e.RemoteID,
		"runtime", e.Runtime(now).Round(time.Second),
		"max_runtime", p.cfg.MaxRuntime())
	p.notify(e)
}

// recordPollError counts a failed status check. Once the consecutive
// error budget is spent the execution is failed rather than polled
// forever against a broken endpoint.
func (p *Poller) recordPollError(e *Execution, pollErr error) {
	e.PollErrors++
	if e.PollErrors < p.cfg.MaxPollErrors {
		if err := p.store.Update(e); err != nil {
			p.log.Errorw("Failed to persist poll error count", "execution_id", e.ID, "error", err)
			return
		}
		p.log.Warnw("Status poll failed",
			"execution_id", e.ID,
			"remote_id", e.RemoteID,
			"poll_errors", e.PollErrors,
			"max", p.cfg.MaxPollErrors,
			"error", pollErr)
		return
	}

	if err := e.Fail(remote.KindOf(pollErr), "status polling exhausted: "+pollErr.Error()); err != nil {
		p.log.Errorw("Illegal transition to FAILED", "execution_id", e.ID, "error", err)
		return
	}
	if err := p.store.Update(e); err != nil {
		p.log.Errorw("Failed to persist FAILED", "execution_id", e.ID, "error", err)
		return
	}
	p.log.Errorw("Status polling exhausted",
		"execution_id", e.ID,
		"remote_id", e.RemoteID,
		"poll_errors", e.PollErrors,
		"error", pollErr)
	p.notify(e)
}

// retryPendingResults retries result fetches for successful executions
// whose artifacts could not be fetched earlier.
func (p *Poller) retryPendingResults(ctx context.Context) error {
	pending, err := p.store.ListResultPending(100)
	if err != nil {
		return errors.Wrap(err, "failed to list pending results")
	}
	for _, e := range pending {
		result, err := p.store.GetResult(e.ID)
		if err == nil && result != nil {
			// Metadata already recorded; just clear the flag.
			e.ResultPending = false
			if uerr := p.store.Update(e); uerr != nil {
				p.log.Errorw("Failed to clear result_pending", "execution_id", e.ID, "error", uerr)
			}
			continue
		}
		st, err := p.client.GetStatus(ctx, e.RemoteID, e.InstanceID, e.EntityID)
		if err != nil || st.ResultLocation == "" {
			continue
		}
		_, _ = p.finalizer.Finalize(ctx, e, st.ResultLocation)
	}
	return nil
}

func (p *Poller) notify(e *Execution) {
	for _, o := range p.observers {
		o.ExecutionResolved(e)
	}
}

// Stats reports poller loop counters.
func (p *Poller) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{
		"last_tick_at":      p.lastTickAt,
		"ticks_since_start": p.ticksSinceStart,
		"interval":          p.cfg.Interval(),
	}
}
