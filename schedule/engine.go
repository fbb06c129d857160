package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sundial-hq/sundial/config"
	"github.com/sundial-hq/sundial/errors"
	"github.com/sundial-hq/sundial/execution"
)

// Engine fires due schedules on a fixed tick. A schedule only fires
// once per dedup window regardless of how many ticks see it due, so
// restarts and slow ticks cannot double-submit the same window.
type Engine struct {
	store     *Store
	submitter *execution.Submitter
	cfg       config.SchedulerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.SugaredLogger

	mu              sync.Mutex
	ticksSinceStart int64
	lastTickAt      time.Time
}

// NewEngine creates a schedule engine.
func NewEngine(ctx context.Context, store *Store, submitter *execution.Submitter, cfg config.SchedulerConfig, log *zap.SugaredLogger) *Engine {
	engineCtx, cancel := context.WithCancel(ctx)
	return &Engine{
		store:     store,
		submitter: submitter,
		cfg:       cfg,
		ctx:       engineCtx,
		cancel:    cancel,
		log:       log.Named("scheduler"),
	}
}

// Start begins the tick loop.
func (en *Engine) Start() {
	en.wg.Add(1)
	go en.run()
	en.log.Infow("Schedule engine started", "interval", en.cfg.Interval())
}

// Stop gracefully stops the tick loop.
func (en *Engine) Stop() {
	en.cancel()
	en.wg.Wait()
	en.log.Infow("Schedule engine stopped")
}

func (en *Engine) run() {
	defer en.wg.Done()

	ticker := time.NewTicker(en.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-en.ctx.Done():
			return
		case tickTime := <-ticker.C:
			en.mu.Lock()
			en.lastTickAt = tickTime
			en.ticksSinceStart++
			en.mu.Unlock()

			if err := en.Tick(en.ctx, tickTime.UTC()); err != nil {
				en.log.Warnw("Schedule tick error", "error", err)
			}
		}
	}
}

// Tick fires every due schedule once. Exported so tests and operational
// commands can drive the engine without the background loop.
func (en *Engine) Tick(ctx context.Context, now time.Time) error {
	due, err := en.store.ListDue(ctx, now)
	if err != nil {
		return errors.Wrap(err, "failed to list due schedules")
	}

	for _, sch := range due {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := en.fire(ctx, sch, now); err != nil {
			en.log.Errorw("Failed to fire schedule",
				"schedule_id", sch.ID,
				"name", sch.Name,
				"error", err)
		}
	}
	return nil
}

// fire triggers one due schedule: dedup check, submission, bookkeeping.
func (en *Engine) fire(ctx context.Context, sch *Schedule, now time.Time) error {
	lastSubmission, err := en.store.LastSubmissionAt(sch.ID)
	if err != nil {
		return err
	}
	// A submission stamped ahead of now (clock skew, replayed journal)
	// must not count as recent or the schedule would skip forever.
	elapsed := now.Sub(lastSubmission)
	if !lastSubmission.IsZero() && elapsed >= 0 && elapsed < en.cfg.DedupWindow() {
		return en.skipDedup(sch, now, lastSubmission)
	}

	fireTime := sch.NextRunAt
	windowStart, windowEnd := sch.Window(fireTime)

	e, submitErr := en.submitter.Submit(ctx, execution.Request{
		InstanceID:  sch.InstanceID,
		EntityID:    sch.EntityID,
		QueryText:   sch.QueryText,
		Parameters:  sch.Parameters,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Trigger:     execution.TriggerSchedule,
		ScheduleID:  sch.ID,
	})

	next, nerr := sch.NextAfter(now)
	if nerr != nil {
		return nerr
	}
	sch.NextRunAt = next
	sch.LastRunAt = &now

	if submitErr != nil {
		executionID := ""
		if e != nil {
			executionID = e.ID
		}
		if rerr := en.store.CreateRun(NewRun(sch.ID, OutcomeFailed, executionID, submitErr.Error(), now)); rerr != nil {
			en.log.Errorw("Failed to record schedule run", "schedule_id", sch.ID, "error", rerr)
		}
		sch.LastRunStatus = string(OutcomeFailed)
		en.recordFailure(sch)
		if uerr := en.store.Update(sch); uerr != nil {
			return uerr
		}
		return errors.Wrapf(submitErr, "schedule %s submission failed", sch.Name)
	}

	if rerr := en.store.CreateRun(NewRun(sch.ID, OutcomeSubmitted, e.ID, "", now)); rerr != nil {
		en.log.Errorw("Failed to record schedule run", "schedule_id", sch.ID, "error", rerr)
	}
	sch.LastRunStatus = string(OutcomeSubmitted)
	if err := en.store.Update(sch); err != nil {
		return err
	}

	en.log.Infow("Schedule fired",
		"schedule_id", sch.ID,
		"name", sch.Name,
		"execution_id", e.ID,
		"window_start", windowStart,
		"window_end", windowEnd,
		"next_run_at", sch.NextRunAt)
	return nil
}

// skipDedup records a dedup skip and still advances the next-run
// cursor, otherwise the schedule stays due and skips forever.
func (en *Engine) skipDedup(sch *Schedule, now, lastSubmission time.Time) error {
	if err := en.store.CreateRun(NewRun(sch.ID, OutcomeSkippedDedup, "",
		"last submission at "+lastSubmission.Format(time.RFC3339), now)); err != nil {
		en.log.Errorw("Failed to record dedup skip", "schedule_id", sch.ID, "error", err)
	}

	next, err := sch.NextAfter(now)
	if err != nil {
		return err
	}
	sch.NextRunAt = next
	if err := en.store.Update(sch); err != nil {
		return err
	}

	en.log.Infow("Schedule skipped, within dedup window",
		"schedule_id", sch.ID,
		"name", sch.Name,
		"last_submission", lastSubmission,
		"next_run_at", sch.NextRunAt)
	return nil
}

// recordFailure bumps the consecutive failure counter on sch and
// pauses it at the threshold. Caller persists the schedule.
func (en *Engine) recordFailure(sch *Schedule) {
	sch.ConsecutiveFailures++
	if sch.ConsecutiveFailures >= sch.AutoPauseThreshold && !sch.Paused {
		sch.Paused = true
		en.log.Warnw("Schedule auto-paused after repeated failures",
			"schedule_id", sch.ID,
			"name", sch.Name,
			"consecutive_failures", sch.ConsecutiveFailures,
			"threshold", sch.AutoPauseThreshold)
	}
}

// ExecutionResolved implements execution.Observer. Terminal outcomes of
// schedule-triggered executions feed the auto-pause counter: failures
// and timeouts count against the schedule, a success resets it.
func (en *Engine) ExecutionResolved(e *execution.Execution) {
	if e.ScheduleID == "" {
		return
	}
	sch, err := en.store.Get(e.ScheduleID)
	if err != nil {
		if !errors.IsNotFound(err) {
			en.log.Errorw("Failed to load schedule for resolution",
				"schedule_id", e.ScheduleID, "error", err)
		}
		return
	}

	switch e.Status {
	case execution.StatusSuccess:
		if sch.ConsecutiveFailures == 0 {
			return
		}
		sch.ConsecutiveFailures = 0
	case execution.StatusFailed, execution.StatusTimeout:
		en.recordFailure(sch)
	default:
		return
	}

	if err := en.store.Update(sch); err != nil {
		en.log.Errorw("Failed to update schedule after resolution",
			"schedule_id", sch.ID, "error", err)
	}
}

// Pause stops a schedule from firing until resumed.
func (en *Engine) Pause(id string) (*Schedule, error) {
	sch, err := en.store.Get(id)
	if err != nil {
		return nil, err
	}
	sch.Paused = true
	if err := en.store.Update(sch); err != nil {
		return nil, err
	}
	en.log.Infow("Schedule paused", "schedule_id", sch.ID, "name", sch.Name)
	return sch, nil
}

// Resume reactivates a paused schedule, clearing the failure counter
// and recomputing the next run from now.
func (en *Engine) Resume(id string) (*Schedule, error) {
	sch, err := en.store.Get(id)
	if err != nil {
		return nil, err
	}
	sch.Paused = false
	sch.ConsecutiveFailures = 0
	next, err := sch.NextAfter(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	sch.NextRunAt = next
	if err := en.store.Update(sch); err != nil {
		return nil, err
	}
	en.log.Infow("Schedule resumed", "schedule_id", sch.ID, "name", sch.Name, "next_run_at", sch.NextRunAt)
	return sch, nil
}

// Stats reports engine loop counters.
func (en *Engine) Stats() map[string]interface{} {
	en.mu.Lock()
	defer en.mu.Unlock()
	return map[string]interface{}{
		"last_tick_at":      en.lastTickAt,
		"ticks_since_start": en.ticksSinceStart,
		"interval":          en.cfg.Interval(),
	}
}
