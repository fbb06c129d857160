// Package daemon assembles the orchestration runtime: database,
// remote client, governor, submitter, poller, schedule engine, and
// backfill orchestrator, started and stopped as one unit.
package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sundial-hq/sundial/backfill"
	"github.com/sundial-hq/sundial/config"
	"github.com/sundial-hq/sundial/db"
	"github.com/sundial-hq/sundial/errors"
	"github.com/sundial-hq/sundial/execution"
	"github.com/sundial-hq/sundial/governor"
	"github.com/sundial-hq/sundial/remote"
	"github.com/sundial-hq/sundial/schedule"
)

// Daemon owns every long-running component and their shared stores.
type Daemon struct {
	cfg config.Config
	log *zap.SugaredLogger

	conn      *sql.DB
	gov       *governor.Governor
	client    remote.Client
	execStore *execution.Store
	schStore  *schedule.Store
	bfStore   *backfill.Store

	submitter    *execution.Submitter
	finalizer    *execution.Finalizer
	poller       *execution.Poller
	engine       *schedule.Engine
	orchestrator *backfill.Orchestrator
}

// New builds a daemon from configuration. The database is opened and
// migrated; nothing starts running until Start.
func New(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn, log); err != nil {
		conn.Close()
		return nil, err
	}

	client := remote.NewHTTPClient(cfg.Remote, log)
	return NewWithClient(ctx, cfg, conn, client, log)
}

// NewWithClient builds a daemon over an existing database connection
// and remote client. Used by tests and by callers that manage the
// connection themselves.
func NewWithClient(ctx context.Context, cfg config.Config, conn *sql.DB, client remote.Client, log *zap.SugaredLogger) (*Daemon, error) {
	gov := governor.New(cfg.Poller.MaxConcurrentPolls, cfg.Backfill.MaxGlobalSegments)

	execStore := execution.NewStore(conn)
	schStore := schedule.NewStore(conn)
	bfStore := backfill.NewStore(conn)

	submitter := execution.NewSubmitter(execStore, client, log)
	finalizer := execution.NewFinalizer(execStore, client, log)
	poller := execution.NewPoller(ctx, execStore, client, finalizer, gov, cfg.Poller, log)
	engine := schedule.NewEngine(ctx, schStore, submitter, cfg.Scheduler, log)
	orchestrator := backfill.NewOrchestrator(bfStore, submitter, gov, cfg.Backfill, log)

	poller.AddObserver(engine)
	poller.AddObserver(orchestrator)

	return &Daemon{
		cfg:          cfg,
		log:          log.Named("daemon"),
		conn:         conn,
		gov:          gov,
		client:       client,
		execStore:    execStore,
		schStore:     schStore,
		bfStore:      bfStore,
		submitter:    submitter,
		finalizer:    finalizer,
		poller:       poller,
		engine:       engine,
		orchestrator: orchestrator,
	}, nil
}

// Start launches the poller and schedule engine and restores backfill
// token accounting for segments that were in flight before a restart.
func (d *Daemon) Start(ctx context.Context) error {
	active, err := d.execStore.CountActive()
	if err != nil {
		return err
	}
	if active > 0 {
		d.log.Infow("Resuming tracking of in-flight executions", "count", active)
	}

	if err := d.orchestrator.Restore(ctx); err != nil {
		return errors.Wrap(err, "failed to restore backfill state")
	}

	d.poller.Start()
	d.engine.Start()
	d.log.Infow("Daemon started",
		"poll_interval", d.cfg.Poller.Interval(),
		"schedule_interval", d.cfg.Scheduler.Interval())
	return nil
}

// Stop shuts down the loops and closes the database.
func (d *Daemon) Stop() {
	d.engine.Stop()
	d.poller.Stop()
	if err := d.conn.Close(); err != nil {
		d.log.Warnw("Failed to close database", "error", err)
	}
	d.log.Infow("Daemon stopped")
}

// SubmitAdhoc submits a one-off execution.
func (d *Daemon) SubmitAdhoc(ctx context.Context, req execution.Request) (*execution.Execution, error) {
	if req.Trigger == "" {
		req.Trigger = execution.TriggerManual
	}
	return d.submitter.Submit(ctx, req)
}

// RetryExecution resubmits a failed or timed-out execution.
func (d *Daemon) RetryExecution(ctx context.Context, executionID string) (*execution.Execution, error) {
	return d.submitter.Retry(ctx, executionID)
}

// CancelExecution cancels a pending or running execution.
func (d *Daemon) CancelExecution(executionID string) (*execution.Execution, error) {
	e, err := d.submitter.Cancel(executionID)
	if err != nil {
		return nil, err
	}
	// The poller skips terminal executions, so a direct cancel must
	// notify the observers itself or a linked backfill segment would
	// hold its tokens forever.
	d.engine.ExecutionResolved(e)
	d.orchestrator.ExecutionResolved(e)
	return e, nil
}

// GetExecution returns one execution.
func (d *Daemon) GetExecution(executionID string) (*execution.Execution, error) {
	return d.execStore.Get(executionID)
}

// ExecutionStats returns execution counts per status.
func (d *Daemon) ExecutionStats() (map[execution.Status]int, error) {
	return d.execStore.StatusCounts()
}

// CreateSchedule registers a new recurring execution.
func (d *Daemon) CreateSchedule(name, cronExpr, timezone, instanceID, entityID, queryText string, params json.RawMessage, lookback time.Duration, autoPauseThreshold int) (*schedule.Schedule, error) {
	sch, err := schedule.NewSchedule(name, cronExpr, timezone, instanceID, entityID, queryText, params, lookback, autoPauseThreshold)
	if err != nil {
		return nil, err
	}
	if err := d.schStore.Create(sch); err != nil {
		return nil, err
	}
	d.log.Infow("Schedule created",
		"schedule_id", sch.ID,
		"name", sch.Name,
		"cron", sch.CronExpr,
		"next_run_at", sch.NextRunAt)
	return sch, nil
}

// ListSchedules returns all schedules.
func (d *Daemon) ListSchedules() ([]*schedule.Schedule, error) {
	return d.schStore.List()
}

// PauseSchedule stops a schedule from firing.
func (d *Daemon) PauseSchedule(id string) (*schedule.Schedule, error) {
	return d.engine.Pause(id)
}

// ResumeSchedule reactivates a paused schedule.
func (d *Daemon) ResumeSchedule(id string) (*schedule.Schedule, error) {
	return d.engine.Resume(id)
}

// DeleteSchedule removes a schedule definition.
func (d *Daemon) DeleteSchedule(id string) error {
	return d.schStore.Delete(id)
}

// CreateBackfill plans and starts a backfill collection.
func (d *Daemon) CreateBackfill(ctx context.Context, name, instanceID, entityID, queryText string, params json.RawMessage, rangeStart, rangeEnd time.Time, g backfill.Granularity, maxParallel int) (*backfill.Collection, error) {
	return d.orchestrator.CreateCollection(ctx, name, instanceID, entityID, queryText, params, rangeStart, rangeEnd, g, maxParallel)
}

// AdvanceBackfill submits pending segments within capacity.
func (d *Daemon) AdvanceBackfill(ctx context.Context, collectionID string) error {
	err := d.orchestrator.Advance(ctx, collectionID)
	if errors.Is(err, errors.ErrDeferred) {
		return nil
	}
	return err
}

// RetrySegment resets and resubmits one failed segment.
func (d *Daemon) RetrySegment(ctx context.Context, segmentID string) (*backfill.Segment, error) {
	return d.orchestrator.RetrySegment(ctx, segmentID)
}

// RetryFailedSegments resets and resubmits a collection's failures.
func (d *Daemon) RetryFailedSegments(ctx context.Context, collectionID string) (int, error) {
	return d.orchestrator.RetryFailedSegments(ctx, collectionID)
}

// PauseBackfill stops further segment submission for a collection.
func (d *Daemon) PauseBackfill(collectionID string) error {
	return d.orchestrator.Pause(collectionID)
}

// ResumeBackfill reactivates a paused collection and advances it.
func (d *Daemon) ResumeBackfill(ctx context.Context, collectionID string) error {
	err := d.orchestrator.Resume(ctx, collectionID)
	if errors.Is(err, errors.ErrDeferred) {
		return nil
	}
	return err
}

// FailBackfill marks a collection FAILED on explicit operator request.
func (d *Daemon) FailBackfill(collectionID string) error {
	return d.orchestrator.MarkFailed(collectionID)
}

// SkipSegment marks a pending or failed segment as skipped.
func (d *Daemon) SkipSegment(segmentID string) (*backfill.Segment, error) {
	return d.orchestrator.SkipSegment(segmentID)
}

// BackfillStatus returns a collection with its segment counts.
func (d *Daemon) BackfillStatus(collectionID string) (*backfill.Collection, map[backfill.SegmentStatus]int, error) {
	c, err := d.bfStore.GetCollection(collectionID)
	if err != nil {
		return nil, nil, err
	}
	counts, err := d.bfStore.SegmentStatusCounts(collectionID)
	if err != nil {
		return nil, nil, err
	}
	return c, counts, nil
}

// CleanupOldExecutions deletes terminal executions past the retention
// window.
func (d *Daemon) CleanupOldExecutions(olderThan time.Duration) (int64, error) {
	n, err := d.execStore.CleanupOldExecutions(olderThan)
	if err == nil && n > 0 {
		d.log.Infow("Swept old executions", "deleted", n)
	}
	return n, err
}
