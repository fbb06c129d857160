package backfill

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sundial-hq/sundial/config"
	"github.com/sundial-hq/sundial/errors"
	"github.com/sundial-hq/sundial/execution"
	"github.com/sundial-hq/sundial/governor"
)

// Orchestrator drives backfill collections: it submits pending segments
// under two concurrency bounds, the collection's own max_parallel and
// the global backfill cap, and maps each execution's terminal state
// back onto its segment.
type Orchestrator struct {
	store     *Store
	submitter *execution.Submitter
	gov       *governor.Governor
	cfg       config.BackfillConfig
	log       *zap.SugaredLogger
}

// NewOrchestrator creates a backfill orchestrator.
func NewOrchestrator(store *Store, submitter *execution.Submitter, gov *governor.Governor, cfg config.BackfillConfig, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		submitter: submitter,
		gov:       gov,
		cfg:       cfg,
		log:       log.Named("backfill"),
	}
}

// CreateCollection generates the segment plan for a range, persists it,
// and starts the first wave of submissions.
func (o *Orchestrator) CreateCollection(ctx context.Context, name, instanceID, entityID, queryText string, params json.RawMessage, rangeStart, rangeEnd time.Time, g Granularity, maxParallel int) (*Collection, error) {
	c, segments, err := NewCollection(name, instanceID, entityID, queryText, params, rangeStart, rangeEnd, g, maxParallel)
	if err != nil {
		return nil, err
	}
	if err := o.store.CreateCollection(c, segments); err != nil {
		return nil, err
	}

	o.log.Infow("Backfill collection created",
		"collection_id", c.ID,
		"name", c.Name,
		"granularity", c.Granularity,
		"segments", len(segments),
		"max_parallel", c.MaxParallel)

	if err := o.Advance(ctx, c.ID); err != nil && !errors.Is(err, errors.ErrDeferred) {
		o.log.Warnw("Initial backfill advance failed",
			"collection_id", c.ID, "error", err)
	}
	return c, nil
}

// Advance submits pending segments of an active collection until either
// bound is reached. Returns errors.ErrDeferred when capacity ran out
// with pending segments left; they are picked up as running segments
// resolve.
func (o *Orchestrator) Advance(ctx context.Context, collectionID string) error {
	c, err := o.store.GetCollection(collectionID)
	if err != nil {
		return err
	}
	if c.Status != CollectionActive {
		return nil
	}

	pending, err := o.store.ListSegmentsByStatus(c.ID, SegmentPending)
	if err != nil {
		return err
	}

	pool := o.gov.Collection(c.ID, c.MaxParallel)
	for _, seg := range pending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := pool.Acquire(ctx, 0); err != nil {
			return err
		}
		if err := o.gov.Backfill().Acquire(ctx, o.cfg.TokenWait()); err != nil {
			pool.Release()
			return err
		}

		if err := o.submitSegment(ctx, c, seg); err != nil {
			// Tokens were already released by submitSegment on failure.
			o.log.Warnw("Segment submission failed",
				"collection_id", c.ID,
				"segment_id", seg.ID,
				"position", seg.Position,
				"error", err)
		}
	}
	return nil
}

// submitSegment submits one segment. On any failure both tokens are
// returned; a submission failure additionally marks the segment FAILED.
func (o *Orchestrator) submitSegment(ctx context.Context, c *Collection, seg *Segment) error {
	e, err := o.submitter.Submit(ctx, execution.Request{
		InstanceID:  c.InstanceID,
		EntityID:    c.EntityID,
		QueryText:   c.QueryText,
		Parameters:  c.Parameters,
		WindowStart: seg.WindowStart,
		WindowEnd:   seg.WindowEnd,
		Trigger:     execution.TriggerBackfill,
		SegmentID:   seg.ID,
	})
	if err != nil {
		o.releaseTokens(c.ID)
		seg.Status = SegmentFailed
		seg.ErrorMessage = err.Error()
		if e != nil {
			seg.ExecutionID = e.ID
		}
		if uerr := o.store.UpdateSegment(seg); uerr != nil {
			return uerr
		}
		o.recomputeStatus(c.ID)
		return err
	}

	seg.Status = SegmentRunning
	seg.ExecutionID = e.ID
	if err := o.store.UpdateSegment(seg); err != nil {
		o.releaseTokens(c.ID)
		return err
	}

	o.log.Infow("Segment submitted",
		"collection_id", c.ID,
		"segment_id", seg.ID,
		"position", seg.Position,
		"execution_id", e.ID,
		"window_start", seg.WindowStart,
		"window_end", seg.WindowEnd)
	return nil
}

// ExecutionResolved implements execution.Observer. The segment takes
// its execution's terminal state one to one, tokens return to both
// pools, and freed capacity is immediately offered to the next pending
// segment.
func (o *Orchestrator) ExecutionResolved(e *execution.Execution) {
	if e.SegmentID == "" {
		return
	}
	seg, err := o.store.GetSegment(e.SegmentID)
	if err != nil {
		if !errors.IsNotFound(err) {
			o.log.Errorw("Failed to load segment for resolution",
				"segment_id", e.SegmentID, "error", err)
		}
		return
	}
	if seg.Status != SegmentRunning {
		return
	}

	switch e.Status {
	case execution.StatusSuccess:
		seg.Status = SegmentSuccess
		seg.ErrorMessage = ""
	case execution.StatusFailed, execution.StatusTimeout:
		seg.Status = SegmentFailed
		seg.ErrorMessage = e.ErrorMessage
	case execution.StatusCancelled:
		seg.Status = SegmentSkipped
		seg.ErrorMessage = "execution cancelled"
	default:
		return
	}

	if err := o.store.UpdateSegment(seg); err != nil {
		o.log.Errorw("Failed to update segment", "segment_id", seg.ID, "error", err)
		return
	}
	o.releaseTokens(seg.CollectionID)

	o.log.Infow("Segment resolved",
		"collection_id", seg.CollectionID,
		"segment_id", seg.ID,
		"position", seg.Position,
		"status", seg.Status)

	o.recomputeStatus(seg.CollectionID)
	if err := o.Advance(context.Background(), seg.CollectionID); err != nil && !errors.Is(err, errors.ErrDeferred) {
		o.log.Warnw("Backfill advance failed", "collection_id", seg.CollectionID, "error", err)
	}
}

// SkipSegment marks a pending or failed segment as skipped, excluding
// it from the collection's remaining work.
func (o *Orchestrator) SkipSegment(segmentID string) (*Segment, error) {
	seg, err := o.store.GetSegment(segmentID)
	if err != nil {
		return nil, err
	}
	if seg.Status != SegmentPending && seg.Status != SegmentFailed {
		return nil, errors.NewInvalidRequestf(
			"segment %s is %s; only PENDING or FAILED segments can be skipped",
			seg.ID, seg.Status)
	}
	seg.Status = SegmentSkipped
	if err := o.store.UpdateSegment(seg); err != nil {
		return nil, err
	}
	o.recomputeStatus(seg.CollectionID)
	o.log.Infow("Segment skipped", "segment_id", seg.ID, "collection_id", seg.CollectionID)
	return seg, nil
}

// RetrySegment resets one failed segment to pending and submits it if
// capacity allows, leaving its siblings untouched.
func (o *Orchestrator) RetrySegment(ctx context.Context, segmentID string) (*Segment, error) {
	seg, err := o.store.GetSegment(segmentID)
	if err != nil {
		return nil, err
	}
	if seg.Status != SegmentFailed {
		return nil, errors.NewInvalidRequestf(
			"segment %s is %s; only FAILED segments can be retried", seg.ID, seg.Status)
	}

	seg.Status = SegmentPending
	seg.ErrorMessage = ""
	seg.ExecutionID = ""
	if err := o.store.UpdateSegment(seg); err != nil {
		return nil, err
	}
	if err := o.store.UpdateCollectionStatus(seg.CollectionID, CollectionActive); err != nil {
		return nil, err
	}

	o.log.Infow("Retrying segment", "segment_id", seg.ID, "collection_id", seg.CollectionID)

	if err := o.Advance(ctx, seg.CollectionID); err != nil && !errors.Is(err, errors.ErrDeferred) {
		return seg, err
	}
	return o.store.GetSegment(segmentID)
}

// RetryFailedSegments resets every failed segment of a collection to
// pending, reactivates the collection, and submits what capacity
// allows.
func (o *Orchestrator) RetryFailedSegments(ctx context.Context, collectionID string) (int, error) {
	failed, err := o.store.ListSegmentsByStatus(collectionID, SegmentFailed)
	if err != nil {
		return 0, err
	}
	if len(failed) == 0 {
		return 0, nil
	}

	for _, seg := range failed {
		seg.Status = SegmentPending
		seg.ErrorMessage = ""
		seg.ExecutionID = ""
		if err := o.store.UpdateSegment(seg); err != nil {
			return 0, err
		}
	}
	if err := o.store.UpdateCollectionStatus(collectionID, CollectionActive); err != nil {
		return 0, err
	}

	o.log.Infow("Retrying failed segments",
		"collection_id", collectionID,
		"segments", len(failed))

	if err := o.Advance(ctx, collectionID); err != nil && !errors.Is(err, errors.ErrDeferred) {
		return len(failed), err
	}
	return len(failed), nil
}

// Pause marks a collection paused. Running segments finish; no new
// ones are submitted.
func (o *Orchestrator) Pause(collectionID string) error {
	return o.store.UpdateCollectionStatus(collectionID, CollectionPaused)
}

// Resume reactivates a paused collection and advances it.
func (o *Orchestrator) Resume(ctx context.Context, collectionID string) error {
	if err := o.store.UpdateCollectionStatus(collectionID, CollectionActive); err != nil {
		return err
	}
	err := o.Advance(ctx, collectionID)
	if errors.Is(err, errors.ErrDeferred) {
		return nil
	}
	return err
}

// Restore re-acquires governor tokens for segments that were running
// when the process last stopped. Called once at daemon startup.
func (o *Orchestrator) Restore(ctx context.Context) error {
	collections, err := o.store.ListCollections(1000)
	if err != nil {
		return err
	}
	for _, c := range collections {
		running, err := o.store.ListSegmentsByStatus(c.ID, SegmentRunning)
		if err != nil {
			return err
		}
		pool := o.gov.Collection(c.ID, c.MaxParallel)
		for range running {
			if err := pool.Acquire(ctx, 0); err != nil {
				break
			}
			if err := o.gov.Backfill().Acquire(ctx, 0); err != nil {
				pool.Release()
				break
			}
		}
		if len(running) > 0 {
			o.log.Infow("Restored in-flight backfill segments",
				"collection_id", c.ID, "running", len(running))
		}
	}
	return nil
}

// releaseTokens returns one token to the collection pool and one to
// the global pool.
func (o *Orchestrator) releaseTokens(collectionID string) {
	o.gov.Collection(collectionID, 1).Release()
	o.gov.Backfill().Release()
}

// recomputeStatus derives the collection's aggregate state from its
// segments once no work remains in flight. A collection completes only
// when every segment succeeded or was skipped; failed segments leave it
// ACTIVE awaiting retry, they never fail the collection on their own.
func (o *Orchestrator) recomputeStatus(collectionID string) {
	counts, err := o.store.SegmentStatusCounts(collectionID)
	if err != nil {
		o.log.Errorw("Failed to count segments", "collection_id", collectionID, "error", err)
		return
	}
	if counts[SegmentPending] > 0 || counts[SegmentRunning] > 0 {
		return
	}
	if counts[SegmentFailed] > 0 {
		o.log.Infow("Backfill collection drained with failures",
			"collection_id", collectionID,
			"succeeded", counts[SegmentSuccess],
			"failed", counts[SegmentFailed],
			"skipped", counts[SegmentSkipped])
		return
	}

	c, err := o.store.GetCollection(collectionID)
	if err != nil {
		return
	}
	if c.Status == CollectionCompleted {
		return
	}
	if err := o.store.UpdateCollectionStatus(collectionID, CollectionCompleted); err != nil {
		o.log.Errorw("Failed to update collection status",
			"collection_id", collectionID, "error", err)
		return
	}
	o.gov.ReleaseCollection(collectionID)
	o.log.Infow("Backfill collection completed",
		"collection_id", collectionID,
		"succeeded", counts[SegmentSuccess],
		"skipped", counts[SegmentSkipped])
}

// MarkFailed fails a collection on explicit operator request.
func (o *Orchestrator) MarkFailed(collectionID string) error {
	c, err := o.store.GetCollection(collectionID)
	if err != nil {
		return err
	}
	if c.Status == CollectionCompleted {
		return errors.NewInvalidRequestf("collection %s already completed", collectionID)
	}
	if err := o.store.UpdateCollectionStatus(collectionID, CollectionFailed); err != nil {
		return err
	}
	o.gov.ReleaseCollection(collectionID)
	o.log.Warnw("Backfill collection marked failed", "collection_id", collectionID)
	return nil
}
