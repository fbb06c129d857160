package execution

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sundial-hq/sundial/errors"
	"github.com/sundial-hq/sundial/remote"
)

// Request describes a query execution to submit.
type Request struct {
	InstanceID  string
	EntityID    string
	QueryText   string
	Parameters  json.RawMessage
	WindowStart time.Time
	WindowEnd   time.Time
	Trigger     TriggerSource
	ScheduleID  string
	SegmentID   string
}

// Validate checks the request is complete enough to submit.
func (r Request) Validate() error {
	if r.InstanceID == "" {
		return errors.NewInvalidRequestf("instance_id is required")
	}
	if r.EntityID == "" {
		return errors.NewInvalidRequestf("entity_id is required")
	}
	if r.QueryText == "" {
		return errors.NewInvalidRequestf("query_text is required")
	}
	if r.WindowStart.IsZero() || r.WindowEnd.IsZero() {
		return errors.NewInvalidRequestf("execution window is required")
	}
	if !r.WindowEnd.After(r.WindowStart) {
		return errors.NewInvalidRequestf("window_end must be after window_start")
	}
	if !IsValidTrigger(string(r.Trigger)) {
		return errors.NewInvalidRequestf("unknown trigger source: %s", r.Trigger)
	}
	return nil
}

// Submitter creates execution records and hands them to the remote
// service. An execution row is persisted in PENDING before any network
// traffic, so a crash mid-submit leaves an auditable record rather than
// silently dropped work.
type Submitter struct {
	store  *Store
	client remote.Client
	log    *zap.SugaredLogger
}

// NewSubmitter creates a submitter.
func NewSubmitter(store *Store, client remote.Client, log *zap.SugaredLogger) *Submitter {
	return &Submitter{store: store, client: client, log: log.Named("submitter")}
}

// Submit validates, persists, and submits an execution. The returned
// execution is RUNNING on success and FAILED with a classified error
// when the service rejects it; both outcomes return the record so
// callers can inspect the terminal state. The error is non-nil only
// for validation and persistence failures, or when submission failed.
func (s *Submitter) Submit(ctx context.Context, req Request) (*Execution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	e := NewExecution(req.InstanceID, req.EntityID, req.QueryText, req.Parameters,
		req.WindowStart, req.WindowEnd, req.Trigger)
	e.ScheduleID = req.ScheduleID
	e.SegmentID = req.SegmentID

	if err := s.store.Create(e); err != nil {
		return nil, err
	}
	return s.dispatch(ctx, e)
}

// Retry creates a fresh execution for a terminal failed or timed-out
// one, reusing its immutable request fields, and submits it. The new
// record points back at the original via RetryOf.
func (s *Submitter) Retry(ctx context.Context, executionID string) (*Execution, error) {
	prior, err := s.store.Get(executionID)
	if err != nil {
		return nil, err
	}
	if prior.Status != StatusFailed && prior.Status != StatusTimeout {
		return nil, errors.NewInvalidRequestf(
			"execution %s is %s; only FAILED or TIMEOUT executions can be retried",
			prior.ID, prior.Status)
	}

	e := NewExecution(prior.InstanceID, prior.EntityID, prior.QueryText, prior.Parameters,
		prior.WindowStart, prior.WindowEnd, prior.TriggerSource)
	e.ScheduleID = prior.ScheduleID
	e.SegmentID = prior.SegmentID
	e.RetryOf = prior.ID

	if err := s.store.Create(e); err != nil {
		return nil, err
	}
	return s.dispatch(ctx, e)
}

// dispatch sends a persisted PENDING execution to the service and
// records the outcome.
func (s *Submitter) dispatch(ctx context.Context, e *Execution) (*Execution, error) {
	resp, err := s.client.Submit(ctx, remote.SubmitRequest{
		InstanceID:  e.InstanceID,
		EntityID:    e.EntityID,
		QueryText:   e.QueryText,
		Parameters:  decodeParameters(e.Parameters),
		WindowStart: e.WindowStart,
		WindowEnd:   e.WindowEnd,
	})
	if err != nil {
		kind := remote.KindOf(err)
		s.log.Warnw("Submission rejected",
			"execution_id", e.ID,
			"entity_id", e.EntityID,
			"error_kind", kind,
			"error", err)
		if ferr := e.Fail(kind, err.Error()); ferr != nil {
			return nil, ferr
		}
		if uerr := s.store.Update(e); uerr != nil {
			return nil, uerr
		}
		return e, err
	}

	if err := e.Start(resp.RemoteID); err != nil {
		return nil, err
	}
	if err := s.store.Update(e); err != nil {
		return nil, err
	}
	s.log.Infow("Execution submitted",
		"execution_id", e.ID,
		"remote_id", e.RemoteID,
		"entity_id", e.EntityID,
		"trigger", e.TriggerSource)
	return e, nil
}

// Cancel marks a PENDING or RUNNING execution as CANCELLED.
func (s *Submitter) Cancel(executionID string) (*Execution, error) {
	e, err := s.store.Get(executionID)
	if err != nil {
		return nil, err
	}
	if err := e.Cancel(); err != nil {
		return nil, err
	}
	if err := s.store.Update(e); err != nil {
		return nil, err
	}
	s.log.Infow("Execution cancelled", "execution_id", e.ID)
	return e, nil
}

func decodeParameters(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var params map[string]interface{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil
	}
	return params
}
