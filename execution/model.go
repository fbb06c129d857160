// Package execution tracks the lifecycle of query executions submitted
// to the remote compute service, from submission through status polling
// to terminal resolution and result finalization.
package execution

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sundial-hq/sundial/errors"
	"github.com/sundial-hq/sundial/remote"
)

// Status represents the current state of an execution.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
	StatusCancelled Status = "CANCELLED"
)

// IsValidStatus returns true if the status string is a valid Status.
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusSuccess,
		StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// transitions is the complete set of legal state changes. Anything not
// listed here is rejected, including every edge out of a terminal state.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TriggerSource records what caused an execution to be created.
type TriggerSource string

const (
	TriggerManual   TriggerSource = "manual"
	TriggerSchedule TriggerSource = "schedule"
	TriggerBackfill TriggerSource = "backfill"
	TriggerAPI      TriggerSource = "api"
)

// IsValidTrigger returns true if the string is a known trigger source.
func IsValidTrigger(s string) bool {
	switch TriggerSource(s) {
	case TriggerManual, TriggerSchedule, TriggerBackfill, TriggerAPI:
		return true
	default:
		return false
	}
}

// Execution is one tracked attempt to run a query against the remote
// service. Query text, parameters, and the time window are immutable
// after creation; status and error fields advance through the lifecycle.
type Execution struct {
	ID            string          `json:"id"`
	RemoteID      string          `json:"remote_id,omitempty"`
	InstanceID    string          `json:"instance_id"`
	EntityID      string          `json:"entity_id"`
	QueryText     string          `json:"query_text"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	WindowStart   time.Time       `json:"window_start"`
	WindowEnd     time.Time       `json:"window_end"`
	TriggerSource TriggerSource   `json:"trigger_source"`
	ScheduleID    string          `json:"schedule_id,omitempty"`
	SegmentID     string          `json:"segment_id,omitempty"`
	Status        Status          `json:"status"`
	ErrorKind     remote.Kind     `json:"error_kind,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	PollErrors    int             `json:"poll_errors,omitempty"`
	RetryOf       string          `json:"retry_of,omitempty"`
	ResultPending bool            `json:"result_pending,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// NewExecution creates an execution in PENDING for the given request.
func NewExecution(instanceID, entityID, queryText string, params json.RawMessage, windowStart, windowEnd time.Time, trigger TriggerSource) *Execution {
	return &Execution{
		ID:            "ex_" + uuid.NewString(),
		InstanceID:    instanceID,
		EntityID:      entityID,
		QueryText:     queryText,
		Parameters:    params,
		WindowStart:   windowStart,
		WindowEnd:     windowEnd,
		TriggerSource: trigger,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
}

// transition applies a status change, rejecting anything outside the
// transition table.
func (e *Execution) transition(to Status) error {
	if !CanTransition(e.Status, to) {
		return errors.Mark(
			errors.Newf("cannot transition execution %s from %s to %s", e.ID, e.Status, to),
			errors.ErrInvalidTransition)
	}
	e.Status = to
	return nil
}

// Start marks the execution as RUNNING once the remote service has
// accepted it and issued a remote id.
func (e *Execution) Start(remoteID string) error {
	if err := e.transition(StatusRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	e.RemoteID = remoteID
	e.StartedAt = &now
	return nil
}

// Succeed marks the execution as SUCCESS.
func (e *Execution) Succeed() error {
	if err := e.transition(StatusSuccess); err != nil {
		return err
	}
	now := time.Now().UTC()
	e.CompletedAt = &now
	return nil
}

// Fail marks the execution as FAILED with a classified error.
func (e *Execution) Fail(kind remote.Kind, message string) error {
	if err := e.transition(StatusFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	e.ErrorKind = kind
	e.ErrorMessage = message
	e.CompletedAt = &now
	return nil
}

// Expire marks the execution as TIMEOUT after exceeding its maximum
// allowed runtime.
func (e *Execution) Expire(message string) error {
	if err := e.transition(StatusTimeout); err != nil {
		return err
	}
	now := time.Now().UTC()
	e.ErrorKind = remote.KindTimeout
	e.ErrorMessage = message
	e.CompletedAt = &now
	return nil
}

// Cancel marks the execution as CANCELLED. Legal from PENDING and
// RUNNING only.
func (e *Execution) Cancel() error {
	if err := e.transition(StatusCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	e.CompletedAt = &now
	return nil
}

// Runtime reports how long the execution has been running as of now,
// or its total runtime once completed. Zero before it starts.
func (e *Execution) Runtime(now time.Time) time.Duration {
	if e.StartedAt == nil {
		return 0
	}
	end := now
	if e.CompletedAt != nil {
		end = *e.CompletedAt
	}
	return end.Sub(*e.StartedAt)
}

// ResultShape describes the form of a fetched result artifact.
type ResultShape string

const (
	ShapeTabular ResultShape = "tabular"
	ShapeRaw     ResultShape = "raw"
)

// Result holds metadata about a finalized execution's output.
type Result struct {
	ExecutionID string      `json:"execution_id"`
	Location    string      `json:"location"`
	Shape       ResultShape `json:"shape"`
	RowCount    int64       `json:"row_count"`
	ByteSize    int64       `json:"byte_size"`
	DurationMS  int64       `json:"duration_ms"`
	CreatedAt   time.Time   `json:"created_at"`
}
