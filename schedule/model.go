// Package schedule fires recurring query executions on cron expressions.
// Each schedule owns a next-run cursor computed in its own timezone and
// stored UTC; the engine checks due schedules on a fixed tick, submits
// executions for them, and pauses schedules that keep failing.
package schedule

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/sundial-hq/sundial/errors"
)

// cronParser accepts standard five-field cron expressions plus the
// @hourly style descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RunOutcome records what happened on one trigger attempt.
type RunOutcome string

const (
	OutcomeSubmitted    RunOutcome = "submitted"
	OutcomeSkippedDedup RunOutcome = "skipped_dedup"
	OutcomeFailed       RunOutcome = "failed"
)

// Schedule is a recurring execution definition.
type Schedule struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	CronExpr            string          `json:"cron_expr"`
	Timezone            string          `json:"timezone"`
	InstanceID          string          `json:"instance_id"`
	EntityID            string          `json:"entity_id"`
	QueryText           string          `json:"query_text"`
	Parameters          json.RawMessage `json:"parameters,omitempty"`
	LookbackSeconds     int             `json:"lookback_seconds"`
	Active              bool            `json:"active"`
	Paused              bool            `json:"paused"`
	NextRunAt           time.Time       `json:"next_run_at"`
	LastRunAt           *time.Time      `json:"last_run_at,omitempty"`
	LastRunStatus       string          `json:"last_run_status,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	AutoPauseThreshold  int             `json:"auto_pause_threshold"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// NewSchedule creates an active schedule with its first run computed
// from now.
func NewSchedule(name, cronExpr, timezone, instanceID, entityID, queryText string, params json.RawMessage, lookback time.Duration, autoPauseThreshold int) (*Schedule, error) {
	if name == "" {
		return nil, errors.NewInvalidRequestf("schedule name is required")
	}
	if instanceID == "" || entityID == "" || queryText == "" {
		return nil, errors.NewInvalidRequestf("instance_id, entity_id, and query_text are required")
	}
	if timezone == "" {
		timezone = "UTC"
	}
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	if autoPauseThreshold <= 0 {
		autoPauseThreshold = 5
	}

	now := time.Now().UTC()
	s := &Schedule{
		ID:                 "sch_" + uuid.NewString(),
		Name:               name,
		CronExpr:           cronExpr,
		Timezone:           timezone,
		InstanceID:         instanceID,
		EntityID:           entityID,
		QueryText:          queryText,
		Parameters:         params,
		LookbackSeconds:    int(lookback.Seconds()),
		Active:             true,
		AutoPauseThreshold: autoPauseThreshold,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	next, err := s.NextAfter(now)
	if err != nil {
		return nil, err
	}
	s.NextRunAt = next
	return s, nil
}

// Location resolves the schedule's timezone, falling back to UTC for
// names the host cannot resolve.
func (s *Schedule) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NextAfter computes the next cron fire time strictly after t,
// evaluated in the schedule's timezone and returned UTC.
func (s *Schedule) NextAfter(t time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(s.CronExpr)
	if err != nil {
		return time.Time{}, errors.Mark(
			errors.Wrapf(err, "invalid cron expression %q", s.CronExpr),
			errors.ErrInvalidRequest)
	}
	return sched.Next(t.In(s.Location())).UTC(), nil
}

// Lookback returns the schedule's execution window length.
func (s *Schedule) Lookback() time.Duration {
	return time.Duration(s.LookbackSeconds) * time.Second
}

// Window computes the execution window for a fire at fireTime: the
// lookback period ending at the fire time.
func (s *Schedule) Window(fireTime time.Time) (time.Time, time.Time) {
	return fireTime.Add(-s.Lookback()), fireTime
}

// Run is one recorded trigger attempt for a schedule.
type Run struct {
	ID          string     `json:"id"`
	ScheduleID  string     `json:"schedule_id"`
	ExecutionID string     `json:"execution_id,omitempty"`
	Outcome     RunOutcome `json:"outcome"`
	Detail      string     `json:"detail,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewRun creates a run record for a schedule. The caller supplies the
// timestamp so run records share the clock of the tick that produced
// them, keeping the dedup comparison on a single timeline.
func NewRun(scheduleID string, outcome RunOutcome, executionID, detail string, at time.Time) *Run {
	return &Run{
		ID:          "run_" + uuid.NewString(),
		ScheduleID:  scheduleID,
		ExecutionID: executionID,
		Outcome:     outcome,
		Detail:      detail,
		CreatedAt:   at.UTC(),
	}
}
