// Package backfill decomposes a historical date range into
// calendar-aligned segments and drives them through execution with
// bounded parallelism.
package backfill

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sundial-hq/sundial/errors"
)

// Granularity selects the calendar unit segments align to.
type Granularity string

const (
	GranularityDay     Granularity = "day"
	GranularityWeek    Granularity = "week"
	GranularityMonth   Granularity = "month"
	GranularityQuarter Granularity = "quarter"
)

// IsValidGranularity returns true for a known granularity.
func IsValidGranularity(s string) bool {
	switch Granularity(s) {
	case GranularityDay, GranularityWeek, GranularityMonth, GranularityQuarter:
		return true
	default:
		return false
	}
}

// CollectionStatus is the aggregate state of a backfill collection.
type CollectionStatus string

const (
	CollectionActive    CollectionStatus = "ACTIVE"
	CollectionPaused    CollectionStatus = "PAUSED"
	CollectionCompleted CollectionStatus = "COMPLETED"
	CollectionFailed    CollectionStatus = "FAILED"
)

// SegmentStatus is the state of one segment.
type SegmentStatus string

const (
	SegmentPending SegmentStatus = "PENDING"
	SegmentRunning SegmentStatus = "RUNNING"
	SegmentSuccess SegmentStatus = "SUCCESS"
	SegmentFailed  SegmentStatus = "FAILED"
	SegmentSkipped SegmentStatus = "SKIPPED"
)

// Terminal reports whether the segment needs no further work.
func (s SegmentStatus) Terminal() bool {
	switch s {
	case SegmentSuccess, SegmentFailed, SegmentSkipped:
		return true
	default:
		return false
	}
}

// Collection is one backfill over a historical range.
type Collection struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	InstanceID  string           `json:"instance_id"`
	EntityID    string           `json:"entity_id"`
	QueryText   string           `json:"query_text"`
	Parameters  json.RawMessage  `json:"parameters,omitempty"`
	RangeStart  time.Time        `json:"range_start"`
	RangeEnd    time.Time        `json:"range_end"`
	Granularity Granularity      `json:"granularity"`
	MaxParallel int              `json:"max_parallel"`
	Status      CollectionStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Segment is one contiguous window within a collection's range.
type Segment struct {
	ID           string        `json:"id"`
	CollectionID string        `json:"collection_id"`
	Position     int           `json:"position"`
	WindowStart  time.Time     `json:"window_start"`
	WindowEnd    time.Time     `json:"window_end"`
	Status       SegmentStatus `json:"status"`
	ExecutionID  string        `json:"execution_id,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Window is a half-open [Start, End) time range.
type Window struct {
	Start time.Time
	End   time.Time
}

// GenerateWindows splits [rangeStart, rangeEnd) into calendar-aligned
// windows. The first window runs from rangeStart to the next calendar
// boundary, interior windows span full calendar units, and the last is
// clipped to rangeEnd. Weeks start on Monday; quarters on the first of
// January, April, July, and October.
func GenerateWindows(rangeStart, rangeEnd time.Time, g Granularity) ([]Window, error) {
	if !IsValidGranularity(string(g)) {
		return nil, errors.NewInvalidRequestf("unknown granularity: %s", g)
	}
	if !rangeEnd.After(rangeStart) {
		return nil, errors.NewInvalidRequestf("range end must be after range start")
	}

	var windows []Window
	cur := rangeStart
	for cur.Before(rangeEnd) {
		next := boundaryAfter(cur, g)
		if next.After(rangeEnd) {
			next = rangeEnd
		}
		windows = append(windows, Window{Start: cur, End: next})
		cur = next
	}
	return windows, nil
}

// boundaryAfter returns the first calendar boundary strictly after t.
func boundaryAfter(t time.Time, g Granularity) time.Time {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

	switch g {
	case GranularityDay:
		return midnight.AddDate(0, 0, 1)
	case GranularityWeek:
		daysUntilMonday := (8 - int(t.Weekday())) % 7
		if daysUntilMonday == 0 {
			daysUntilMonday = 7
		}
		return midnight.AddDate(0, 0, daysUntilMonday)
	case GranularityMonth:
		firstOfMonth := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return firstOfMonth.AddDate(0, 1, 0)
	case GranularityQuarter:
		quarterMonth := time.Month(((int(t.Month())-1)/3)*3 + 1)
		quarterStart := time.Date(t.Year(), quarterMonth, 1, 0, 0, 0, 0, time.UTC)
		return quarterStart.AddDate(0, 3, 0)
	default:
		return midnight.AddDate(0, 0, 1)
	}
}

// NewCollection creates a collection and its segments.
func NewCollection(name, instanceID, entityID, queryText string, params json.RawMessage, rangeStart, rangeEnd time.Time, g Granularity, maxParallel int) (*Collection, []*Segment, error) {
	if name == "" {
		return nil, nil, errors.NewInvalidRequestf("backfill name is required")
	}
	if instanceID == "" || entityID == "" || queryText == "" {
		return nil, nil, errors.NewInvalidRequestf("instance_id, entity_id, and query_text are required")
	}
	if maxParallel < 1 {
		maxParallel = 1
	}

	windows, err := GenerateWindows(rangeStart, rangeEnd, g)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	c := &Collection{
		ID:          "bf_" + uuid.NewString(),
		Name:        name,
		InstanceID:  instanceID,
		EntityID:    entityID,
		QueryText:   queryText,
		Parameters:  params,
		RangeStart:  rangeStart,
		RangeEnd:    rangeEnd,
		Granularity: g,
		MaxParallel: maxParallel,
		Status:      CollectionActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	segments := make([]*Segment, len(windows))
	for i, w := range windows {
		segments[i] = &Segment{
			ID:           "seg_" + uuid.NewString(),
			CollectionID: c.ID,
			Position:     i,
			WindowStart:  w.Start,
			WindowEnd:    w.End,
			Status:       SegmentPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}
	return c, segments, nil
}
