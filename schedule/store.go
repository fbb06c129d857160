package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/sundial-hq/sundial/errors"
)

// timeLayout is fixed width, unlike RFC3339Nano which trims trailing
// fractional zeros, so stored timestamps compare correctly as strings
// in SQL. All stored times are UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store handles persistence of schedules and their run history.
type Store struct {
	db *sql.DB
}

// NewStore creates a new schedule store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const scheduleColumns = `
	id, name, cron_expr, timezone, instance_id, entity_id, query_text,
	parameters, lookback_seconds, active, paused, next_run_at,
	last_run_at, last_run_status, consecutive_failures,
	auto_pause_threshold, created_at, updated_at`

// Create inserts a new schedule.
func (s *Store) Create(sch *Schedule) error {
	query := `
		INSERT INTO schedules (` + scheduleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		sch.ID, sch.Name, sch.CronExpr, sch.Timezone,
		sch.InstanceID, sch.EntityID, sch.QueryText,
		nullJSON(sch.Parameters),
		sch.LookbackSeconds,
		boolToInt(sch.Active), boolToInt(sch.Paused),
		sch.NextRunAt.UTC().Format(timeLayout),
		nullTimestamp(sch.LastRunAt),
		sql.NullString{String: sch.LastRunStatus, Valid: sch.LastRunStatus != ""},
		sch.ConsecutiveFailures, sch.AutoPauseThreshold,
		sch.CreatedAt.UTC().Format(timeLayout),
		sch.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create schedule")
	}
	return nil
}

// Get retrieves a schedule by id.
func (s *Store) Get(id string) (*Schedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("schedule not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get schedule")
	}
	return sch, nil
}

// GetByName retrieves a schedule by its unique name.
func (s *Store) GetByName(name string) (*Schedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE name = ?`, name)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("schedule not found: %s", name)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get schedule by name")
	}
	return sch, nil
}

// Update persists the mutable fields of a schedule.
func (s *Store) Update(sch *Schedule) error {
	sch.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE schedules
		SET name = ?,
		    cron_expr = ?,
		    timezone = ?,
		    parameters = ?,
		    lookback_seconds = ?,
		    active = ?,
		    paused = ?,
		    next_run_at = ?,
		    last_run_at = ?,
		    last_run_status = ?,
		    consecutive_failures = ?,
		    auto_pause_threshold = ?,
		    updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.Exec(query,
		sch.Name, sch.CronExpr, sch.Timezone,
		nullJSON(sch.Parameters),
		sch.LookbackSeconds,
		boolToInt(sch.Active), boolToInt(sch.Paused),
		sch.NextRunAt.UTC().Format(timeLayout),
		nullTimestamp(sch.LastRunAt),
		sql.NullString{String: sch.LastRunStatus, Valid: sch.LastRunStatus != ""},
		sch.ConsecutiveFailures, sch.AutoPauseThreshold,
		sch.UpdatedAt.UTC().Format(timeLayout),
		sch.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update schedule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundf("schedule not found: %s", sch.ID)
	}
	return nil
}

// Delete removes a schedule. Run history is kept for audit.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete schedule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundf("schedule not found: %s", id)
	}
	return nil
}

// List returns all schedules ordered by name.
func (s *Store) List() ([]*Schedule, error) {
	rows, err := s.db.Query(`SELECT ` + scheduleColumns + ` FROM schedules ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// ListDue returns active, unpaused schedules whose next run is at or
// before now, soonest first.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules
		WHERE active = 1 AND paused = 0 AND next_run_at <= ?
		ORDER BY next_run_at ASC`
	rows, err := s.db.QueryContext(ctx, query, now.UTC().Format(timeLayout))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due schedules")
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// CreateRun records a trigger attempt.
func (s *Store) CreateRun(r *Run) error {
	_, err := s.db.Exec(`
		INSERT INTO schedule_runs (id, schedule_id, execution_id, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.ScheduleID,
		sql.NullString{String: r.ExecutionID, Valid: r.ExecutionID != ""},
		string(r.Outcome),
		sql.NullString{String: r.Detail, Valid: r.Detail != ""},
		r.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create schedule run")
	}
	return nil
}

// ListRuns returns the most recent run records for a schedule.
func (s *Store) ListRuns(scheduleID string, limit int) ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT id, schedule_id, execution_id, outcome, detail, created_at
		FROM schedule_runs WHERE schedule_id = ?
		ORDER BY created_at DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedule runs")
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		var r Run
		var executionID, detail sql.NullString
		var outcome, createdAt string
		if err := rows.Scan(&r.ID, &r.ScheduleID, &executionID, &outcome, &detail, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule run")
		}
		r.ExecutionID = executionID.String
		r.Outcome = RunOutcome(outcome)
		r.Detail = detail.String
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// LastSubmissionAt returns when the schedule last submitted an
// execution, or a zero time if it never has. Dedup skips do not count.
func (s *Store) LastSubmissionAt(scheduleID string) (time.Time, error) {
	var createdAt sql.NullString
	err := s.db.QueryRow(`
		SELECT MAX(created_at) FROM schedule_runs
		WHERE schedule_id = ? AND outcome = ?`,
		scheduleID, string(OutcomeSubmitted)).Scan(&createdAt)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "failed to query last submission")
	}
	if !createdAt.Valid {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt.String)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "malformed schedule run timestamp")
	}
	return t, nil
}

func scanSchedule(row interface{ Scan(...interface{}) error }) (*Schedule, error) {
	var sch Schedule
	var parameters, lastRunAt, lastRunStatus sql.NullString
	var active, paused int
	var nextRunAt, createdAt, updatedAt string

	err := row.Scan(
		&sch.ID, &sch.Name, &sch.CronExpr, &sch.Timezone,
		&sch.InstanceID, &sch.EntityID, &sch.QueryText,
		&parameters, &sch.LookbackSeconds, &active, &paused,
		&nextRunAt, &lastRunAt, &lastRunStatus,
		&sch.ConsecutiveFailures, &sch.AutoPauseThreshold,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if parameters.Valid {
		sch.Parameters = json.RawMessage(parameters.String)
	}
	sch.Active = active != 0
	sch.Paused = paused != 0
	sch.LastRunStatus = lastRunStatus.String

	if sch.NextRunAt, err = time.Parse(time.RFC3339Nano, nextRunAt); err != nil {
		return nil, errors.Wrapf(err, "malformed next_run_at for schedule %s", sch.ID)
	}
	if lastRunAt.Valid {
		t, perr := time.Parse(time.RFC3339Nano, lastRunAt.String)
		if perr == nil {
			sch.LastRunAt = &t
		}
	}
	sch.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sch.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &sch, nil
}

func collectSchedules(rows *sql.Rows) ([]*Schedule, error) {
	var out []*Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func nullJSON(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

func nullTimestamp(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
