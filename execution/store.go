package execution

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/sundial-hq/sundial/errors"
	"github.com/sundial-hq/sundial/remote"
)

// Store handles persistence of executions and their result metadata.
type Store struct {
	db *sql.DB
}

// NewStore creates a new execution store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const executionColumns = `
	id, remote_id, instance_id, entity_id, query_text, parameters,
	window_start, window_end, trigger_source, schedule_id, segment_id,
	status, error_kind, error_message, poll_errors, retry_of,
	result_pending, created_at, started_at, completed_at`

// Create inserts a new execution.
func (s *Store) Create(e *Execution) error {
	query := `
		INSERT INTO executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		e.ID,
		nullString(e.RemoteID),
		e.InstanceID,
		e.EntityID,
		e.QueryText,
		nullString(string(e.Parameters)),
		remote.FormatWindow(e.WindowStart),
		remote.FormatWindow(e.WindowEnd),
		string(e.TriggerSource),
		nullString(e.ScheduleID),
		nullString(e.SegmentID),
		string(e.Status),
		nullString(string(e.ErrorKind)),
		nullString(e.ErrorMessage),
		e.PollErrors,
		nullString(e.RetryOf),
		boolToInt(e.ResultPending),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullTime(e.StartedAt),
		nullTime(e.CompletedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create execution")
	}
	return nil
}

// Get retrieves an execution by id.
func (s *Store) Get(id string) (*Execution, error) {
	row := s.db.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("execution not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get execution")
	}
	return e, nil
}

// Update persists the mutable lifecycle fields of an execution.
func (s *Store) Update(e *Execution) error {
	query := `
		UPDATE executions
		SET remote_id = ?,
		    status = ?,
		    error_kind = ?,
		    error_message = ?,
		    poll_errors = ?,
		    result_pending = ?,
		    started_at = ?,
		    completed_at = ?
		WHERE id = ?
	`
	res, err := s.db.Exec(query,
		nullString(e.RemoteID),
		string(e.Status),
		nullString(string(e.ErrorKind)),
		nullString(e.ErrorMessage),
		e.PollErrors,
		boolToInt(e.ResultPending),
		nullTime(e.StartedAt),
		nullTime(e.CompletedAt),
		e.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update execution")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundf("execution not found: %s", e.ID)
	}
	return nil
}

// ListByStatus returns executions in the given status, oldest first, so
// long-waiting work is considered before fresh work.
func (s *Store) ListByStatus(status Status, limit int) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
		WHERE status = ? ORDER BY created_at ASC LIMIT ?`
	rows, err := s.db.Query(query, string(status), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// ListActive returns all non-terminal executions, oldest first.
func (s *Store) ListActive(limit int) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
		WHERE status IN (?, ?) ORDER BY created_at ASC LIMIT ?`
	rows, err := s.db.Query(query, string(StatusPending), string(StatusRunning), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active executions")
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// ListBySchedule returns the most recent executions for a schedule.
func (s *Store) ListBySchedule(scheduleID string, limit int) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
		WHERE schedule_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.Query(query, scheduleID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedule executions")
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// ListResultPending returns successful executions whose result artifact
// has not been fetched yet.
func (s *Store) ListResultPending(limit int) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
		WHERE status = ? AND result_pending = 1 ORDER BY created_at ASC LIMIT ?`
	rows, err := s.db.Query(query, string(StatusSuccess), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending results")
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// CountActive reports how many executions are not yet terminal.
func (s *Store) CountActive() (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM executions WHERE status IN (?, ?)`,
		string(StatusPending), string(StatusRunning)).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count active executions")
	}
	return n, nil
}

// StatusCounts returns execution counts grouped by status.
func (s *Store) StatusCounts() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM executions GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count executions")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// CleanupOldExecutions deletes terminal executions older than the
// retention window, along with their result metadata.
func (s *Store) CleanupOldExecutions(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin cleanup")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		DELETE FROM execution_results WHERE execution_id IN (
			SELECT id FROM executions
			WHERE status IN (?, ?, ?, ?) AND created_at < ?
		)`,
		string(StatusSuccess), string(StatusFailed),
		string(StatusTimeout), string(StatusCancelled), cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old results")
	}

	res, err := tx.Exec(`
		DELETE FROM executions
		WHERE status IN (?, ?, ?, ?) AND created_at < ?`,
		string(StatusSuccess), string(StatusFailed),
		string(StatusTimeout), string(StatusCancelled), cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old executions")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit cleanup")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveResult records result metadata for a finalized execution.
func (s *Store) SaveResult(r *Result) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO execution_results (
			execution_id, location, shape, row_count, byte_size, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ExecutionID, r.Location, string(r.Shape),
		r.RowCount, r.ByteSize, r.DurationMS,
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrap(err, "failed to save result")
	}
	return nil
}

// GetResult retrieves result metadata for an execution.
func (s *Store) GetResult(executionID string) (*Result, error) {
	var r Result
	var shape, createdAt string
	err := s.db.QueryRow(`
		SELECT execution_id, location, shape, row_count, byte_size, duration_ms, created_at
		FROM execution_results WHERE execution_id = ?`, executionID).
		Scan(&r.ExecutionID, &r.Location, &shape, &r.RowCount, &r.ByteSize, &r.DurationMS, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("result not found for execution: %s", executionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get result")
	}
	r.Shape = ResultShape(shape)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &r, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var remoteID, parameters, scheduleID, segmentID sql.NullString
	var errorKind, errorMessage, retryOf sql.NullString
	var windowStart, windowEnd, createdAt string
	var startedAt, completedAt sql.NullString
	var trigger, status string
	var resultPending int

	err := row.Scan(
		&e.ID, &remoteID, &e.InstanceID, &e.EntityID, &e.QueryText, &parameters,
		&windowStart, &windowEnd, &trigger, &scheduleID, &segmentID,
		&status, &errorKind, &errorMessage, &e.PollErrors, &retryOf,
		&resultPending, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	e.RemoteID = remoteID.String
	if parameters.Valid {
		e.Parameters = json.RawMessage(parameters.String)
	}
	e.ScheduleID = scheduleID.String
	e.SegmentID = segmentID.String
	e.TriggerSource = TriggerSource(trigger)
	e.Status = Status(status)
	e.ErrorKind = remote.Kind(errorKind.String)
	e.ErrorMessage = errorMessage.String
	e.RetryOf = retryOf.String
	e.ResultPending = resultPending != 0

	if e.WindowStart, err = time.Parse(remote.WindowTimeFormat, windowStart); err != nil {
		return nil, errors.Wrapf(err, "malformed window_start for execution %s", e.ID)
	}
	if e.WindowEnd, err = time.Parse(remote.WindowTimeFormat, windowEnd); err != nil {
		return nil, errors.Wrapf(err, "malformed window_end for execution %s", e.ID)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, errors.Wrapf(err, "malformed created_at for execution %s", e.ID)
	}
	if t, ok := parseNullTime(startedAt); ok {
		e.StartedAt = &t
	}
	if t, ok := parseNullTime(completedAt); ok {
		e.CompletedAt = &t
	}
	return &e, nil
}

func collectExecutions(rows *sql.Rows) ([]*Execution, error) {
	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseNullTime(s sql.NullString) (time.Time, bool) {
	if !s.Valid {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
