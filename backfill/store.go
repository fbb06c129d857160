package backfill

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/sundial-hq/sundial/errors"
	"github.com/sundial-hq/sundial/remote"
)

// Store handles persistence of backfill collections and segments.
type Store struct {
	db *sql.DB
}

// NewStore creates a new backfill store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const collectionColumns = `
	id, name, instance_id, entity_id, query_text, parameters,
	range_start, range_end, granularity, max_parallel, status,
	created_at, updated_at`

const segmentColumns = `
	id, collection_id, position, window_start, window_end, status,
	execution_id, error_message, created_at, updated_at`

// CreateCollection inserts a collection and all its segments in one
// transaction.
func (s *Store) CreateCollection(c *Collection, segments []*Segment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin backfill create")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO backfill_collections (`+collectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.InstanceID, c.EntityID, c.QueryText,
		sql.NullString{String: string(c.Parameters), Valid: len(c.Parameters) > 0},
		remote.FormatWindow(c.RangeStart), remote.FormatWindow(c.RangeEnd),
		string(c.Granularity), c.MaxParallel, string(c.Status),
		c.CreatedAt.UTC().Format(time.RFC3339Nano),
		c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create backfill collection")
	}

	for _, seg := range segments {
		if _, err := tx.Exec(`
			INSERT INTO backfill_segments (`+segmentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			seg.ID, seg.CollectionID, seg.Position,
			remote.FormatWindow(seg.WindowStart), remote.FormatWindow(seg.WindowEnd),
			string(seg.Status),
			sql.NullString{String: seg.ExecutionID, Valid: seg.ExecutionID != ""},
			sql.NullString{String: seg.ErrorMessage, Valid: seg.ErrorMessage != ""},
			seg.CreatedAt.UTC().Format(time.RFC3339Nano),
			seg.UpdatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return errors.Wrapf(err, "failed to create segment %d", seg.Position)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit backfill create")
}

// GetCollection retrieves a collection by id.
func (s *Store) GetCollection(id string) (*Collection, error) {
	row := s.db.QueryRow(`SELECT `+collectionColumns+` FROM backfill_collections WHERE id = ?`, id)
	c, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("backfill collection not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get backfill collection")
	}
	return c, nil
}

// UpdateCollectionStatus persists a collection's aggregate status.
func (s *Store) UpdateCollectionStatus(id string, status CollectionStatus) error {
	res, err := s.db.Exec(`
		UPDATE backfill_collections SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return errors.Wrap(err, "failed to update backfill status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundf("backfill collection not found: %s", id)
	}
	return nil
}

// ListCollections returns collections, newest first.
func (s *Store) ListCollections(limit int) ([]*Collection, error) {
	rows, err := s.db.Query(`SELECT `+collectionColumns+` FROM backfill_collections
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list backfill collections")
	}
	defer rows.Close()

	var out []*Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan backfill collection")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetSegment retrieves a segment by id.
func (s *Store) GetSegment(id string) (*Segment, error) {
	row := s.db.QueryRow(`SELECT `+segmentColumns+` FROM backfill_segments WHERE id = ?`, id)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("backfill segment not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get backfill segment")
	}
	return seg, nil
}

// UpdateSegment persists a segment's lifecycle fields.
func (s *Store) UpdateSegment(seg *Segment) error {
	seg.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE backfill_segments
		SET status = ?, execution_id = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		string(seg.Status),
		sql.NullString{String: seg.ExecutionID, Valid: seg.ExecutionID != ""},
		sql.NullString{String: seg.ErrorMessage, Valid: seg.ErrorMessage != ""},
		seg.UpdatedAt.Format(time.RFC3339Nano),
		seg.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update backfill segment")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundf("backfill segment not found: %s", seg.ID)
	}
	return nil
}

// ListSegments returns all segments of a collection in range order.
func (s *Store) ListSegments(collectionID string) ([]*Segment, error) {
	rows, err := s.db.Query(`SELECT `+segmentColumns+` FROM backfill_segments
		WHERE collection_id = ? ORDER BY position ASC`, collectionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list backfill segments")
	}
	defer rows.Close()
	return collectSegments(rows)
}

// ListSegmentsByStatus returns a collection's segments in one status,
// in range order.
func (s *Store) ListSegmentsByStatus(collectionID string, status SegmentStatus) ([]*Segment, error) {
	rows, err := s.db.Query(`SELECT `+segmentColumns+` FROM backfill_segments
		WHERE collection_id = ? AND status = ? ORDER BY position ASC`,
		collectionID, string(status))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list backfill segments")
	}
	defer rows.Close()
	return collectSegments(rows)
}

// SegmentStatusCounts returns segment counts per status for a
// collection.
func (s *Store) SegmentStatusCounts(collectionID string) (map[SegmentStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM backfill_segments
		WHERE collection_id = ? GROUP BY status`, collectionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count segments")
	}
	defer rows.Close()

	counts := make(map[SegmentStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan segment count")
		}
		counts[SegmentStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanCollection(row interface{ Scan(...interface{}) error }) (*Collection, error) {
	var c Collection
	var parameters sql.NullString
	var rangeStart, rangeEnd, granularity, status, createdAt, updatedAt string

	err := row.Scan(
		&c.ID, &c.Name, &c.InstanceID, &c.EntityID, &c.QueryText,
		&parameters, &rangeStart, &rangeEnd, &granularity,
		&c.MaxParallel, &status, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if parameters.Valid {
		c.Parameters = json.RawMessage(parameters.String)
	}
	c.Granularity = Granularity(granularity)
	c.Status = CollectionStatus(status)

	if c.RangeStart, err = time.Parse(remote.WindowTimeFormat, rangeStart); err != nil {
		return nil, errors.Wrapf(err, "malformed range_start for collection %s", c.ID)
	}
	if c.RangeEnd, err = time.Parse(remote.WindowTimeFormat, rangeEnd); err != nil {
		return nil, errors.Wrapf(err, "malformed range_end for collection %s", c.ID)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &c, nil
}

func scanSegment(row interface{ Scan(...interface{}) error }) (*Segment, error) {
	var seg Segment
	var executionID, errorMessage sql.NullString
	var windowStart, windowEnd, status, createdAt, updatedAt string

	err := row.Scan(
		&seg.ID, &seg.CollectionID, &seg.Position,
		&windowStart, &windowEnd, &status,
		&executionID, &errorMessage, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	seg.Status = SegmentStatus(status)
	seg.ExecutionID = executionID.String
	seg.ErrorMessage = errorMessage.String

	if seg.WindowStart, err = time.Parse(remote.WindowTimeFormat, windowStart); err != nil {
		return nil, errors.Wrapf(err, "malformed window_start for segment %s", seg.ID)
	}
	if seg.WindowEnd, err = time.Parse(remote.WindowTimeFormat, windowEnd); err != nil {
		return nil, errors.Wrapf(err, "malformed window_end for segment %s", seg.ID)
	}
	seg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	seg.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &seg, nil
}

func collectSegments(rows *sql.Rows) ([]*Segment, error) {
	var out []*Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan backfill segment")
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}
