package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sundial-hq/sundial/remote"
)

// Finalizer fetches result artifacts for successful executions and
// records their metadata. Finalization never changes a terminal status:
// a SUCCESS whose artifact cannot be fetched stays SUCCESS with
// result_pending set, to be retried on a later tick.
type Finalizer struct {
	store  *Store
	client remote.Client
	log    *zap.SugaredLogger
}

// NewFinalizer creates a finalizer.
func NewFinalizer(store *Store, client remote.Client, log *zap.SugaredLogger) *Finalizer {
	return &Finalizer{store: store, client: client, log: log.Named("finalizer")}
}

// Finalize fetches the artifact at location and stores result metadata
// for the execution. On fetch failure the execution is flagged
// result_pending and the error returned; its status is left untouched.
func (f *Finalizer) Finalize(ctx context.Context, e *Execution, location string) (*Result, error) {
	payload, err := f.client.FetchResult(ctx, location)
	if err != nil {
		f.log.Warnw("Result fetch failed, will retry",
			"execution_id", e.ID,
			"location", location,
			"error", err)
		e.ResultPending = true
		if uerr := f.store.Update(e); uerr != nil {
			return nil, uerr
		}
		return nil, err
	}

	shape, rowCount := detectShape(payload)
	result := &Result{
		ExecutionID: e.ID,
		Location:    location,
		Shape:       shape,
		RowCount:    rowCount,
		ByteSize:    int64(len(payload)),
		DurationMS:  e.Runtime(time.Now().UTC()).Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := f.store.SaveResult(result); err != nil {
		return nil, err
	}

	if e.ResultPending {
		e.ResultPending = false
		if err := f.store.Update(e); err != nil {
			return nil, err
		}
	}

	f.log.Infow("Execution finalized",
		"execution_id", e.ID,
		"shape", shape,
		"row_count", rowCount,
		"byte_size", result.ByteSize)
	return result, nil
}

// detectShape classifies a result artifact. Payloads shaped like
// {"rows": [...]}, a bare JSON array, or NDJSON (one JSON value per
// line) count as tabular with a row count; everything else is raw.
func detectShape(payload []byte) (ResultShape, int64) {
	var envelope struct {
		Rows []json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Rows != nil {
		return ShapeTabular, int64(len(envelope.Rows))
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(payload, &rows); err == nil {
		return ShapeTabular, int64(len(rows))
	}

	if n := ndjsonRows(payload); n > 0 {
		return ShapeTabular, n
	}

	return ShapeRaw, 0
}

// ndjsonRows counts NDJSON lines, returning 0 unless every non-empty
// line is a standalone JSON value.
func ndjsonRows(payload []byte) int64 {
	var count int64
	for _, line := range bytes.Split(payload, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return 0
		}
		count++
	}
	if count < 2 {
		// A single JSON value is indistinguishable from any other JSON
		// payload; only multi-line output counts as NDJSON.
		return 0
	}
	return count
}
