package backfill

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sundial-hq/sundial/errors"
	qtesting "github.com/sundial-hq/sundial/internal/testing"
)

func createTestCollection(t *testing.T, store *Store) (*Collection, []*Segment) {
	t.Helper()
	c, segments, err := NewCollection("orders-weekly", "wh_1", "model.orders",
		"select * from orders", []byte(`{"full":true}`),
		date(2026, 3, 2), date(2026, 3, 23), GranularityWeek, 2)
	require.NoError(t, err)
	require.NoError(t, store.CreateCollection(c, segments))
	return c, segments
}

func TestBackfillStoreRoundTrip(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))
	c, segments := createTestCollection(t, store)

	got, err := store.GetCollection(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "orders-weekly", got.Name)
	assert.Equal(t, GranularityWeek, got.Granularity)
	assert.Equal(t, CollectionActive, got.Status)
	assert.True(t, got.RangeStart.Equal(date(2026, 3, 2)))
	assert.True(t, got.RangeEnd.Equal(date(2026, 3, 23)))
	assert.JSONEq(t, `{"full":true}`, string(got.Parameters))

	gotSegments, err := store.ListSegments(c.ID)
	require.NoError(t, err)
	require.Len(t, gotSegments, len(segments))
	for i, seg := range gotSegments {
		assert.Equal(t, i, seg.Position)
		assert.Equal(t, SegmentPending, seg.Status)
	}
}

func TestBackfillStoreNotFound(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))

	_, err := store.GetCollection("bf_missing")
	assert.True(t, errors.IsNotFound(err))

	_, err = store.GetSegment("seg_missing")
	assert.True(t, errors.IsNotFound(err))

	assert.True(t, errors.IsNotFound(store.UpdateCollectionStatus("bf_missing", CollectionPaused)))
}

func TestBackfillStoreSegmentLifecycle(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))
	_, segments := createTestCollection(t, store)

	seg := segments[0]
	seg.Status = SegmentRunning
	seg.ExecutionID = "ex_1"
	require.NoError(t, store.UpdateSegment(seg))

	got, err := store.GetSegment(seg.ID)
	require.NoError(t, err)
	assert.Equal(t, SegmentRunning, got.Status)
	assert.Equal(t, "ex_1", got.ExecutionID)

	running, err := store.ListSegmentsByStatus(seg.CollectionID, SegmentRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)

	counts, err := store.SegmentStatusCounts(seg.CollectionID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[SegmentRunning])
	assert.Equal(t, len(segments)-1, counts[SegmentPending])
}

func TestBackfillStoreListCollections(t *testing.T) {
	store := NewStore(qtesting.CreateTestDB(t))
	createTestCollection(t, store)

	c2, segs2, err := NewCollection("orders-daily", "wh_1", "model.orders",
		"select 1", nil, date(2026, 4, 1), date(2026, 4, 3), GranularityDay, 1)
	require.NoError(t, err)
	require.NoError(t, store.CreateCollection(c2, segs2))

	all, err := store.ListCollections(10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
