package reporter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/meshflow/internal/keyminter"
	"github.com/lyzr/meshflow/internal/store"
	"github.com/lyzr/meshflow/internal/store/memstore"
)

func newTestReporter(t *testing.T) *Reporter {
	t.Helper()
	return New("app1", memstore.New(), keyminter.New("test"), nil)
}

func TestRecordCountAndQueryAggregatesWithinRange(t *testing.T) {
	r := newTestReporter(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	require.NoError(t, r.RecordCount(ctx, "order.created", "1h", base, "job1"))
	require.NoError(t, r.RecordCount(ctx, "order.created", "1h", base.Add(10*time.Minute), "job2"))
	require.NoError(t, r.RecordCount(ctx, "order.created", "1h", base.Add(3*time.Hour), "job3"))

	res, err := r.Query(ctx, store.StatGeneral, "order.created", "1h", Range{Start: base, End: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
}

func TestRecordJobIDAndQueryReturnsIDs(t *testing.T) {
	r := newTestReporter(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	require.NoError(t, r.RecordJobID(ctx, "order.created", "1h", base, "jobA"))
	require.NoError(t, r.RecordJobID(ctx, "order.created", "1h", base.Add(5*time.Minute), "jobB"))

	res, err := r.Query(ctx, store.StatIndex, "order.created", "1h", Range{Start: base, End: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"jobA", "jobB"}, res.IDs)
}

func TestRecordDurationAndQueryComputesMedian(t *testing.T) {
	r := newTestReporter(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	require.NoError(t, r.RecordDuration(ctx, "checkout.complete", "1h", base, "a", 100))
	require.NoError(t, r.RecordDuration(ctx, "checkout.complete", "1h", base, "b", 200))
	require.NoError(t, r.RecordDuration(ctx, "checkout.complete", "1h", base, "c", 300))

	res, err := r.Query(ctx, store.StatMedian, "checkout.complete", "1h", Range{Start: base, End: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, 200.0, res.Median)
}

func TestQuerySpansMultipleGranularityBuckets(t *testing.T) {
	r := newTestReporter(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)

	require.NoError(t, r.RecordCount(ctx, "order.created", "1h", base, "job1"))
	require.NoError(t, r.RecordCount(ctx, "order.created", "1h", base.Add(5*time.Hour), "job2"))

	res, err := r.Query(ctx, store.StatGeneral, "order.created", "1h", Range{Start: base, End: base.Add(6 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
}

func TestQueryRejectsInvertedRange(t *testing.T) {
	r := newTestReporter(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	_, err := r.Query(ctx, store.StatGeneral, "order.created", "1h", Range{Start: base, End: base.Add(-time.Hour)})
	assert.Error(t, err)
}
