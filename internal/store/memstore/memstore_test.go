package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/meshflow/internal/store"
)

func TestReserveSymbolRangeIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	lo1, hi1, existing1, err := s.ReserveSymbolRange(ctx, "scope-a", 286, "ACTIVITY")
	require.NoError(t, err)
	assert.False(t, existing1)
	assert.Equal(t, 285, hi1-lo1)

	lo2, hi2, existing2, err := s.ReserveSymbolRange(ctx, "scope-a", 286, "ACTIVITY")
	require.NoError(t, err)
	assert.True(t, existing2)
	assert.Equal(t, lo1, lo2)
	assert.Equal(t, hi1, hi2)
}

func TestCollateDuplicateSafe(t *testing.T) {
	s := New()
	ctx := context.Background()

	v1, err := s.Collate(ctx, "job1", "a1", 1, nil)
	require.NoError(t, err)
	v2, err := s.Collate(ctx, "job1", "a1", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), v1)
	assert.Equal(t, float64(2), v2)
}

func TestGetNextTaskEmptyReturnsFalse(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _, _, _, _, drained, err := s.GetNextTask(ctx, "app1", "")
	require.NoError(t, err)
	assert.False(t, drained)
}

func TestGetNextTaskDrainsBucket(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.RegisterTimeHook(ctx, "app1", "job1", "g1", "a1", "sleep", 1000, false, nil))

	key, jobID, gID, aid, typ, drained, err := s.GetNextTask(ctx, "app1", "")
	require.NoError(t, err)
	assert.True(t, drained)
	assert.Equal(t, "job1", jobID)
	assert.Equal(t, "g1", gID)
	assert.Equal(t, "a1", aid)
	assert.Equal(t, "sleep", typ)
	assert.NotEmpty(t, key)

	// second call: list now empty, bucket removed, drain signal but no job.
	_, jobID2, _, _, _, drained2, err := s.GetNextTask(ctx, "app1", "")
	require.NoError(t, err)
	assert.True(t, drained2)
	assert.Empty(t, jobID2)
}

func TestInterruptIdempotence(t *testing.T) {
	s := New()
	ctx := context.Background()
	status := float64(3)
	_, err := s.SetStateNX(ctx, "job1", "app1", &status, "")
	require.NoError(t, err)

	require.NoError(t, s.Interrupt(ctx, "topic", "job1", store.InterruptOptions{Throw: true}))

	err = s.Interrupt(ctx, "topic", "job1", store.InterruptOptions{Throw: true})
	assert.Error(t, err)

	err = s.Interrupt(ctx, "topic", "job1", store.InterruptOptions{Throw: true, Suppress: true})
	assert.NoError(t, err)
}

func TestThrottleClamp(t *testing.T) {
	assert.Equal(t, store.MaxThrottleDelay, store.ClampThrottle(-1))
	assert.Equal(t, 0, store.ClampThrottle(-5))
	assert.Equal(t, store.MaxThrottleDelay, store.ClampThrottle(999_999))
	assert.Equal(t, 500, store.ClampThrottle(500))
}
