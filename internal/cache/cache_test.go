package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrLoadCachesResult(t *testing.T) {
	c := New(time.Minute, nil)
	defer c.Close()

	var calls int32
	load := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "value", nil
	}

	v1, err := c.GetOrLoad(context.Background(), AppKey("app1"), load)
	require.NoError(t, err)
	v2, err := c.GetOrLoad(context.Background(), AppKey("app1"), load)
	require.NoError(t, err)

	assert.Equal(t, "value", v1)
	assert.Equal(t, "value", v2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestInvalidatePrefix(t *testing.T) {
	c := New(time.Minute, nil)
	defer c.Close()

	c.Set(SchemasKey("app1"), "a")
	c.Set(SubscriptionsKey("app1"), "b")
	c.Set(AppKey("app2"), "c")

	c.InvalidatePrefix("schemas:")

	_, ok := c.Get(SchemasKey("app1"))
	assert.False(t, ok)
	_, ok = c.Get(SubscriptionsKey("app1"))
	assert.True(t, ok)
	_, ok = c.Get(AppKey("app2"))
	assert.True(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New(10*time.Millisecond, nil)
	defer c.Close()

	c.Set("k", "v")
	time.Sleep(20 * time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok)
}
