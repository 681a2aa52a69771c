package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/pmpilot/internal/cache"
	"github.com/kiranshivaraju/pmpilot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_SetGetDelete(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	val, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, c.Delete(ctx, "k"))
	_, found, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryCache_JobStatus(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.SetJobStatus(ctx, "j1", models.JobStatusCompleted, time.Minute))
	status, found, err := c.GetJobStatus(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, models.JobStatusCompleted, status)

	_, found, err = c.GetJobStatus(ctx, "j2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryCache_IncrWithExpiry(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := c.IncrWithExpiry(ctx, "rl", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

func TestMemoryCache_TryLock(t *testing.T) {
	c := cache.NewMemoryCache()
	testTryLock(t, c)
	testExtendLock(t, c)
}

func TestMemoryCache_PublishSubscribe(t *testing.T) {
	testPublishSubscribe(t, cache.NewMemoryCache())
}

func TestMemoryCache_PublishWithoutSubscribers(t *testing.T) {
	c := cache.NewMemoryCache()
	assert.NoError(t, c.Publish(context.Background(), "nobody", []byte("x")))
}
