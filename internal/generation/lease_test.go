package generation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLease_ExclusiveUntilReleased(t *testing.T) {
	lease := NewMemoryLease()
	ctx := context.Background()

	token, ok, err := lease.Acquire(ctx, "item-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lease.Acquire(ctx, "item-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// other items are independent
	_, ok, err = lease.Acquire(ctx, "item-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, lease.Release(ctx, "item-1", "someone-else"))
	_, ok, _ = lease.Acquire(ctx, "item-1", time.Minute)
	assert.False(t, ok, "foreign token must not release the lease")

	require.NoError(t, lease.Release(ctx, "item-1", token))
	_, ok, _ = lease.Acquire(ctx, "item-1", time.Minute)
	assert.True(t, ok)
}

func TestMemoryLease_Expires(t *testing.T) {
	lease := NewMemoryLease()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	lease.now = func() time.Time { return now }

	_, ok, _ := lease.Acquire(context.Background(), "item-1", time.Second)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = lease.Acquire(context.Background(), "item-1", time.Second)
	assert.True(t, ok)
}

func setupRedisLease(t *testing.T) (*RedisLease, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLease(client, "test:lease:"), mr
}

func TestRedisLease_AcquireRelease(t *testing.T) {
	lease, mr := setupRedisLease(t)
	ctx := context.Background()

	token, ok, err := lease.Acquire(ctx, "item-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("test:lease:item-1"))

	_, ok, err = lease.Acquire(ctx, "item-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lease.Release(ctx, "item-1", "stale-token"))
	assert.True(t, mr.Exists("test:lease:item-1"))

	require.NoError(t, lease.Release(ctx, "item-1", token))
	assert.False(t, mr.Exists("test:lease:item-1"))
}

func TestRedisLease_ExpiresWithTTL(t *testing.T) {
	lease, mr := setupRedisLease(t)
	ctx := context.Background()

	_, ok, err := lease.Acquire(ctx, "item-1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(11 * time.Second)

	_, ok, err = lease.Acquire(ctx, "item-1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLease_ErrorWhenRedisDown(t *testing.T) {
	lease, mr := setupRedisLease(t)
	mr.Close()

	_, ok, err := lease.Acquire(context.Background(), "item-1", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}
