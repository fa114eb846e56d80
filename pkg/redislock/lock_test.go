package redislock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, ""), mr
}

func TestAcquireRelease(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	token, err := client.Acquire(ctx, "dev-1", time.Minute, time.Second)
	require.NoError(t, err)
	require.NotZero(t, token)
	require.True(t, mr.Exists(lockPrefix+"dev-1"))

	ok, err := client.Release(ctx, "dev-1", token)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, mr.Exists(lockPrefix+"dev-1"))
}

func TestReleaseTwiceSucceedsExactlyOnce(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	token, err := client.Acquire(ctx, "dev-1", time.Minute, time.Second)
	require.NoError(t, err)

	first, err := client.Release(ctx, "dev-1", token)
	require.NoError(t, err)
	second, err := client.Release(ctx, "dev-1", token)
	require.NoError(t, err)
	require.True(t, first)
	require.False(t, second)
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	token, err := client.Acquire(ctx, "dev-1", time.Minute, time.Second)
	require.NoError(t, err)

	_, err = client.Acquire(ctx, "dev-1", time.Minute, 400*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)

	ok, err := client.Release(ctx, "dev-1", token)
	require.NoError(t, err)
	require.True(t, ok)

	token2, err := client.Acquire(ctx, "dev-1", time.Minute, time.Second)
	require.NoError(t, err)
	require.NotZero(t, token2)
}

func TestReleaseWrongTokenKeepsLock(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	token, err := client.Acquire(ctx, "dev-1", time.Minute, time.Second)
	require.NoError(t, err)

	ok, err := client.Release(ctx, "dev-1", token+1)
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, mr.Exists(lockPrefix+"dev-1"))
}

func TestAcquireAfterExpiry(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	_, err := client.Acquire(ctx, "dev-1", time.Second, time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	token, err := client.Acquire(ctx, "dev-1", time.Minute, time.Second)
	require.NoError(t, err)
	require.NotZero(t, token)
}

func TestDeviceLockKeyNamespace(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	token, err := client.AcquireDevice(ctx, "SN123", time.Minute, time.Second)
	require.NoError(t, err)
	require.True(t, mr.Exists(lockPrefix+deviceLockPrefix+"SN123"))

	ok, err := client.ReleaseDevice(ctx, "SN123", token)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReleaseAll(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	_, err := client.AcquireDevice(ctx, "SN1", time.Minute, time.Second)
	require.NoError(t, err)
	_, err = client.AcquireDevice(ctx, "SN2", time.Minute, time.Second)
	require.NoError(t, err)

	client.ReleaseAll(ctx)
	require.False(t, mr.Exists(lockPrefix+deviceLockPrefix+"SN1"))
	require.False(t, mr.Exists(lockPrefix+deviceLockPrefix+"SN2"))
}

func TestReleaseAllClearsRegistry(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	_, err := client.AcquireDevice(ctx, "SN1", time.Minute, time.Second)
	require.NoError(t, err)
	client.ReleaseAll(ctx)

	// The same key is now held by another process. A stale registry entry
	// would make a second pass try to delete it.
	require.NoError(t, mr.Set(lockPrefix+deviceLockPrefix+"SN1", "other"))
	client.ReleaseAll(ctx)
	require.True(t, mr.Exists(lockPrefix+deviceLockPrefix+"SN1"))

	client.mu.Lock()
	require.Empty(t, client.holders)
	client.mu.Unlock()
}
