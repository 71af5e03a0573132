package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	locker := NewRedisLocker(client, "keel:")
	locker.pollInterval = 10 * time.Millisecond
	return locker, mr
}

func TestTryLockIsExclusive(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	unlock, ok, err := locker.TryLock(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("keel:lock:job-1"))

	_, ok, err = locker.TryLock(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = locker.TryLock(ctx, "job-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("keel:lock:job-1"))

	_, ok, err = locker.TryLock(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnlockAfterExpiryDoesNotReleaseNewOwner(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	stale, ok, err := locker.TryLock(ctx, "job-1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = locker.TryLock(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = stale(ctx)
	assert.ErrorIs(t, err, ErrNotHeld)
	assert.True(t, mr.Exists("keel:lock:job-1"))
}

func TestLockWaitsForRelease(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	unlock, ok, err := locker.TryLock(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = unlock(context.Background())
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	second, err := locker.Lock(waitCtx, "job-1", time.Minute)
	require.NoError(t, err)
	assert.NoError(t, second(ctx))
}

func TestLockHonorsContext(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(waitCtx, "job-1", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisUnavailable(t *testing.T) {
	locker, mr := newTestLocker(t)
	mr.Close()

	_, ok, err := locker.TryLock(context.Background(), "job-1", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestNoopLocker(t *testing.T) {
	var locker Locker = NoopLocker{}
	ctx := context.Background()

	unlock, ok, err := locker.TryLock(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, unlock(ctx))

	unlock, err = locker.Lock(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	assert.NoError(t, unlock(ctx))
}
