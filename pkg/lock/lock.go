package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by an unlock whose lock expired or was taken over
var ErrNotHeld = errors.New("lock not held")

// UnlockFunc releases a held lock
type UnlockFunc func(ctx context.Context) error

// Locker grants exclusive ownership of a key across processes
type Locker interface {
	// TryLock makes a single attempt. ok is false when another owner holds key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock UnlockFunc, ok bool, err error)
	// Lock retries until the lock is acquired or ctx is done.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// releaseScript deletes the key only if it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisLocker implements Locker with SET NX PX on a redis server
type RedisLocker struct {
	client       redis.UniversalClient
	prefix       string
	pollInterval time.Duration
}

// NewRedisLocker creates a redis locker. Keys are stored as <prefix>lock:<key>.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{
		client:       client,
		prefix:       prefix,
		pollInterval: 100 * time.Millisecond,
	}
}

func (l *RedisLocker) key(key string) string {
	return l.prefix + "lock:" + key
}

// TryLock attempts to acquire key once
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, bool, error) {
	lockKey := l.key(key)
	token := uuid.New().String()

	acquired, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis error acquiring lock %s: %w", key, err)
	}
	if !acquired {
		return nil, false, nil
	}

	return func(ctx context.Context) error {
		released, err := releaseScript.Run(ctx, l.client, []string{lockKey}, token).Int64()
		if err != nil {
			return fmt.Errorf("redis error releasing lock %s: %w", key, err)
		}
		if released == 0 {
			return fmt.Errorf("%w: %s", ErrNotHeld, key)
		}
		return nil
	}, true, nil
}

// Lock polls TryLock until it succeeds or ctx is done
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		unlock, ok, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// NoopLocker grants every lock immediately. It is used when the process is
// the only writer.
type NoopLocker struct{}

// TryLock always succeeds
func (NoopLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, bool, error) {
	return noopUnlock, true, nil
}

// Lock always succeeds
func (NoopLocker) Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	return noopUnlock, nil
}

func noopUnlock(context.Context) error { return nil }
