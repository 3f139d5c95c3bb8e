package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker guards a sweep against running concurrently with itself. TryLock
// never waits: ok is false when another holder has the lock.
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

// MutexLocker is an in-process Locker.
type MutexLocker struct {
	mu sync.Mutex
}

// TryLock acquires the mutex if it is free.
func (l *MutexLocker) TryLock(context.Context) (func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return l.mu.Unlock, true, nil
}

// DefaultLockKey is the redis key used by RedisLocker.
const DefaultLockKey = "signalbox:sweep:lock"

// releaseScript deletes the key only if it still holds our token, so a
// holder whose TTL expired cannot release someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every replica using the same redis.
// The TTL bounds how long a crashed holder blocks others.
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisLocker connects to the redis at url.
func NewRedisLocker(url, key string, ttl time.Duration) (*RedisLocker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("sweep: parse redis url: %w", err)
	}
	if key == "" {
		key = DefaultLockKey
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisLocker{client: redis.NewClient(opt), key: key, ttl: ttl}, nil
}

// TryLock sets the lock key if absent.
func (l *RedisLocker) TryLock(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("sweep: acquire redis lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// Release must work even if the sweep's context was cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
	}
	return release, true, nil
}

// Close closes the redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
