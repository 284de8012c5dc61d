package idempotency

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sparkle-hq/jobcore/internal/shared"
)

const lockPollInterval = 25 * time.Millisecond

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker implements Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	client  *redis.Client
	maxWait time.Duration
}

// NewRedisLocker constructs a RedisLocker. maxWait bounds how long a second
// caller waits for the first to finish before giving up with ErrRequestInFlight.
func NewRedisLocker(client *redis.Client, maxWait time.Duration) *RedisLocker {
	return &RedisLocker{client: client, maxWait: maxWait}
}

// Acquire takes the lock or waits for up to maxWait.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(l.maxWait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				// release with a fresh context so a cancelled request still unlocks
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, shared.ErrRequestInFlight
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// LocalLocker is an in-process Locker for the memory driver and tests.
type LocalLocker struct {
	mu      sync.Mutex
	held    map[string]chan struct{}
	maxWait time.Duration
}

// NewLocalLocker constructs a LocalLocker.
func NewLocalLocker(maxWait time.Duration) *LocalLocker {
	return &LocalLocker{held: make(map[string]chan struct{}), maxWait: maxWait}
}

// Acquire takes the key lock; ttl is ignored because the process owns the lock.
func (l *LocalLocker) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()
	for {
		l.mu.Lock()
		wait, busy := l.held[key]
		if !busy {
			done := make(chan struct{})
			l.held[key] = done
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(done)
				})
			}, nil
		}
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, shared.ErrRequestInFlight
		case <-wait:
		}
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
