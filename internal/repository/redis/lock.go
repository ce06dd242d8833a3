package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"otp-auth/internal/client"
	"otp-auth/internal/lock"
	"otp-auth/internal/util"
)

const lockPrefix = "otp_lock:"

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a lock.Locker over SET NX PX. The TTL bounds how long a crashed
// holder can keep a key; it must exceed the slowest provider call chain.
type Locker struct {
	client *client.RedisClient
	ttl    time.Duration
	poll   time.Duration
}

func NewLocker(client *client.RedisClient, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	return &Locker{client: client, ttl: ttl, poll: 25 * time.Millisecond}
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	k := lockPrefix + key

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", lock.ErrNotAcquired, key)
			}
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			break
		}

		t := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: %s", lock.ErrNotAcquired, key)
		case <-t.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			if _, err := l.client.Eval(rctx, releaseScript, []string{k}, token); err != nil && !errors.Is(err, redis.Nil) {
				util.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}
