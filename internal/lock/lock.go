package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"otp-auth/internal/bucketing"
)

// ErrNotAcquired is returned when a lock could not be taken before the
// context ended.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker serializes work per key. The returned release func is idempotent
// and must be called on every path.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

type keyLock struct {
	token chan struct{}
	refs  int
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// KeyedMutex is an in-process Locker. Keys hash onto independent shards so
// unrelated keys never wait on one another, and waiting honours ctx.
type KeyedMutex struct {
	shards []*shard
	bm     *bucketing.BucketingManager
}

func NewKeyedMutex(shards int, bm *bucketing.BucketingManager) *KeyedMutex {
	if shards <= 0 {
		shards = 64
	}
	km := &KeyedMutex{
		shards: make([]*shard, shards),
		bm:     bm,
	}
	for i := range km.shards {
		km.shards[i] = &shard{locks: make(map[string]*keyLock)}
	}
	return km
}

func (km *KeyedMutex) shardFor(key string) *shard {
	return km.shards[km.bm.Shard(key, len(km.shards))]
}

func (km *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	s := km.shardFor(key)

	s.mu.Lock()
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{token: make(chan struct{}, 1)}
		kl.token <- struct{}{}
		s.locks[key] = kl
	}
	kl.refs++
	s.mu.Unlock()

	select {
	case <-kl.token:
		var once sync.Once
		return func() {
			once.Do(func() {
				kl.token <- struct{}{}
				km.unref(s, key, kl)
			})
		}, nil
	case <-ctx.Done():
		km.unref(s, key, kl)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
	}
}

func (km *KeyedMutex) unref(s *shard, key string, kl *keyLock) {
	s.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(s.locks, key)
	}
	s.mu.Unlock()
}

// Held returns the number of keys currently locked or awaited.
func (km *KeyedMutex) Held() int {
	n := 0
	for _, s := range km.shards {
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
