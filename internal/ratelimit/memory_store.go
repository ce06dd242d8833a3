package ratelimit

import (
	"context"
	"sync"
	"time"

	"otp-auth/internal/bucketing"
	"otp-auth/internal/models"
)

type memShard struct {
	mu      sync.Mutex
	entries map[string]*models.RateLimitEntry
}

// MemoryStore keeps entries in process, sharded so that updates to
// different keys proceed in parallel.
type MemoryStore struct {
	shards []*memShard
	bm     *bucketing.BucketingManager
}

func NewMemoryStore(shards int, bm *bucketing.BucketingManager) *MemoryStore {
	if shards <= 0 {
		shards = 64
	}
	s := &MemoryStore{shards: make([]*memShard, shards), bm: bm}
	for i := range s.shards {
		s.shards[i] = &memShard{entries: make(map[string]*models.RateLimitEntry)}
	}
	return s
}

func entryKey(action, key string) string {
	return action + ":" + key
}

func (s *MemoryStore) Update(ctx context.Context, action, key string, fn func(e *models.RateLimitEntry) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := entryKey(action, key)
	sh := s.shards[s.bm.Shard(k, len(s.shards))]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	var e models.RateLimitEntry
	if cur, ok := sh.entries[k]; ok {
		e = *cur
	}
	if err := fn(&e); err != nil {
		return err
	}
	sh.entries[k] = &e
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			if e.Blocked(now) {
				st.BlockedKeys++
				st.ActiveEntries++
			} else if now.Before(e.ExpiresAt) {
				st.ActiveEntries++
			}
		}
		sh.mu.Unlock()
	}
	return st, nil
}

// Sweep never removes a blocked entry.
func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if !e.Blocked(now) && !now.Before(e.ExpiresAt) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Len is the raw number of stored entries, lapsed or not.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
