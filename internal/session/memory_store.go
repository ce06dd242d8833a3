package session

import (
	"context"
	"sync"
	"time"

	"otp-auth/internal/bucketing"
	"otp-auth/internal/models"
)

type memShard struct {
	mu       sync.Mutex
	sessions map[string]*models.OtpSession
	active   map[string]string
}

// MemoryStore keeps every session for a (phone hash, flow) pair in one shard,
// so supersession is a single-shard operation.
type MemoryStore struct {
	shards []*memShard
	ids    sync.Map // session id -> pair key
	bm     *bucketing.BucketingManager
}

func NewMemoryStore(shards int, bm *bucketing.BucketingManager) *MemoryStore {
	if shards <= 0 {
		shards = 64
	}
	s := &MemoryStore{shards: make([]*memShard, shards), bm: bm}
	for i := range s.shards {
		s.shards[i] = &memShard{
			sessions: make(map[string]*models.OtpSession),
			active:   make(map[string]string),
		}
	}
	return s
}

func (m *MemoryStore) shard(pair string) *memShard {
	return m.shards[m.bm.Shard(pair, len(m.shards))]
}

func (m *MemoryStore) shardForID(id string) (*memShard, bool) {
	pair, ok := m.ids.Load(id)
	if !ok {
		return nil, false
	}
	return m.shard(pair.(string)), true
}

func (m *MemoryStore) Create(ctx context.Context, s *models.OtpSession) (*models.OtpSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pair := pairKey(s.PhoneHash, s.Flow)
	if _, loaded := m.ids.LoadOrStore(s.ID, pair); loaded {
		return nil, ErrDuplicate
	}

	sh := m.shard(pair)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var superseded *models.OtpSession
	if prevID, ok := sh.active[pair]; ok {
		if prev, ok := sh.sessions[prevID]; ok && !prev.State.Terminal() {
			superseded = supersede(prev, s.CreatedAt)
			sh.sessions[prevID] = superseded
		}
	}

	sh.sessions[s.ID] = s.Clone()
	sh.active[pair] = s.ID
	return superseded.Clone(), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.OtpSession, error) {
	sh, ok := m.shardForID(id)
	if !ok {
		return nil, ErrNotFound
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) ActiveID(ctx context.Context, phoneHash string, flow models.Flow) (string, error) {
	pair := pairKey(phoneHash, flow)
	sh := m.shard(pair)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	id, ok := sh.active[pair]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn func(s *models.OtpSession) error) (*models.OtpSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, ok := m.shardForID(id)
	if !ok {
		return nil, ErrNotFound
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := ApplyUpdate(cur, fn)
	if err != nil {
		return nil, err
	}
	sh.sessions[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if !s.ExpiresAt.Before(cutoff) {
				continue
			}
			delete(sh.sessions, id)
			m.ids.Delete(id)
			pair := pairKey(s.PhoneHash, s.Flow)
			if sh.active[pair] == id {
				delete(sh.active, pair)
			}
			removed++
		}
		sh.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (m *MemoryStore) CountActive(ctx context.Context, now time.Time) (int, error) {
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, s := range sh.sessions {
			if s.Active(now) {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n, nil
}
