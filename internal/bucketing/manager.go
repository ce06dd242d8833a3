package bucketing

import (
	"hash"
	"sync"
	"time"

	"otp-auth/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager maps identifiers onto fixed bucket ranges with murmur3.
// Buckets spread Scylla partitions and lock shards.
type BucketingManager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

type BucketAssignment struct {
	UserBucket  int    `json:"user_bucket"`
	EventBucket int    `json:"event_bucket"`
	DateBucket  string `json:"date_bucket"`
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	bm := &BucketingManager{
		userBuckets:  cfg.UserBuckets,
		eventBuckets: cfg.EventBuckets,
	}
	if bm.userBuckets <= 0 {
		bm.userBuckets = 256
	}
	if bm.eventBuckets <= 0 {
		bm.eventBuckets = 64
	}

	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetUserBucket returns the users/phone_to_user partition bucket for a key.
func (bm *BucketingManager) GetUserBucket(key string) int {
	return bm.Shard(key, bm.userBuckets)
}

// GetEventBucket returns the audit partition bucket for a request id.
func (bm *BucketingManager) GetEventBucket(requestID string) int {
	return bm.Shard(requestID, bm.eventBuckets)
}

// GetDateBucket returns the UTC day partition for t.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) GetBucketAssignment(userKey, requestID string, at time.Time) *BucketAssignment {
	return &BucketAssignment{
		UserBucket:  bm.GetUserBucket(userKey),
		EventBucket: bm.GetEventBucket(requestID),
		DateBucket:  bm.GetDateBucket(at),
	}
}

// Shard returns a stable index in [0, n).
func (bm *BucketingManager) Shard(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(bm.getHash(key) % uint64(n))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

func (bm *BucketingManager) GetUserBuckets() int {
	return bm.userBuckets
}

func (bm *BucketingManager) GetEventBuckets() int {
	return bm.eventBuckets
}
