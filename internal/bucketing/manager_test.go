package bucketing

import (
	"fmt"
	"testing"
	"time"

	"otp-auth/internal/config"
)

func TestShardIsStableAndInRange(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{UserBuckets: 16, EventBuckets: 8})

	seen := make(map[int]bool)
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("phone-hash-%d", i)
		b := bm.GetUserBucket(key)
		if b < 0 || b >= 16 {
			t.Fatalf("bucket %d out of range", b)
		}
		if bm.GetUserBucket(key) != b {
			t.Fatalf("bucket for %s not stable", key)
		}
		seen[b] = true
	}
	if len(seen) < 12 {
		t.Fatalf("poor spread: %d of 16 buckets used", len(seen))
	}

	if got := bm.Shard("anything", 1); got != 0 {
		t.Fatalf("single shard must be 0, got %d", got)
	}
}

func TestDateBucketIsUTC(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{})
	loc := time.FixedZone("UTC+10", 10*3600)
	at := time.Date(2026, 3, 2, 5, 0, 0, 0, loc)
	if got := bm.GetDateBucket(at); got != "2026-03-01" {
		t.Fatalf("expected UTC date, got %s", got)
	}
}
