package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"otp-auth/internal/bucketing"
	"otp-auth/internal/config"
)

func newTestMutex() *KeyedMutex {
	return NewKeyedMutex(8, bucketing.NewBucketingManager(config.BucketingConfig{}))
}

func TestSameKeyIsSerialized(t *testing.T) {
	km := newTestMutex()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := km.Lock(context.Background(), "session-1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			defer release()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxInside)
	}
	if km.Held() != 0 {
		t.Fatalf("expected lock table to drain, %d left", km.Held())
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	km := newTestMutex()
	release, err := km.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	releaseB, err := km.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("lock b should not wait on a: %v", err)
	}
	releaseB()
}

func TestCancelledWaiterGivesUp(t *testing.T) {
	km := newTestMutex()
	release, _ := km.Lock(context.Background(), "k")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := km.Lock(ctx, "k"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}

	release()
	release()

	again, err := km.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("relock after release: %v", err)
	}
	again()
	if km.Held() != 0 {
		t.Fatalf("expected empty table, got %d", km.Held())
	}
}
