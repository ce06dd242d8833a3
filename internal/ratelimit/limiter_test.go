package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"otp-auth/internal/bucketing"
	"otp-auth/internal/config"
	"otp-auth/internal/util"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func defaultPolicies() map[string]config.RateLimitPolicy {
	return config.RateLimitsConfig{
		LoginSend:    config.RateLimitPolicy{Limit: 3, Window: time.Hour, Block: time.Hour},
		RegisterSend: config.RateLimitPolicy{Limit: 2, Window: time.Hour, Block: time.Hour},
		Verify:       config.RateLimitPolicy{Limit: 5, Window: time.Hour, Block: time.Hour},
		Resend:       config.RateLimitPolicy{Limit: 2, Window: time.Hour, Block: time.Hour},
	}.Policies()
}

func newTestLimiter() (*Limiter, *util.ManualClock, *MemoryStore) {
	clock := util.NewManualClock(epoch)
	store := NewMemoryStore(4, bucketing.NewBucketingManager(config.BucketingConfig{}))
	return NewLimiter(store, defaultPolicies(), clock, nil), clock, store
}

func TestFourthLoginSendIsDenied(t *testing.T) {
	l, clock, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Record(ctx, config.ActionLoginSend, "phone-a")
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if d.Remaining != 2-i {
			t.Fatalf("expected remaining %d, got %d", 2-i, d.Remaining)
		}
		clock.Advance(5 * time.Minute)
	}

	d, err := l.Record(ctx, config.ActionLoginSend, "phone-a")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if d.Allowed {
		t.Fatalf("fourth request must be denied")
	}
	if d.RetryAfter <= 0 || !d.BlockedUntil.After(clock.Now()) {
		t.Fatalf("expected future block, got %+v", d)
	}
}

func TestBlockHoldsUntilLapseThenResets(t *testing.T) {
	l, clock, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		l.Record(ctx, config.ActionResend, "k")
	}
	denied, _ := l.Record(ctx, config.ActionResend, "k")
	if denied.Allowed {
		t.Fatalf("expected block")
	}

	clock.Advance(59 * time.Minute)
	d, _ := l.Record(ctx, config.ActionResend, "k")
	if d.Allowed {
		t.Fatalf("blocked key must stay denied")
	}
	if d.RetryAfter != time.Minute {
		t.Fatalf("expected retry after 1m, got %v", d.RetryAfter)
	}

	clock.Advance(time.Minute)
	d, _ = l.Record(ctx, config.ActionResend, "k")
	if !d.Allowed || d.Remaining != 1 {
		t.Fatalf("expected fresh window after block lapse, got %+v", d)
	}
}

func TestWindowRollsOver(t *testing.T) {
	l, clock, _ := newTestLimiter()
	ctx := context.Background()

	l.Record(ctx, config.ActionRegisterSend, "k")
	l.Record(ctx, config.ActionRegisterSend, "k")
	clock.Advance(time.Hour)

	d, _ := l.Record(ctx, config.ActionRegisterSend, "k")
	if !d.Allowed || d.Remaining != 1 {
		t.Fatalf("expected new window, got %+v", d)
	}
}

func TestCheckDoesNotConsume(t *testing.T) {
	l, _, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, _ := l.Check(ctx, config.ActionLoginSend, "k")
		if !d.Allowed {
			t.Fatalf("check must not consume quota")
		}
	}
	for i := 0; i < 3; i++ {
		l.Record(ctx, config.ActionLoginSend, "k")
	}
	d, _ := l.Check(ctx, config.ActionLoginSend, "k")
	if d.Allowed {
		t.Fatalf("check at limit must deny")
	}
}

func TestActionsAndKeysAreIndependent(t *testing.T) {
	l, _, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		l.Record(ctx, config.ActionLoginSend, "a")
	}
	if d, _ := l.Record(ctx, config.ActionResend, "a"); !d.Allowed {
		t.Fatalf("resend must have its own bucket")
	}
	if d, _ := l.Record(ctx, config.ActionLoginSend, "b"); !d.Allowed {
		t.Fatalf("other key must not be affected")
	}
}

func TestUnknownAction(t *testing.T) {
	l, _, _ := newTestLimiter()
	if _, err := l.Record(context.Background(), "bogus", "k"); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestConcurrentRecordsNeverOverAdmit(t *testing.T) {
	l, _, _ := newTestLimiter()
	ctx := context.Background()

	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Record(ctx, config.ActionVerify, "hot-key")
			if err != nil {
				t.Errorf("record: %v", err)
				return
			}
			if d.Allowed {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	if allowed != 5 {
		t.Fatalf("expected exactly 5 admitted, got %d", allowed)
	}
}

func TestSweepAndStats(t *testing.T) {
	l, clock, store := newTestLimiter()
	ctx := context.Background()

	l.Record(ctx, config.ActionLoginSend, "idle")
	clock.Advance(30 * time.Minute)
	for i := 0; i < 4; i++ {
		l.Record(ctx, config.ActionRegisterSend, "blocked")
	}

	st, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.ActiveEntries != 2 || st.BlockedKeys != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}

	clock.Advance(30*time.Minute + time.Second)
	removed, err := l.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 || store.Len() != 1 {
		t.Fatalf("expected only the idle entry swept, removed=%d left=%d", removed, store.Len())
	}

	clock.Advance(30 * time.Minute)
	removed, _ = l.Sweep(ctx)
	if removed != 1 || store.Len() != 0 {
		t.Fatalf("expected lapsed block swept, removed=%d left=%d", removed, store.Len())
	}
}
