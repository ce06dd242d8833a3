package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"otp-auth/internal/lock"
)

func TestLockerExcludesAndReleases(t *testing.T) {
	c, mr := newTestClient(t)
	l := NewLocker(c, time.Minute)
	ctx := context.Background()

	release, err := l.Lock(ctx, "session:s1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	wctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(wctx, "session:s1"); !errors.Is(err, lock.ErrNotAcquired) {
		t.Fatalf("expected second holder to wait out, got %v", err)
	}

	other, err := l.Lock(ctx, "session:s2")
	if err != nil {
		t.Fatalf("unrelated key must not contend: %v", err)
	}
	other()

	release()
	release()
	if mr.Exists(lockPrefix + "session:s1") {
		t.Fatalf("lock key not released")
	}
	again, err := l.Lock(ctx, "session:s1")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()
}

func TestLockerReleaseKeepsForeignLock(t *testing.T) {
	c, mr := newTestClient(t)
	l := NewLocker(c, time.Second)
	ctx := context.Background()

	release, err := l.Lock(ctx, "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	// The lock lapses and another holder takes it.
	mr.FastForward(2 * time.Second)
	next, err := l.Lock(ctx, "k")
	if err != nil {
		t.Fatalf("relock after ttl: %v", err)
	}

	release()
	if !mr.Exists(lockPrefix + "k") {
		t.Fatalf("stale release removed the new holder's lock")
	}
	next()
}
