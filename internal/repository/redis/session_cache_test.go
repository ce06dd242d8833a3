package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"otp-auth/internal/models"
	"otp-auth/internal/session"
	"otp-auth/internal/util"
)

func newTestSession(id, phoneHash string, flow models.Flow, at time.Time) *models.OtpSession {
	return &models.OtpSession{
		ID:                id,
		PhoneHash:         phoneHash,
		Flow:              flow,
		State:             models.StateCodeSent,
		AttemptsRemaining: 5,
		CreatedAt:         at,
		UpdatedAt:         at,
		ExpiresAt:         at.Add(10 * time.Minute),
		RequestID:         "req-" + id,
	}
}

func newSessionCacheTest(t *testing.T) (*SessionCache, *util.ManualClock) {
	c, _ := newTestClient(t)
	clock := util.NewManualClock(epoch)
	return NewSessionCache(c, clock, time.Hour), clock
}

func TestSessionCacheSupersedes(t *testing.T) {
	store, _ := newSessionCacheTest(t)
	ctx := context.Background()

	prev, err := store.Create(ctx, newTestSession("s1", "ph", models.FlowLogin, epoch))
	if err != nil || prev != nil {
		t.Fatalf("first create: prev=%v err=%v", prev, err)
	}
	prev, err = store.Create(ctx, newTestSession("s2", "ph", models.FlowLogin, epoch.Add(time.Minute)))
	if err != nil || prev == nil || prev.ID != "s1" || prev.State != models.StateExpired {
		t.Fatalf("expected s1 superseded, got %+v err=%v", prev, err)
	}

	old, err := store.Get(ctx, "s1")
	if err != nil || old.State != models.StateExpired {
		t.Fatalf("s1 should be Expired, got %+v err=%v", old, err)
	}
	id, err := store.ActiveID(ctx, "ph", models.FlowLogin)
	if err != nil || id != "s2" {
		t.Fatalf("expected s2 active, got %q err=%v", id, err)
	}

	if _, err := store.Create(ctx, newTestSession("s2", "ph", models.FlowLogin, epoch)); !errors.Is(err, session.ErrDuplicate) {
		t.Fatalf("expected duplicate id rejection, got %v", err)
	}

	prev, err = store.Create(ctx, newTestSession("s3", "ph", models.FlowRegistration, epoch))
	if err != nil || prev != nil {
		t.Fatalf("other flow must not supersede: prev=%v err=%v", prev, err)
	}

	n, err := store.CountActive(ctx, epoch.Add(2*time.Minute))
	if err != nil || n != 2 {
		t.Fatalf("expected 2 active, got %d err=%v", n, err)
	}
}

func TestSessionCacheTerminalIsImmutable(t *testing.T) {
	store, _ := newSessionCacheTest(t)
	ctx := context.Background()
	store.Create(ctx, newTestSession("s1", "ph", models.FlowLogin, epoch))

	if _, err := store.Update(ctx, "s1", func(s *models.OtpSession) error {
		s.State = models.StateFailed
		s.AttemptsRemaining = 0
		return nil
	}); err != nil {
		t.Fatalf("fail session: %v", err)
	}

	_, err := store.Update(ctx, "s1", func(s *models.OtpSession) error {
		s.State = models.StateVerified
		return nil
	})
	if !errors.Is(err, session.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	got, _ := store.Get(ctx, "s1")
	if got.State != models.StateFailed {
		t.Fatalf("terminal session changed: %s", got.State)
	}

	if _, err := store.Update(ctx, "missing", func(*models.OtpSession) error { return nil }); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSessionCacheSweep(t *testing.T) {
	store, _ := newSessionCacheTest(t)
	ctx := context.Background()
	store.Create(ctx, newTestSession("old", "a", models.FlowLogin, epoch))
	store.Create(ctx, newTestSession("new", "b", models.FlowLogin, epoch.Add(time.Hour)))

	removed, err := store.Sweep(ctx, epoch.Add(30*time.Minute))
	if err != nil || removed != 1 {
		t.Fatalf("expected one removal, got %d err=%v", removed, err)
	}
	if _, err := store.Get(ctx, "old"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected old gone, got %v", err)
	}
	if _, err := store.ActiveID(ctx, "a", models.FlowLogin); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected index cleared, got %v", err)
	}
	if _, err := store.Get(ctx, "new"); err != nil {
		t.Fatalf("new session must survive: %v", err)
	}
}
