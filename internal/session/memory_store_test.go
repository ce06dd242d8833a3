package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"otp-auth/internal/bucketing"
	"otp-auth/internal/config"
	"otp-auth/internal/models"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newSession(id, phoneHash string, flow models.Flow, at time.Time) *models.OtpSession {
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

func newTestStore() *MemoryStore {
	return NewMemoryStore(4, bucketing.NewBucketingManager(config.BucketingConfig{}))
}

func TestCreateSupersedesActiveSession(t *testing.T) {
	testSupersede(t, newTestStore())
}

func testSupersede(t *testing.T, store Store) {
	ctx := context.Background()

	prev, err := store.Create(ctx, newSession("s1", "ph", models.FlowLogin, epoch))
	if err != nil || prev != nil {
		t.Fatalf("first create: prev=%v err=%v", prev, err)
	}

	prev, err = store.Create(ctx, newSession("s2", "ph", models.FlowLogin, epoch.Add(time.Minute)))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if prev == nil || prev.ID != "s1" || prev.State != models.StateExpired {
		t.Fatalf("expected s1 superseded, got %+v", prev)
	}

	old, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get s1: %v", err)
	}
	if old.State != models.StateExpired {
		t.Fatalf("s1 should be Expired, got %s", old.State)
	}

	id, err := store.ActiveID(ctx, "ph", models.FlowLogin)
	if err != nil || id != "s2" {
		t.Fatalf("expected s2 active, got %q err=%v", id, err)
	}

	// A different flow for the same phone is a separate pair.
	prev, err = store.Create(ctx, newSession("s3", "ph", models.FlowRegistration, epoch))
	if err != nil || prev != nil {
		t.Fatalf("registration must not supersede login: prev=%v err=%v", prev, err)
	}

	n, err := store.CountActive(ctx, epoch.Add(2*time.Minute))
	if err != nil || n != 2 {
		t.Fatalf("expected 2 active sessions, got %d err=%v", n, err)
	}

	// s3 lapses after epoch+10m, not at it.
	n, err = store.CountActive(ctx, epoch.Add(10*time.Minute))
	if err != nil || n != 2 {
		t.Fatalf("expected 2 active sessions at s3 expiry, got %d err=%v", n, err)
	}
	n, err = store.CountActive(ctx, epoch.Add(10*time.Minute+time.Second))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 active session after s3 expiry, got %d err=%v", n, err)
	}
}

func TestTerminalStateIsImmutable(t *testing.T) {
	testTerminalImmutable(t, newTestStore())
}

func testTerminalImmutable(t *testing.T, store Store) {
	ctx := context.Background()
	store.Create(ctx, newSession("s1", "ph", models.FlowLogin, epoch))

	_, err := store.Update(ctx, "s1", func(s *models.OtpSession) error {
		s.State = models.StateVerified
		s.UserID = "user-1"
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	_, err = store.Update(ctx, "s1", func(s *models.OtpSession) error {
		s.State = models.StateCodeSent
		return nil
	})
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}

	got, _ := store.Get(ctx, "s1")
	if got.State != models.StateVerified || got.UserID != "user-1" {
		t.Fatalf("session changed after terminal state: %+v", got)
	}

	// A terminal session is not superseded.
	prev, err := store.Create(ctx, newSession("s2", "ph", models.FlowLogin, epoch))
	if err != nil || prev != nil {
		t.Fatalf("terminal session must not be superseded: prev=%v err=%v", prev, err)
	}
}

func TestUpdateErrorLeavesSessionUntouched(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	store.Create(ctx, newSession("s1", "ph", models.FlowLogin, epoch))

	boom := errors.New("boom")
	_, err := store.Update(ctx, "s1", func(s *models.OtpSession) error {
		s.AttemptsRemaining = 0
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	got, _ := store.Get(ctx, "s1")
	if got.AttemptsRemaining != 5 {
		t.Fatalf("failed update must not persist, got %d", got.AttemptsRemaining)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	store.Create(ctx, newSession("s1", "ph", models.FlowLogin, epoch))

	got, _ := store.Get(ctx, "s1")
	got.State = models.StateVerified

	again, _ := store.Get(ctx, "s1")
	if again.State != models.StateCodeSent {
		t.Fatalf("store state leaked through returned pointer")
	}
}

func TestSweepRemovesOldSessions(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	store.Create(ctx, newSession("old", "a", models.FlowLogin, epoch))
	store.Create(ctx, newSession("new", "b", models.FlowLogin, epoch.Add(time.Hour)))

	removed, err := store.Sweep(ctx, epoch.Add(30*time.Minute))
	if err != nil || removed != 1 {
		t.Fatalf("expected one removal, got %d err=%v", removed, err)
	}
	if _, err := store.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old session gone, got %v", err)
	}
	if _, err := store.ActiveID(ctx, "a", models.FlowLogin); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected index cleared, got %v", err)
	}
	if _, err := store.Get(ctx, "new"); err != nil {
		t.Fatalf("new session must survive: %v", err)
	}
}
