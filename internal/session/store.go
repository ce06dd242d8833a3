package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"otp-auth/internal/models"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrTerminal  = errors.New("session is in a terminal state")
	ErrConflict  = errors.New("session changed concurrently")
	ErrDuplicate = errors.New("session id already exists")
)

// Store persists OTP sessions and the active-session index per
// (phone hash, flow).
type Store interface {
	// Create stores s and makes it the active session for its pair. A prior
	// non-terminal session for the pair is moved to Expired and returned.
	Create(ctx context.Context, s *models.OtpSession) (superseded *models.OtpSession, err error)
	Get(ctx context.Context, id string) (*models.OtpSession, error)
	// ActiveID returns the id indexed for the pair, which may have since
	// reached a terminal state.
	ActiveID(ctx context.Context, phoneHash string, flow models.Flow) (string, error)
	// Update applies fn atomically. A session already in a terminal state
	// cannot change state.
	Update(ctx context.Context, id string, fn func(s *models.OtpSession) error) (*models.OtpSession, error)
	// Sweep deletes sessions whose expiry is before cutoff.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
	CountActive(ctx context.Context, now time.Time) (int, error)
}

func pairKey(phoneHash string, flow models.Flow) string {
	return phoneHash + ":" + string(flow)
}

// ApplyUpdate runs fn on a copy of cur and enforces terminal immutability.
func ApplyUpdate(cur *models.OtpSession, fn func(s *models.OtpSession) error) (*models.OtpSession, error) {
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.ID != cur.ID || next.PhoneHash != cur.PhoneHash || next.Flow != cur.Flow {
		return nil, fmt.Errorf("session identity is immutable")
	}
	if cur.State.Terminal() && next.State != cur.State {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, cur.State)
	}
	return next, nil
}

// supersede marks prev as replaced at now.
func supersede(prev *models.OtpSession, now time.Time) *models.OtpSession {
	next := prev.Clone()
	next.State = models.StateExpired
	next.UpdatedAt = now
	return next
}
