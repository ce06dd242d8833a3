package service

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"otp-auth/internal/bucketing"
	"otp-auth/internal/encryption"
	"otp-auth/internal/models"
	"otp-auth/internal/util"
)

// UserDirectory maps a verified phone hash to a user, creating the user on
// first verification. The Scylla UserRepository satisfies it.
type UserDirectory interface {
	ResolveUser(ctx context.Context, phoneHash string, sealed *encryption.EncryptedData) (*models.User, error)
}

// MemoryDirectory is a process-local UserDirectory.
type MemoryDirectory struct {
	mu    sync.Mutex
	users map[string]*models.User
	bm    *bucketing.BucketingManager
	clock util.Clock
}

func NewMemoryDirectory(bm *bucketing.BucketingManager, clock util.Clock) *MemoryDirectory {
	if clock == nil {
		clock = util.SystemClock()
	}
	return &MemoryDirectory{users: make(map[string]*models.User), bm: bm, clock: clock}
}

func (d *MemoryDirectory) ResolveUser(_ context.Context, phoneHash string, sealed *encryption.EncryptedData) (*models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if u, ok := d.users[phoneHash]; ok {
		u.LastLogin = now
		cp := *u
		return &cp, nil
	}

	userID := uuid.NewString()
	u := &models.User{
		UserBucket: d.bm.GetUserBucket(userID),
		UserID:     userID,
		PhoneHash:  phoneHash,
		IsVerified: true,
		CreatedAt:  now,
		LastLogin:  now,
	}
	if sealed != nil {
		u.PhoneEncrypted = sealed.EncryptedValue
		u.PhoneKeyID = sealed.KeyID
	}
	d.users[phoneHash] = u
	cp := *u
	return &cp, nil
}

func (d *MemoryDirectory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.users)
}
