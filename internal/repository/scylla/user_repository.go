package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-auth/internal/bucketing"
	"otp-auth/internal/encryption"
	"otp-auth/internal/models"
	"otp-auth/internal/util"
)

// UserRepository maps verified phone hashes to user ids. phone_to_user is
// the lookup table; users is bucketed by user id.
type UserRepository struct {
	client *ScyllaClient
	bm     *bucketing.BucketingManager
}

func NewUserRepository(client *ScyllaClient, bm *bucketing.BucketingManager) *UserRepository {
	return &UserRepository{client: client, bm: bm}
}

// ResolveUser returns the user for phoneHash, creating it on first
// verification. The phone_to_user insert is a lightweight transaction so two
// instances racing on a new phone agree on one user id.
func (r *UserRepository) ResolveUser(ctx context.Context, phoneHash string, sealed *encryption.EncryptedData) (*models.User, error) {
	now := time.Now().UTC()

	user, err := r.getByPhoneHash(ctx, phoneHash)
	if err == nil {
		r.touch(ctx, user, now)
		return user, nil
	}
	if !errors.Is(err, gocql.ErrNotFound) {
		return nil, err
	}

	userID := uuid.NewString()
	bucket := r.bm.GetUserBucket(userID)

	existing := map[string]interface{}{}
	applied, err := r.client.Session.Query(stmtCreatePhoneToUser, phoneHash, bucket, userID, now).
		WithContext(ctx).MapScanCAS(existing)
	if err != nil {
		util.Error("Failed to create phone mapping", util.PhoneHash(phoneHash), zap.Error(err))
		return nil, fmt.Errorf("failed to create phone mapping: %w", err)
	}
	if !applied {
		winner := &models.User{PhoneHash: phoneHash, IsVerified: true}
		winner.UserBucket, _ = existing["user_bucket"].(int)
		winner.UserID, _ = existing["user_id"].(string)
		r.touch(ctx, winner, now)
		return winner, nil
	}

	user = &models.User{
		UserBucket: bucket,
		UserID:     userID,
		PhoneHash:  phoneHash,
		IsVerified: true,
		CreatedAt:  now,
		LastLogin:  now,
	}
	if sealed != nil {
		raw, err := json.Marshal(sealed)
		if err != nil {
			return nil, err
		}
		user.PhoneEncrypted = string(raw)
		user.PhoneKeyID = sealed.KeyID
	}

	q := r.client.Session.Query(stmtCreateUser,
		user.UserBucket, user.UserID, user.PhoneHash, user.PhoneEncrypted, user.PhoneKeyID,
		user.IsVerified, user.CreatedAt, user.LastLogin)
	if err := r.client.ExecuteWithRetry(ctx, q, 2); err != nil {
		util.Error("Failed to create user", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	util.Info("User created",
		zap.String("user_id", userID),
		zap.Int("user_bucket", bucket))
	return user, nil
}

func (r *UserRepository) getByPhoneHash(ctx context.Context, phoneHash string) (*models.User, error) {
	user := &models.User{PhoneHash: phoneHash}
	err := r.client.Session.Query(stmtGetPhoneToUser, phoneHash).
		WithContext(ctx).Scan(&user.UserBucket, &user.UserID)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, err
		}
		util.Error("Failed to get user by phone hash", util.PhoneHash(phoneHash), zap.Error(err))
		return nil, fmt.Errorf("failed to get user by phone hash: %w", err)
	}
	user.IsVerified = true
	return user, nil
}

func (r *UserRepository) touch(ctx context.Context, user *models.User, now time.Time) {
	user.LastLogin = now
	q := r.client.Session.Query(stmtUpdateLastLogin, now, user.UserBucket, user.UserID)
	if err := r.client.ExecuteWithRetry(ctx, q, 1); err != nil {
		util.Warn("Failed to update last login", zap.String("user_id", user.UserID), zap.Error(err))
	}
}
