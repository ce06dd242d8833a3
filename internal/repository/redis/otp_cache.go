package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-auth/internal/client"
	"otp-auth/internal/hashing"
	"otp-auth/internal/provider"
	"otp-auth/internal/util"
)

const otpPrefix = "otp:"

// OTPCache holds hashed local-provider codes so any instance can check a
// code another instance sent.
type OTPCache struct {
	client *client.RedisClient
}

func NewOTPCache(client *client.RedisClient) *OTPCache {
	return &OTPCache{client: client}
}

func (c *OTPCache) Save(ctx context.Context, ref string, h *hashing.HashResult, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, otpPrefix+ref, payload, ttl); err != nil {
		util.Error("Failed to set OTP in cache", zap.String("ref", ref), zap.Duration("ttl", ttl), zap.Error(err))
		return fmt.Errorf("failed to set OTP in cache: %w", err)
	}
	return nil
}

func (c *OTPCache) Load(ctx context.Context, ref string) (*hashing.HashResult, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, otpPrefix+ref)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, provider.ErrCodeNotFound
		}
		util.Error("Failed to get OTP from cache", zap.String("ref", ref), zap.Error(err))
		return nil, fmt.Errorf("failed to get OTP from cache: %w", err)
	}

	var h hashing.HashResult
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("corrupt OTP entry %s: %w", ref, err)
	}
	return &h, nil
}

func (c *OTPCache) Delete(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, otpPrefix+ref); err != nil {
		util.Error("Failed to delete OTP from cache", zap.String("ref", ref), zap.Error(err))
		return fmt.Errorf("failed to delete OTP from cache: %w", err)
	}
	return nil
}
