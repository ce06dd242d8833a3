package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"otp-auth/internal/client"
	"otp-auth/internal/models"
	"otp-auth/internal/ratelimit"
	"otp-auth/internal/util"
)

const (
	rateLimitPrefix = "rate_limit:"
	maxTxRetries    = 10
	opTimeout       = 5 * time.Second
	// keys outlive their logical expiry a little so a late reader still
	// sees the block that caused a denial
	expiryGrace = time.Minute
)

// RateLimitCache is the Redis ratelimit.Store. Each update is an optimistic
// WATCH/MULTI transaction on the entry key, retried on contention.
type RateLimitCache struct {
	client *client.RedisClient
	clock  util.Clock
}

func NewRateLimitCache(client *client.RedisClient, clock util.Clock) *RateLimitCache {
	if clock == nil {
		clock = util.SystemClock()
	}
	return &RateLimitCache{client: client, clock: clock}
}

func rateLimitKey(action, key string) string {
	return rateLimitPrefix + action + ":" + key
}

func (c *RateLimitCache) Update(ctx context.Context, action, key string, fn func(e *models.RateLimitEntry) error) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	k := rateLimitKey(action, key)
	txf := func(tx *redis.Tx) error {
		var e models.RateLimitEntry
		raw, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("corrupt rate limit entry %s: %w", k, err)
			}
		}

		if err := fn(&e); err != nil {
			return err
		}

		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		ttl := e.ExpiresAt.Sub(c.clock.Now()) + expiryGrace
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, payload, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := c.client.Watch(ctx, txf, k)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		util.Error("Failed to update rate limit entry",
			zap.String("action", action),
			util.PhoneHash(key),
			zap.Error(err))
		return fmt.Errorf("failed to update rate limit entry: %w", err)
	}
	return fmt.Errorf("rate limit entry %s: too much contention", k)
}

func (c *RateLimitCache) loadAll(ctx context.Context, fn func(key string, e models.RateLimitEntry)) error {
	return c.client.ScanAll(ctx, rateLimitPrefix+"*", 500, func(keys []string) error {
		vals, err := c.client.Client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var e models.RateLimitEntry
			if err := json.Unmarshal([]byte(s), &e); err != nil {
				util.Warn("Skipping corrupt rate limit entry", zap.String("key", keys[i]))
				continue
			}
			fn(keys[i], e)
		}
		return nil
	})
}

func (c *RateLimitCache) Stats(ctx context.Context, now time.Time) (ratelimit.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var st ratelimit.Stats
	err := c.loadAll(ctx, func(_ string, e models.RateLimitEntry) {
		if e.Blocked(now) {
			st.BlockedKeys++
			st.ActiveEntries++
		} else if now.Before(e.ExpiresAt) {
			st.ActiveEntries++
		}
	})
	if err != nil {
		return ratelimit.Stats{}, fmt.Errorf("failed to collect rate limit stats: %w", err)
	}
	return st, nil
}

// Sweep removes lapsed entries that Redis has not yet expired. Blocked
// entries are left alone.
func (c *RateLimitCache) Sweep(ctx context.Context, now time.Time) (int, error) {
	var stale []string
	err := c.loadAll(ctx, func(key string, e models.RateLimitEntry) {
		if !e.Blocked(now) && !now.Before(e.ExpiresAt) {
			stale = append(stale, key)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan rate limits: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	// Re-check under WATCH so a concurrent update is not lost.
	removed := 0
	for _, k := range stale {
		err := c.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, k).Bytes()
			if err != nil {
				return err
			}
			var e models.RateLimitEntry
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			if e.Blocked(now) || now.Before(e.ExpiresAt) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, k)
				return nil
			})
			if err == nil {
				removed++
			}
			return err
		}, k)
		if err != nil && !errors.Is(err, redis.Nil) && !errors.Is(err, redis.TxFailedErr) {
			return removed, err
		}
	}

	util.Debug("Rate limit sweep completed", zap.Int("removed", removed))
	return removed, nil
}
