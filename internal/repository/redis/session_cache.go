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
	"otp-auth/internal/session"
	"otp-auth/internal/util"
)

const (
	sessionPrefix       = "otp_session:"
	activeSessionPrefix = "otp_active:"
)

// SessionCache is the Redis session.Store. Session documents are JSON with
// a TTL of expiry plus retention; the active index is a plain key per
// (phone hash, flow).
type SessionCache struct {
	client    *client.RedisClient
	clock     util.Clock
	retention time.Duration
}

func NewSessionCache(client *client.RedisClient, clock util.Clock, retention time.Duration) *SessionCache {
	if clock == nil {
		clock = util.SystemClock()
	}
	return &SessionCache{client: client, clock: clock, retention: retention}
}

func sessionKey(id string) string {
	return sessionPrefix + id
}

func activeKey(phoneHash string, flow models.Flow) string {
	return activeSessionPrefix + phoneHash + ":" + string(flow)
}

func (c *SessionCache) ttl(s *models.OtpSession) time.Duration {
	ttl := s.ExpiresAt.Add(c.retention).Sub(c.clock.Now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func loadSession(ctx context.Context, tx *redis.Tx, id string) (*models.OtpSession, error) {
	raw, err := tx.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var s models.OtpSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("corrupt session %s: %w", id, err)
	}
	return &s, nil
}

func (c *SessionCache) Create(ctx context.Context, s *models.OtpSession) (*models.OtpSession, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	idx := activeKey(s.PhoneHash, s.Flow)
	var superseded *models.OtpSession

	txf := func(tx *redis.Tx) error {
		superseded = nil

		n, err := tx.Exists(ctx, sessionKey(s.ID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return session.ErrDuplicate
		}

		prevID, err := tx.Get(ctx, idx).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if prevID != "" {
			if err := tx.Watch(ctx, sessionKey(prevID)).Err(); err != nil {
				return err
			}
			prev, err := loadSession(ctx, tx, prevID)
			if err != nil && !errors.Is(err, session.ErrNotFound) {
				return err
			}
			if prev != nil && !prev.State.Terminal() {
				prev.State = models.StateExpired
				prev.UpdatedAt = s.CreatedAt
				superseded = prev
			}
		}

		payload, err := json.Marshal(s)
		if err != nil {
			return err
		}
		var prevPayload []byte
		if superseded != nil {
			if prevPayload, err = json.Marshal(superseded); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if superseded != nil {
				pipe.Set(ctx, sessionKey(superseded.ID), prevPayload, c.ttl(superseded))
			}
			pipe.Set(ctx, sessionKey(s.ID), payload, c.ttl(s))
			pipe.Set(ctx, idx, s.ID, c.ttl(s))
			return nil
		})
		return err
	}

	if err := c.withRetry(ctx, txf, idx, sessionKey(s.ID)); err != nil {
		if !errors.Is(err, session.ErrDuplicate) {
			util.Error("Failed to create OTP session",
				zap.String("session_id", s.ID),
				zap.Error(err))
		}
		return nil, err
	}

	util.Debug("OTP session stored",
		zap.String("session_id", s.ID),
		zap.String("flow", string(s.Flow)),
		zap.Bool("superseded", superseded != nil))
	return superseded, nil
}

func (c *SessionCache) Get(ctx context.Context, id string) (*models.OtpSession, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, sessionKey(id))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	var s models.OtpSession
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("corrupt session %s: %w", id, err)
	}
	return &s, nil
}

func (c *SessionCache) ActiveID(ctx context.Context, phoneHash string, flow models.Flow) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	id, err := c.client.Get(ctx, activeKey(phoneHash, flow))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return "", session.ErrNotFound
		}
		return "", fmt.Errorf("failed to get active session: %w", err)
	}
	return id, nil
}

func (c *SessionCache) Update(ctx context.Context, id string, fn func(s *models.OtpSession) error) (*models.OtpSession, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var updated *models.OtpSession
	txf := func(tx *redis.Tx) error {
		cur, err := loadSession(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := session.ApplyUpdate(cur, fn)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(id), payload, c.ttl(next))
			return nil
		})
		if err == nil {
			updated = next
		}
		return err
	}

	if err := c.withRetry(ctx, txf, sessionKey(id)); err != nil {
		return nil, err
	}
	return updated, nil
}

func (c *SessionCache) withRetry(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := c.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return session.ErrConflict
}

func (c *SessionCache) scanSessions(ctx context.Context, fn func(s *models.OtpSession)) error {
	return c.client.ScanAll(ctx, sessionPrefix+"*", 500, func(keys []string) error {
		vals, err := c.client.Client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for _, v := range vals {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var s models.OtpSession
			if err := json.Unmarshal([]byte(raw), &s); err != nil {
				continue
			}
			fn(&s)
		}
		return nil
	})
}

// Sweep deletes sessions that expired before cutoff. Redis TTLs normally get
// there first; this catches documents written with a longer retention.
func (c *SessionCache) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	var stale []*models.OtpSession
	err := c.scanSessions(ctx, func(s *models.OtpSession) {
		if s.ExpiresAt.Before(cutoff) {
			stale = append(stale, s)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan sessions: %w", err)
	}

	removed := 0
	for _, s := range stale {
		idx := activeKey(s.PhoneHash, s.Flow)
		err := c.client.Watch(ctx, func(tx *redis.Tx) error {
			activeID, err := tx.Get(ctx, idx).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, sessionKey(s.ID))
				if activeID == s.ID {
					pipe.Del(ctx, idx)
				}
				return nil
			})
			return err
		}, idx)
		if err != nil {
			if errors.Is(err, redis.TxFailedErr) {
				continue
			}
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		util.Info("Expired OTP sessions cleaned up", zap.Int("removed", removed))
	}
	return removed, nil
}

func (c *SessionCache) CountActive(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n := 0
	err := c.scanSessions(ctx, func(s *models.OtpSession) {
		if s.Active(now) {
			n++
		}
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}
