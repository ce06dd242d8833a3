package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"otp-auth/internal/config"
	"otp-auth/internal/metrics"
	"otp-auth/internal/models"
	"otp-auth/internal/util"

	"go.uber.org/zap"
)

var ErrUnknownAction = errors.New("unknown rate limit action")

// Decision is the outcome of one limiter call.
type Decision struct {
	Allowed      bool
	Remaining    int
	RetryAfter   time.Duration
	BlockedUntil time.Time
}

// Stats feeds the health report.
type Stats struct {
	ActiveEntries int `json:"active_entries"`
	BlockedKeys   int `json:"blocked_keys"`
}

// Store persists entries. Update must run fn and write its result as one
// atomic step per (action, key); fn receives a zero entry when none exists.
type Store interface {
	Update(ctx context.Context, action, key string, fn func(e *models.RateLimitEntry) error) error
	Stats(ctx context.Context, now time.Time) (Stats, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Limiter applies fixed-window policies per action class with temporary
// blocks once a window is exhausted.
type Limiter struct {
	store    Store
	policies map[string]config.RateLimitPolicy
	clock    util.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewLimiter(store Store, policies map[string]config.RateLimitPolicy, clock util.Clock, m *metrics.Metrics) *Limiter {
	if clock == nil {
		clock = util.SystemClock()
	}
	return &Limiter{
		store:    store,
		policies: policies,
		clock:    clock,
		metrics:  m,
		logger:   util.Named("ratelimit"),
	}
}

// Check reports whether one more request would be admitted without
// consuming it. A request that would exceed the limit still starts a block.
func (l *Limiter) Check(ctx context.Context, action, key string) (Decision, error) {
	return l.apply(ctx, action, key, false)
}

// Record consumes one request, denying it (and starting a block) when it
// would exceed the limit. Check and increment happen atomically.
func (l *Limiter) Record(ctx context.Context, action, key string) (Decision, error) {
	return l.apply(ctx, action, key, true)
}

func (l *Limiter) apply(ctx context.Context, action, key string, consume bool) (Decision, error) {
	policy, ok := l.policies[action]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	var d Decision
	err := l.store.Update(ctx, action, key, func(e *models.RateLimitEntry) error {
		now := l.clock.Now()
		e.ActionClass = action
		e.Key = key
		d = evaluate(e, policy, now, consume)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", action, err)
	}

	l.metrics.RateDecision(action, d.Allowed)
	if !d.Allowed {
		l.logger.Info("Rate limit denied",
			zap.String("action", action),
			util.PhoneHash(key),
			zap.Duration("retry_after", d.RetryAfter))
	}
	return d, nil
}

// evaluate mutates e in place for one request at now.
func evaluate(e *models.RateLimitEntry, p config.RateLimitPolicy, now time.Time, consume bool) Decision {
	if !e.BlockedUntil.IsZero() {
		if now.Before(e.BlockedUntil) {
			return Decision{RetryAfter: e.BlockedUntil.Sub(now), BlockedUntil: e.BlockedUntil}
		}
		resetWindow(e, now)
	}
	if e.WindowStart.IsZero() || !now.Before(e.WindowStart.Add(p.Window)) {
		resetWindow(e, now)
	}

	if e.Count+1 > p.Limit {
		block := p.Block
		if block <= 0 {
			block = e.WindowStart.Add(p.Window).Sub(now)
		}
		e.BlockedUntil = now.Add(block)
		e.ExpiresAt = laterOf(e.BlockedUntil, e.WindowStart.Add(p.Window))
		return Decision{RetryAfter: block, BlockedUntil: e.BlockedUntil}
	}

	if consume {
		e.Count++
	}
	e.ExpiresAt = e.WindowStart.Add(p.Window)
	return Decision{Allowed: true, Remaining: p.Limit - e.Count}
}

func resetWindow(e *models.RateLimitEntry, now time.Time) {
	e.WindowStart = now
	e.Count = 0
	e.BlockedUntil = time.Time{}
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// Stats returns live and blocked entry counts.
func (l *Limiter) Stats(ctx context.Context) (Stats, error) {
	st, err := l.store.Stats(ctx, l.clock.Now())
	if err != nil {
		return Stats{}, err
	}
	l.metrics.LimiterStats(st.ActiveEntries, st.BlockedKeys)
	return st, nil
}

// Sweep evicts entries whose window and block have both lapsed.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	return l.store.Sweep(ctx, l.clock.Now())
}

// Policy returns the configured policy for action.
func (l *Limiter) Policy(action string) (config.RateLimitPolicy, bool) {
	p, ok := l.policies[action]
	return p, ok
}
