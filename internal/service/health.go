package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"otp-auth/internal/audit"
	"otp-auth/internal/ratelimit"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"

	healthTimeout = 5 * time.Second
)

// HealthReport is what the health check returns.
type HealthReport struct {
	Status            string          `json:"status"`
	Provider          string          `json:"provider"`
	ProviderReachable bool            `json:"provider_reachable"`
	RateLimiter       ratelimit.Stats `json:"rate_limiter"`
	ActiveSessions    int             `json:"active_sessions"`
	Audit             audit.Stats     `json:"audit"`
	CheckedAt         time.Time       `json:"checked_at"`
}

// Health pings the provider and collects limiter and session stats
// concurrently. An unreachable provider degrades the report; a failing store
// makes it unhealthy and is returned as the error.
func (s *OtpService) Health(ctx context.Context) (*HealthReport, error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	report := &HealthReport{
		Provider:  s.raw.Name(),
		CheckedAt: s.clock.Now(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.provider.Ping(gctx); err != nil {
			s.logger.Warn("Provider unreachable", zap.String("provider", s.raw.Name()), zap.Error(err))
			return nil
		}
		report.ProviderReachable = true
		return nil
	})
	g.Go(func() error {
		st, err := s.limiter.Stats(gctx)
		if err != nil {
			return fmt.Errorf("rate limiter stats: %w", err)
		}
		report.RateLimiter = st
		return nil
	})
	g.Go(func() error {
		n, err := s.sessions.CountActive(gctx, s.clock.Now())
		if err != nil {
			return fmt.Errorf("session stats: %w", err)
		}
		report.ActiveSessions = n
		s.metrics.ActiveSessions(n)
		return nil
	})
	err := g.Wait()

	report.Audit = s.audit.Stats()
	switch {
	case err != nil:
		report.Status = StatusUnhealthy
	case !report.ProviderReachable:
		report.Status = StatusDegraded
	default:
		report.Status = StatusHealthy
	}
	return report, err
}

// codeSweeper is implemented by providers that keep codes in process.
type codeSweeper interface {
	Sweep(now time.Time) int
}

// Sweep evicts lapsed rate limit entries, sessions past retention and, for
// the local provider, lapsed codes.
func (s *OtpService) Sweep(ctx context.Context) error {
	now := s.clock.Now()

	entries, err := s.limiter.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("rate limit sweep: %w", err)
	}
	sessions, err := s.sessions.Sweep(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		return fmt.Errorf("session sweep: %w", err)
	}
	codes := 0
	if cs, ok := s.raw.(codeSweeper); ok {
		codes = cs.Sweep(now)
	}

	if entries+sessions+codes > 0 {
		s.logger.Info("Sweep completed",
			zap.Int("rate_limit_entries", entries),
			zap.Int("sessions", sessions),
			zap.Int("codes", codes))
	}
	return nil
}

// RunSweeper sweeps every interval until ctx ends.
func (s *OtpService) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Warn("Sweep failed", zap.Error(err))
			}
		}
	}
}
