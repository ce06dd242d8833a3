package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-auth/internal/config"
	"otp-auth/internal/metrics"
	"otp-auth/internal/models"
	"otp-auth/internal/util"
)

// RetryPolicy decides whether and when a failed provider call is repeated.
// Backoff receives the 1-based retry number.
type RetryPolicy struct {
	MaxRetries int
	Backoff    func(retry int) time.Duration
	Retryable  func(err error) bool
}

// IsTransient reports failures that may succeed on a second try. Validation
// failures are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidPhone) || errors.Is(err, ErrQuotaExceeded) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// ExponentialBackoff doubles from base up to max.
func ExponentialBackoff(base, max time.Duration) func(int) time.Duration {
	return func(retry int) time.Duration {
		if base <= 0 {
			return 0
		}
		d := base
		for i := 1; i < retry; i++ {
			d *= 2
			if max > 0 && d >= max {
				return max
			}
		}
		return d
	}
}

func NewRetryPolicy(cfg config.ProviderConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		Backoff:    ExponentialBackoff(cfg.BackoffBase, cfg.BackoffMax),
		Retryable:  IsTransient,
	}
}

// RetryObserver is told about every retry before it is made. attempt is the
// number of the attempt about to run, starting at 2.
type RetryObserver func(ctx context.Context, op string, attempt int, cause error)

// Resilient wraps a provider with a hard per-attempt timeout and the retry
// policy. Exhausted or non-classified failures come back as
// ErrProviderUnavailable; the inner error is only logged.
type Resilient struct {
	inner    VerificationProvider
	policy   RetryPolicy
	timeout  time.Duration
	observer RetryObserver
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewResilient(inner VerificationProvider, policy RetryPolicy, timeout time.Duration, observer RetryObserver, m *metrics.Metrics) *Resilient {
	if policy.Retryable == nil {
		policy.Retryable = IsTransient
	}
	if policy.Backoff == nil {
		policy.Backoff = func(int) time.Duration { return 0 }
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Resilient{
		inner:    inner,
		policy:   policy,
		timeout:  timeout,
		observer: observer,
		metrics:  m,
		logger:   util.Named("provider"),
	}
}

func (r *Resilient) Name() string {
	return r.inner.Name()
}

func (r *Resilient) SendCode(ctx context.Context, phone string, flow models.Flow) (string, error) {
	return retry(ctx, r, "send", func(ctx context.Context) (string, error) {
		return r.inner.SendCode(ctx, phone, flow)
	})
}

func (r *Resilient) CheckCode(ctx context.Context, phone, code, ref string) (CheckResult, error) {
	return retry(ctx, r, "check", func(ctx context.Context) (CheckResult, error) {
		return r.inner.CheckCode(ctx, phone, code, ref)
	})
}

// Ping is a single attempt; health checks should not retry.
func (r *Resilient) Ping(ctx context.Context) error {
	_, err := attempt(ctx, r, "ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.Ping(ctx)
	})
	return err
}

func retry[T any](ctx context.Context, r *Resilient, op string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for n := 1; ; n++ {
		v, err := attempt(ctx, r, op, call)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if errors.Is(err, ErrInvalidPhone) || errors.Is(err, ErrQuotaExceeded) {
			return zero, err
		}
		if !r.policy.Retryable(err) || n > r.policy.MaxRetries || ctx.Err() != nil {
			break
		}

		if r.observer != nil {
			r.observer(ctx, op, n+1, err)
		}
		r.metrics.ProviderRetry(op)

		if wait := r.policy.Backoff(n); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, fmt.Errorf("%w: %s cancelled", ErrProviderUnavailable, op)
			case <-t.C:
			}
		}
	}

	r.logger.Warn("Provider call failed",
		zap.String("provider", r.inner.Name()),
		zap.String("op", op),
		zap.Error(lastErr))
	return zero, fmt.Errorf("%w: %s failed", ErrProviderUnavailable, op)
}

type result[T any] struct {
	v   T
	err error
}

// attempt runs call under its own deadline. The select makes the timeout
// hard even when the adapter ignores ctx.
func attempt[T any](ctx context.Context, r *Resilient, op string, call func(context.Context) (T, error)) (T, error) {
	actx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan result[T], 1)
	go func() {
		v, err := call(actx)
		done <- result[T]{v: v, err: err}
	}()

	var res result[T]
	select {
	case res = <-done:
	case <-actx.Done():
		// An answer that arrived together with the deadline still counts.
		select {
		case res = <-done:
		default:
			res.err = fmt.Errorf("%s attempt: %w", op, actx.Err())
		}
	}

	outcome := "ok"
	switch {
	case res.err == nil:
	case errors.Is(res.err, context.DeadlineExceeded):
		outcome = "timeout"
	default:
		outcome = "error"
	}
	r.metrics.ProviderCall(op, outcome, time.Since(start))
	return res.v, res.err
}
