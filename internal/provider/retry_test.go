package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"otp-auth/internal/models"
)

type scriptedProvider struct {
	mu    sync.Mutex
	calls int
	// errs[i] is returned by call i; past the end calls succeed.
	errs  []error
	block bool
}

func (p *scriptedProvider) next(ctx context.Context) error {
	p.mu.Lock()
	i := p.calls
	p.calls++
	p.mu.Unlock()
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if i < len(p.errs) {
		return p.errs[i]
	}
	return nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) SendCode(ctx context.Context, phone string, flow models.Flow) (string, error) {
	if err := p.next(ctx); err != nil {
		return "", err
	}
	return "ref-1", nil
}

func (p *scriptedProvider) CheckCode(ctx context.Context, phone, code, ref string) (CheckResult, error) {
	if err := p.next(ctx); err != nil {
		return "", err
	}
	return Approved, nil
}

func (p *scriptedProvider) Ping(ctx context.Context) error {
	return p.next(ctx)
}

func (p *scriptedProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type retryRecord struct {
	op      string
	attempt int
	trace   Trace
}

func recordRetries() (RetryObserver, func() []retryRecord) {
	var mu sync.Mutex
	var got []retryRecord
	obs := func(ctx context.Context, op string, attempt int, cause error) {
		tr, _ := TraceFrom(ctx)
		mu.Lock()
		got = append(got, retryRecord{op: op, attempt: attempt, trace: tr})
		mu.Unlock()
	}
	return obs, func() []retryRecord {
		mu.Lock()
		defer mu.Unlock()
		return append([]retryRecord(nil), got...)
	}
}

func testPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, Backoff: ExponentialBackoff(time.Millisecond, 4*time.Millisecond), Retryable: IsTransient}
}

func TestTimeoutsAreRetriedThenUnavailable(t *testing.T) {
	inner := &scriptedProvider{block: true}
	obs, retries := recordRetries()
	r := NewResilient(inner, testPolicy(2), 20*time.Millisecond, obs, nil)

	ctx := WithTrace(context.Background(), Trace{RequestID: "req-1"})
	start := time.Now()
	_, err := r.SendCode(ctx, "+14155550100", models.FlowLogin)
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("inner error must not leak: %v", err)
	}
	if inner.count() != 3 {
		t.Fatalf("expected 1 call + 2 retries, got %d", inner.count())
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("per-attempt timeout not enforced")
	}

	got := retries()
	if len(got) != 2 || got[0].attempt != 2 || got[1].attempt != 3 {
		t.Fatalf("unexpected retry records %+v", got)
	}
	for _, rec := range got {
		if rec.op != "send" || rec.trace.RequestID != "req-1" {
			t.Fatalf("retry lost its trace: %+v", rec)
		}
	}
}

func TestValidationFailuresAreNotRetried(t *testing.T) {
	for _, cause := range []error{ErrInvalidPhone, ErrQuotaExceeded} {
		inner := &scriptedProvider{errs: []error{cause}}
		obs, retries := recordRetries()
		r := NewResilient(inner, testPolicy(2), time.Second, obs, nil)

		_, err := r.SendCode(context.Background(), "+14155550100", models.FlowLogin)
		if !errors.Is(err, cause) {
			t.Fatalf("expected %v, got %v", cause, err)
		}
		if inner.count() != 1 || len(retries()) != 0 {
			t.Fatalf("%v must not be retried", cause)
		}
	}
}

func TestTransientFailureRecovers(t *testing.T) {
	inner := &scriptedProvider{errs: []error{ErrTransient}}
	obs, retries := recordRetries()
	r := NewResilient(inner, testPolicy(2), time.Second, obs, nil)

	res, err := r.CheckCode(context.Background(), "+14155550100", "123456", "ref")
	if err != nil || res != Approved {
		t.Fatalf("expected approval after retry, got %v %v", res, err)
	}
	if len(retries()) != 1 {
		t.Fatalf("expected one retry, got %d", len(retries()))
	}
}

func TestUnclassifiedErrorIsNotRetried(t *testing.T) {
	inner := &scriptedProvider{errs: []error{errors.New("bad request")}}
	r := NewResilient(inner, testPolicy(2), time.Second, nil, nil)

	_, err := r.SendCode(context.Background(), "+14155550100", models.FlowLogin)
	if !errors.Is(err, ErrProviderUnavailable) || inner.count() != 1 {
		t.Fatalf("expected single attempt surfaced as unavailable, got %v after %d", err, inner.count())
	}
}

func TestPingDoesNotRetry(t *testing.T) {
	inner := &scriptedProvider{errs: []error{ErrTransient, ErrTransient}}
	r := NewResilient(inner, testPolicy(2), time.Second, nil, nil)

	if err := r.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping failure")
	}
	if inner.count() != 1 {
		t.Fatalf("ping should be a single attempt, got %d", inner.count())
	}
}

func TestExponentialBackoffCaps(t *testing.T) {
	b := ExponentialBackoff(100*time.Millisecond, 300*time.Millisecond)
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := b(i + 1); got != w {
			t.Fatalf("retry %d: expected %v, got %v", i+1, w, got)
		}
	}
}
