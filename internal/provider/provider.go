package provider

import (
	"context"
	"errors"

	"otp-auth/internal/models"
)

var (
	ErrProviderUnavailable = errors.New("verification provider unavailable")
	ErrInvalidPhone        = errors.New("provider rejected phone number")
	ErrQuotaExceeded       = errors.New("provider quota exceeded")
	// ErrTransient marks failures worth retrying: network errors, timeouts,
	// 5xx and throttling responses.
	ErrTransient = errors.New("transient provider failure")
)

// CheckResult is the provider's verdict on a submitted code.
type CheckResult string

const (
	Approved CheckResult = "approved"
	Denied   CheckResult = "denied"
	Expired  CheckResult = "expired"
)

// VerificationProvider delivers codes and checks submissions. phone is the
// normalized E.164 number; ref is whatever SendCode returned for the
// challenge.
type VerificationProvider interface {
	SendCode(ctx context.Context, phone string, flow models.Flow) (ref string, err error)
	CheckCode(ctx context.Context, phone, code, ref string) (CheckResult, error)
	Ping(ctx context.Context) error
	Name() string
}

// Trace identifies the request a provider call belongs to, so retries can be
// reported against it.
type Trace struct {
	RequestID string
	SessionID string
	PhoneHash string
	Flow      models.Flow
	Client    models.ClientMeta
}

type traceKey struct{}

func WithTrace(ctx context.Context, t Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

func TraceFrom(ctx context.Context) (Trace, bool) {
	t, ok := ctx.Value(traceKey{}).(Trace)
	return t, ok
}
