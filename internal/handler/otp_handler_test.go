package handler

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"otp-auth/internal/metrics"
	"otp-auth/internal/models"
	"otp-auth/internal/service"
)

type stubOTP struct {
	err      error
	gotPhone string
	gotFlow  models.Flow
	gotMeta  models.ClientMeta
	gotCode  string
	byPhone  bool
	health   *service.HealthReport
}

func (s *stubOTP) StartChallenge(_ context.Context, phone string, flow models.Flow, meta models.ClientMeta) (*service.Challenge, error) {
	s.gotPhone, s.gotFlow, s.gotMeta = phone, flow, meta
	if s.err != nil {
		return nil, s.err
	}
	return &service.Challenge{
		SessionID: "sess-1",
		RequestID: "req-1",
		State:     models.StateCodeSent,
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}, nil
}

func (s *stubOTP) SubmitCode(_ context.Context, sessionID, code string, meta models.ClientMeta) (*service.Verification, error) {
	s.gotCode, s.gotMeta = code, meta
	if s.err != nil {
		return nil, s.err
	}
	return &service.Verification{
		SessionID:  sessionID,
		UserID:     "user-1",
		Credential: &models.Credential{Token: "tok", TokenType: "Bearer", Subject: "user-1"},
	}, nil
}

func (s *stubOTP) SubmitCodeForPhone(ctx context.Context, phone string, flow models.Flow, code string, meta models.ClientMeta) (*service.Verification, error) {
	s.byPhone, s.gotPhone, s.gotFlow = true, phone, flow
	return s.SubmitCode(ctx, "sess-phone", code, meta)
}

func (s *stubOTP) ResendCode(ctx context.Context, sessionID string, meta models.ClientMeta) (*service.Challenge, error) {
	return s.StartChallenge(ctx, "", "", meta)
}

func (s *stubOTP) Health(context.Context) (*service.HealthReport, error) {
	return s.health, s.err
}

func newTestRouter(otp OTPService, requireTLS bool) (http.Handler, *metrics.Metrics) {
	m := metrics.New()
	h := NewOTPHandler(otp, zap.NewNop())
	return NewRouter(h, m, RouterConfig{RequireTLS: requireTLS}, zap.NewNop()), m
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "otp-test/1.0")
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
		}
	}
	return rec, resp
}

func TestStartChallengeAccepted(t *testing.T) {
	stub := &stubOTP{}
	router, _ := newTestRouter(stub, false)

	rec, resp := do(t, router, http.MethodPost, "/api/v1/otp/challenges", `{"phone":"+14155550100","flow":"Registration"}`)
	if rec.Code != http.StatusAccepted || !resp.Success {
		t.Fatalf("expected 202, got %d %s", rec.Code, rec.Body.String())
	}
	data := resp.Data.(map[string]interface{})
	if data["session_id"] != "sess-1" || data["request_id"] != "req-1" || data["status"] != "CodeSent" {
		t.Fatalf("unexpected body %v", data)
	}
	if n, _ := data["expires_in"].(float64); n <= 0 || n > 600 {
		t.Fatalf("unexpected expires_in %v", data["expires_in"])
	}
	if stub.gotFlow != models.FlowRegistration || stub.gotPhone != "+14155550100" {
		t.Fatalf("unexpected call %q %q", stub.gotPhone, stub.gotFlow)
	}
	if stub.gotMeta.IP != "203.0.113.7" || stub.gotMeta.UserAgent != "otp-test/1.0" {
		t.Fatalf("unexpected client meta %+v", stub.gotMeta)
	}
}

func TestStartChallengeDefaultsToLogin(t *testing.T) {
	stub := &stubOTP{}
	router, _ := newTestRouter(stub, false)
	do(t, router, http.MethodPost, "/api/v1/otp/challenges", `{"phone":"+14155550100"}`)
	if stub.gotFlow != models.FlowLogin {
		t.Fatalf("expected login flow, got %q", stub.gotFlow)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{service.ErrInvalidPhone, http.StatusBadRequest, "invalid_phone"},
		{service.ErrInvalidFlow, http.StatusBadRequest, "invalid_flow"},
		{&service.RateLimitedError{RetryAfter: 90500 * time.Millisecond}, http.StatusTooManyRequests, "rate_limited"},
		{service.ErrProviderUnavailable, http.StatusServiceUnavailable, "provider_unavailable"},
		{service.ErrSessionExpired, http.StatusGone, "session_expired"},
		{service.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
		{&service.CodeDeniedError{AttemptsRemaining: 0}, http.StatusUnauthorized, "code_denied"},
		{service.ErrBlocked, http.StatusForbidden, "blocked"},
		{fmt.Errorf("redis: dial tcp 10.0.0.5:6379: %w", context.DeadlineExceeded), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		router, _ := newTestRouter(&stubOTP{err: tc.err}, false)
		rec, resp := do(t, router, http.MethodPost, "/api/v1/otp/verify", `{"session_id":"s","code":"123456"}`)
		if rec.Code != tc.status || resp.Error != tc.code || resp.Success {
			t.Fatalf("%v: expected %d %s, got %d %+v", tc.err, tc.status, tc.code, rec.Code, resp)
		}
		if strings.Contains(rec.Body.String(), "10.0.0.5") {
			t.Fatalf("raw error text leaked: %s", rec.Body.String())
		}
	}
}

func TestRateLimitedSetsRetryAfter(t *testing.T) {
	router, _ := newTestRouter(&stubOTP{err: &service.RateLimitedError{RetryAfter: 90500 * time.Millisecond}}, false)
	rec, resp := do(t, router, http.MethodPost, "/api/v1/otp/challenges", `{"phone":"+14155550100"}`)
	if rec.Header().Get("Retry-After") != "91" || resp.RetryAfter != 91 {
		t.Fatalf("expected retry after 91s, got header %q body %d", rec.Header().Get("Retry-After"), resp.RetryAfter)
	}
}

func TestCodeDeniedReportsAttempts(t *testing.T) {
	router, _ := newTestRouter(&stubOTP{err: &service.CodeDeniedError{AttemptsRemaining: 3}}, false)
	_, resp := do(t, router, http.MethodPost, "/api/v1/otp/verify", `{"session_id":"s","code":"000000"}`)
	if resp.AttemptsRemaining == nil || *resp.AttemptsRemaining != 3 {
		t.Fatalf("expected 3 attempts remaining, got %+v", resp)
	}

	router, _ = newTestRouter(&stubOTP{err: &service.CodeDeniedError{AttemptsRemaining: 0}}, false)
	rec, _ := do(t, router, http.MethodPost, "/api/v1/otp/verify", `{"session_id":"s","code":"000000"}`)
	if !strings.Contains(rec.Body.String(), `"attempts_remaining":0`) {
		t.Fatalf("zero attempts must be reported, got %s", rec.Body.String())
	}
}

func TestVerifyByPhone(t *testing.T) {
	stub := &stubOTP{}
	router, _ := newTestRouter(stub, false)

	rec, resp := do(t, router, http.MethodPost, "/api/v1/otp/verify", `{"phone":"+14155550100","flow":"login","code":" 123456 "}`)
	if rec.Code != http.StatusOK || !stub.byPhone || stub.gotCode != "123456" {
		t.Fatalf("expected phone verification, got %d %+v", rec.Code, stub)
	}
	data := resp.Data.(map[string]interface{})
	cred := data["credential"].(map[string]interface{})
	if data["user_id"] != "user-1" || cred["token"] != "tok" || cred["token_type"] != "Bearer" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestVerifyRejectsBadBodies(t *testing.T) {
	router, _ := newTestRouter(&stubOTP{}, false)
	for _, body := range []string{`{"code":"123456"}`, `not json`, `{"session_id":"s","code":"1","extra":true}`} {
		rec, resp := do(t, router, http.MethodPost, "/api/v1/otp/verify", body)
		if rec.Code != http.StatusBadRequest || resp.Error != "invalid_request" {
			t.Fatalf("%q: expected 400 invalid_request, got %d %+v", body, rec.Code, resp)
		}
	}
}

func TestResendRoute(t *testing.T) {
	router, _ := newTestRouter(&stubOTP{}, false)
	rec, _ := do(t, router, http.MethodPost, "/api/v1/otp/challenges/sess-1/resend", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	stub := &stubOTP{health: &service.HealthReport{Status: service.StatusDegraded, Provider: "local"}}
	router, _ := newTestRouter(stub, false)
	rec, resp := do(t, router, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("degraded should still be 200, got %d", rec.Code)
	}

	stub.health = &service.HealthReport{Status: service.StatusUnhealthy}
	stub.err = context.DeadlineExceeded
	rec, _ = do(t, router, http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy should be 503, got %d", rec.Code)
	}
}

func TestMetricsEndpointCountsRoutes(t *testing.T) {
	router, _ := newTestRouter(&stubOTP{}, false)
	do(t, router, http.MethodPost, "/api/v1/otp/challenges", `{"phone":"+14155550100"}`)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	want := `otp_http_requests_total{method="POST",route="/api/v1/otp/challenges",status="202"} 1`
	if !strings.Contains(string(body), want) {
		t.Fatalf("metrics missing %q", want)
	}
}

func TestRequireTLS(t *testing.T) {
	router, _ := newTestRouter(&stubOTP{health: &service.HealthReport{Status: service.StatusHealthy}}, true)

	rec, _ := do(t, router, http.MethodGet, "/health", "")
	if rec.Code != http.StatusUpgradeRequired {
		t.Fatalf("expected 426 without TLS, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.TLS = &tls.ConnectionState{}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 over TLS, got %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	router, _ := newTestRouter(&stubOTP{}, false)
	rec, resp := do(t, router, http.MethodGet, "/nope", "")
	if rec.Code != http.StatusNotFound || resp.Error != "endpoint_not_found" {
		t.Fatalf("expected 404, got %d %+v", rec.Code, resp)
	}
}
