package factory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"otp-auth/internal/config"
	"otp-auth/internal/handler"
	"otp-auth/internal/models"
	"otp-auth/internal/service"
	"otp-auth/internal/util"
)

func baseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("LOGGING_LEVEL", "error")
	t.Setenv("TOKEN_SIGNING_KEY", "factory-test-signing-key-0123456789abcdef")
	t.Setenv("HASHING_PHONE_SALT", "factory-test-salt")
	t.Setenv("HASHING_ARGON2_MEMORY_COST", "1024")
	t.Setenv("HASHING_ARGON2_PARALLELISM", "1")
}

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	f, err := NewFactoryWithConfig(cfg)
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func post(t *testing.T, h http.Handler, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s response: %v (%s)", path, err, rec.Body.String())
	}
	return rec, out
}

func TestMemoryStackServesChallengeAndVerify(t *testing.T) {
	baseEnv(t)
	f := newTestFactory(t)

	otp, err := f.ServiceFactory().OtpService()
	if err != nil {
		t.Fatalf("otp service: %v", err)
	}
	router := handler.NewRouter(handler.NewOTPHandler(otp, util.Get()), f.Metrics(), handler.RouterConfig{}, util.Get())

	rec, body := post(t, router, "/api/v1/otp/challenges", `{"phone":"+1 415 555 0100"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	data, _ := body["data"].(map[string]interface{})
	sessionID, _ := data["session_id"].(string)
	if sessionID == "" || data["status"] != string(models.StateCodeSent) {
		t.Fatalf("unexpected challenge body %v", body)
	}

	rec, body = post(t, router, "/api/v1/otp/verify", `{"session_id":"`+sessionID+`","code":"12"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
	if body["attempts_remaining"] != float64(4) {
		t.Fatalf("expected 4 attempts remaining, got %v", body["attempts_remaining"])
	}

	if !f.IsHealthy(context.Background()) {
		t.Fatalf("memory stack has no backends and should be healthy")
	}
}

func TestRedisStack(t *testing.T) {
	mr := miniredis.RunT(t)
	baseEnv(t)
	t.Setenv("STORAGE_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	f := newTestFactory(t)

	otp, err := f.ServiceFactory().OtpService()
	if err != nil {
		t.Fatalf("otp service: %v", err)
	}
	ch, err := otp.StartChallenge(context.Background(), "+14155550101", models.FlowLogin, models.ClientMeta{})
	if err != nil {
		t.Fatalf("start challenge: %v", err)
	}
	if ch.State != models.StateCodeSent {
		t.Fatalf("expected CodeSent, got %s", ch.State)
	}
	if len(mr.Keys()) == 0 {
		t.Fatalf("expected session and rate limit state in redis")
	}

	report, err := otp.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if report.Status != service.StatusHealthy || report.ActiveSessions != 1 {
		t.Fatalf("unexpected health report %+v", report)
	}
	if errs := f.HealthCheck(context.Background()); len(errs) != 0 {
		t.Fatalf("unexpected backend errors %v", errs)
	}
}

func TestUnreachableRedisFailsStartup(t *testing.T) {
	baseEnv(t)
	t.Setenv("STORAGE_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://127.0.0.1:1")

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, err := NewFactoryWithConfig(cfg); err == nil {
		t.Fatalf("expected startup to fail without redis")
	}
}

func TestMisconfigurationIsRejected(t *testing.T) {
	cases := map[string]map[string]string{
		"short signing key":   {"TOKEN_SIGNING_KEY": "short"},
		"unknown provider":    {"PROVIDER_KIND": "carrier-pigeon"},
		"unknown sink":        {"AUDIT_SINKS": "stdout"},
		"scylla sink without": {"AUDIT_SINKS": "scylla"},
		"memory in prod":      {"ENVIRONMENT": "production", "KMS_LOCAL_KEY": "a2V5"},
		"twilio without sid":  {"PROVIDER_KIND": "twilio"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			baseEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := config.LoadConfig()
			if !errors.Is(err, config.ErrMisconfigured) {
				t.Fatalf("expected misconfiguration, got %v", err)
			}
		})
	}
}
