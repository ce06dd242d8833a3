package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Challenge("login", "success")
	m.RateDecision("login-send", false)
	m.ProviderCall("send", "ok", time.Second)
	m.LimiterStats(1, 1)
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Challenge("login", "success")
	m.RateDecision("login-send", false)
	m.LimiterStats(4, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`otp_challenges_total{flow="login",outcome="success"} 1`,
		`otp_rate_limit_decisions_total{action="login-send",decision="denied"} 1`,
		`otp_rate_limit_cache_size 4`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
