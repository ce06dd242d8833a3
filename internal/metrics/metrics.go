package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	challenges      *prometheus.CounterVec
	verifications   *prometheus.CounterVec
	rateDecisions   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	providerRetries *prometheus.CounterVec
	auditPending    *prometheus.GaugeVec
	auditSpilled    *prometheus.CounterVec
	auditFailures   *prometheus.CounterVec
	limiterEntries  prometheus.Gauge
	limiterBlocked  prometheus.Gauge
	activeSessions  prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_challenges_total",
			Help: "OTP challenges started, by flow and outcome.",
		}, []string{"flow", "outcome"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_verifications_total",
			Help: "Code submissions, by outcome.",
		}, []string{"outcome"}),
		rateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_rate_limit_decisions_total",
			Help: "Rate limiter decisions, by action class.",
		}, []string{"action", "decision"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "otp_provider_call_duration_seconds",
			Help:    "Verification provider attempt latency.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		}, []string{"op", "result"}),
		providerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_provider_retries_total",
			Help: "Provider attempts retried after a transient failure.",
		}, []string{"op"}),
		auditPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "otp_audit_pending_events",
			Help: "Audit events queued per sink.",
		}, []string{"sink"}),
		auditSpilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_audit_spilled_events_total",
			Help: "Audit events written to the fallback log instead of their sink.",
		}, []string{"sink"}),
		auditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_audit_sink_failures_total",
			Help: "Failed audit sink writes (retried).",
		}, []string{"sink"}),
		limiterEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "otp_rate_limit_cache_size",
			Help: "Live rate limit entries.",
		}),
		limiterBlocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "otp_rate_limit_blocked_keys",
			Help: "Rate limit keys currently blocked.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "otp_active_sessions",
			Help: "Non-terminal OTP sessions.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "otp_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.challenges, m.verifications, m.rateDecisions,
		m.providerLatency, m.providerRetries,
		m.auditPending, m.auditSpilled, m.auditFailures,
		m.limiterEntries, m.limiterBlocked, m.activeSessions,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Challenge(flow, outcome string) {
	if m == nil {
		return
	}
	m.challenges.WithLabelValues(flow, outcome).Inc()
}

func (m *Metrics) Verification(outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RateDecision(action string, allowed bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.rateDecisions.WithLabelValues(action, decision).Inc()
}

func (m *Metrics) ProviderCall(op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(op, result).Observe(d.Seconds())
}

func (m *Metrics) ProviderRetry(op string) {
	if m == nil {
		return
	}
	m.providerRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) AuditPending(sink string, n int) {
	if m == nil {
		return
	}
	m.auditPending.WithLabelValues(sink).Set(float64(n))
}

func (m *Metrics) AuditSpilled(sink string, n int) {
	if m == nil {
		return
	}
	m.auditSpilled.WithLabelValues(sink).Add(float64(n))
}

func (m *Metrics) AuditFailure(sink string) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) LimiterStats(entries, blocked int) {
	if m == nil {
		return
	}
	m.limiterEntries.Set(float64(entries))
	m.limiterBlocked.Set(float64(blocked))
}

func (m *Metrics) ActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
