package models

import "time"

// Audit actions.
const (
	ActionSendOTP        = "send-otp"
	ActionVerifyOTP      = "verify-otp"
	ActionResendOTP      = "resend-otp"
	ActionRateLimited    = "rate-limited"
	ActionProviderRetry  = "provider-retry"
	ActionSessionExpired = "session-expired"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// ClientMeta is what the edge knows about the caller.
type ClientMeta struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// AuthEvent is one immutable audit record. It carries the phone hash only;
// raw numbers and codes never appear here.
type AuthEvent struct {
	RequestID string     `json:"request_id"`
	Timestamp time.Time  `json:"timestamp"`
	Action    string     `json:"action"`
	Outcome   string     `json:"outcome"`
	PhoneHash string     `json:"phone_hash"`
	Client    ClientMeta `json:"client"`
	LatencyMs int64      `json:"latency_ms"`
	SessionID string     `json:"session_id,omitempty"`
	Flow      Flow       `json:"flow,omitempty"`
	FromState State      `json:"from_state,omitempty"`
	ToState   State      `json:"to_state,omitempty"`
	Attempt   int        `json:"attempt,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
}
