package models

import (
	"time"

	"otp-auth/internal/encryption"
)

// Flow is the business intent of a challenge.
type Flow string

const (
	FlowRegistration Flow = "registration"
	FlowLogin        Flow = "login"
	FlowResend       Flow = "resend"
)

func (f Flow) Valid() bool {
	switch f {
	case FlowRegistration, FlowLogin, FlowResend:
		return true
	}
	return false
}

// State of an OTP session.
type State string

const (
	StateCreated              State = "Created"
	StateCodeSent             State = "CodeSent"
	StateAwaitingVerification State = "AwaitingVerification"
	StateVerified             State = "Verified"
	StateExpired              State = "Expired"
	StateFailed               State = "Failed"
	StateBlocked              State = "Blocked"
)

// Terminal states never change once reached.
func (s State) Terminal() bool {
	switch s {
	case StateVerified, StateExpired, StateFailed, StateBlocked:
		return true
	}
	return false
}

// OtpSession is one challenge for a (PhoneHash, Flow) pair. The raw phone is
// only kept envelope-encrypted so the provider can be called at verification.
type OtpSession struct {
	ID                string                    `json:"id"`
	PhoneHash         string                    `json:"phone_hash"`
	Flow              Flow                      `json:"flow"`
	State             State                     `json:"state"`
	AttemptsRemaining int                       `json:"attempts_remaining"`
	CreatedAt         time.Time                 `json:"created_at"`
	UpdatedAt         time.Time                 `json:"updated_at"`
	ExpiresAt         time.Time                 `json:"expires_at"`
	RequestID         string                    `json:"request_id"`
	SealedPhone       *encryption.EncryptedData `json:"sealed_phone,omitempty"`
	ProviderRef       string                    `json:"provider_ref,omitempty"`
	UserID            string                    `json:"user_id,omitempty"`
}

// Active reports whether the session can still move forward at now.
func (s *OtpSession) Active(now time.Time) bool {
	return !s.State.Terminal() && !now.After(s.ExpiresAt)
}

// Clone returns a copy safe to hand out of a store.
func (s *OtpSession) Clone() *OtpSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.SealedPhone != nil {
		sp := *s.SealedPhone
		c.SealedPhone = &sp
	}
	return &c
}
