package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-auth/internal/audit"
	"otp-auth/internal/config"
	"otp-auth/internal/encryption"
	"otp-auth/internal/hashing"
	"otp-auth/internal/lock"
	"otp-auth/internal/metrics"
	"otp-auth/internal/models"
	"otp-auth/internal/provider"
	"otp-auth/internal/ratelimit"
	"otp-auth/internal/session"
	"otp-auth/internal/token"
	"otp-auth/internal/util"
)

const lockWait = 10 * time.Second

// Stable reasons written to audit events and logs.
const (
	reasonInvalidPhone    = "invalid_phone"
	reasonInvalidFlow     = "invalid_flow"
	reasonRateLimited     = "rate_limited"
	reasonProviderDown    = "provider_unavailable"
	reasonQuotaExceeded   = "quota_exceeded"
	reasonSessionNotFound = "session_not_found"
	reasonSessionClosed   = "session_closed"
	reasonCodeNotSent     = "code_not_sent"
	reasonSessionExpired  = "session_expired"
	reasonSuperseded      = "superseded"
	reasonBlocked         = "blocked"
	reasonCodeDenied      = "code_denied"
	reasonAttemptsUsed    = "attempts_exhausted"
	reasonInternal        = "internal_error"
)

// AuditRecorder is the part of the audit log the flow writes to.
type AuditRecorder interface {
	Record(ev models.AuthEvent)
	Stats() audit.Stats
}

// Sealer envelope-encrypts the phone kept on a session.
type Sealer interface {
	EncryptField(ctx context.Context, plaintext string) (*encryption.EncryptedData, error)
	DecryptField(ctx context.Context, data *encryption.EncryptedData) (string, error)
}

// Dependencies are the collaborators of an OtpService. Provider is the raw
// adapter; the service wraps it with the retry policy.
type Dependencies struct {
	OTP      config.OTPConfig
	Retry    config.ProviderConfig
	Phones   *hashing.PhoneHasher
	Limiter  *ratelimit.Limiter
	Sessions session.Store
	Locks    lock.Locker
	Provider provider.VerificationProvider
	Audit    AuditRecorder
	Tokens   *token.Issuer
	Users    UserDirectory
	Sealer   Sealer
	Clock    util.Clock
	Metrics  *metrics.Metrics
}

// Challenge is the handle returned for a started or resent challenge.
type Challenge struct {
	SessionID string       `json:"session_id"`
	RequestID string       `json:"request_id"`
	State     models.State `json:"status"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// Verification is the result of an approved code.
type Verification struct {
	SessionID  string             `json:"session_id"`
	RequestID  string             `json:"request_id"`
	UserID     string             `json:"user_id"`
	Credential *models.Credential `json:"credential"`
}

// OtpService drives the OTP state machine. Every public call writes exactly
// one outcome audit event.
type OtpService struct {
	cfg      config.OTPConfig
	phones   *hashing.PhoneHasher
	limiter  *ratelimit.Limiter
	sessions session.Store
	locks    lock.Locker
	provider provider.VerificationProvider
	raw      provider.VerificationProvider
	audit    AuditRecorder
	tokens   *token.Issuer
	users    UserDirectory
	sealer   Sealer
	clock    util.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewOtpService(deps Dependencies) (*OtpService, error) {
	switch {
	case deps.Phones == nil, deps.Limiter == nil, deps.Sessions == nil, deps.Locks == nil:
		return nil, fmt.Errorf("%w: otp service needs phone hasher, limiter, session store and locker", ErrMisconfigured)
	case deps.Provider == nil, deps.Audit == nil, deps.Tokens == nil, deps.Users == nil, deps.Sealer == nil:
		return nil, fmt.Errorf("%w: otp service needs provider, audit log, token issuer, user directory and sealer", ErrMisconfigured)
	case deps.OTP.SessionTTL <= 0 || deps.OTP.MaxAttempts <= 0 || deps.OTP.CodeLength <= 0:
		return nil, fmt.Errorf("%w: otp settings must be positive", ErrMisconfigured)
	}
	if deps.Clock == nil {
		deps.Clock = util.SystemClock()
	}

	s := &OtpService{
		cfg:      deps.OTP,
		phones:   deps.Phones,
		limiter:  deps.Limiter,
		sessions: deps.Sessions,
		locks:    deps.Locks,
		raw:      deps.Provider,
		audit:    deps.Audit,
		tokens:   deps.Tokens,
		users:    deps.Users,
		sealer:   deps.Sealer,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		logger:   util.Named("otp_service"),
	}
	s.provider = provider.NewResilient(deps.Provider, provider.NewRetryPolicy(deps.Retry), deps.Retry.Timeout, s.recordRetry, deps.Metrics)
	return s, nil
}

// sendAction picks the rate limit class for a first send.
func sendAction(flow models.Flow) string {
	switch flow {
	case models.FlowRegistration:
		return config.ActionRegisterSend
	case models.FlowResend:
		return config.ActionResend
	default:
		return config.ActionLoginSend
	}
}

// ===================== START =====================

// StartChallenge validates the phone, charges the send limit, supersedes any
// live session for the pair and sends a code. When the provider fails the new
// session is left in Created.
func (s *OtpService) StartChallenge(ctx context.Context, phone string, flow models.Flow, meta models.ClientMeta) (*Challenge, error) {
	start := s.clock.Now()
	ev := models.AuthEvent{
		RequestID: uuid.NewString(),
		Action:    models.ActionSendOTP,
		Client:    meta,
		Flow:      flow,
	}

	if !flow.Valid() {
		s.finish(&ev, start, models.OutcomeDenied, reasonInvalidFlow)
		return nil, ErrInvalidFlow
	}

	phoneHash, normalized, err := s.phones.Hash(phone)
	if err != nil {
		s.finish(&ev, start, models.OutcomeDenied, reasonInvalidPhone)
		s.metrics.Challenge(string(flow), reasonInvalidPhone)
		return nil, ErrInvalidPhone
	}
	ev.PhoneHash = phoneHash

	release, err := s.lock(ctx, "challenge:"+phoneHash+":"+string(flow))
	if err != nil {
		s.finish(&ev, start, models.OutcomeFailure, reasonInternal)
		return nil, err
	}
	defer release()

	d, err := s.limiter.Record(ctx, sendAction(flow), phoneHash)
	if err != nil {
		s.logger.Error("Rate limiter failed", util.PhoneHash(phoneHash), zap.Error(err))
		s.finish(&ev, start, models.OutcomeFailure, reasonInternal)
		return nil, err
	}
	if !d.Allowed {
		ev.Action = models.ActionRateLimited
		ev.FromState = models.StateCreated
		ev.ToState = models.StateBlocked
		s.finish(&ev, start, models.OutcomeDenied, reasonRateLimited)
		s.metrics.Challenge(string(flow), reasonRateLimited)
		return nil, &RateLimitedError{RetryAfter: d.RetryAfter}
	}

	sealed, err := s.sealer.EncryptField(ctx, normalized)
	if err != nil {
		s.logger.Error("Failed to seal phone", util.PhoneHash(phoneHash), zap.Error(err))
		s.finish(&ev, start, models.OutcomeFailure, reasonInternal)
		return nil, fmt.Errorf("failed to seal phone: %w", err)
	}

	sess := &models.OtpSession{
		ID:                uuid.NewString(),
		PhoneHash:         phoneHash,
		Flow:              flow,
		State:             models.StateCreated,
		AttemptsRemaining: s.cfg.MaxAttempts,
		CreatedAt:         start,
		UpdatedAt:         start,
		ExpiresAt:         start.Add(s.cfg.SessionTTL),
		RequestID:         ev.RequestID,
		SealedPhone:       sealed,
	}
	superseded, err := s.sessions.Create(ctx, sess)
	if err != nil {
		s.logger.Error("Failed to create session", util.PhoneHash(phoneHash), zap.Error(err))
		s.finish(&ev, start, models.OutcomeFailure, reasonInternal)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if superseded != nil {
		s.audit.Record(models.AuthEvent{
			RequestID: superseded.RequestID,
			Action:    models.ActionSessionExpired,
			Outcome:   models.OutcomeSuccess,
			PhoneHash: phoneHash,
			Client:    meta,
			SessionID: superseded.ID,
			Flow:      flow,
			ToState:   models.StateExpired,
			Reason:    reasonSuperseded,
		})
	}
	ev.SessionID = sess.ID
	ev.FromState = models.StateCreated
	ev.ToState = models.StateCreated

	ref, err := s.provider.SendCode(s.trace(ctx, sess, meta), normalized, flow)
	if err != nil {
		return nil, s.sendFailed(&ev, start, err)
	}

	updated, err := s.sessions.Update(ctx, sess.ID, func(cur *models.OtpSession) error {
		if cur.State != models.StateCreated {
			return fmt.Errorf("%w: session moved to %s during send", session.ErrConflict, cur.State)
		}
		cur.State = models.StateCodeSent
		cur.ProviderRef = ref
		cur.UpdatedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to record sent code", zap.String("session_id", sess.ID), zap.Error(err))
		s.finish(&ev, start, models.OutcomeFailure, reasonInternal)
		return nil, fmt.Errorf("failed to record sent code: %w", err)
	}

	ev.ToState = models.StateCodeSent
	s.finish(&ev, start, models.OutcomeSuccess, "")
	s.metrics.Challenge(string(flow), models.OutcomeSuccess)
	s.logger.Info("Challenge started",
		zap.String("request_id", ev.RequestID),
		zap.String("session_id", sess.ID),
		zap.String("flow", string(flow)),
		util.PhoneHash(phoneHash))

	return &Challenge{
		SessionID: updated.ID,
		RequestID: updated.RequestID,
		State:     updated.State,
		ExpiresAt: updated.ExpiresAt,
	}, nil
}

// sendFailed maps a send error and writes the outcome event.
func (s *OtpService) sendFailed(ev *models.AuthEvent, start time.Time, err error) error {
	flow := string(ev.Flow)
	switch {
	case errors.Is(err, provider.ErrInvalidPhone):
		s.finish(ev, start, models.OutcomeDenied, reasonInvalidPhone)
		s.metrics.Challenge(flow, reasonInvalidPhone)
		return ErrInvalidPhone
	case errors.Is(err, provider.ErrQuotaExceeded):
		s.finish(ev, start, models.OutcomeFailure, reasonQuotaExceeded)
		s.metrics.Challenge(flow, reasonProviderDown)
		return ErrProviderUnavailable
	default:
		s.finish(ev, start, models.OutcomeFailure, reasonProviderDown)
		s.metrics.Challenge(flow, reasonProviderDown)
		return ErrProviderUnavailable
	}
}

// ===================== SUBMIT =====================

// SubmitCode checks code against the session's challenge.
func (s *OtpService) SubmitCode(ctx context.Context, sessionID, code string, meta models.ClientMeta) (*Verification, error) {
	start := s.clock.Now()
	ev := models.AuthEvent{
		Action:    models.ActionVerifyOTP,
		Client:    meta,
		SessionID: sessionID,
	}

	sess, release, err := s.lockSession(ctx, sessionID, &ev, start)
	if err != nil {
		s.metrics.Verification(ev.Reason)
		return nil, err
	}
	defer release()

	if err := s.ensureOpen(ctx, sess, &ev, start); err != nil {
		s.metrics.Verification(ev.Reason)
		return nil, err
	}

	// A started check runs to completion even if the caller goes away.
	// Provider calls keep their own per-attempt timeout.
	ctx = context.WithoutCancel(ctx)

	// CodeSent -> AwaitingVerification before anything else can fail.
	sess, err = s.transition(ctx, sess.ID, models.StateAwaitingVerification, nil, models.StateCodeSent, models.StateAwaitingVerification)
	if err != nil {
		s.finish(&ev, start, models.OutcomeFailure, reasonInternal)
		return nil, err
	}
	ev.Attempt = s.cfg.MaxAttempts - sess.AttemptsRemaining + 1

	d, err := s.limiter.Record(ctx, config.ActionVerify, sess.PhoneHash)
	if err != nil {
		s.revert(ctx, sess.ID)
		s.logger.Error("Rate limiter failed", util.PhoneHash(sess.PhoneHash), zap.Error(err))
		s.finish(&ev, start, models.OutcomeFailure, reasonInternal)
		return nil, err
	}
	if !d.Allowed {
		if _, err := s.transition(ctx, sess.ID, models.StateBlocked, nil, models.StateAwaitingVerification); err != nil {
			s.logger.Error("Failed to block session", zap.String("session_id", sess.ID), zap.Error(err))
		}
		ev.Action = models.ActionRateLimited
		ev.ToState = models.StateBlocked
		s.finish(&ev, start, models.OutcomeDenied, reasonBlocked)
		s.metrics.Verification(reasonBlocked)
		return nil, ErrBlocked
	}

	result := provider.Denied
	if wellFormed(code, s.cfg.CodeLength) {
		phone, err := s.sealer.DecryptField(ctx, sess.SealedPhone)
		if err != nil {
			s.revert(ctx, sess.ID)
			s.logger.Error("Failed to unseal phone", zap.String("session_id", sess.ID), zap.Error(err))
			s.finish(&ev, start, models.OutcomeFailure, reasonInternal)
			return nil, fmt.Errorf("failed to unseal phone: %w", err)
		}

		result, err = s.provider.CheckCode(s.trace(ctx, sess, meta), phone, code, sess.ProviderRef)
		if err != nil {
			// The attempt is not charged when the provider could not answer.
			s.revert(ctx, sess.ID)
			ev.ToState = models.StateCodeSent
			s.finish(&ev, start, models.OutcomeFailure, reasonProviderDown)
			s.metrics.Verification(reasonProviderDown)
			return nil, ErrProviderUnavailable
		}
	}

	switch result {
	case provider.Approved:
		return s.approve(ctx, sess, &ev, start)
	case provider.Expired:
		if _, err := s.transition(ctx, sess.ID, models.StateExpired, nil, models.StateAwaitingVerification); err != nil {
			return nil, s.lostRace(ctx, sess.ID, &ev, start, err)
		}
		ev.ToState = models.StateExpired
		s.finish(&ev, start, models.OutcomeDenied, reasonSessionExpired)
		s.metrics.Verification(reasonSessionExpired)
		return nil, ErrSessionExpired
	default:
		return s.deny(ctx, sess, &ev, start)
	}
}

// SubmitCodeForPhone resolves the active session for (phone, flow) and
// submits code against it.
func (s *OtpService) SubmitCodeForPhone(ctx context.Context, phone string, flow models.Flow, code string, meta models.ClientMeta) (*Verification, error) {
	start := s.clock.Now()
	ev := models.AuthEvent{
		RequestID: uuid.NewString(),
		Action:    models.ActionVerifyOTP,
		Client:    meta,
		Flow:      flow,
	}

	if !flow.Valid() {
		s.finish(&ev, start, models.OutcomeDenied, reasonInvalidFlow)
		return nil, ErrInvalidFlow
	}
	phoneHash, _, err := s.phones.Hash(phone)
	if err != nil {
		s.finish(&ev, start, models.OutcomeDenied, reasonInvalidPhone)
		return nil, ErrInvalidPhone
	}
	ev.PhoneHash = phoneHash

	id, err := s.sessions.ActiveID(ctx, phoneHash, flow)
	if errors.Is(err, session.ErrNotFound) {
		s.finish(&ev, start, models.OutcomeDenied, reasonSessionNotFound)
		s.metrics.Verification(reasonSessionNotFound)
		return nil, ErrSessionNotFound
	}
	if err != nil {
		s.finish(&ev, start, models.OutcomeFailure, reasonInternal)
		return nil, fmt.Errorf("failed to find active session: %w", err)
	}
	return s.SubmitCode(ctx, id, code, meta)
}

// approve claims the session before resolving the user and minting the
// credential, so a session that lost a race never yields either.
func (s *OtpService) approve(ctx context.Context, sess *models.OtpSession, ev *models.AuthEvent, start time.Time) (*Verification, error) {
	if _, err := s.transition(ctx, sess.ID, models.StateVerified, nil, models.StateAwaitingVerification); err != nil {
		return nil, s.lostRace(ctx, sess.ID, ev, start, err)
	}
	ev.ToState = models.StateVerified

	// The code is consumed from here on; failures leave the session Verified
	// and the caller starts a new challenge.
	user, err := s.users.ResolveUser(ctx, sess.PhoneHash, sess.SealedPhone)
	if err != nil {
		s.logger.Error("Failed to resolve user", util.PhoneHash(sess.PhoneHash), zap.Error(err))
		s.finish(ev, start, models.OutcomeFailure, reasonInternal)
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}
	ev.UserID = user.UserID

	if _, err := s.sessions.Update(ctx, sess.ID, func(cur *models.OtpSession) error {
		cur.UserID = user.UserID
		return nil
	}); err != nil {
		s.logger.Warn("Failed to bind user to session", zap.String("session_id", sess.ID), zap.Error(err))
	}

	cred, err := s.tokens.Issue(user.UserID)
	if err != nil {
		s.logger.Error("Failed to issue token", zap.String("user_id", user.UserID), zap.Error(err))
		s.finish(ev, start, models.OutcomeFailure, reasonInternal)
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	s.finish(ev, start, models.OutcomeSuccess, "")
	s.metrics.Verification(models.OutcomeSuccess)
	s.logger.Info("Phone verified",
		zap.String("request_id", sess.RequestID),
		zap.String("session_id", sess.ID),
		zap.String("user_id", user.UserID))

	return &Verification{
		SessionID:  sess.ID,
		RequestID:  sess.RequestID,
		UserID:     user.UserID,
		Credential: cred,
	}, nil
}

func (s *OtpService) deny(ctx context.Context, sess *models.OtpSession, ev *models.AuthEvent, start time.Time) (*Verification, error) {
	remaining := sess.AttemptsRemaining - 1
	if remaining < 0 {
		remaining = 0
	}
	next := models.StateCodeSent
	reason := reasonCodeDenied
	if remaining == 0 {
		next = models.StateFailed
		reason = reasonAttemptsUsed
	}

	_, err := s.transition(ctx, sess.ID, next, func(cur *models.OtpSession) {
		cur.AttemptsRemaining = remaining
	}, models.StateAwaitingVerification)
	if err != nil {
		return nil, s.lostRace(ctx, sess.ID, ev, start, err)
	}

	ev.ToState = next
	s.finish(ev, start, models.OutcomeDenied, reason)
	s.metrics.Verification(reason)
	return nil, &CodeDeniedError{AttemptsRemaining: remaining}
}

func wellFormed(code string, length int) bool {
	if len(code) != length {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ===================== RESEND =====================

// ResendCode sends a fresh code for a live session and restarts its expiry.
// Attempts already used stay used.
func (s *OtpService) ResendCode(ctx context.Context, sessionID string, meta models.ClientMeta) (*Challenge, error) {
	start := s.clock.Now()
	ev := models.AuthEvent{
		Action:    models.ActionResendOTP,
		Client:    meta,
		SessionID: sessionID,
	}

	sess, release, err := s.lockSession(ctx, sessionID, &ev, start)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.ensureOpen(ctx, sess, &ev, start, models.StateCreated); err != nil {
		return nil, err
	}

	d, err := s.limiter.Record(ctx, config.ActionResend, sess.PhoneHash)
	if err != nil {
		s.logger.Error("Rate limiter failed", util.PhoneHash(sess.PhoneHash), zap.Error(err))
		s.finish(&ev, start, models.OutcomeFailure, reasonInternal)
		return nil, err
	}
	if !d.Allowed {
		ev.Action = models.ActionRateLimited
		s.finish(&ev, start, models.OutcomeDenied, reasonRateLimited)
		return nil, &RateLimitedError{RetryAfter: d.RetryAfter}
	}

	phone, err := s.sealer.DecryptField(ctx, sess.SealedPhone)
	if err != nil {
		s.logger.Error("Failed to unseal phone", zap.String("session_id", sess.ID), zap.Error(err))
		s.finish(&ev, start, models.OutcomeFailure, reasonInternal)
		return nil, fmt.Errorf("failed to unseal phone: %w", err)
	}

	ref, err := s.provider.SendCode(s.trace(ctx, sess, meta), phone, sess.Flow)
	if err != nil {
		unrecoverable := errors.Is(err, provider.ErrInvalidPhone) || errors.Is(err, provider.ErrQuotaExceeded)
		if unrecoverable && sess.State == models.StateCodeSent {
			if _, terr := s.transition(ctx, sess.ID, models.StateFailed, nil, models.StateCodeSent); terr != nil {
				s.logger.Error("Failed to fail session", zap.String("session_id", sess.ID), zap.Error(terr))
			} else {
				ev.ToState = models.StateFailed
			}
		}
		return nil, s.sendFailed(&ev, start, err)
	}

	now := s.clock.Now()
	updated, err := s.transition(ctx, sess.ID, models.StateCodeSent, func(cur *models.OtpSession) {
		cur.ProviderRef = ref
		cur.ExpiresAt = now.Add(s.cfg.SessionTTL)
	}, models.StateCreated, models.StateCodeSent)
	if err != nil {
		s.logger.Error("Failed to record resent code", zap.String("session_id", sess.ID), zap.Error(err))
		s.finish(&ev, start, models.OutcomeFailure, reasonInternal)
		return nil, err
	}

	ev.ToState = models.StateCodeSent
	s.finish(&ev, start, models.OutcomeSuccess, "")
	return &Challenge{
		SessionID: updated.ID,
		RequestID: updated.RequestID,
		State:     updated.State,
		ExpiresAt: updated.ExpiresAt,
	}, nil
}

// ===================== HELPERS =====================

func (s *OtpService) lock(ctx context.Context, key string) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()
	release, err := s.locks.Lock(lctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire %s: %w", key, err)
	}
	return release, nil
}

// lockSession takes the session lock and loads the session under it. On
// failure the outcome event has already been written.
func (s *OtpService) lockSession(ctx context.Context, id string, ev *models.AuthEvent, start time.Time) (*models.OtpSession, func(), error) {
	if _, err := s.sessions.Get(ctx, id); err != nil {
		return nil, nil, s.missing(ev, start, err)
	}

	release, err := s.lock(ctx, "session:"+id)
	if err != nil {
		ev.RequestID = uuid.NewString()
		s.finish(ev, start, models.OutcomeFailure, reasonInternal)
		return nil, nil, err
	}

	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		release()
		return nil, nil, s.missing(ev, start, err)
	}
	ev.RequestID = sess.RequestID
	ev.PhoneHash = sess.PhoneHash
	ev.Flow = sess.Flow
	ev.FromState = sess.State
	return sess, release, nil
}

func (s *OtpService) missing(ev *models.AuthEvent, start time.Time, err error) error {
	ev.RequestID = uuid.NewString()
	if errors.Is(err, session.ErrNotFound) {
		s.finish(ev, start, models.OutcomeDenied, reasonSessionNotFound)
		return ErrSessionNotFound
	}
	s.finish(ev, start, models.OutcomeFailure, reasonInternal)
	return fmt.Errorf("failed to load session: %w", err)
}

// ensureOpen rejects sessions that cannot take a code (or a resend) and
// expires lapsed ones. CodeSent is always open; extra lists other states the
// caller accepts.
func (s *OtpService) ensureOpen(ctx context.Context, sess *models.OtpSession, ev *models.AuthEvent, start time.Time, extra ...models.State) error {
	switch sess.State {
	case models.StateVerified, models.StateFailed:
		s.finish(ev, start, models.OutcomeDenied, reasonSessionClosed)
		return ErrSessionNotFound
	case models.StateExpired:
		s.finish(ev, start, models.OutcomeDenied, reasonSessionExpired)
		return ErrSessionExpired
	case models.StateBlocked:
		s.finish(ev, start, models.OutcomeDenied, reasonBlocked)
		return ErrBlocked
	}

	if start.After(sess.ExpiresAt) {
		if _, err := s.transition(ctx, sess.ID, models.StateExpired, nil, sess.State); err != nil {
			s.logger.Error("Failed to expire session", zap.String("session_id", sess.ID), zap.Error(err))
		}
		ev.ToState = models.StateExpired
		s.finish(ev, start, models.OutcomeDenied, reasonSessionExpired)
		return ErrSessionExpired
	}

	// A crash between the two writes of a check leaves AwaitingVerification
	// behind; the session lock guarantees no check is in flight.
	if sess.State == models.StateAwaitingVerification {
		reverted, err := s.transition(ctx, sess.ID, models.StateCodeSent, nil, models.StateAwaitingVerification)
		if err != nil {
			s.finish(ev, start, models.OutcomeFailure, reasonInternal)
			return err
		}
		*sess = *reverted
		ev.FromState = models.StateCodeSent
	}

	if sess.State == models.StateCodeSent {
		return nil
	}
	for _, st := range extra {
		if sess.State == st {
			return nil
		}
	}
	s.finish(ev, start, models.OutcomeDenied, reasonCodeNotSent)
	return ErrSessionNotFound
}

// lostRace answers a check whose closing transition failed. When the session
// was moved underneath it (superseded, expired) the caller gets the kind that
// matches the state it is now in.
func (s *OtpService) lostRace(ctx context.Context, id string, ev *models.AuthEvent, start time.Time, err error) error {
	if !errors.Is(err, session.ErrConflict) && !errors.Is(err, session.ErrTerminal) {
		s.logger.Error("Failed to close check", zap.String("session_id", id), zap.Error(err))
		s.finish(ev, start, models.OutcomeFailure, reasonInternal)
		return err
	}

	cur, gerr := s.sessions.Get(ctx, id)
	if gerr != nil {
		return s.missing(ev, start, gerr)
	}
	ev.ToState = cur.State
	s.logger.Info("Session changed during check",
		zap.String("session_id", id),
		zap.String("state", string(cur.State)))

	switch cur.State {
	case models.StateExpired:
		s.finish(ev, start, models.OutcomeDenied, reasonSessionExpired)
		s.metrics.Verification(reasonSessionExpired)
		return ErrSessionExpired
	case models.StateBlocked:
		s.finish(ev, start, models.OutcomeDenied, reasonBlocked)
		s.metrics.Verification(reasonBlocked)
		return ErrBlocked
	default:
		s.finish(ev, start, models.OutcomeDenied, reasonSessionClosed)
		s.metrics.Verification(reasonSessionClosed)
		return ErrSessionNotFound
	}
}

// transition moves the session to next if it is currently in one of from.
func (s *OtpService) transition(ctx context.Context, id string, next models.State, mutate func(*models.OtpSession), from ...models.State) (*models.OtpSession, error) {
	return s.sessions.Update(ctx, id, func(cur *models.OtpSession) error {
		ok := false
		for _, st := range from {
			if cur.State == st {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: cannot move %s session to %s", session.ErrConflict, cur.State, next)
		}
		if mutate != nil {
			mutate(cur)
		}
		cur.State = next
		cur.UpdatedAt = s.clock.Now()
		return nil
	})
}

// revert returns an in-flight check to CodeSent without charging an attempt.
func (s *OtpService) revert(ctx context.Context, id string) {
	_, err := s.transition(context.WithoutCancel(ctx), id, models.StateCodeSent, nil, models.StateAwaitingVerification)
	if err != nil {
		s.logger.Error("Failed to revert session", zap.String("session_id", id), zap.Error(err))
	}
}

func (s *OtpService) trace(ctx context.Context, sess *models.OtpSession, meta models.ClientMeta) context.Context {
	return provider.WithTrace(ctx, provider.Trace{
		RequestID: sess.RequestID,
		SessionID: sess.ID,
		PhoneHash: sess.PhoneHash,
		Flow:      sess.Flow,
		Client:    meta,
	})
}

// recordRetry writes one provider-retry event per retried attempt.
func (s *OtpService) recordRetry(ctx context.Context, op string, attempt int, cause error) {
	t, _ := provider.TraceFrom(ctx)
	reason := reasonProviderDown
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "timeout"
	}
	s.audit.Record(models.AuthEvent{
		RequestID: t.RequestID,
		Action:    models.ActionProviderRetry,
		Outcome:   models.OutcomeFailure,
		PhoneHash: t.PhoneHash,
		Client:    t.Client,
		SessionID: t.SessionID,
		Flow:      t.Flow,
		Attempt:   attempt,
		Reason:    op + ":" + reason,
	})
}

// finish stamps the outcome and latency and writes the event.
func (s *OtpService) finish(ev *models.AuthEvent, start time.Time, outcome, reason string) {
	ev.Outcome = outcome
	ev.Reason = reason
	ev.LatencyMs = s.clock.Now().Sub(start).Milliseconds()
	s.audit.Record(*ev)
}
