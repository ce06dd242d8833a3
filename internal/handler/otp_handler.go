package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"otp-auth/internal/models"
	"otp-auth/internal/service"
	"otp-auth/internal/util"
)

const maxBodyBytes = 4 << 10

// OTPService is what the handler needs from the OTP flow.
type OTPService interface {
	StartChallenge(ctx context.Context, phone string, flow models.Flow, meta models.ClientMeta) (*service.Challenge, error)
	SubmitCode(ctx context.Context, sessionID, code string, meta models.ClientMeta) (*service.Verification, error)
	SubmitCodeForPhone(ctx context.Context, phone string, flow models.Flow, code string, meta models.ClientMeta) (*service.Verification, error)
	ResendCode(ctx context.Context, sessionID string, meta models.ClientMeta) (*service.Challenge, error)
	Health(ctx context.Context) (*service.HealthReport, error)
}

// OTPHandler handles HTTP requests for the OTP flow
type OTPHandler struct {
	otp    OTPService
	logger *zap.Logger
}

// NewOTPHandler creates a new OTP handler
func NewOTPHandler(otp OTPService, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{
		otp:    otp,
		logger: logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success           bool        `json:"success"`
	Data              interface{} `json:"data,omitempty"`
	Error             string      `json:"error,omitempty"`
	Message           string      `json:"message,omitempty"`
	RetryAfter        int         `json:"retry_after,omitempty"`
	AttemptsRemaining *int        `json:"attempts_remaining,omitempty"`
}

type challengeRequest struct {
	Phone string `json:"phone"`
	Flow  string `json:"flow"`
}

// verifyRequest accepts either a session id or the phone and flow the
// challenge was started with.
type verifyRequest struct {
	SessionID string `json:"session_id"`
	Phone     string `json:"phone"`
	Flow      string `json:"flow"`
	Code      string `json:"code"`
}

type challengeResponse struct {
	RequestID string       `json:"request_id"`
	SessionID string       `json:"session_id"`
	Status    models.State `json:"status"`
	ExpiresIn int          `json:"expires_in"`
}

type verifyResponse struct {
	UserID     string             `json:"user_id"`
	SessionID  string             `json:"session_id"`
	Credential *models.Credential `json:"credential"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// RegisterRoutes registers all OTP routes
func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/challenges", h.StartChallenge)
		r.Post("/challenges/{sessionID}/resend", h.ResendCode)
		r.Post("/verify", h.Verify)
	})
}

// StartChallenge sends a code to the phone in the body.
func (h *OTPHandler) StartChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if !h.decode(w, r, &req) {
		return
	}

	ch, err := h.otp.StartChallenge(r.Context(), util.SanitizeInput(req.Phone), flowOf(req.Flow), clientMeta(r))
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusAccepted, successResponse(h.challengeBody(ch), "Code sent"))
}

// ResendCode sends a fresh code for an existing challenge.
func (h *OTPHandler) ResendCode(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	ch, err := h.otp.ResendCode(r.Context(), sessionID, clientMeta(r))
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusAccepted, successResponse(h.challengeBody(ch), "Code resent"))
}

// Verify checks a submitted code and returns a credential on success.
func (h *OTPHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	code := util.SanitizeInput(req.Code)

	var (
		v   *service.Verification
		err error
	)
	switch {
	case req.SessionID != "":
		v, err = h.otp.SubmitCode(r.Context(), req.SessionID, code, clientMeta(r))
	case req.Phone != "":
		v, err = h.otp.SubmitCodeForPhone(r.Context(), util.SanitizeInput(req.Phone), flowOf(req.Flow), code, clientMeta(r))
	default:
		h.respondWithStatus(w, http.StatusBadRequest, Response{Error: "invalid_request", Message: "session_id or phone is required"})
		return
	}
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(verifyResponse{
		UserID:     v.UserID,
		SessionID:  v.SessionID,
		Credential: v.Credential,
	}, "Phone verified"))
}

// Health reports provider reachability and store stats.
func (h *OTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	report, err := h.otp.Health(r.Context())
	if err != nil {
		h.logger.Warn("Health check failed", util.ErrorField(err))
	}
	status := http.StatusOK
	if report == nil || report.Status == service.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	h.respondWithJSON(w, status, Response{Success: status == http.StatusOK, Data: report})
}

func (h *OTPHandler) challengeBody(ch *service.Challenge) challengeResponse {
	expiresIn := int(time.Until(ch.ExpiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return challengeResponse{
		RequestID: ch.RequestID,
		SessionID: ch.SessionID,
		Status:    ch.State,
		ExpiresIn: expiresIn,
	}
}

func (h *OTPHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.logger.Debug("Rejected request body", util.ErrorField(err))
		h.respondWithStatus(w, http.StatusBadRequest, Response{Error: "invalid_request", Message: "Invalid request body"})
		return false
	}
	return true
}

// flowOf defaults an empty flow to login.
func flowOf(raw string) models.Flow {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return models.FlowLogin
	}
	return models.Flow(raw)
}

// clientMeta reads the caller's address (already resolved by RealIP) and
// user agent.
func clientMeta(r *http.Request) models.ClientMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return models.ClientMeta{
		IP:        util.SanitizeClientField(ip),
		UserAgent: util.SanitizeClientField(r.UserAgent()),
	}
}

// respondWithJSON sends a JSON response
func (h *OTPHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *OTPHandler) respondWithStatus(w http.ResponseWriter, statusCode int, resp Response) {
	resp.Success = false
	h.respondWithJSON(w, statusCode, resp)
}

// respondWithError maps a service error to a stable code and safe message.
// The error text itself is only logged.
func (h *OTPHandler) respondWithError(w http.ResponseWriter, err error) {
	status, resp := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response", util.ErrorField(err), util.Int("status_code", status))
	} else {
		h.logger.Info("HTTP error response", util.ErrorField(err), util.Int("status_code", status))
	}
	if resp.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
	}
	h.respondWithStatus(w, status, resp)
}

func errorResponse(err error) (int, Response) {
	var (
		rl     *service.RateLimitedError
		denied *service.CodeDeniedError
	)
	switch {
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, Response{
			Error:      "rate_limited",
			Message:    "Too many requests, try again later",
			RetryAfter: int(math.Ceil(rl.RetryAfter.Seconds())),
		}
	case errors.As(err, &denied):
		remaining := denied.AttemptsRemaining
		return http.StatusUnauthorized, Response{
			Error:             "code_denied",
			Message:           "Incorrect code",
			AttemptsRemaining: &remaining,
		}
	case errors.Is(err, service.ErrInvalidPhone):
		return http.StatusBadRequest, Response{Error: "invalid_phone", Message: "Phone number must be in international format"}
	case errors.Is(err, service.ErrInvalidFlow):
		return http.StatusBadRequest, Response{Error: "invalid_flow", Message: "Unknown flow"}
	case errors.Is(err, service.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, Response{Error: "provider_unavailable", Message: "Verification is temporarily unavailable"}
	case errors.Is(err, service.ErrSessionExpired):
		return http.StatusGone, Response{Error: "session_expired", Message: "The code has expired, request a new one"}
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, Response{Error: "session_not_found", Message: "No active verification found"}
	case errors.Is(err, service.ErrBlocked):
		return http.StatusForbidden, Response{Error: "blocked", Message: "Too many attempts, try again later"}
	default:
		return http.StatusInternalServerError, Response{Error: "internal_error", Message: "Internal error"}
	}
}
