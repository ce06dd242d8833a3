package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"otp-auth/internal/config"
	"otp-auth/internal/models"
	"otp-auth/internal/util"
)

// Twilio Verify error codes that are not worth retrying.
const (
	twilioInvalidParameter = 60200
	twilioMaxSendAttempts  = 60203
	twilioInvalidTo        = 21211
)

// TwilioVerify talks to the Twilio Verify v2 REST API. Twilio owns the code;
// ref is the verification SID.
type TwilioVerify struct {
	accountSID string
	authToken  string
	serviceSID string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

type twilioVerification struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func NewTwilioVerify(cfg config.TwilioConfig, httpClient *http.Client) (*TwilioVerify, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.ServiceSID == "" {
		return nil, fmt.Errorf("%w: twilio credentials missing", config.ErrMisconfigured)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://verify.twilio.com"
	}
	return &TwilioVerify{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		serviceSID: cfg.ServiceSID,
		baseURL:    base,
		httpClient: httpClient,
		logger:     util.Named("twilio"),
	}, nil
}

func (t *TwilioVerify) Name() string {
	return "twilio"
}

func (t *TwilioVerify) SendCode(ctx context.Context, phone string, flow models.Flow) (string, error) {
	form := url.Values{}
	form.Set("To", phone)
	form.Set("Channel", "sms")

	var v twilioVerification
	if err := t.post(ctx, "/Verifications", form, &v); err != nil {
		return "", err
	}
	t.logger.Debug("Verification created",
		zap.String("sid", v.SID),
		zap.String("status", v.Status),
		zap.String("flow", string(flow)))
	return v.SID, nil
}

func (t *TwilioVerify) CheckCode(ctx context.Context, phone, code, ref string) (CheckResult, error) {
	form := url.Values{}
	form.Set("Code", code)
	if ref != "" {
		form.Set("VerificationSid", ref)
	} else {
		form.Set("To", phone)
	}

	var v twilioVerification
	err := t.post(ctx, "/VerificationCheck", form, &v)
	if err != nil {
		// Twilio answers 404 once a verification is approved, expired or
		// has used up its checks.
		var te *twilioStatusError
		if errors.As(err, &te) && te.status == http.StatusNotFound {
			return Expired, nil
		}
		return "", err
	}

	switch v.Status {
	case "approved":
		return Approved, nil
	case "canceled", "expired":
		return Expired, nil
	default:
		return Denied, nil
	}
}

func (t *TwilioVerify) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.serviceURL(""), nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ping status %d", ErrTransient, resp.StatusCode)
	}
	return nil
}

func (t *TwilioVerify) serviceURL(path string) string {
	return t.baseURL + "/v2/Services/" + url.PathEscape(t.serviceSID) + path
}

type twilioStatusError struct {
	status int
	code   int
}

func (e *twilioStatusError) Error() string {
	return fmt.Sprintf("twilio status %d code %d", e.status, e.code)
}

func (t *TwilioVerify) post(ctx context.Context, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serviceURL(path), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrTransient, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode twilio response: %w", err)
		}
		return nil
	}

	var te twilioError
	_ = json.Unmarshal(body, &te)
	t.logger.Warn("Twilio request failed",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Int("code", te.Code),
		zap.Duration("elapsed", time.Since(start)))

	statusErr := &twilioStatusError{status: resp.StatusCode, code: te.Code}
	switch {
	case te.Code == twilioInvalidParameter || te.Code == twilioInvalidTo:
		return fmt.Errorf("%w: %v", ErrInvalidPhone, statusErr)
	case te.Code == twilioMaxSendAttempts:
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, statusErr)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %w", ErrTransient, statusErr)
	default:
		return statusErr
	}
}
