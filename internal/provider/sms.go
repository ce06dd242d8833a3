package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"otp-auth/internal/config"
	"otp-auth/internal/util"
)

// SMSSender delivers a text message to a normalized phone number.
type SMSSender interface {
	Send(ctx context.Context, phone, text string) error
	Ping(ctx context.Context) error
}

// HTTPSender posts messages to a JSON SMS gateway.
type HTTPSender struct {
	url        string
	apiKey     string
	senderID   string
	httpClient *http.Client
}

type smsRequest struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Message string `json:"message"`
}

func NewHTTPSender(cfg config.SMSConfig, httpClient *http.Client) *HTTPSender {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPSender{
		url:        cfg.GatewayURL,
		apiKey:     cfg.APIKey,
		senderID:   cfg.SenderID,
		httpClient: httpClient,
	}
}

func (s *HTTPSender) Send(ctx context.Context, phone, text string) error {
	body, err := json.Marshal(smsRequest{To: phone, From: s.senderID, Message: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: gateway status %d", ErrInvalidPhone, resp.StatusCode)
	case resp.StatusCode == http.StatusPaymentRequired:
		return fmt.Errorf("%w: gateway status %d", ErrQuotaExceeded, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: gateway status %d", ErrTransient, resp.StatusCode)
	default:
		return fmt.Errorf("sms gateway status %d", resp.StatusCode)
	}
}

func (s *HTTPSender) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: gateway status %d", ErrTransient, resp.StatusCode)
	}
	return nil
}

// LogSender writes messages to the log with the number masked. Development
// only: the code itself is logged.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender() *LogSender {
	return &LogSender{logger: util.Named("sms")}
}

func (s *LogSender) Send(_ context.Context, phone, text string) error {
	s.logger.Info("SMS (not delivered)",
		zap.String("to", util.MaskPhone(phone)),
		zap.String("text", text))
	return nil
}

func (s *LogSender) Ping(context.Context) error {
	return nil
}
