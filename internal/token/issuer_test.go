package token

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"otp-auth/internal/config"
	"otp-auth/internal/util"
)

var testKey = strings.Repeat("k", 32)

func newTestIssuer(t *testing.T, clock util.Clock) *Issuer {
	t.Helper()
	iss, err := NewIssuer(config.TokenConfig{SigningKey: testKey, Expiry: time.Hour, Issuer: "otp-auth"}, clock)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return iss
}

func TestIssueAndParse(t *testing.T) {
	clock := util.NewManualClock(time.Now().UTC())
	iss := newTestIssuer(t, clock)

	cred, err := iss.Issue("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if cred.Token == "" || cred.TokenType != "Bearer" || cred.Subject != "user-1" {
		t.Fatalf("unexpected credential %+v", cred)
	}
	if got := cred.ExpiresAt.Sub(cred.IssuedAt); got != time.Hour {
		t.Fatalf("expected 1h expiry window, got %v", got)
	}

	claims, err := iss.Parse(cred.Token)
	if err != nil || claims.Subject != "user-1" || claims.IssuedAtNano != cred.IssuedAt.UnixNano() {
		t.Fatalf("parse: %+v err=%v", claims, err)
	}

	clock.Advance(2 * time.Hour)
	if _, err := iss.Parse(cred.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token rejected, got %v", err)
	}
}

func TestIssuedAtIsStrictlyIncreasing(t *testing.T) {
	clock := util.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	iss := newTestIssuer(t, clock)

	a, _ := iss.Issue("u")
	b, _ := iss.Issue("u")
	clock.Advance(-time.Minute)
	c, _ := iss.Issue("u")

	if !b.IssuedAt.After(a.IssuedAt) || !c.IssuedAt.After(b.IssuedAt) {
		t.Fatalf("issued-at must increase: %v %v %v", a.IssuedAt, b.IssuedAt, c.IssuedAt)
	}
	if a.Token == b.Token {
		t.Fatalf("tokens must differ")
	}
}

func TestConcurrentIssueIsUnique(t *testing.T) {
	iss := newTestIssuer(t, util.NewManualClock(time.Now().UTC()))
	var mu sync.Mutex
	seen := map[int64]bool{}
	var wg sync.WaitGroup
	for n := 0; n < 50; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := iss.Issue("u")
			if err != nil {
				t.Errorf("issue: %v", err)
				return
			}
			mu.Lock()
			seen[cred.IssuedAt.UnixNano()] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 50 {
		t.Fatalf("expected 50 distinct issue times, got %d", len(seen))
	}
}

func TestMissingKeyIsMisconfiguration(t *testing.T) {
	for _, key := range []string{"", "short"} {
		_, err := NewIssuer(config.TokenConfig{SigningKey: key, Expiry: time.Hour}, nil)
		if !errors.Is(err, config.ErrMisconfigured) {
			t.Fatalf("key %q: expected misconfiguration, got %v", key, err)
		}
	}
}

func TestParseRejectsForeignTokens(t *testing.T) {
	iss := newTestIssuer(t, nil)
	other, err := NewIssuer(config.TokenConfig{SigningKey: strings.Repeat("x", 32), Expiry: time.Hour, Issuer: "otp-auth"}, nil)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	cred, _ := other.Issue("u")
	if _, err := iss.Parse(cred.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature failure, got %v", err)
	}

	wrongIssuer, _ := NewIssuer(config.TokenConfig{SigningKey: testKey, Expiry: time.Hour, Issuer: "someone-else"}, nil)
	cred, _ = wrongIssuer.Issue("u")
	if _, err := iss.Parse(cred.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected issuer mismatch, got %v", err)
	}
}
