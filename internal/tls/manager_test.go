package tls

import (
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"otp-auth/internal/config"
)

func TestDevelopmentCertificateIsReused(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)

	first, err := gen.GenerateCert([]string{"localhost", "127.0.0.1"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := gen.GenerateCert([]string{"localhost"})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if string(first.Certificate[0]) != string(second.Certificate[0]) {
		t.Fatalf("expected cached certificate to be reused")
	}

	gen.now = func() time.Time { return time.Now().Add(devCertValidity) }
	third, err := gen.GenerateCert([]string{"localhost"})
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if string(third.Certificate[0]) == string(first.Certificate[0]) {
		t.Fatalf("expected certificate near expiry to be renewed")
	}
}

func TestManagerFallsBackToDevelopmentCert(t *testing.T) {
	m, err := NewTLSManager(config.ServerConfig{Domain: "localhost", AutoCertDir: t.TempDir()}, false)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	cert, err := m.GetTLSConfig().GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	if err != nil || cert == nil {
		t.Fatalf("expected development certificate, got %v", err)
	}
	again, _ := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	if again != cert {
		t.Fatalf("expected certificate to be cached")
	}
}

func TestProductionRequiresCertificateSource(t *testing.T) {
	_, err := NewTLSManager(config.ServerConfig{Domain: "auth.example.com", AutoCertDir: t.TempDir()}, true)
	if !errors.Is(err, config.ErrMisconfigured) {
		t.Fatalf("expected misconfiguration, got %v", err)
	}
}
