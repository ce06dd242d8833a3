package provider

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-auth/internal/hashing"
	"otp-auth/internal/models"
	"otp-auth/internal/util"
)

var ErrCodeNotFound = errors.New("code not found")

// CodeStore keeps hashed codes for the local provider, keyed by ref.
type CodeStore interface {
	Save(ctx context.Context, ref string, h *hashing.HashResult, ttl time.Duration) error
	Load(ctx context.Context, ref string) (*hashing.HashResult, error)
	Delete(ctx context.Context, ref string) error
}

// Local generates codes in process, stores only their argon2id hash and
// hands the text to an SMSSender.
type Local struct {
	codeLength int
	ttl        time.Duration
	hasher     *hashing.Hasher
	store      CodeStore
	sender     SMSSender
	logger     *zap.Logger
}

func NewLocal(codeLength int, ttl time.Duration, hasher *hashing.Hasher, store CodeStore, sender SMSSender) *Local {
	return &Local{
		codeLength: codeLength,
		ttl:        ttl,
		hasher:     hasher,
		store:      store,
		sender:     sender,
		logger:     util.Named("local_provider"),
	}
}

func (l *Local) Name() string {
	return "local"
}

func (l *Local) SendCode(ctx context.Context, phone string, flow models.Flow) (string, error) {
	code, err := generateCode(l.codeLength)
	if err != nil {
		return "", err
	}
	hashed, err := l.hasher.HashCode(bindCode(phone, code))
	if err != nil {
		return "", fmt.Errorf("failed to hash code: %w", err)
	}

	ref := uuid.NewString()
	if err := l.store.Save(ctx, ref, hashed, l.ttl); err != nil {
		return "", fmt.Errorf("%w: saving code: %v", ErrTransient, err)
	}

	if err := l.sender.Send(ctx, phone, message(flow, code, l.ttl)); err != nil {
		if derr := l.store.Delete(context.WithoutCancel(ctx), ref); derr != nil {
			l.logger.Warn("Failed to drop undelivered code", zap.Error(derr))
		}
		return "", err
	}
	return ref, nil
}

// CheckCode is one-shot: an approved code is removed before returning.
func (l *Local) CheckCode(ctx context.Context, phone, code, ref string) (CheckResult, error) {
	stored, err := l.store.Load(ctx, ref)
	if errors.Is(err, ErrCodeNotFound) {
		return Expired, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: loading code: %v", ErrTransient, err)
	}

	ok, err := l.hasher.VerifyCode(bindCode(phone, code), stored)
	if errors.Is(err, hashing.ErrUnknownPepper) {
		return Expired, nil
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return Denied, nil
	}

	if err := l.store.Delete(ctx, ref); err != nil {
		return "", fmt.Errorf("%w: consuming code: %v", ErrTransient, err)
	}
	return Approved, nil
}

func (l *Local) Ping(ctx context.Context) error {
	return l.sender.Ping(ctx)
}

// Sweep drops lapsed codes when the store keeps them in process.
func (l *Local) Sweep(now time.Time) int {
	if s, ok := l.store.(*MemoryCodeStore); ok {
		return s.Sweep(now)
	}
	return 0
}

func bindCode(phone, code string) string {
	return phone + ":" + code
}

func generateCode(length int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n), nil
}

func message(flow models.Flow, code string, ttl time.Duration) string {
	purpose := "login"
	if flow == models.FlowRegistration {
		purpose = "registration"
	}
	return fmt.Sprintf("Your %s code is %s. It expires in %d minutes. Do not share it.", purpose, code, int(ttl.Minutes()))
}

// ===================== IN-MEMORY CODE STORE =====================

type storedCode struct {
	hash      *hashing.HashResult
	expiresAt time.Time
}

type MemoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]storedCode
	clock util.Clock
}

func NewMemoryCodeStore(clock util.Clock) *MemoryCodeStore {
	if clock == nil {
		clock = util.SystemClock()
	}
	return &MemoryCodeStore{codes: make(map[string]storedCode), clock: clock}
}

func (m *MemoryCodeStore) Save(_ context.Context, ref string, h *hashing.HashResult, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *h
	m.codes[ref] = storedCode{hash: &cp, expiresAt: m.clock.Now().Add(ttl)}
	return nil
}

func (m *MemoryCodeStore) Load(_ context.Context, ref string) (*hashing.HashResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[ref]
	if !ok {
		return nil, ErrCodeNotFound
	}
	if !m.clock.Now().Before(c.expiresAt) {
		delete(m.codes, ref)
		return nil, ErrCodeNotFound
	}
	cp := *c.hash
	return &cp, nil
}

func (m *MemoryCodeStore) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.codes, ref)
	return nil
}

func (m *MemoryCodeStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for ref, c := range m.codes {
		if !now.Before(c.expiresAt) {
			delete(m.codes, ref)
			removed++
		}
	}
	return removed
}
