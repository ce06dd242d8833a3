package token

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"otp-auth/internal/config"
	"otp-auth/internal/models"
	"otp-auth/internal/util"
)

const minKeyLength = 32

var ErrInvalidToken = errors.New("invalid token")

// Claims carries the user id as subject. IssuedAtNano orders tokens issued
// within the same second.
type Claims struct {
	IssuedAtNano int64 `json:"iat_ns"`
	jwt.RegisteredClaims
}

// Issuer signs HS256 bearer tokens. Issue times never go backwards, even if
// the wall clock does.
type Issuer struct {
	key    []byte
	expiry time.Duration
	issuer string
	clock  util.Clock

	mu     sync.Mutex
	lastNs int64
}

// NewIssuer fails with config.ErrMisconfigured when the key is missing or
// short; callers treat that as fatal at startup.
func NewIssuer(cfg config.TokenConfig, clock util.Clock) (*Issuer, error) {
	if len(cfg.SigningKey) < minKeyLength {
		return nil, fmt.Errorf("%w: signing key must be at least %d bytes", config.ErrMisconfigured, minKeyLength)
	}
	if cfg.Expiry <= 0 {
		return nil, fmt.Errorf("%w: token expiry must be positive", config.ErrMisconfigured)
	}
	if clock == nil {
		clock = util.SystemClock()
	}
	return &Issuer{
		key:    []byte(cfg.SigningKey),
		expiry: cfg.Expiry,
		issuer: cfg.Issuer,
		clock:  clock,
	}, nil
}

func (i *Issuer) nextIssuedAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	ns := i.clock.Now().UnixNano()
	if ns <= i.lastNs {
		ns = i.lastNs + 1
	}
	i.lastNs = ns
	return time.Unix(0, ns).UTC()
}

func (i *Issuer) Issue(userID string) (*models.Credential, error) {
	if userID == "" {
		return nil, errors.New("token subject is empty")
	}
	issuedAt := i.nextIssuedAt()
	expiresAt := issuedAt.Add(i.expiry)

	claims := &Claims{
		IssuedAtNano: issuedAt.UnixNano(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &models.Credential{
		Token:     signed,
		TokenType: "Bearer",
		Subject:   userID,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// Parse validates signature, expiry and issuer and returns the claims.
func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock.Now),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return i.key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
