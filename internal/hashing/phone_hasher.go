package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"otp-auth/internal/util"
)

// PhoneHasher derives the stable identifier used for rate limiting, session
// lookup and audit: hex(HMAC-SHA256(salt, E.164 phone)).
type PhoneHasher struct {
	salt []byte
}

// NewPhoneHasher keys the hasher with salt. An empty salt gets a random
// per-process one, so hashes will not match across restarts.
func NewPhoneHasher(salt string) (*PhoneHasher, error) {
	if salt != "" {
		return &PhoneHasher{salt: []byte(salt)}, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate phone salt: %w", err)
	}
	util.Warn("hashing.phone_salt not set, using a per-process salt")
	return &PhoneHasher{salt: key}, nil
}

// Hash normalizes raw and returns its keyed hash together with the
// normalized number.
func (p *PhoneHasher) Hash(raw string) (hash string, normalized string, err error) {
	normalized, err = util.NormalizePhone(raw)
	if err != nil {
		return "", "", err
	}
	mac := hmac.New(sha256.New, p.salt)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil)), normalized, nil
}
