package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// tokenTTL bounds how long one signed request stays valid.
const tokenTTL = 30 * time.Minute

// Account is the logged-in identity a Signer acts for.
type Account struct {
	UserID     string
	SessionID  string
	PrivateKey ed25519.PrivateKey
	Scope      string
}

// Claims is the JWT body of a signed request.
type Claims struct {
	UserID    string `json:"uid"`
	SessionID string `json:"sid"`
	Signature string `json:"sig"`
	Scope     string `json:"scp,omitempty"`
	jwt.RegisteredClaims
}

// Signer produces per-request bearer tokens.
type Signer struct {
	account Account
	clock   clock.Clock
}

// NewSigner creates a Signer for account. A nil clock uses the wall clock.
func NewSigner(account Account, clk clock.Clock) *Signer {
	if clk == nil {
		clk = clock.New()
	}
	return &Signer{account: account, clock: clk}
}

// ParsePrivateKey accepts a base64 (std or url, padded or raw) ed25519
// private key or 32-byte seed.
func ParsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	encoded = strings.TrimSpace(encoded)
	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err = enc.DecodeString(encoded); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	}
	return nil, fmt.Errorf("private key has %d bytes, want %d or %d", len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
}

// UserID returns the account's user id.
func (s *Signer) UserID() string { return s.account.UserID }

// SessionID returns the account's session id.
func (s *Signer) SessionID() string { return s.account.SessionID }

// SignToken signs one request. The returned time is the signing timestamp,
// which the transport keeps for clock-skew detection.
func (s *Signer) SignToken(method, uri string, body []byte) (string, time.Time, error) {
	now := s.clock.Now()
	claims := Claims{
		UserID:    s.account.UserID,
		SessionID: s.account.SessionID,
		Signature: RequestDigest(method, uri, body),
		Scope:     s.account.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(s.account.PrivateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, now, nil
}

// RequestDigest is the hex sha256 of method, uri and body concatenated.
func RequestDigest(method, uri string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method + uri))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
