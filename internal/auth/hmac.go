package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates the token failed signature checks, had
	// malformed structure, or was issued for a different audience.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// DefaultAudience is the audience value a bearer token must carry to
// authenticate a SPARQL update/subscribe/unsubscribe caller against this
// broker, unless the verifier is constructed with a different one.
const DefaultAudience = "sepabroker.subscriptions"

// PrincipalClaims captures the minimal JWT payload the broker trusts to
// identify the caller behind an update or subscribe request. Principal
// flows straight into manager.UpdateRequest.Principal /
// SubscribeRequest.Principal and,
// for WebSocket callers, doubles as the gateway connection id (gid).
type PrincipalClaims struct {
	Principal string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Audience  string
}

// HMACTokenVerifier validates compact JWT-style tokens signed with HS256
// and scoped to this broker's subscription audience.
type HMACTokenVerifier struct {
	secret   []byte
	audience string
	now      func() time.Time
	leeway   time.Duration
}

// NewHMACTokenVerifier constructs a verifier for the supplied shared
// secret and clock skew allowance. Tokens are additionally required to
// carry DefaultAudience; use NewHMACTokenVerifierForAudience to scope to a
// different deployment.
func NewHMACTokenVerifier(secret string, leeway time.Duration) (*HMACTokenVerifier, error) {
	return NewHMACTokenVerifierForAudience(secret, DefaultAudience, leeway)
}

// NewHMACTokenVerifierForAudience is NewHMACTokenVerifier with an explicit
// required audience, letting an operator run separate admin and
// subscriber-facing token pools against the same secret.
func NewHMACTokenVerifierForAudience(secret, audience string, leeway time.Duration) (*HMACTokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	audience = strings.TrimSpace(audience)
	if audience == "" {
		audience = DefaultAudience
	}
	if leeway < 0 {
		leeway = 0
	}
	return &HMACTokenVerifier{secret: []byte(secret), audience: audience, now: time.Now, leeway: leeway}, nil
}

// Verify parses the token, validates its signature, audience, and expiry,
// and returns the embedded claims.
func (v *HMACTokenVerifier) Verify(token string) (*PrincipalClaims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	headerPayload := strings.Join(parts[:2], ".")
	signaturePart := parts[2]

	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var header struct {
		Algorithm string `json:"alg"`
		Type      string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}

	expectedSig, err := v.sign([]byte(headerPayload))
	if err != nil {
		return nil, err
	}
	signatureBytes, err := decodeSegment(signaturePart)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal(signatureBytes, expectedSig) {
		return nil, ErrInvalidToken
	}

	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var payload struct {
		Principal string `json:"sub"`
		Expires   int64  `json:"exp"`
		Issued    int64  `json:"iat"`
		Audience  string `json:"aud"`
	}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(payload.Principal) == "" {
		return nil, ErrInvalidToken
	}
	if payload.Audience != v.audience {
		return nil, fmt.Errorf("%w: unexpected audience %q", ErrInvalidToken, payload.Audience)
	}
	if payload.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	now := v.now()
	expiresAt := time.Unix(payload.Expires, 0)
	if expiresAt.Add(v.leeway).Before(now) {
		return nil, ErrExpiredToken
	}

	issuedAt := time.Unix(payload.Issued, 0)
	claims := &PrincipalClaims{
		Principal: payload.Principal,
		ExpiresAt: expiresAt,
		IssuedAt:  issuedAt,
		Audience:  payload.Audience,
	}
	return claims, nil
}

func (v *HMACTokenVerifier) sign(payload []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, v.secret)
	if _, err := mac.Write(payload); err != nil {
		return nil, err
	}
	return mac.Sum(nil), nil
}

func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func (v *HMACTokenVerifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}
