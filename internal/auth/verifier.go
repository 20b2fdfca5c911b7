// Package auth verifies bearer tokens presented to the gateway. Tokens
// are JWT-shaped with an HMAC-SHA256 signature over a shared secret.
// The algorithm is pinned: a token claiming any other algorithm is
// rejected outright, regardless of its signature.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// Algorithm is the only accepted signing algorithm.
const Algorithm = "HS256"

const bearerPrefix = "Bearer "

// tokenHeader represents the decoded JWT header.
type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

// Verifier validates bearer tokens against the shared secret.
type Verifier struct {
	secret []byte
	logger observability.Logger
}

// NewVerifier creates a Verifier. The secret must be non-empty; a
// gateway without a secret cannot authenticate anyone and must not
// start.
func NewVerifier(secret string, logger observability.Logger) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret is empty")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Verifier{
		secret: []byte(secret),
		logger: logger,
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" || !strings.HasPrefix(header, bearerPrefix) {
		return "", ErrMissingAuthHeader
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", ErrMissingAuthHeader
	}
	return token, nil
}

// Verify validates the token and returns the authenticated identity.
// Verification order: structure, algorithm, signature, required
// claims, expiry. Each failure maps to one of the sentinel errors in
// this package.
func (v *Verifier) Verify(token string) (*Identity, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrTokenMalformed
	}

	header, err := decodeHeader(parts[0])
	if err != nil {
		return nil, ErrTokenMalformed
	}

	// Pinned algorithm, never trust the header's choice
	if header.Algorithm != Algorithm {
		return nil, ErrTokenMalformed
	}

	if err := v.verifySignature(parts[0]+"."+parts[1], parts[2]); err != nil {
		return nil, ErrTokenMalformed
	}

	claims, err := decodeClaims(parts[1])
	if err != nil {
		return nil, ErrTokenMalformed
	}

	if err := claims.Validate(); err != nil {
		return nil, err
	}

	if time.Now().Unix() >= claims.ExpiresAt {
		return nil, ErrTokenExpired
	}

	v.logger.Debug("token verified",
		observability.String("user_id", claims.UserID),
		observability.String("role", claims.Role),
	)

	return claims.Identity(), nil
}

// decodeHeader decodes the JWT header.
func decodeHeader(encoded string) (*tokenHeader, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}

	var header tokenHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	return &header, nil
}

// decodeClaims decodes the JWT payload.
func decodeClaims(encoded string) (*Claims, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}

	return &claims, nil
}

// verifySignature checks the HMAC-SHA256 signature in constant time.
func (v *Verifier) verifySignature(signingInput, signature string) error {
	sigBytes, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(signingInput))
	expected := mac.Sum(nil)

	if !hmac.Equal(sigBytes, expected) {
		return fmt.Errorf("signature mismatch")
	}

	return nil
}
