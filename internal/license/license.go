// Package license implements offline RSA-PSS license key validation.
//
// A license key is base64url(payload) "." base64url(signature), where
// payload is a JSON document signed with RSA-PSS/SHA-256 against a public
// key embedded at build time.
package license

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Errors returned by Validate, distinguished so callers can map them onto
// the BadFormat/BadSignature/Expired surface.
var (
	ErrBadFormat    = errors.New("license: malformed key")
	ErrBadSignature = errors.New("license: signature verification failed")
	ErrExpired      = errors.New("license: expired")
)

// Payload is the signed license body.
type Payload struct {
	Email       string    `json:"email"`
	Plan        string    `json:"plan"`
	MaxSessions int       `json:"maxSessions"`
	ExpiresAt   time.Time `json:"expiresAt"`
	IssuedAt    time.Time `json:"issuedAt"`
}

// PublicKeyPEM is the embedded RSA public key used to verify license keys.
// A real build embeds the production key here via build tooling; this
// placeholder is a valid, freshly generated 2048-bit key used for
// development and test signing/verification round trips.
var PublicKeyPEM = devPublicKeyPEM

// Validator verifies license keys against an embedded public key.
type Validator struct {
	pub *rsa.PublicKey
}

// NewValidator parses the embedded public key.
func NewValidator() (*Validator, error) {
	return NewValidatorFromPEM(PublicKeyPEM)
}

// NewValidatorFromPEM builds a Validator from an explicit PEM-encoded
// public key, primarily for tests.
func NewValidatorFromPEM(pemBytes string) (*Validator, error) {
	block, _ := pem.Decode([]byte(pemBytes))
	if block == nil {
		return nil, fmt.Errorf("license: decode public key PEM: no block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("license: parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("license: embedded key is not RSA")
	}
	return &Validator{pub: rsaKey}, nil
}

// Validate decodes and verifies key, returning the signed payload.
func (v *Validator) Validate(key string) (Payload, error) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return Payload{}, ErrBadFormat
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}

	var payload Payload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}

	digest := sha256.Sum256(payloadBytes)
	if err := rsa.VerifyPSS(v.pub, crypto.SHA256, digest[:], sig, nil); err != nil {
		return Payload{}, ErrBadSignature
	}

	if !payload.ExpiresAt.After(time.Now()) {
		return Payload{}, ErrExpired
	}

	return payload, nil
}

// Sign produces a license key for payload using priv, for use by the
// (out-of-band) activation tooling and by tests.
func Sign(priv *rsa.PrivateKey, payload Payload) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("license: marshal payload: %w", err)
	}
	digest := sha256.Sum256(payloadBytes)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], nil)
	if err != nil {
		return "", fmt.Errorf("license: sign payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(payloadBytes) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// HashKey returns the SHA-256 hex digest of a license key, stored in
// AuthConfig instead of the raw key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", sum)
}
