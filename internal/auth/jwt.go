// Package auth implements local JWT session issuance/verification, cookie
// management, and activation rate limiting.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims carried by the agentide_session cookie.
type Claims struct {
	jwt.RegisteredClaims
	Email            string `json:"email"`
	Plan             string `json:"plan"`
	LicenseExpiresAt int64  `json:"licenseExpiresAt"`
}

// sessionTTL is the lifetime of an issued session token.
const sessionTTL = 30 * 24 * time.Hour

// Signer issues and verifies session JWTs using a secret stored in
// AuthConfig (HMAC-SHA256; no external key set to fetch, this hub signs
// its own tokens).
type Signer struct {
	secret []byte
}

// NewSigner builds a Signer from the hex-encoded secret in AuthConfig.
func NewSigner(hexSecret string) *Signer {
	return &Signer{secret: []byte(hexSecret)}
}

// Issue mints a session token for the given license payload fields.
func (s *Signer) Issue(email, plan string, licenseExpiresAt time.Time) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(sessionTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email:            email,
		Plan:             plan,
		LicenseExpiresAt: licenseExpiresAt.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, exp, nil
}

// ErrLicenseExpired is returned by Verify when the embedded license
// expiry has passed, even though the session token itself is still valid.
var ErrLicenseExpired = fmt.Errorf("auth: license expired")

// Verify parses and validates a session token, additionally rejecting it
// if the embedded license has since expired.
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method)
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}

	if claims.LicenseExpiresAt > 0 && time.Unix(claims.LicenseExpiresAt, 0).Before(time.Now()) {
		return nil, ErrLicenseExpired
	}

	return claims, nil
}
