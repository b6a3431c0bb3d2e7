package store

import "fmt"

// AuthConfig is the singleton row holding the hub's JWT secret and the
// cached fields from the most recently activated license.
type AuthConfig struct {
	JWTSecret      string
	LicenseKeyHash string
	Email          string
	Plan           string
	MaxSessions    int
	ExpiresAt      string
	IssuedAt       string
	AuthRequired   bool
}

// GetAuthConfig returns the singleton auth config row.
func (s *Store) GetAuthConfig() (AuthConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var a AuthConfig
	var authRequired int
	err := s.db.QueryRow(
		"SELECT jwt_secret, license_key_hash, email, plan, max_sessions, expires_at, issued_at, auth_required FROM auth_config WHERE id = 1",
	).Scan(&a.JWTSecret, &a.LicenseKeyHash, &a.Email, &a.Plan, &a.MaxSessions, &a.ExpiresAt, &a.IssuedAt, &authRequired)
	if err != nil {
		return AuthConfig{}, fmt.Errorf("get auth config: %w", err)
	}
	a.AuthRequired = authRequired != 0
	return a, nil
}

// SetAuthRequired updates only the authRequired flag, derived at startup
// from the effective bind address.
func (s *Store) SetAuthRequired(required bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE auth_config SET auth_required = ? WHERE id = 1", boolInt(required))
	if err != nil {
		return fmt.Errorf("set auth required: %w", err)
	}
	return nil
}

// RecordActivation persists the license fields and hash after a successful
// activation.
func (s *Store) RecordActivation(licenseKeyHash, email, plan string, maxSessions int, expiresAt, issuedAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE auth_config SET license_key_hash=?, email=?, plan=?, max_sessions=?, expires_at=?, issued_at=? WHERE id = 1",
		licenseKeyHash, email, plan, maxSessions, expiresAt, issuedAt,
	)
	if err != nil {
		return fmt.Errorf("record activation: %w", err)
	}
	return nil
}

// ClearActivation wipes the cached license fields on logout, leaving the
// JWT secret and authRequired flag untouched.
func (s *Store) ClearActivation() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE auth_config SET license_key_hash='', email='', plan='', max_sessions=0, expires_at='', issued_at='' WHERE id = 1",
	)
	if err != nil {
		return fmt.Errorf("clear activation: %w", err)
	}
	return nil
}
