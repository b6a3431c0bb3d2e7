package hub

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/agentide/hub/internal/license"
)

type activateRequest struct {
	LicenseKey string `json:"licenseKey"`
}

type activateResponse struct {
	Email       string `json:"email"`
	Plan        string `json:"plan"`
	MaxSessions int    `json:"maxSessions"`
	ExpiresAt   string `json:"expiresAt"`
}

// handleActivate validates a license key offline, persists its fields, and
// issues the session cookie. The activation rate limiter is enforced here
// rather than as generic middleware because only failed attempts count
// against the limit (S5).
func (h *Hub) handleActivate(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if blocked, retryAfter := h.limiter.Blocked(ip); blocked {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "rate_limited",
			"retryAfter": int(retryAfter.Seconds()),
		})
		return
	}

	var req activateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.limiter.RecordFailure(ip)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	payload, err := h.validator.Validate(req.LicenseKey)
	if err != nil {
		h.limiter.RecordFailure(ip)
		status := http.StatusUnauthorized
		switch {
		case errors.Is(err, license.ErrExpired):
			writeError(w, status, "license expired")
		case errors.Is(err, license.ErrBadSignature):
			writeError(w, status, "invalid license signature")
		default:
			writeError(w, status, "malformed license key")
		}
		return
	}

	if err := h.store.RecordActivation(
		license.HashKey(req.LicenseKey), payload.Email, payload.Plan, payload.MaxSessions,
		payload.ExpiresAt.UTC().Format(time.RFC3339), payload.IssuedAt.UTC().Format(time.RFC3339),
	); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record activation")
		return
	}

	token, exp, err := h.gate.Signer.Issue(payload.Email, payload.Plan, payload.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue session")
		return
	}
	h.gate.Cookies.Set(w, token, exp)

	writeJSON(w, http.StatusOK, activateResponse{
		Email:       payload.Email,
		Plan:        payload.Plan,
		MaxSessions: payload.MaxSessions,
		ExpiresAt:   payload.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type authStatusResponse struct {
	AuthRequired     bool   `json:"authRequired"`
	Authenticated    bool   `json:"authenticated"`
	Email            string `json:"email,omitempty"`
	Plan             string `json:"plan,omitempty"`
	LicenseExpiresAt string `json:"licenseExpiresAt,omitempty"`
}

// handleAuthStatus never returns 401; it reports whatever it can verify.
func (h *Hub) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	resp := authStatusResponse{AuthRequired: h.gate.Required}

	claims, err := h.gate.Authenticate(r)
	if err == nil && claims != nil {
		resp.Authenticated = true
		resp.Email = claims.Email
		resp.Plan = claims.Plan
		resp.LicenseExpiresAt = time.Unix(claims.LicenseExpiresAt, 0).UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Hub) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.gate.Cookies.Clear(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// clientIP strips the port from RemoteAddr, falling back to the raw value
// if it isn't a host:port pair (e.g. a unix socket in tests).
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
