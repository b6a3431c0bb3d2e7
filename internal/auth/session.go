package auth

import (
	"net/http"
	"time"
)

// CookieManager sets and clears the agentide_session cookie.
type CookieManager struct {
	Name   string
	Secure bool
}

// NewCookieManager builds a CookieManager for the given cookie name. secure
// should be true whenever TLS is active.
func NewCookieManager(name string, secure bool) *CookieManager {
	return &CookieManager{Name: name, Secure: secure}
}

// Set issues the session cookie, HttpOnly + SameSite=Strict, expiring at exp.
func (c *CookieManager) Set(w http.ResponseWriter, token string, exp time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    token,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Clear logs out by setting Max-Age=0 on the cookie.
func (c *CookieManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// FromRequest extracts the raw cookie value from an HTTP request.
func (c *CookieManager) FromRequest(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.Name)
	if err != nil {
		return "", false
	}
	return cookie.Value, true
}

// FromHeader extracts the cookie value directly from a raw header, for the
// WebSocket upgrade path where middleware does not run.
func (c *CookieManager) FromHeader(header http.Header) (string, bool) {
	req := http.Request{Header: header}
	cookie, err := req.Cookie(c.Name)
	if err != nil {
		return "", false
	}
	return cookie.Value, true
}
