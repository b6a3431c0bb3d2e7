package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	signer := NewSigner("0123456789abcdef0123456789abcdef")

	token, exp, err := signer.Issue("dev@example.com", "pro", time.Now().Add(30*24*time.Hour))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if exp.Before(time.Now()) {
		t.Fatal("Issue() returned an already-expired expiry")
	}

	claims, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Email != "dev@example.com" || claims.Plan != "pro" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestVerifyRejectsExpiredLicense(t *testing.T) {
	signer := NewSigner("0123456789abcdef0123456789abcdef")

	token, _, err := signer.Issue("dev@example.com", "pro", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := signer.Verify(token); err != ErrLicenseExpired {
		t.Errorf("Verify() error = %v, want ErrLicenseExpired", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	a := NewSigner("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b := NewSigner("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	token, _, err := a.Issue("dev@example.com", "pro", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := b.Verify(token); err == nil {
		t.Fatal("Verify() with wrong secret should fail")
	}
}

func TestCookieManagerSetAndClear(t *testing.T) {
	cm := NewCookieManager("agentide_session", true)

	rec := httptest.NewRecorder()
	cm.Set(rec, "tok123", time.Now().Add(time.Hour))

	resp := rec.Result()
	var found *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "agentide_session" {
			found = c
		}
	}
	if found == nil || found.Value != "tok123" || !found.HttpOnly || found.SameSite != http.SameSiteStrictMode {
		t.Fatalf("Set() cookie = %+v", found)
	}

	rec2 := httptest.NewRecorder()
	cm.Clear(rec2)
	resp2 := rec2.Result()
	var cleared *http.Cookie
	for _, c := range resp2.Cookies() {
		if c.Name == "agentide_session" {
			cleared = c
		}
	}
	if cleared == nil || cleared.MaxAge != -1 {
		t.Fatalf("Clear() cookie = %+v", cleared)
	}
}

func TestActivationLimiterBlocksAfterMax(t *testing.T) {
	lim := NewActivationLimiter(5, 15*time.Minute)
	defer lim.Stop()

	ip := "203.0.113.7"
	for i := 0; i < 5; i++ {
		if blocked, _ := lim.Blocked(ip); blocked {
			t.Fatalf("attempt %d unexpectedly blocked", i+1)
		}
		lim.RecordFailure(ip)
	}

	blocked, retryAfter := lim.Blocked(ip)
	if !blocked {
		t.Fatal("6th attempt should be blocked")
	}
	if retryAfter <= 0 {
		t.Error("expected a positive retryAfter")
	}
}

func TestActivationLimiterDoesNotCountSuccess(t *testing.T) {
	lim := NewActivationLimiter(5, 15*time.Minute)
	defer lim.Stop()

	ip := "203.0.113.8"
	lim.RecordFailure(ip)
	lim.RecordFailure(ip)
	// A successful attempt in between does not call RecordFailure.
	if blocked, _ := lim.Blocked(ip); blocked {
		t.Fatal("should not be blocked after only 2 failures")
	}
}

func TestActivationLimiterRetryAfterMatchesWindow(t *testing.T) {
	window := 15 * time.Minute
	lim := NewActivationLimiter(5, window)
	defer lim.Stop()

	ip := "203.0.113.9"
	for i := 0; i < 5; i++ {
		lim.RecordFailure(ip)
	}

	_, retryAfter := lim.Blocked(ip)
	if retryAfter < window-time.Second || retryAfter > window {
		t.Errorf("retryAfter = %v, want close to the full %v window", retryAfter, window)
	}
}

func TestActivationLimiterStaysBlockedWithinWindow(t *testing.T) {
	window := 200 * time.Millisecond
	lim := NewActivationLimiter(2, window)
	defer lim.Stop()

	ip := "203.0.113.10"
	lim.RecordFailure(ip)
	lim.RecordFailure(ip)

	// A naive token-bucket refilling at window/max would admit another
	// failure well before the window elapses; a fixed window must not.
	time.Sleep(window / 2)
	if blocked, _ := lim.Blocked(ip); !blocked {
		t.Fatal("should still be blocked partway through the window")
	}
	lim.RecordFailure(ip) // still within the window; must not extend it

	time.Sleep(window)
	if blocked, _ := lim.Blocked(ip); blocked {
		t.Fatal("should no longer be blocked once the window has elapsed")
	}
}
