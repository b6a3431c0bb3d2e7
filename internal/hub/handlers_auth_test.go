package hub

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentide/hub/internal/license"
)

// testLicenseKeyPair generates a throwaway RSA key pair and installs its
// public half as the hub's license validator, so tests can sign their own
// license payloads without the embedded production/dev key.
func testLicenseKeyPair(t *testing.T, h *Hub) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	validator, err := license.NewValidatorFromPEM(string(pubPEM))
	if err != nil {
		t.Fatalf("build validator: %v", err)
	}
	h.validator = validator
	return priv
}

func TestAuthStatusReportsNoAuthRequiredForLoopback(t *testing.T) {
	h := newTestHub(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/status", nil)
	rr := httptest.NewRecorder()
	h.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp authStatusResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AuthRequired {
		t.Error("AuthRequired = true, want false for a loopback bind")
	}
}

func TestActivateIssuesCookieAndUpdatesStatus(t *testing.T) {
	h := newTestHub(t, nil)
	priv := testLicenseKeyPair(t, h)

	payload := license.Payload{
		Email:       "dev@example.com",
		Plan:        "pro",
		MaxSessions: 10,
		ExpiresAt:   time.Now().Add(365 * 24 * time.Hour),
		IssuedAt:    time.Now(),
	}
	key, err := license.Sign(priv, payload)
	if err != nil {
		t.Fatalf("sign license: %v", err)
	}

	body := strings.NewReader(`{"licenseKey":"` + key + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/activate", body)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp activateResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Email != payload.Email || resp.Plan != payload.Plan {
		t.Errorf("activateResponse = %+v, want email/plan matching payload", resp)
	}

	cookies := rr.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected a session cookie to be set")
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/api/auth/status", nil)
	statusReq.AddCookie(cookies[0])
	statusRR := httptest.NewRecorder()
	h.httpServer.Handler.ServeHTTP(statusRR, statusReq)

	var status authStatusResponse
	if err := json.NewDecoder(statusRR.Body).Decode(&status); err != nil {
		t.Fatalf("decode status response: %v", err)
	}
	if !status.Authenticated || status.Email != payload.Email {
		t.Errorf("authStatusResponse = %+v, want authenticated for %s", status, payload.Email)
	}
}

func TestActivateRejectsBadSignature(t *testing.T) {
	h := newTestHub(t, nil)
	testLicenseKeyPair(t, h)

	otherPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate unrelated key: %v", err)
	}
	key, err := license.Sign(otherPriv, license.Payload{
		Email:       "attacker@example.com",
		Plan:        "pro",
		MaxSessions: 10,
		ExpiresAt:   time.Now().Add(time.Hour),
		IssuedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("sign license: %v", err)
	}

	body := strings.NewReader(`{"licenseKey":"` + key + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/activate", body)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}
