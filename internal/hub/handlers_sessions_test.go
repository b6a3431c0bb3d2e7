package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func postJSON(t *testing.T, h *Hub, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.httpServer.Handler.ServeHTTP(rr, req)
	return rr
}

func TestCreateSessionRejectsRelativePath(t *testing.T) {
	h := newTestHub(t, nil)

	rr := postJSON(t, h, "/api/sessions", `{"workingDirectory":"relative/dir"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rr.Code, rr.Body.String())
	}
}

func TestCreateSessionRejectsOutsideHome(t *testing.T) {
	h := newTestHub(t, nil)

	rr := postJSON(t, h, "/api/sessions", `{"workingDirectory":"`+t.TempDir()+`"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body = %s", rr.Code, rr.Body.String())
	}
}

func TestCreateAndListSessions(t *testing.T) {
	h := newTestHub(t, nil)

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory available: %v", err)
	}
	workDir := filepath.Join(home, ".agentide-hub-test-"+t.Name())
	t.Cleanup(func() { os.RemoveAll(workDir) })

	body := `{"workingDirectory":"` + workDir + `","title":"test session"}`
	rr := postJSON(t, h, "/api/sessions", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201, body = %s", rr.Code, rr.Body.String())
	}
	var created sessionView
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Title != "test session" {
		t.Errorf("Title = %q, want %q", created.Title, "test session")
	}
	if created.ID == "" {
		t.Fatal("expected a generated session id")
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	listRR := httptest.NewRecorder()
	h.httpServer.Handler.ServeHTTP(listRR, listReq)
	if listRR.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", listRR.Code)
	}
	var sessions []sessionView
	if err := json.NewDecoder(listRR.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	found := false
	for _, s := range sessions {
		if s.ID == created.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("created session %s not present in list", created.ID)
	}
}
