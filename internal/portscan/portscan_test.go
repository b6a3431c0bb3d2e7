package portscan

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/agentide/hub/internal/store"
)

type okHandler struct{}

func (okHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }

func backendPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("strconv.Atoi() error = %v", err)
	}
	return port
}

type fakeSessionSource struct {
	sessions []store.Session
	workers  map[string]*store.Worker
}

func (f *fakeSessionSource) ListSessionsByStatus(status store.SessionStatus) ([]store.Session, error) {
	var out []store.Session
	for _, s := range f.sessions {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSessionSource) GetWorker(id string) (*store.Worker, error) {
	return f.workers[id], nil
}

func TestParseLsofListeningFiltersByPIDAndMinPort(t *testing.T) {
	out := []byte(strings.Join([]string{
		"node      1234 user   20u  IPv4 0x1 0t0  TCP *:3000 (LISTEN)",
		"node      1234 user   21u  IPv4 0x1 0t0  TCP *:80 (LISTEN)",
		"sshd       999 root   3u   IPv4 0x2 0t0  TCP *:22 (LISTEN)",
	}, "\n"))

	got := parseLsofListening(out, map[int]struct{}{1234: {}})
	if _, ok := got[3000]; !ok || len(got) != 1 {
		t.Errorf("got %v, want only port 3000 (pid 1234, >=1024)", got)
	}
}

func TestMatchingPIDsByCwd(t *testing.T) {
	out := []byte("/home/user/app\n111\n/home/user/app/sub\n222\n/tmp\n333\n")
	got := matchingPIDsByCwd(out, "/home/user/app")
	if _, ok := got[111]; !ok {
		t.Error("expected exact cwd match pid 111")
	}
	if _, ok := got[222]; !ok {
		t.Error("expected descendant cwd match pid 222")
	}
	if _, ok := got[333]; ok {
		t.Error("pid 333 should not match an unrelated cwd")
	}
}

func TestDiffAndNotifyEmitsDetectedAndClosed(t *testing.T) {
	var events []struct {
		kind EventKind
		port int
	}
	s := New(&fakeSessionSource{}, nil, func(sessionID string, kind EventKind, port int) {
		events = append(events, struct {
			kind EventKind
			port int
		}{kind, port})
	})

	s.diffAndNotify("sess1", map[int]struct{}{3000: {}, 4000: {}})
	if len(events) != 2 {
		t.Fatalf("first scan: got %d events, want 2", len(events))
	}

	events = nil
	s.diffAndNotify("sess1", map[int]struct{}{3000: {}})
	if len(events) != 1 || events[0].kind != EventPortClosed || events[0].port != 4000 {
		t.Errorf("second scan events = %+v, want one port_closed for 4000", events)
	}
}

func TestDiffAndNotifyIgnoresNilScan(t *testing.T) {
	called := false
	s := New(&fakeSessionSource{}, nil, func(string, EventKind, int) { called = true })
	s.diffAndNotify("sess1", nil)
	if called {
		t.Error("a nil (failed) scan must not emit spurious close events")
	}
}

func TestForgetClearsObservedPorts(t *testing.T) {
	var calls int
	s := New(&fakeSessionSource{}, nil, func(string, EventKind, int) { calls++ })
	s.diffAndNotify("sess1", map[int]struct{}{3000: {}})
	s.Forget("sess1")
	calls = 0
	s.diffAndNotify("sess1", map[int]struct{}{3000: {}})
	if calls != 1 {
		t.Errorf("after Forget, re-seeing port 3000 should fire port_detected again; calls = %d", calls)
	}
}

func TestGuardSSRFRejectsLoopback(t *testing.T) {
	if err := guardSSRF("localhost"); err == nil {
		t.Error("expected guardSSRF to reject loopback")
	}
}

func TestGuardSSRFAllowsPublicHost(t *testing.T) {
	// A literal public IP short-circuits net.LookupIP's parse path, so this
	// doesn't depend on a live resolver being reachable.
	if err := guardSSRF("8.8.8.8"); err != nil {
		t.Errorf("guardSSRF rejected a public host: %v", err)
	}
}

func TestURLProxyHandlerRejectsNonHTTPScheme(t *testing.T) {
	if _, err := URLProxyHandler("file:///etc/passwd"); err == nil {
		t.Error("expected URLProxyHandler to reject a non-http(s) scheme")
	}
}

func TestPortProxyHandlerProxiesToLoopback(t *testing.T) {
	backend := httptest.NewServer(okHandler{})
	defer backend.Close()

	handler := PortProxyHandler(backendPort(t, backend))
	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
