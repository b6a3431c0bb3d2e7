package wsbridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentide/hub/internal/ptymux"
	"github.com/agentide/hub/internal/store"
)

type fakeProcess struct {
	events chan ptymux.Event
	writes chan []byte
	killed chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		events: make(chan ptymux.Event, 16),
		writes: make(chan []byte, 16),
		killed: make(chan struct{}, 1),
	}
}

func (f *fakeProcess) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	f.writes <- cp
	return len(p), nil
}
func (f *fakeProcess) Resize(cols, rows int) error { return nil }
func (f *fakeProcess) Kill() error {
	select {
	case f.killed <- struct{}{}:
	default:
	}
	return nil
}
func (f *fakeProcess) Events() <-chan ptymux.Event { return f.events }

type fakeStore struct {
	session *store.Session
}

func (s *fakeStore) GetSession(id string) (*store.Session, error) {
	if s.session == nil || s.session.ID != id {
		return nil, nil
	}
	return s.session, nil
}

func newTestBridge(t *testing.T, sessionID string) (*Bridge, *ptymux.Manager, *fakeProcess) {
	t.Helper()
	ptys := ptymux.NewManager(nil, filepath.Join(t.TempDir(), "scrollback"), nil)
	t.Cleanup(ptys.Shutdown)

	proc := newFakeProcess()
	ptys.Track(sessionID, proc)

	st := &fakeStore{session: &store.Session{ID: sessionID, Status: store.SessionActive}}
	b := New(ptys, st, nil, nil, Config{ReadBufferSize: 4096, WriteBufferSize: 4096, AllowedOrigins: []string{"*"}})
	return b, ptys, proc
}

func dialSession(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws/sessions/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	return conn
}

func TestServeSessionSendsStatusThenData(t *testing.T) {
	b, _, proc := newTestBridge(t, "s1")
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/sessions/{id}", b.Handler(false))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialSession(t, srv, "s1")
	defer conn.Close()

	mt, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("first frame type = %d, want text", mt)
	}
	var status controlMessage
	if err := json.Unmarshal(msg, &status); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if status.Type != "session_status" || status.Status != "active" {
		t.Errorf("status = %+v, want session_status/active", status)
	}

	proc.events <- ptymux.Event{Kind: ptymux.EventData, Data: []byte("hello")}
	mt, msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if mt != websocket.BinaryMessage || string(msg) != "hello" {
		t.Errorf("got (%d, %q), want binary \"hello\"", mt, msg)
	}
}

func TestServeSessionForwardsInboundBinaryToProcess(t *testing.T) {
	b, _, proc := newTestBridge(t, "s2")
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/sessions/{id}", b.Handler(false))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialSession(t, srv, "s2")
	defer conn.Close()

	// drain the session_status frame
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("typed")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	select {
	case got := <-proc.writes:
		if string(got) != "typed" {
			t.Errorf("process received %q, want %q", got, "typed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("process never received the written bytes")
	}
}

func TestServeSessionForwardsKillControlFrame(t *testing.T) {
	b, _, proc := newTestBridge(t, "s3")
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/sessions/{id}", b.Handler(false))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialSession(t, srv, "s3")
	defer conn.Close()

	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}

	body, _ := json.Marshal(map[string]string{"type": "kill"})
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	select {
	case <-proc.killed:
	case <-time.After(2 * time.Second):
		t.Fatal("kill control frame never reached the process")
	}
}

func TestMultipleViewersReceiveSameBytes(t *testing.T) {
	b, _, proc := newTestBridge(t, "s4")
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/sessions/{id}", b.Handler(false))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	connA := dialSession(t, srv, "s4")
	defer connA.Close()
	connB := dialSession(t, srv, "s4")
	defer connB.Close()

	for _, c := range []*websocket.Conn{connA, connB} {
		if _, _, err := c.ReadMessage(); err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
	}

	proc.events <- ptymux.Event{Kind: ptymux.EventData, Data: []byte("shared")}

	for _, c := range []*websocket.Conn{connA, connB} {
		_, msg, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		if string(msg) != "shared" {
			t.Errorf("viewer got %q, want %q", msg, "shared")
		}
	}
}

func TestUnknownSessionReturnsNotFound(t *testing.T) {
	b, _, _ := newTestBridge(t, "s5")
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/sessions/{id}", b.Handler(false))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	u.Scheme = "ws"
	u.Path = "/ws/sessions/absent"
	_, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err == nil {
		t.Fatal("Dial() unexpectedly succeeded for an unknown session")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %v, want 404", resp)
	}
}

func TestAuthNotRequiredAcceptsWithoutCookie(t *testing.T) {
	b, _, _ := newTestBridge(t, "s6")
	// gate is nil in newTestBridge; this test exercises the authRequired=false
	// path explicitly carrying a cookie-free request to document that it is
	// only enforced when a Gate is actually wired in.
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/sessions/{id}", b.Handler(false))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialSession(t, srv, "s6")
	defer conn.Close()
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
}

func TestOriginAllowedWildcardSubdomain(t *testing.T) {
	if !originAllowed("https://app.example.com", []string{"https://*.example.com"}) {
		t.Error("expected wildcard subdomain origin to be allowed")
	}
	if originAllowed("https://evil.com", []string{"https://*.example.com"}) {
		t.Error("expected non-matching origin to be rejected")
	}
}

func TestSanitizeInputStripsNullBytes(t *testing.T) {
	if got := sanitizeInput("a\x00b"); got != "ab" {
		t.Errorf("sanitizeInput() = %q, want %q", got, "ab")
	}
}
