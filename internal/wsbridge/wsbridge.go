// Package wsbridge serves the per-session WebSocket upgrade handler at
// /ws/sessions/:id: cookie authentication off the raw upgrade header,
// scrollback replay, binary PTY framing in both directions, JSON control
// frames, and a dropped-oldest-binary-frame backpressure policy that never
// drops a control frame.
package wsbridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentide/hub/internal/auth"
	"github.com/agentide/hub/internal/portscan"
	"github.com/agentide/hub/internal/ptymux"
	"github.com/agentide/hub/internal/scheduler"
	"github.com/agentide/hub/internal/store"
)

const (
	scrollbackChunkSize = 64 * 1024
	backpressureBytes   = 4 * 1024 * 1024
	writeWait           = 10 * time.Second
)

// SessionLookup resolves a session id to its current stored state, used to
// report status and to reject upgrades for unknown sessions.
type SessionLookup interface {
	GetSession(id string) (*store.Session, error)
}

// Bridge wires the PTY multiplexer's event streams to connected browser
// clients, one SessionHost per session shared by every attached viewer.
type Bridge struct {
	ptys     *ptymux.Manager
	store    SessionLookup
	sched    *scheduler.Scheduler
	gate     *auth.Gate
	upgrader websocket.Upgrader

	mu    sync.Mutex
	hosts map[string]*SessionHost
}

// Config carries the upgrade-time knobs a Bridge needs.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	AllowedOrigins  []string
}

// New builds a Bridge. sched may be nil in tests that don't exercise
// needs-input clearing.
func New(ptys *ptymux.Manager, st SessionLookup, sched *scheduler.Scheduler, gate *auth.Gate, cfg Config) *Bridge {
	b := &Bridge{
		ptys:  ptys,
		store: st,
		sched: sched,
		gate:  gate,
		hosts: make(map[string]*SessionHost),
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originAllowed(origin, cfg.AllowedOrigins)
		},
	}
	return b
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if matchWildcardOrigin(origin, a) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin matches origin against a pattern like
// "https://*.example.com", allowing any text, further dot-separated levels
// included, in place of the "*" segment. Mirrors the teacher's own origin-allowlist semantics.
func matchWildcardOrigin(origin, pattern string) bool {
	star := strings.Index(pattern, "*")
	if star < 0 {
		return false
	}
	prefix, suffix := pattern[:star], pattern[star+1:]
	return strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) && len(origin) >= len(prefix)+len(suffix)
}

// controlMessage is the JSON shape of every server-to-client text frame.
type controlMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status,omitempty"`
	Command   string `json:"command,omitempty"`
	Message   string `json:"message,omitempty"`
	Port      int    `json:"port,omitempty"`
}

// inboundMessage is the JSON shape of client-to-server text frames.
type inboundMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
	Data string `json:"data"`
}

// Handler returns the http.HandlerFunc for the /ws/sessions/{id} route,
// registered by the caller's ServeMux. authRequired mirrors the hub's
// effective bind-address-derived auth gate.
func (b *Bridge) Handler(authRequired bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if sessionID == "" {
			http.Error(w, "missing session id", http.StatusBadRequest)
			return
		}
		b.serveSession(w, r, sessionID, authRequired)
	}
}

// serveSession handles the /ws/sessions/:id upgrade for sessionID.
func (b *Bridge) serveSession(w http.ResponseWriter, r *http.Request, sessionID string, authRequired bool) {
	if authRequired {
		token, ok := b.gate.Cookies.FromHeader(r.Header)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if _, err := b.gate.Signer.Verify(token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	session, err := b.store.GetSession(sessionID)
	if err != nil || session == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("wsbridge: upgrade failed", "session", sessionID, "error", err)
		return
	}

	host := b.getOrCreateHost(sessionID)
	viewer := host.attachViewer(conn)

	b.sendStatus(conn, sessionID, string(session.Status))
	b.sendScrollback(conn, sessionID)

	host.run(viewer, b.sched)

	host.detachViewer(viewer)
}

func (b *Bridge) getOrCreateHost(sessionID string) *SessionHost {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.hosts[sessionID]; ok {
		return h
	}
	h := newSessionHost(sessionID, b.ptys, b)
	b.hosts[sessionID] = h
	return h
}

// NotifyIdle forwards a session_idle (and, if needsInput, a needs_input)
// control frame to every viewer currently attached to sessionID. Intended
// to be wired alongside the scheduler's own OnSessionIdle as the PTY
// multiplexer's shared onIdle callback; a no-op if no viewer has attached.
func (b *Bridge) NotifyIdle(sessionID string, needsInput bool) {
	b.mu.Lock()
	host, ok := b.hosts[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}
	host.notifyIdle(needsInput)
}

// NotifyPort forwards a port_detected/port_closed control frame to every
// viewer attached to sessionID. Satisfies portscan.Notifier; a no-op if no
// viewer has attached to that session.
func (b *Bridge) NotifyPort(sessionID string, kind portscan.EventKind, port int) {
	b.mu.Lock()
	host, ok := b.hosts[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}
	host.notifyPort(string(kind), port)
}

// forgetHost is called by a SessionHost once its underlying process has
// exited and its viewers' connections are closed, so the map doesn't grow unbounded
// across a long-lived hub process.
func (b *Bridge) forgetHost(sessionID string) {
	b.mu.Lock()
	delete(b.hosts, sessionID)
	b.mu.Unlock()
}

func (b *Bridge) sendStatus(conn *websocket.Conn, sessionID, status string) {
	writeControlJSON(conn, controlMessage{Type: "session_status", SessionID: sessionID, Status: status})
}

func (b *Bridge) sendScrollback(conn *websocket.Conn, sessionID string) {
	data := b.ptys.Scrollback(sessionID)
	for len(data) > 0 {
		chunk := data
		if len(chunk) > scrollbackChunkSize {
			chunk = chunk[:scrollbackChunkSize]
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return
		}
		data = data[len(chunk):]
	}
}

func writeControlJSON(conn *websocket.Conn, msg controlMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, body)
}

func eventToControlMessage(sessionID string, ev ptymux.Event) (controlMessage, bool) {
	switch ev.Kind {
	case ptymux.EventConnectionLost:
		return controlMessage{Type: "connection_lost", SessionID: sessionID}, true
	case ptymux.EventBoardCommand:
		return controlMessage{Type: "board_command", SessionID: sessionID, Command: ev.Command}, true
	default:
		return controlMessage{}, false
	}
}

func sanitizeInput(data string) string {
	return strings.ReplaceAll(data, "\x00", "")
}
