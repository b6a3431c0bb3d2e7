package wsbridge

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/agentide/hub/internal/ptymux"
	"github.com/agentide/hub/internal/scheduler"
)

// viewer is one connected browser client attached to a SessionHost. Each
// viewer owns its own send queue and backpressure bookkeeping, matching the
// concurrency model's "one WebSocket client, one draining task" rule.
type viewer struct {
	conn   *websocket.Conn
	notify chan struct{}

	mu          sync.Mutex
	pendingText [][]byte
	binary      [][]byte
	binaryBytes int
	warned      bool
	closed      bool
}

// wake signals the writer that new frames are queued, without blocking if
// it's already been signaled and not yet drained.
func (v *viewer) wake() {
	select {
	case v.notify <- struct{}{}:
	default:
	}
}

// SessionHost fans a single session's PTY event stream out to every
// currently-attached viewer, persisting independently of any one browser
// connection — the underlying ManagedProcess lives as long as the PTY
// multiplexer tracks it, not as long as a socket stays open.
type SessionHost struct {
	sessionID string
	ptys      *ptymux.Manager
	bridge    *Bridge

	mu      sync.Mutex
	viewers map[*viewer]struct{}
}

func newSessionHost(sessionID string, ptys *ptymux.Manager, bridge *Bridge) *SessionHost {
	h := &SessionHost{sessionID: sessionID, ptys: ptys, bridge: bridge, viewers: make(map[*viewer]struct{})}
	go h.relay()
	return h
}

// relay subscribes once per host (not per viewer) to the tracked process's
// event stream and fans each event out to every attached viewer, so N
// viewers cost one subscription slot rather than N.
func (h *SessionHost) relay() {
	ch, unsubscribe, ok := h.ptys.Subscribe(h.sessionID)
	if !ok {
		return
	}
	defer unsubscribe()

	for ev := range ch {
		switch ev.Kind {
		case ptymux.EventData:
			h.broadcastBinary(ev.Data)
		case ptymux.EventExit:
			h.broadcastControl(controlMessage{Type: "session_status", SessionID: h.sessionID, Status: "completed"})
			h.closeAllViewers()
			h.bridge.forgetHost(h.sessionID)
			return
		default:
			if msg, ok := eventToControlMessage(h.sessionID, ev); ok {
				h.broadcastControl(msg)
			}
		}
	}
}

// notifyIdle emits session_idle to every viewer, and needs_input as well
// when the idle transition left the session actually prompting for input.
// Wired from the idle poller's callback alongside the scheduler's own
// OnSessionIdle, at the composition root.
func (h *SessionHost) notifyIdle(needsInput bool) {
	h.broadcastControl(controlMessage{Type: "session_idle", SessionID: h.sessionID})
	if needsInput {
		h.broadcastControl(controlMessage{Type: "needs_input", SessionID: h.sessionID})
	}
}

// notifyPort emits a port_detected/port_closed control frame to every
// viewer. Wired from the port scanner's Notifier callback at the
// composition root.
func (h *SessionHost) notifyPort(kind string, port int) {
	h.broadcastControl(controlMessage{Type: kind, SessionID: h.sessionID, Port: port})
}

func (h *SessionHost) attachViewer(conn *websocket.Conn) *viewer {
	v := &viewer{conn: conn, notify: make(chan struct{}, 1)}
	h.mu.Lock()
	h.viewers[v] = struct{}{}
	h.mu.Unlock()
	return v
}

func (h *SessionHost) detachViewer(v *viewer) {
	h.mu.Lock()
	delete(h.viewers, v)
	h.mu.Unlock()
}

func (h *SessionHost) closeAllViewers() {
	h.mu.Lock()
	viewers := make([]*viewer, 0, len(h.viewers))
	for v := range h.viewers {
		viewers = append(viewers, v)
	}
	h.mu.Unlock()
	for _, v := range viewers {
		_ = v.conn.Close()
	}
}

func (h *SessionHost) viewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

func (h *SessionHost) broadcastBinary(data []byte) {
	h.mu.Lock()
	viewers := make([]*viewer, 0, len(h.viewers))
	for v := range h.viewers {
		viewers = append(viewers, v)
	}
	h.mu.Unlock()
	for _, v := range viewers {
		v.enqueueBinary(h.sessionID, data)
	}
}

func (h *SessionHost) broadcastControl(msg controlMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	viewers := make([]*viewer, 0, len(h.viewers))
	for v := range h.viewers {
		viewers = append(viewers, v)
	}
	h.mu.Unlock()
	for _, v := range viewers {
		v.enqueueText(body)
	}
}

// enqueueBinary applies the documented backpressure policy: once the
// viewer's queued binary bytes exceed the threshold, drop the oldest
// binary frames (never control frames) and emit a one-time warning.
func (v *viewer) enqueueBinary(sessionID string, data []byte) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	frame := append([]byte(nil), data...)
	v.binary = append(v.binary, frame)
	v.binaryBytes += len(frame)

	for v.binaryBytes > backpressureBytes && len(v.binary) > 0 {
		dropped := v.binary[0]
		v.binary = v.binary[1:]
		v.binaryBytes -= len(dropped)
		if !v.warned {
			v.warned = true
			warning, _ := json.Marshal(controlMessage{Type: "dropped_frames", SessionID: sessionID})
			v.pendingText = append(v.pendingText, warning)
		}
	}
	v.mu.Unlock()
	v.wake()
}

func (v *viewer) enqueueText(body []byte) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.pendingText = append(v.pendingText, body)
	v.mu.Unlock()
	v.wake()
}

// drain pops everything queued for v. Text (control) frames always go out
// first and are never dropped; binary frames follow.
func (v *viewer) drain() (text [][]byte, binary [][]byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	text, v.pendingText = v.pendingText, nil
	binary, v.binary = v.binary, nil
	v.binaryBytes = 0
	v.warned = false
	return text, binary
}

// run drives both the outbound drain loop and the inbound read loop for a
// single viewer, blocking until the client disconnects or the session
// host closes the connection out from under it.
func (h *SessionHost) run(v *viewer, sched *scheduler.Scheduler) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(v)
	}()

	h.readLoop(v, sched)

	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	v.wake()
	_ = v.conn.Close()
	<-writerDone
}

// writeLoop blocks on the viewer's notify channel between batches, waking
// whenever enqueueBinary/enqueueText signals new frames are queued, and
// exits once the viewer is marked closed.
func (h *SessionHost) writeLoop(v *viewer) {
	for {
		text, binary := v.drain()
		if len(text) == 0 && len(binary) == 0 {
			<-v.notify
			v.mu.Lock()
			closed := v.closed
			v.mu.Unlock()
			if closed {
				return
			}
			continue
		}
		for _, t := range text {
			if err := v.conn.WriteMessage(websocket.TextMessage, t); err != nil {
				return
			}
		}
		for _, b := range binary {
			if err := v.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
				return
			}
		}
	}
}

func (h *SessionHost) readLoop(v *viewer, sched *scheduler.Scheduler) {
	for {
		msgType, data, err := v.conn.ReadMessage()
		if err != nil {
			return
		}

		proc, ok := h.ptys.Get(h.sessionID)
		if !ok {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if sched != nil {
				sched.RecordUserInput(h.sessionID)
			}
			if _, err := proc.Write(data); err != nil {
				slog.Warn("wsbridge: write to process failed", "session", h.sessionID, "error", err)
				return
			}
		case websocket.TextMessage:
			var in inboundMessage
			if err := json.Unmarshal(data, &in); err != nil {
				continue
			}
			switch in.Type {
			case "resize":
				if err := proc.Resize(in.Cols, in.Rows); err != nil {
					slog.Warn("wsbridge: resize failed", "session", h.sessionID, "error", err)
				}
			case "input":
				if sched != nil {
					sched.RecordUserInput(h.sessionID)
				}
				if _, err := proc.Write([]byte(sanitizeInput(in.Data))); err != nil {
					slog.Warn("wsbridge: legacy input write failed", "session", h.sessionID, "error", err)
					return
				}
			case "kill":
				_ = proc.Kill()
			}
		}
	}
}
