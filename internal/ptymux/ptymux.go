// Package ptymux presents a uniform interface over local and remote agent
// processes: write/resize/kill plus an event stream of data, exit,
// connection-loss and board-command notifications. It also owns scrollback
// persistence and the global idle poller.
package ptymux

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentide/hub/internal/tunnel"
)

// EventKind enumerates the ManagedProcess event stream's variants.
type EventKind string

const (
	EventData            EventKind = "data"
	EventExit            EventKind = "exit"
	EventConnectionLost  EventKind = "connectionLost"
	EventBoardCommand    EventKind = "boardCommand"
)

// Event is a single notification emitted by a ManagedProcess.
type Event struct {
	Kind     EventKind
	Data     []byte
	ExitCode int
	Command  string
}

// ManagedProcess is the uniform surface over a local PTY or a remote SSH
// shell channel driving an agent session.
type ManagedProcess interface {
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Kill() error
	Events() <-chan Event
}

const (
	idlePollInterval     = 2 * time.Second
	idleThreshold        = 8 * time.Second
	scrollbackFlushEvery = 2 * time.Second
	defaultBufferSize    = 256 * 1024
)

// Manager tracks every live ManagedProcess, keyed by session id, and runs
// the shared idle poller and scrollback flush loop.
type Manager struct {
	mu       sync.Mutex
	entries  map[string]*entry
	tunnels  *tunnel.Manager
	scrollDir string

	onIdle func(sessionID string)

	stop chan struct{}
}

type entry struct {
	proc         ManagedProcess
	ring         *RingBuffer // bounded in-memory tail cache, for quick reattach
	pending      []byte      // bytes written since the last disk flush
	lastOutputAt time.Time
	idleFlagged  bool
	mu           sync.Mutex

	subsMu sync.Mutex
	subs   map[int]chan Event
	nextID int
}

const subscriberBuffer = 64

// NewManager builds a Manager. onIdle is invoked from the idle poller
// whenever a session crosses the idle threshold; it may be nil.
func NewManager(tunnels *tunnel.Manager, scrollbackDir string, onIdle func(sessionID string)) *Manager {
	if onIdle == nil {
		onIdle = func(string) {}
	}
	m := &Manager{
		entries:   make(map[string]*entry),
		tunnels:   tunnels,
		scrollDir: scrollbackDir,
		onIdle:    onIdle,
		stop:      make(chan struct{}),
	}
	go m.idleLoop()
	go m.scrollbackFlushLoop()
	return m
}

// Track registers a ManagedProcess under sessionID and starts consuming its
// event stream to drive the ring buffer and idle bookkeeping.
func (m *Manager) Track(sessionID string, proc ManagedProcess) {
	e := &entry{proc: proc, ring: NewRingBuffer(defaultBufferSize), lastOutputAt: time.Now()}

	m.mu.Lock()
	m.entries[sessionID] = e
	m.mu.Unlock()

	go m.pump(sessionID, e)
}

func (m *Manager) pump(sessionID string, e *entry) {
	for ev := range e.proc.Events() {
		if ev.Kind == EventData {
			e.mu.Lock()
			e.ring.Write(ev.Data)
			e.pending = append(e.pending, ev.Data...)
			e.lastOutputAt = time.Now()
			e.idleFlagged = false
			e.mu.Unlock()
		}
		e.broadcast(ev)
		if ev.Kind == EventExit || ev.Kind == EventConnectionLost {
			m.flushSession(sessionID, e)
			if ev.Kind == EventExit {
				m.mu.Lock()
				delete(m.entries, sessionID)
				m.mu.Unlock()
				e.closeSubscribers()
			}
		}
	}
}

// broadcast fans ev out to every subscriber, dropping it for any subscriber
// whose buffer is full rather than blocking the pump.
func (e *entry) broadcast(ev Event) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *entry) closeSubscribers() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
}

// Subscribe registers an additional consumer of sessionID's event stream,
// alongside the manager's own ring-buffer/idle bookkeeping. The returned
// func unsubscribes and must be called exactly once. ok is false if the
// session isn't tracked.
func (m *Manager) Subscribe(sessionID string) (ch <-chan Event, unsubscribe func(), ok bool) {
	m.mu.Lock()
	e, found := m.entries[sessionID]
	m.mu.Unlock()
	if !found {
		return nil, func() {}, false
	}

	e.subsMu.Lock()
	if e.subs == nil {
		e.subs = make(map[int]chan Event)
	}
	id := e.nextID
	e.nextID++
	c := make(chan Event, subscriberBuffer)
	e.subs[id] = c
	e.subsMu.Unlock()

	return c, func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		if ch, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}, true
}

// Get returns the tracked ManagedProcess for a session, if any.
func (m *Manager) Get(sessionID string) (ManagedProcess, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return nil, false
	}
	return e.proc, true
}

// LoadScrollback returns the persisted scrollback bytes for a session, or
// nil if none exist yet.
func (m *Manager) LoadScrollback(sessionID string) []byte {
	b, err := os.ReadFile(m.scrollbackPath(sessionID))
	if err != nil {
		return nil
	}
	return b
}

func (m *Manager) scrollbackPath(sessionID string) string {
	return filepath.Join(m.scrollDir, fmt.Sprintf("%s.scrollback", sessionID))
}

// Scrollback returns the complete scrollback for a session. While the
// session's ring buffer hasn't wrapped and no scrollback file exists yet,
// the ring holds the session's entire history, so it's returned directly
// without touching disk. Otherwise the ring alone is not the full record
// (it has wrapped, or earlier output, including that of a previous
// activation, is already on disk): any bytes not yet flushed are flushed
// first, then the complete on-disk file is read, so a reconnecting client
// always sees everything (§4.7 step 2), not just the in-memory tail.
func (m *Manager) Scrollback(sessionID string) []byte {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	m.mu.Unlock()
	if !ok {
		return m.LoadScrollback(sessionID)
	}
	if !e.ring.Wrapped() {
		if _, err := os.Stat(m.scrollbackPath(sessionID)); os.IsNotExist(err) {
			return e.ring.ReadAll()
		}
	}
	m.flushSession(sessionID, e)
	return m.LoadScrollback(sessionID)
}

// idleLoop is the single global poller described by the idle-detection
// policy: every 2s, any session silent for >=8s that has not already been
// reported idle since its last output gets an advisory callback.
func (m *Manager) idleLoop() {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			ids := make([]string, 0, len(m.entries))
			for id := range m.entries {
				ids = append(ids, id)
			}
			m.mu.Unlock()

			for _, id := range ids {
				m.mu.Lock()
				e, ok := m.entries[id]
				m.mu.Unlock()
				if !ok {
					continue
				}
				e.mu.Lock()
				silent := time.Since(e.lastOutputAt) >= idleThreshold
				already := e.idleFlagged
				if silent && !already {
					e.idleFlagged = true
				}
				e.mu.Unlock()
				if silent && !already {
					m.onIdle(id)
				}
			}
		}
	}
}

// scrollbackFlushLoop appends every session's bytes written since its last
// flush to its scrollback file, once per scrollbackFlushEvery.
func (m *Manager) scrollbackFlushLoop() {
	ticker := time.NewTicker(scrollbackFlushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			snap := make(map[string]*entry, len(m.entries))
			for id, e := range m.entries {
				snap[id] = e
			}
			m.mu.Unlock()
			for id, e := range snap {
				m.flushSession(id, e)
			}
		}
	}
}

// flushSession appends newly-written bytes since the last flush to the
// scrollback file. The file is append-only, never truncated.
func (m *Manager) flushSession(sessionID string, e *entry) {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	if err := os.MkdirAll(m.scrollDir, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(m.scrollbackPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(pending)
}

// Shutdown flushes every session synchronously and stops background loops.
// It does not kill processes; callers that need that do it via the
// scheduler/session manager before calling Shutdown.
func (m *Manager) Shutdown() {
	close(m.stop)
	m.mu.Lock()
	snap := make(map[string]*entry, len(m.entries))
	for id, e := range m.entries {
		snap[id] = e
	}
	m.mu.Unlock()
	for id, e := range snap {
		m.flushSession(id, e)
	}
}
