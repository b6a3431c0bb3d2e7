// Package portscan periodically enumerates listening TCP ports owned by
// each active session's process tree, emits detected/closed events, and
// exposes reverse proxies: PortProxyHandler reaches a detected port on
// loopback (locally, or through a Tunnel Manager port forward for remote
// workers), and URLProxyHandler proxies an arbitrary URL behind an SSRF
// guard.
package portscan

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/netip"
	"net/url"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentide/hub/internal/store"
	"github.com/agentide/hub/internal/tunnel"
)

const (
	scanInterval = 5 * time.Second
	minPort      = 1024
	execTimeout  = 10 * time.Second
)

// EventKind distinguishes a newly observed listening port from one that
// has since disappeared.
type EventKind string

const (
	EventPortDetected EventKind = "port_detected"
	EventPortClosed   EventKind = "port_closed"
)

// Notifier is called for every port_detected/port_closed transition. It is
// satisfied by (*wsbridge.Bridge).NotifyPort; kept as a plain func type to
// avoid an import cycle.
type Notifier func(sessionID string, kind EventKind, port int)

// SessionSource is the subset of the store a Scanner needs to enumerate
// active sessions and their worker and process-tree root.
type SessionSource interface {
	ListSessionsByStatus(status store.SessionStatus) ([]store.Session, error)
	GetWorker(id string) (*store.Worker, error)
}

// Scanner runs the periodic listening-port enumeration described by the
// port scanner component: one tick drives every active session, caching
// the previously observed port set per session (grounded on the teacher's
// TTL-cached discovery pattern, here used to diff consecutive scans rather
// than to expire a single cached value).
type Scanner struct {
	store   SessionSource
	tunnels *tunnel.Manager
	notify  Notifier

	mu       sync.Mutex
	observed map[string]map[int]struct{} // sessionID -> set of open ports
	stop     chan struct{}
}

// New builds a Scanner. notify may be nil in tests that only check the
// enumeration logic.
func New(st SessionSource, tunnels *tunnel.Manager, notify Notifier) *Scanner {
	if notify == nil {
		notify = func(string, EventKind, int) {}
	}
	return &Scanner{
		store:    st,
		tunnels:  tunnels,
		notify:   notify,
		observed: make(map[string]map[int]struct{}),
		stop:     make(chan struct{}),
	}
}

// Start runs the 5s scan loop in its own goroutine until Stop is called.
func (s *Scanner) Start() {
	go s.loop()
}

// Stop halts the scan loop. Safe to call once.
func (s *Scanner) Stop() { close(s.stop) }

func (s *Scanner) loop() {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.scanAll()
		}
	}
}

func (s *Scanner) scanAll() {
	sessions, err := s.store.ListSessionsByStatus(store.SessionActive)
	if err != nil {
		slog.Warn("portscan: list active sessions", "error", err)
		return
	}
	for _, session := range sessions {
		s.scanSession(session)
	}
}

func (s *Scanner) scanSession(session store.Session) {
	workerID := session.WorkerID
	if workerID == "" {
		workerID = store.LocalWorkerID
	}
	worker, err := s.store.GetWorker(workerID)
	if err != nil || worker == nil {
		return
	}

	var ports map[int]struct{}
	if worker.Type == store.WorkerLocal {
		if session.PID == nil {
			return
		}
		ports = s.scanLocal(*session.PID)
	} else {
		if s.tunnels == nil {
			return
		}
		if _, ok := s.tunnels.Status(workerID); !ok {
			return
		}
		ports = s.scanRemote(workerID, session.WorkingDirectory)
	}

	s.diffAndNotify(session.ID, ports)
}

// scanLocal shells out to lsof scoped to pid's process subtree, matching
// the documented `lsof -i -P -n -sTCP:LISTEN` enumeration.
func (s *Scanner) scanLocal(rootPID int) map[int]struct{} {
	pids := localProcessSubtree(rootPID)
	pids[rootPID] = struct{}{}

	out, err := runWithTimeout(execTimeout, "lsof", "-i", "-P", "-n", "-sTCP:LISTEN")
	if err != nil {
		return nil
	}
	return parseLsofListening(out, pids)
}

// scanRemote runs the same enumeration over the Tunnel Manager's exec
// channel, then filters by matching each listening PID's cwd against the
// session's working directory — the best available process-tree signal
// over a plain shell channel, since the remote login line doesn't report
// its own PID back to the hub.
func (s *Scanner) scanRemote(workerID, workingDirectory string) map[int]struct{} {
	out, err := s.tunnels.Exec(workerID, "ss -tlnp 2>/dev/null || lsof -i -P -n -sTCP:LISTEN 2>/dev/null")
	if err != nil {
		return nil
	}
	candidates := parseSSOrLsofPIDs(out)
	if len(candidates) == 0 {
		return nil
	}

	var cwdCmds []string
	for pid := range candidates {
		cwdCmds = append(cwdCmds, fmt.Sprintf("readlink /proc/%d/cwd 2>/dev/null && echo %d", pid, pid))
	}
	cwdOut, err := s.tunnels.Exec(workerID, strings.Join(cwdCmds, "; "))
	if err != nil {
		return nil
	}

	matching := matchingPIDsByCwd(cwdOut, workingDirectory)
	ports := make(map[int]struct{})
	for pid, port := range candidates {
		if _, ok := matching[pid]; ok {
			ports[port] = struct{}{}
		}
	}
	return ports
}

func (s *Scanner) diffAndNotify(sessionID string, current map[int]struct{}) {
	if current == nil {
		return
	}
	s.mu.Lock()
	previous := s.observed[sessionID]
	s.observed[sessionID] = current
	s.mu.Unlock()

	for port := range current {
		if _, existed := previous[port]; !existed {
			s.notify(sessionID, EventPortDetected, port)
		}
	}
	for port := range previous {
		if _, stillOpen := current[port]; !stillOpen {
			s.notify(sessionID, EventPortClosed, port)
		}
	}
}

// Forget drops a session's cached port set, called when a session exits so
// a later reuse of the same id doesn't see stale ports.
func (s *Scanner) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.observed, sessionID)
	s.mu.Unlock()
}

func runWithTimeout(timeout time.Duration, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	done := make(chan struct{})
	var out []byte
	var err error
	go func() {
		out, err = cmd.Output()
		close(done)
	}()
	select {
	case <-done:
		return out, err
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("portscan: %s timed out after %s", name, timeout)
	}
}

var lsofLine = regexp.MustCompile(`^\S+\s+(\d+)\s+.*\s(?:\*|[0-9.:\[\]a-fA-F]+):(\d+)\s+\(LISTEN\)\s*$`)

// parseLsofListening parses `lsof -i -P -n -sTCP:LISTEN` output, keeping
// only rows whose PID is in pids and whose port is >= minPort.
func parseLsofListening(out []byte, pids map[int]struct{}) map[int]struct{} {
	result := make(map[int]struct{})
	for _, line := range strings.Split(string(out), "\n") {
		m := lsofLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pid, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, ok := pids[pid]; !ok {
			continue
		}
		port, err := strconv.Atoi(m[2])
		if err != nil || port < minPort {
			continue
		}
		result[port] = struct{}{}
	}
	return result
}

var ssLine = regexp.MustCompile(`LISTEN\s+\d+\s+\d+\s+\S*:(\d+)\s+\S+\s+.*pid=(\d+)`)
var lsofPidPort = regexp.MustCompile(`^\S+\s+(\d+)\s+.*:(\d+)\s+\(LISTEN\)\s*$`)

// parseSSOrLsofPIDs parses either `ss -tlnp` or lsof fallback output into a
// pid -> port map, unfiltered by subtree (the cwd match does that).
func parseSSOrLsofPIDs(out []byte) map[int]int {
	result := make(map[int]int)
	for _, line := range strings.Split(string(out), "\n") {
		if m := ssLine.FindStringSubmatch(line); m != nil {
			port, err1 := strconv.Atoi(m[1])
			pid, err2 := strconv.Atoi(m[2])
			if err1 == nil && err2 == nil && port >= minPort {
				result[pid] = port
			}
			continue
		}
		if m := lsofPidPort.FindStringSubmatch(line); m != nil {
			pid, err1 := strconv.Atoi(m[1])
			port, err2 := strconv.Atoi(m[2])
			if err1 == nil && err2 == nil && port >= minPort {
				result[pid] = port
			}
		}
	}
	return result
}

// matchingPIDsByCwd parses alternating "path\npid\n" pairs produced by
// scanRemote's readlink loop and returns the PIDs whose cwd is workingDir
// or a descendant of it.
func matchingPIDsByCwd(out []byte, workingDir string) map[int]struct{} {
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	matching := make(map[int]struct{})
	for i := 0; i+1 < len(lines); i += 2 {
		cwd := strings.TrimSpace(lines[i])
		pid, err := strconv.Atoi(strings.TrimSpace(lines[i+1]))
		if err != nil {
			continue
		}
		if cwd == workingDir || strings.HasPrefix(cwd, workingDir+"/") {
			matching[pid] = struct{}{}
		}
	}
	return matching
}

// localProcessSubtree returns rootPID and every descendant PID, queried via
// recursive `pgrep -P` calls.
func localProcessSubtree(rootPID int) map[int]struct{} {
	pids := map[int]struct{}{rootPID: {}}
	frontier := []int{rootPID}
	for len(frontier) > 0 {
		var next []int
		for _, pid := range frontier {
			out, err := runWithTimeout(execTimeout, "pgrep", "-P", strconv.Itoa(pid))
			if err != nil {
				continue
			}
			for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
				if line == "" {
					continue
				}
				child, err := strconv.Atoi(line)
				if err != nil {
					continue
				}
				if _, seen := pids[child]; seen {
					continue
				}
				pids[child] = struct{}{}
				next = append(next, child)
			}
		}
		frontier = next
	}
	return pids
}

// Forwarder allocates a local port proxying to a remote worker's port over
// the same SSH client used for its shell channel.
type Forwarder struct {
	tunnels *tunnel.Manager
}

// NewForwarder builds a Forwarder.
func NewForwarder(tunnels *tunnel.Manager) *Forwarder {
	return &Forwarder{tunnels: tunnels}
}

// ForwardRemotePort allocates a local listening port and proxies it to
// remotePort on workerID. The returned close func tears down the listener.
func (f *Forwarder) ForwardRemotePort(workerID string, remotePort int) (int, func(), error) {
	return f.tunnels.ForwardPort(workerID, remotePort)
}

// PortProxyHandler returns an http.Handler that reverse-proxies to
// 127.0.0.1:port — the detected-dev-server-port case, where the target is
// always a loopback port either discovered locally or already bound to
// loopback by ForwardRemotePort, so no SSRF guard applies (matching the
// teacher's own ports proxy).
func PortProxyHandler(port int) http.Handler {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		http.Error(w, fmt.Sprintf("port proxy error: %v", err), http.StatusBadGateway)
	}
	return proxy
}

// ErrSSRFBlocked is returned by URLProxyHandler when the target URL
// resolves into a disallowed address range.
var ErrSSRFBlocked = fmt.Errorf("portscan: proxy target resolves to a disallowed address range")

// URLProxyHandler backs GET /api/sessions/:id/proxy-url/:encodedUrl: an
// arbitrary, user-supplied target URL (e.g. a tunnel URL an agent printed),
// guarded against SSRF by resolving the hostname and rejecting RFC 1918,
// loopback, link-local, or IPv4-mapped-IPv6 address ranges before ever
// dialing it.
func URLProxyHandler(rawURL string) (http.Handler, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy target: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("portscan: unsupported proxy scheme %q", target.Scheme)
	}
	if err := guardSSRF(target.Hostname()); err != nil {
		return nil, err
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		http.Error(w, fmt.Sprintf("url proxy error: %v", err), http.StatusBadGateway)
	}
	return proxy, nil
}

// guardSSRF rejects any host that resolves to an RFC 1918, loopback,
// link-local, or IPv4-mapped IPv6 address.
func guardSSRF(host string) error {
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve proxy target: %w", err)
	}
	sort.Slice(ips, func(i, j int) bool { return ips[i].String() < ips[j].String() })
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip.To16())
		if !ok {
			continue
		}
		unmapped := addr.Unmap()
		if unmapped.IsLoopback() || unmapped.IsLinkLocalUnicast() || unmapped.IsPrivate() {
			return fmt.Errorf("%w: %s", ErrSSRFBlocked, ip)
		}
	}
	return nil
}
