// Package tunnel maintains outbound SSH connections to remote workers: one
// multiplexed client per worker, with automatic keepalive and exponential
// backoff reconnection. Interactive shells, one-shot commands and port
// forwards are all multiplexed as channels over the same client connection.
package tunnel

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/agentide/hub/internal/store"
)

// State is the lifecycle of a single worker's SSH connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// ErrConnectionLost is returned by operations issued while a connection is
// reconnecting or has been torn down.
var ErrConnectionLost = errors.New("tunnel: connection lost")

const (
	keepaliveInterval = 30 * time.Second
	keepaliveTimeout  = 15 * time.Second
	dialTimeout       = 15 * time.Second

	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
)

// StatusNotifier is invoked whenever a worker's connection state changes, so
// the hub can persist store.Worker.Status.
type StatusNotifier func(workerID string, status store.WorkerStatus)

// Manager owns one connection per remote worker, keyed by worker id.
type Manager struct {
	mu      sync.Mutex
	conns   map[string]*connection
	notify  StatusNotifier
	closing bool
}

// NewManager builds an empty Manager. notify may be nil.
func NewManager(notify StatusNotifier) *Manager {
	if notify == nil {
		notify = func(string, store.WorkerStatus) {}
	}
	return &Manager{conns: make(map[string]*connection), notify: notify}
}

type connection struct {
	mu    sync.Mutex
	state State
	worker store.Worker
	client *ssh.Client

	backoff time.Duration
	stop    chan struct{}
	stopped bool
}

// connect dials worker, authenticating with its private key file. It blocks
// until the first connection attempt resolves (success or failure) and then
// returns; subsequent reconnects happen in the background.
func (m *Manager) connect(w store.Worker) (*connection, error) {
	m.mu.Lock()
	if c, ok := m.conns[w.ID]; ok {
		m.mu.Unlock()
		return c, nil
	}
	c := &connection{worker: w, state: StateConnecting, backoff: backoffInitial, stop: make(chan struct{})}
	m.conns[w.ID] = c
	m.mu.Unlock()

	err := m.dial(c)
	if err != nil {
		go m.reconnectLoop(c)
	}
	return c, err
}

// Connect is the exported entry point for establishing a worker's connection.
func (m *Manager) Connect(w store.Worker) error {
	_, err := m.connect(w)
	return err
}

func (m *Manager) setState(c *connection, s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()

	status := store.WorkerDisconnected
	switch s {
	case StateConnected:
		status = store.WorkerConnected
	case StateDisconnected:
		status = store.WorkerDisconnected
	}
	m.notify(c.worker.ID, status)
}

// dial performs a single connection attempt, updating state and wiring the
// keepalive goroutine on success.
func (m *Manager) dial(c *connection) error {
	m.setState(c, StateConnecting)

	signer, err := loadSigner(c.worker.PrivateKeyPath)
	if err != nil {
		m.setState(c, StateDisconnected)
		m.notify(c.worker.ID, store.WorkerError)
		return fmt.Errorf("load private key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            c.worker.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: pin known_hosts once worker onboarding captures fingerprints
		Timeout:         dialTimeout,
	}

	addr := fmt.Sprintf("%s:%d", c.worker.Host, c.worker.Port)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		m.setState(c, StateDisconnected)
		m.notify(c.worker.ID, store.WorkerError)
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	c.mu.Lock()
	c.client = client
	c.backoff = backoffInitial
	c.mu.Unlock()
	m.setState(c, StateConnected)

	go m.keepalive(c, client)
	return nil
}

// keepalive pings the connection every keepaliveInterval and triggers a
// reconnect if the remote end stops responding or the transport drops.
func (m *Manager) keepalive(c *connection, client *ssh.Client) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			done := make(chan error, 1)
			go func() {
				_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
				done <- err
			}()
			select {
			case err := <-done:
				if err != nil {
					m.onDrop(c)
					return
				}
			case <-time.After(keepaliveTimeout):
				m.onDrop(c)
				return
			case <-c.stop:
				return
			}
		}
	}
}

// onDrop transitions a connection to reconnecting and kicks off backoff.
func (m *Manager) onDrop(c *connection) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
	c.mu.Unlock()

	m.setState(c, StateReconnecting)
	m.notify(c.worker.ID, store.WorkerDisconnected)
	go m.reconnectLoop(c)
}

// reconnectLoop retries dial with exponential backoff until it succeeds or
// the connection is removed via disconnect/destroyAll.
func (m *Manager) reconnectLoop(c *connection) {
	for {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		wait := c.backoff
		c.mu.Unlock()

		select {
		case <-c.stop:
			return
		case <-time.After(wait):
		}

		m.setState(c, StateReconnecting)
		if err := m.dial(c); err == nil {
			return
		}

		c.mu.Lock()
		c.backoff *= 2
		if c.backoff > backoffMax {
			c.backoff = backoffMax
		}
		c.mu.Unlock()
	}
}

// connected returns a live client or ErrConnectionLost.
func (c *connection) connected() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.client == nil {
		return nil, ErrConnectionLost
	}
	return c.client, nil
}

// Disconnect tears down a single worker's connection and stops reconnecting.
func (m *Manager) Disconnect(workerID string) {
	m.mu.Lock()
	c, ok := m.conns[workerID]
	if ok {
		delete(m.conns, workerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.teardown(c)
}

func (m *Manager) teardown(c *connection) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	client := c.client
	c.client = nil
	c.mu.Unlock()

	close(c.stop)
	if client != nil {
		_ = client.Close()
	}
	m.setState(c, StateDisconnected)
}

// DestroyAll tears down every connection; no further reconnects occur.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	m.closing = true
	conns := make([]*connection, 0, len(m.conns))
	for id, c := range m.conns {
		conns = append(conns, c)
		delete(m.conns, id)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.teardown(c)
	}
}

// Status reports the current state of a worker's connection.
func (m *Manager) Status(workerID string) (State, bool) {
	m.mu.Lock()
	c, ok := m.conns[workerID]
	m.mu.Unlock()
	if !ok {
		return StateDisconnected, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, true
}

// loadSigner reads a PEM private key file, rejecting encrypted keys and
// non-key files up front per the documented activation policy.
func loadSigner(path string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if strings.Contains(string(raw), "ENCRYPTED") {
		return nil, errors.New("encrypted private keys are not supported")
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
