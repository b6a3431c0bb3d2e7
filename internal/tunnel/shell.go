package tunnel

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Shell is an interactive PTY channel multiplexed over a worker's SSH
// connection. Reads deliver raw terminal bytes; Write sends keystrokes.
type Shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	mu     sync.Mutex
	closed bool
}

// Shell requests an interactive PTY channel on workerID with the given
// terminal size. Callers read from Shell via Read and write via Write.
func (m *Manager) Shell(workerID string, cols, rows int) (*Shell, error) {
	m.mu.Lock()
	c, ok := m.conns[workerID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrConnectionLost
	}
	client, err := c.connected()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &Shell{session: session, stdin: stdin, stdout: stdout}, nil
}

// Read pulls bytes emitted by the remote shell.
func (s *Shell) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Write forwards keystrokes byte-for-byte to the remote shell.
func (s *Shell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// SetWindow resizes the remote PTY.
func (s *Shell) SetWindow(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

// Close terminates the shell channel.
func (s *Shell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.session.Close()
}

// Exec runs a single command on workerID over its own session channel and
// returns combined stdout (stderr is discarded, matching directory-listing
// and port-discovery call sites that only care about stdout).
func (m *Manager) Exec(workerID, command string) (string, error) {
	m.mu.Lock()
	c, ok := m.conns[workerID]
	m.mu.Unlock()
	if !ok {
		return "", ErrConnectionLost
	}
	client, err := c.connected()
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	if err := session.Run(command); err != nil {
		return out.String(), fmt.Errorf("run %q: %w", command, err)
	}
	return out.String(), nil
}
