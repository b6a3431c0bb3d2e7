package tunnel

import (
	"fmt"
	"io"
	"log/slog"
	"net"
)

// ForwardPort allocates a local listener and proxies every accepted
// connection to remotePort on workerID over the same SSH client used for
// the shell channel (a "forwarded-tcpip"-style dial, driven client-side via
// client.Dial rather than a server-initiated channel). Returns the local
// port chosen by the OS.
func (m *Manager) ForwardPort(workerID string, remotePort int) (int, func(), error) {
	m.mu.Lock()
	c, ok := m.conns[workerID]
	m.mu.Unlock()
	if !ok {
		return 0, nil, ErrConnectionLost
	}
	client, err := c.connected()
	if err != nil {
		return 0, nil, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, nil, fmt.Errorf("listen local port: %w", err)
	}
	localPort := ln.Addr().(*net.TCPAddr).Port

	go acceptAndProxy(ln, client, remotePort)

	stop := func() { _ = ln.Close() }
	return localPort, stop, nil
}

func acceptAndProxy(ln net.Listener, client sshDialer, remotePort int) {
	for {
		local, err := ln.Accept()
		if err != nil {
			return
		}
		go proxyConn(local, client, remotePort)
	}
}

// sshDialer is the subset of *ssh.Client used here, narrowed for testability.
type sshDialer interface {
	Dial(network, addr string) (net.Conn, error)
}

func proxyConn(local net.Conn, client sshDialer, remotePort int) {
	defer local.Close()

	remote, err := client.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", remotePort))
	if err != nil {
		slog.Warn("tunnel: forward dial failed", "remotePort", remotePort, "error", err)
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(remote, local); done <- struct{}{} }()
	go func() { io.Copy(local, remote); done <- struct{}{} }()
	<-done
}
