package ptymux

import (
	"fmt"
	"strings"

	"github.com/agentide/hub/internal/tunnel"
)

// RemoteSpec describes a remote agent process spawn over a worker's SSH
// connection.
type RemoteSpec struct {
	WorkerID         string
	Command          string // defaults to "claude"
	Args             []string
	WorkingDirectory string
	ExtraEnv         []string
	Rows, Cols       int
}

// RemoteProcess drives a claude process on a remote worker via a Tunnel
// Manager shell channel.
type RemoteProcess struct {
	shell  *tunnel.Shell
	events chan Event
}

// NewRemote obtains a shell channel on workerID and sends a single
// login-like command line that sources ~/.bashrc, cds into the working
// directory, then runs the agent command with its environment given as
// VAR=value prefixes.
func NewRemote(tunnels *tunnel.Manager, spec RemoteSpec) (*RemoteProcess, error) {
	rows, cols := spec.Rows, spec.Cols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}

	shell, err := tunnels.Shell(spec.WorkerID, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("open remote shell: %w", err)
	}

	command := spec.Command
	if command == "" {
		command = "claude"
	}
	loginLine := buildLoginLine(spec.WorkingDirectory, spec.ExtraEnv, command, spec.Args)
	if _, err := shell.Write([]byte(loginLine)); err != nil {
		shell.Close()
		return nil, fmt.Errorf("send login line: %w", err)
	}

	rp := &RemoteProcess{shell: shell, events: make(chan Event, 64)}
	go rp.pump()
	return rp, nil
}

// buildLoginLine assembles "source ~/.bashrc; cd <escaped>; ENV=VAL ... cmd args...\n".
func buildLoginLine(dir string, env []string, command string, args []string) string {
	var b strings.Builder
	b.WriteString("source ~/.bashrc; cd ")
	b.WriteString(shellQuote(dir))
	b.WriteString("; ")
	for _, kv := range env {
		b.WriteString(kv)
		b.WriteByte(' ')
	}
	b.WriteString(command)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(shellQuote(a))
	}
	b.WriteByte('\n')
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (rp *RemoteProcess) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := rp.shell.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			rp.events <- Event{Kind: EventData, Data: chunk}
			if cmd, rest := scanBoardCommand(chunk); cmd != "" {
				rp.events <- Event{Kind: EventBoardCommand, Command: cmd, Data: rest}
			}
		}
		if err != nil {
			if err == tunnel.ErrConnectionLost {
				rp.events <- Event{Kind: EventConnectionLost}
			} else {
				rp.events <- Event{Kind: EventExit}
			}
			close(rp.events)
			return
		}
	}
}

// Write forwards keystrokes byte-for-byte to the remote shell.
func (rp *RemoteProcess) Write(p []byte) (int, error) { return rp.shell.Write(p) }

// Resize changes the remote PTY window size.
func (rp *RemoteProcess) Resize(cols, rows int) error { return rp.shell.SetWindow(cols, rows) }

// Kill closes the remote shell channel. The remote process itself receives
// a hangup from the closed PTY; there is no direct process-group signal
// available over a plain shell channel.
func (rp *RemoteProcess) Kill() error { return rp.shell.Close() }

// Events returns the process's event stream.
func (rp *RemoteProcess) Events() <-chan Event { return rp.events }
