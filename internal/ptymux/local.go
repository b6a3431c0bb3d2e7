package ptymux

import (
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// LocalSpec describes a local agent process spawn.
type LocalSpec struct {
	SessionID        string
	Command          string // defaults to "claude"
	Args             []string
	WorkingDirectory string
	ExtraEnv         []string // ENV=VAL pairs beyond the base set
	Rows, Cols       int
	SkillBundleDir   string   // source directory to copy skill files from, empty disables injection
	EnabledSkills    []string // extension names allowed to be copied
	HubPort          int
}

// LocalProcess drives a locally spawned claude process over an OS
// pseudo-terminal.
type LocalProcess struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	events chan Event
}

// NewLocal spawns spec.Command (default "claude") under a PTY with the
// documented environment and process-group discipline, then starts the
// output pump goroutine.
func NewLocal(spec LocalSpec) (*LocalProcess, error) {
	command := spec.Command
	if command == "" {
		command = "claude"
	}
	rows, cols := spec.Rows, spec.Cols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}

	injectSkills(spec.SkillBundleDir, spec.WorkingDirectory, spec.EnabledSkills)

	cmd := exec.Command(command, spec.Args...)
	cmd.Dir = spec.WorkingDirectory
	cmd.Env = buildEnv(spec)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, err
	}

	lp := &LocalProcess{cmd: cmd, ptmx: ptmx, events: make(chan Event, 64)}
	go lp.pump()
	return lp, nil
}

// buildEnv carries TERM/C3_SESSION_ID/C3_HUB_PORT, strips any inherited
// CLAUDECODE* variables to avoid nested-session detection, and appends the
// caller-supplied extra pairs.
func buildEnv(spec LocalSpec) []string {
	base := os.Environ()
	env := make([]string, 0, len(base)+len(spec.ExtraEnv)+3)
	for _, kv := range base {
		if strings.HasPrefix(kv, "CLAUDECODE") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env,
		"TERM=xterm-256color",
		"C3_SESSION_ID="+spec.SessionID,
	)
	if spec.HubPort != 0 {
		env = append(env, "C3_HUB_PORT="+strconv.Itoa(spec.HubPort))
	}
	env = append(env, spec.ExtraEnv...)
	return env
}

// injectSkills recursively copies enabled skill files from the bundle into
// the session's working directory. Best-effort: failures are logged, never
// fatal to the spawn.
func injectSkills(bundleDir, workDir string, enabled []string) {
	if bundleDir == "" {
		return
	}
	allowed := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		allowed[name] = true
	}

	err := filepath.WalkDir(bundleDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.TrimPrefix(filepath.Ext(d.Name()), ".")
		if len(allowed) > 0 && !allowed[ext] {
			return nil
		}
		rel, err := filepath.Rel(bundleDir, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(workDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		out, err := os.Create(dst)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, src)
		return err
	})
	if err != nil {
		slog.Warn("ptymux: skill injection incomplete", "bundleDir", bundleDir, "error", err)
	}
}

func (lp *LocalProcess) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := lp.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			lp.events <- Event{Kind: EventData, Data: chunk}
			if cmd, rest := scanBoardCommand(chunk); cmd != "" {
				lp.events <- Event{Kind: EventBoardCommand, Command: cmd, Data: rest}
			}
		}
		if err != nil {
			exitCode := 0
			if lp.cmd.ProcessState != nil {
				exitCode = lp.cmd.ProcessState.ExitCode()
			}
			lp.events <- Event{Kind: EventExit, ExitCode: exitCode}
			close(lp.events)
			return
		}
	}
}

// Pid returns the OS process id of the spawned command.
func (lp *LocalProcess) Pid() int {
	if lp.cmd.Process == nil {
		return 0
	}
	return lp.cmd.Process.Pid
}

// Write forwards keystrokes byte-for-byte to the PTY.
func (lp *LocalProcess) Write(p []byte) (int, error) { return lp.ptmx.Write(p) }

// Resize changes the PTY window size.
func (lp *LocalProcess) Resize(cols, rows int) error {
	return pty.Setsize(lp.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Kill sends SIGTERM to the process group, falling back to a direct kill of
// the process itself if that fails.
func (lp *LocalProcess) Kill() error {
	if lp.cmd.Process == nil {
		return nil
	}
	pid := lp.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		return lp.cmd.Process.Kill()
	}

	done := make(chan struct{})
	go func() { _, _ = lp.cmd.Process.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
	return nil
}

// Events returns the process's event stream.
func (lp *LocalProcess) Events() <-chan Event { return lp.events }
