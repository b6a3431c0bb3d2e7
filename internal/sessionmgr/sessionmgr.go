// Package sessionmgr creates sessions, validates and prepares their working
// directories, derives spawn arguments on activation, and reconciles
// sessions left in an active state by a previous, crashed hub process.
//
// Manager implements the scheduler's Activator and ProcessKiller interfaces
// so the scheduler can drive it without importing it directly; the exit
// callback runs the other way, back into the scheduler, via a plain func
// supplied at construction.
package sessionmgr

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentide/hub/internal/ptymux"
	"github.com/agentide/hub/internal/store"
	"github.com/agentide/hub/internal/tunnel"
)

// ErrNotAbsolute is returned when a requested working directory isn't an
// absolute path.
var ErrNotAbsolute = errors.New("sessionmgr: workingDirectory must be an absolute path")

// ErrOutsideHome is returned when a local-worker session's working directory
// resolves outside the effective user's home directory.
var ErrOutsideHome = errors.New("sessionmgr: workingDirectory must be within the home directory")

// ErrWorkerNotFound is returned when the target worker id doesn't exist.
var ErrWorkerNotFound = errors.New("sessionmgr: worker not found")

// Config carries the ambient settings a Manager needs beyond the store.
type Config struct {
	ScrollbackDir  string
	HookScriptPath string // where the SessionEnd/Stop hook script is installed
	HubPort        int
	SkillBundleDir string
	EnabledSkills  []string
	AgentCommand   string // defaults to "claude"; overridable for tests and alternate agent binaries
}

// ExitHandler is notified whenever an active session's process exits. It is
// satisfied by (*scheduler.Scheduler).HandleExit; kept as a plain func type
// here to avoid an import cycle between the two packages.
type ExitHandler func(sessionID, claudeSessionID string, failed bool)

// Manager owns session creation, directory preparation, activation and exit
// bookkeeping.
type Manager struct {
	store   *store.Store
	ptys    *ptymux.Manager
	tunnels *tunnel.Manager
	cfg     Config
	onExit  ExitHandler

	mu         sync.Mutex
	startFresh map[string]bool // sessionID -> request-scoped, non-persisted flag
}

// New builds a Manager and installs the hook script if it isn't already
// present on disk.
func New(st *store.Store, ptys *ptymux.Manager, tunnels *tunnel.Manager, cfg Config, onExit ExitHandler) (*Manager, error) {
	if err := installHookScript(cfg.HookScriptPath); err != nil {
		return nil, fmt.Errorf("install hook script: %w", err)
	}
	return &Manager{
		store:      st,
		ptys:       ptys,
		tunnels:    tunnels,
		cfg:        cfg,
		onExit:     onExit,
		startFresh: make(map[string]bool),
	}, nil
}

// CreateRequest carries the fields accepted by POST /api/sessions.
type CreateRequest struct {
	WorkingDirectory string
	Title            string
	WorkerID         string // empty defaults to the local worker
	StartFresh       bool
	Worktree         bool
}

// Create validates the request, prepares the target directory (creating it
// and optionally git-initializing it), inserts the queued row, and upserts
// the project's lastUsedAt.
func (m *Manager) Create(req CreateRequest) (store.Session, error) {
	workerID := req.WorkerID
	if workerID == "" {
		workerID = store.LocalWorkerID
	}
	worker, err := m.store.GetWorker(workerID)
	if err != nil {
		return store.Session{}, fmt.Errorf("lookup worker: %w", err)
	}
	if worker == nil {
		return store.Session{}, ErrWorkerNotFound
	}

	dir := req.WorkingDirectory
	if !filepath.IsAbs(dir) {
		return store.Session{}, ErrNotAbsolute
	}

	if worker.Type == store.WorkerLocal {
		if err := validateWithinHome(dir); err != nil {
			return store.Session{}, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return store.Session{}, fmt.Errorf("create working directory: %w", err)
		}
		if req.Worktree {
			if err := localGitInitIfAbsent(dir); err != nil {
				return store.Session{}, err
			}
		}
	} else {
		if _, err := m.tunnels.Exec(workerID, "mkdir -p "+shellQuote(dir)); err != nil {
			return store.Session{}, fmt.Errorf("create remote working directory: %w", err)
		}
		if req.Worktree {
			cmd := fmt.Sprintf("test -d %s/.git || (cd %s && git init)", shellQuote(dir), shellQuote(dir))
			if _, err := m.tunnels.Exec(workerID, cmd); err != nil {
				return store.Session{}, fmt.Errorf("remote git init: %w", err)
			}
		}
	}

	session, err := m.store.CreateSession(store.Session{
		WorkerID:         workerID,
		WorkingDirectory: dir,
		Title:            req.Title,
		Worktree:         req.Worktree,
	})
	if err != nil {
		return store.Session{}, fmt.Errorf("create session: %w", err)
	}

	if _, err := m.store.TouchProject(workerID, dir); err != nil {
		slog.Warn("sessionmgr: touch project", "workerId", workerID, "dir", dir, "error", err)
	}

	if req.StartFresh {
		m.mu.Lock()
		m.startFresh[session.ID] = true
		m.mu.Unlock()
	}

	slog.Info("session_created", "sessionId", session.ID, "workerId", workerID, "workingDirectory", dir)
	return session, nil
}

// RecordHookEvent persists a claudeSessionId reported by the SessionEnd/Stop
// hook callback. Called from the /api/hooks/event HTTP handler; writing it
// straight to the store (rather than holding it in memory until exit) is
// what lets crash recovery preserve it even if the hub dies before the
// process actually exits.
func (m *Manager) RecordHookEvent(sessionID, claudeSessionID string) error {
	if claudeSessionID == "" {
		return nil
	}
	return m.store.UpdateSession(sessionID, store.SessionPatch{ClaudeSessionID: &claudeSessionID})
}

// Kill implements scheduler.ProcessKiller.
func (m *Manager) Kill(sessionID string) error {
	proc, ok := m.ptys.Get(sessionID)
	if !ok {
		return fmt.Errorf("sessionmgr: no live process for session %s", sessionID)
	}
	return proc.Kill()
}

func validateWithinHome(dir string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	realHome, err := filepath.EvalSymlinks(home)
	if err != nil {
		realHome = filepath.Clean(home)
	}
	clean := filepath.Clean(dir)
	if resolved, err := filepath.EvalSymlinks(clean); err == nil {
		clean = resolved
	}
	if clean != realHome && !strings.HasPrefix(clean, realHome+string(filepath.Separator)) {
		return ErrOutsideHome
	}
	return nil
}

func localGitInitIfAbsent(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat .git: %w", err)
	}
	cmd := exec.Command("git", "init")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git init: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
