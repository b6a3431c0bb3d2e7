package sessionmgr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/agentide/hub/internal/ptymux"
	"github.com/agentide/hub/internal/store"
)

// Activate implements scheduler.Activator. It derives the spawn arguments
// for session per the resume/continue/worktree precedence, instantiates a
// local or remote ManagedProcess, tracks it with the PTY multiplexer, and
// starts watching for its exit.
func (m *Manager) Activate(session store.Session) error {
	workerID := session.WorkerID
	if workerID == "" {
		workerID = store.LocalWorkerID
	}
	worker, err := m.store.GetWorker(workerID)
	if err != nil {
		return fmt.Errorf("activate: lookup worker: %w", err)
	}
	if worker == nil {
		return fmt.Errorf("activate: worker %s not found", workerID)
	}

	m.mu.Lock()
	startFresh := m.startFresh[session.ID]
	delete(m.startFresh, session.ID)
	m.mu.Unlock()

	var hooksSettingsPath string
	if worker.Type == store.WorkerLocal {
		hooksSettingsPath, err = m.ensureLocalHooksSettings(session.WorkingDirectory)
	} else {
		hooksSettingsPath, err = m.ensureRemoteHooksSettings(worker.ID, session.WorkingDirectory)
	}
	if err != nil {
		return fmt.Errorf("activate: hooks settings: %w", err)
	}

	args, err := m.buildSpawnArgs(session, startFresh, hooksSettingsPath)
	if err != nil {
		return fmt.Errorf("activate: build spawn args: %w", err)
	}

	var proc ptymux.ManagedProcess
	if worker.Type == store.WorkerLocal {
		lp, err := ptymux.NewLocal(ptymux.LocalSpec{
			SessionID:        session.ID,
			Command:          m.cfg.AgentCommand,
			Args:             args,
			WorkingDirectory: session.WorkingDirectory,
			SkillBundleDir:   m.cfg.SkillBundleDir,
			EnabledSkills:    m.cfg.EnabledSkills,
			HubPort:          m.cfg.HubPort,
		})
		if err != nil {
			return fmt.Errorf("activate: spawn local process: %w", err)
		}
		if pid := lp.Pid(); pid != 0 {
			pidCopy := pid
			pidPtr := &pidCopy
			if err := m.store.UpdateSession(session.ID, store.SessionPatch{PID: &pidPtr}); err != nil {
				slog.Error("sessionmgr: record pid", "session", session.ID, "error", err)
			}
		}
		proc = lp
	} else {
		rp, err := ptymux.NewRemote(m.tunnels, ptymux.RemoteSpec{
			WorkerID:         worker.ID,
			Command:          m.cfg.AgentCommand,
			Args:             args,
			WorkingDirectory: session.WorkingDirectory,
		})
		if err != nil {
			return fmt.Errorf("activate: spawn remote process: %w", err)
		}
		proc = rp
	}

	m.ptys.Track(session.ID, proc)
	m.watchExit(session.ID)
	return nil
}

// buildSpawnArgs implements the resume/continue/worktree precedence:
// an explicit resume of a previously-captured claudeSessionId beats
// startFresh, which beats a transparent auto-continue by directory, which
// beats a bare -c fallback; --worktree is only ever prepended on the very
// first activation.
func (m *Manager) buildSpawnArgs(session store.Session, startFresh bool, hooksSettingsPath string) ([]string, error) {
	base := []string{"--settings", hooksSettingsPath}

	var args []string
	switch {
	case session.ContinuationCount > 0 && session.ClaudeSessionID != "":
		args = append(append([]string{}, base...), "--resume", session.ClaudeSessionID)
	case startFresh:
		args = append([]string{}, base...)
	default:
		claudeID, err := m.store.FindCompletedClaudeSessionInDirectory(session.WorkingDirectory)
		if err != nil {
			return nil, err
		}
		switch {
		case claudeID != "":
			args = append(append([]string{}, base...), "--resume", claudeID)
		case session.ContinuationCount > 0:
			args = append(append([]string{}, base...), "-c")
		default:
			args = append([]string{}, base...)
		}
	}

	if session.Worktree && session.ContinuationCount == 0 {
		args = append([]string{"--worktree"}, args...)
	}
	return args, nil
}

// hooksSettings is the shape written to .c3-hooks/settings.json.
type hooksSettings struct {
	Hooks struct {
		SessionEnd []hookEntry `json:"SessionEnd"`
		Stop       []hookEntry `json:"Stop"`
	} `json:"hooks"`
}

type hookEntry struct {
	Hooks []hookCommand `json:"hooks"`
}

type hookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

func (m *Manager) buildHooksSettingsJSON() ([]byte, error) {
	var s hooksSettings
	entry := hookEntry{Hooks: []hookCommand{{Type: "command", Command: m.cfg.HookScriptPath, Timeout: 10}}}
	s.Hooks.SessionEnd = []hookEntry{entry}
	s.Hooks.Stop = []hookEntry{entry}
	return json.MarshalIndent(s, "", "  ")
}

// ensureLocalHooksSettings writes dir/.c3-hooks/settings.json, returning its
// path for use as the --settings argument.
func (m *Manager) ensureLocalHooksSettings(dir string) (string, error) {
	hooksDir := filepath.Join(dir, ".c3-hooks")
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		return "", fmt.Errorf("create hooks directory: %w", err)
	}
	body, err := m.buildHooksSettingsJSON()
	if err != nil {
		return "", err
	}
	settingsPath := filepath.Join(hooksDir, "settings.json")
	if err := os.WriteFile(settingsPath, body, 0o644); err != nil {
		return "", fmt.Errorf("write hooks settings: %w", err)
	}
	return settingsPath, nil
}

// ensureRemoteHooksSettings writes the same file on a remote worker via the
// Tunnel Manager's exec channel.
func (m *Manager) ensureRemoteHooksSettings(workerID, dir string) (string, error) {
	hooksDir := dir + "/.c3-hooks"
	settingsPath := hooksDir + "/settings.json"
	body, err := m.buildHooksSettingsJSON()
	if err != nil {
		return "", err
	}
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s <<'C3HOOKSEOF'\n%s\nC3HOOKSEOF\n",
		shellQuote(hooksDir), shellQuote(settingsPath), string(body))
	if _, err := m.tunnels.Exec(workerID, cmd); err != nil {
		return "", fmt.Errorf("write remote hooks settings: %w", err)
	}
	return settingsPath, nil
}

// watchExit subscribes to sessionID's event stream and forwards terminal
// exits to the scheduler's exit handler, carrying along whatever
// claudeSessionId the SessionEnd hook has already recorded in the store.
func (m *Manager) watchExit(sessionID string) {
	ch, unsubscribe, ok := m.ptys.Subscribe(sessionID)
	if !ok {
		return
	}
	go func() {
		defer unsubscribe()
		for ev := range ch {
			switch ev.Kind {
			case ptymux.EventConnectionLost:
				// The tunnel itself begins backoff/reconnection; the session
				// stays active until the operator kills or continues it.
				slog.Warn("sessionmgr: connection lost", "session", sessionID)
			case ptymux.EventExit:
				failed := ev.ExitCode != 0
				claudeSessionID := ""
				if s, err := m.store.GetSession(sessionID); err == nil && s != nil {
					claudeSessionID = s.ClaudeSessionID
				}
				m.onExit(sessionID, claudeSessionID, failed)
				return
			}
		}
	}()
}
