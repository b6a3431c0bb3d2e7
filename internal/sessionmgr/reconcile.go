package sessionmgr

import (
	"log/slog"
	"os"
	"syscall"

	"github.com/agentide/hub/internal/store"
)

// ReconcileCrashedSessions runs once at startup, before the HTTP listener
// binds. Sessions left in status=active by a previous hub process can no
// longer be reattached: the hub owned the PTY master fd (local) or the SSH
// channel (remote), and both die with the hub. A surviving local child
// process (it lives in its own process group, see ptymux.NewLocal) becomes
// an orphan we can't reconnect to, so it is treated the same as a dead one.
func (m *Manager) ReconcileCrashedSessions() error {
	active, err := m.store.ListSessionsByStatus(store.SessionActive)
	if err != nil {
		return err
	}

	for _, session := range active {
		worker, err := m.store.GetWorker(workerIDOrLocal(session.WorkerID))
		if err != nil {
			slog.Error("sessionmgr: reconcile lookup worker", "session", session.ID, "error", err)
			continue
		}

		if worker != nil && worker.Type == store.WorkerLocal && session.PID != nil && processAlive(*session.PID) {
			slog.Warn("sessionmgr: orphaned local process survived a hub restart; marking completed",
				"session", session.ID, "pid", *session.PID)
		}

		completed := store.SessionCompleted
		nilPID := (*int)(nil)
		if err := m.store.UpdateSession(session.ID, store.SessionPatch{
			Status: &completed,
			PID:    &nilPID,
		}); err != nil {
			slog.Error("sessionmgr: reconcile mark completed", "session", session.ID, "error", err)
		}
	}
	return nil
}

func workerIDOrLocal(id string) string {
	if id == "" {
		return store.LocalWorkerID
	}
	return id
}

// processAlive reports whether pid refers to a live process, using the
// Unix convention of probing with signal 0: delivery succeeding means the
// process exists and is reachable.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
