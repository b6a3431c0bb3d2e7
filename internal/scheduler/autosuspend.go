package scheduler

import (
	"log/slog"

	"github.com/agentide/hub/internal/store"
)

// OnSessionIdle is invoked by the PTY multiplexer's idle poller when a
// session has been silent for >=8s. It implements both the needs-input
// transition and the cooperative auto-suspend eligibility check.
func (s *Scheduler) OnSessionIdle(sessionID string) {
	session, err := s.store.GetSession(sessionID)
	if err != nil || session == nil || session.Status != store.SessionActive {
		return
	}

	s.mu.Lock()
	inputSent := s.userInputSent[sessionID]
	alreadySuspended := s.suspendedThisCycle[sessionID]
	s.mu.Unlock()

	if !inputSent {
		// A fresh session that has never received input and has gone quiet is
		// prompting the user, not waiting to yield.
		if !session.NeedsInput {
			needsInput := true
			if err := s.store.UpdateSession(sessionID, store.SessionPatch{NeedsInput: &needsInput}); err != nil {
				slog.Error("scheduler: set needsInput", "session", sessionID, "error", err)
			}
		}
		return
	}

	if session.NeedsInput || session.Lock || alreadySuspended {
		return
	}
	if !s.hasQueuedWaitingOnCapacity(session.WorkerID) {
		return
	}

	s.mu.Lock()
	s.suspendedThisCycle[sessionID] = true
	s.mu.Unlock()

	if err := s.killer.Kill(sessionID); err != nil {
		slog.Warn("scheduler: auto-suspend kill failed", "session", sessionID, "error", err)
	}
	// The exit event this produces is handled by HandleExit, which performs
	// the completed/requeue transition and re-triggers dispatch.
}

// hasQueuedWaitingOnCapacity reports whether any queued session targets
// workerID (or any worker, if workerID has no other capacity) such that
// suspending the current session would actually free a useful slot.
func (s *Scheduler) hasQueuedWaitingOnCapacity(workerID string) bool {
	queued, err := s.store.ListSessionsByStatus(store.SessionQueued)
	if err != nil {
		return false
	}
	for _, q := range queued {
		if q.WorkerID == workerID || q.WorkerID == "" {
			return true
		}
	}
	return len(queued) > 0
}

// HandleExit is called by the session manager whenever an active session's
// process exits, whether from natural completion/failure or from an
// auto-suspend kill. claudeSessionID may be empty if the hook callback
// never captured one.
func (s *Scheduler) HandleExit(sessionID, claudeSessionID string, failed bool) {
	s.mu.Lock()
	wasAutoSuspend := s.suspendedThisCycle[sessionID]
	delete(s.userInputSent, sessionID)
	s.mu.Unlock()

	if wasAutoSuspend {
		if claudeSessionID != "" {
			cs := claudeSessionID
			if err := s.store.UpdateSession(sessionID, store.SessionPatch{ClaudeSessionID: &cs}); err != nil {
				slog.Error("scheduler: record claudeSessionId before requeue", "session", sessionID, "error", err)
			}
		}
		session, err := s.store.GetSession(sessionID)
		if err == nil && session != nil {
			count := session.ContinuationCount + 1
			if err := s.store.UpdateSession(sessionID, store.SessionPatch{ContinuationCount: &count}); err != nil {
				slog.Error("scheduler: bump continuationCount", "session", sessionID, "error", err)
			}
		}
		if err := s.store.RequeueAtHead(sessionID); err != nil {
			slog.Error("scheduler: requeue at head", "session", sessionID, "error", err)
		}
	} else {
		status := store.SessionCompleted
		if failed {
			status = store.SessionFailed
		}
		patch := store.SessionPatch{Status: &status}
		if claudeSessionID != "" {
			patch.ClaudeSessionID = &claudeSessionID
		}
		if err := s.store.UpdateSession(sessionID, patch); err != nil {
			slog.Error("scheduler: mark session exit status", "session", sessionID, "error", err)
		}
	}

	s.TriggerDispatch()
}
