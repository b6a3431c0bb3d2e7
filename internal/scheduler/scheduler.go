// Package scheduler dispatches queued sessions onto worker capacity and
// runs the cooperative auto-suspend loop that yields capacity back to the
// queue when a session is waiting on its user rather than doing work.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agentide/hub/internal/store"
)

// Activator starts an agent process for a queued session that has just been
// granted a capacity slot. Implemented by the session manager.
type Activator interface {
	Activate(session store.Session) error
}

// ProcessKiller terminates the live process backing an active session, as
// part of the cooperative auto-suspend sequence.
type ProcessKiller interface {
	Kill(sessionID string) error
}

const dispatchInterval = 500 * time.Millisecond

// Scheduler owns the dispatch loop and the per-cycle state needed for
// auto-suspend eligibility.
type Scheduler struct {
	store     *store.Store
	activator Activator
	killer    ProcessKiller

	mu                 sync.Mutex
	userInputSent      map[string]bool // sessionID -> >=1 input byte this activation cycle
	suspendedThisCycle map[string]bool

	trigger chan struct{}
	stop    chan struct{}
}

// New builds a Scheduler. Call Start to begin the dispatch loop.
func New(st *store.Store, activator Activator, killer ProcessKiller) *Scheduler {
	return &Scheduler{
		store:              st,
		activator:          activator,
		killer:             killer,
		userInputSent:      make(map[string]bool),
		suspendedThisCycle: make(map[string]bool),
		trigger:            make(chan struct{}, 1),
		stop:               make(chan struct{}),
	}
}

// Start runs the dispatch loop until Stop is called.
func (s *Scheduler) Start() {
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Dispatch()
		case <-s.trigger:
			s.Dispatch()
		}
	}
}

// Stop ends the dispatch loop.
func (s *Scheduler) Stop() { close(s.stop) }

// TriggerDispatch wakes the dispatch loop immediately: called at startup,
// when a session is created or continued, and after a session exits. A
// lock toggle or a worker capacity change does not call it; the next
// periodic pass picks those up.
func (s *Scheduler) TriggerDispatch() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Dispatch runs one admission pass over the queue, ordered by position.
func (s *Scheduler) Dispatch() {
	queued, err := s.store.ListSessionsByStatus(store.SessionQueued)
	if err != nil {
		slog.Error("scheduler: list queued sessions", "error", err)
		return
	}

	settings, err := s.store.GetSettings()
	if err != nil {
		slog.Error("scheduler: get settings", "error", err)
		return
	}

	for _, session := range queued {
		workerID := session.WorkerID
		if workerID == "" {
			workerID = store.LocalWorkerID
		}
		worker, err := s.store.GetWorker(workerID)
		if err != nil || worker == nil {
			continue
		}
		if worker.Status != store.WorkerConnected {
			continue
		}

		activeOnWorker, err := s.store.CountActiveSessionsOnWorker(workerID)
		if err != nil {
			continue
		}
		if activeOnWorker >= worker.MaxSessions {
			continue
		}

		totalActive, err := s.store.CountActiveSessionsTotal()
		if err != nil {
			return
		}
		if totalActive >= settings.MaxConcurrentSessions {
			return // global ceiling reached: stop the pass entirely
		}

		s.admit(session)
	}
}

func (s *Scheduler) admit(session store.Session) {
	status := store.SessionActive
	var nilPos *int
	now := isoNow()

	if err := s.store.UpdateSession(session.ID, store.SessionPatch{
		Status:    &status,
		Position:  &nilPos,
		StartedAt: &now,
	}); err != nil {
		slog.Error("scheduler: admit session", "session", session.ID, "error", err)
		return
	}

	s.mu.Lock()
	delete(s.userInputSent, session.ID)
	delete(s.suspendedThisCycle, session.ID)
	s.mu.Unlock()

	session.Status = status
	session.Position = nil
	session.StartedAt = now
	if err := s.activator.Activate(session); err != nil {
		slog.Error("scheduler: activate session", "session", session.ID, "error", err)
	}
}

// RecordUserInput marks that the browser sent at least one byte of input
// to sessionID during its current active cycle (the proof-of-work guard),
// and clears the needsInput flag (the bridge's contract: input clears it).
func (s *Scheduler) RecordUserInput(sessionID string) {
	s.mu.Lock()
	s.userInputSent[sessionID] = true
	s.mu.Unlock()

	needsInput := false
	if err := s.store.UpdateSession(sessionID, store.SessionPatch{NeedsInput: &needsInput}); err != nil {
		slog.Error("scheduler: clear needsInput", "session", sessionID, "error", err)
	}
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}
