package scheduler

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/agentide/hub/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeActivator struct {
	mu        sync.Mutex
	activated []string
}

func (f *fakeActivator) Activate(session store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated = append(f.activated, session.ID)
	return nil
}

func (f *fakeActivator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.activated)
}

type fakeKiller struct {
	mu     sync.Mutex
	killed []string
}

func (f *fakeKiller) Kill(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, sessionID)
	return nil
}

func TestDispatchAdmitsWithinCapacity(t *testing.T) {
	st := openTestStore(t)
	act := &fakeActivator{}
	sched := New(st, act, &fakeKiller{})

	s1, _ := st.CreateSession(store.Session{WorkingDirectory: "/tmp/a"})
	s2, _ := st.CreateSession(store.Session{WorkingDirectory: "/tmp/b"})
	s3, _ := st.CreateSession(store.Session{WorkingDirectory: "/tmp/c"})

	sched.Dispatch()

	if act.count() != 2 {
		t.Fatalf("activated %d sessions, want 2 (local worker max_sessions=2)", act.count())
	}

	got1, _ := st.GetSession(s1.ID)
	got2, _ := st.GetSession(s2.ID)
	got3, _ := st.GetSession(s3.ID)
	if got1.Status != store.SessionActive || got2.Status != store.SessionActive {
		t.Errorf("first two queued sessions should be active: %+v %+v", got1, got2)
	}
	if got3.Status != store.SessionQueued {
		t.Errorf("third session should remain queued: %+v", got3)
	}
}

func TestDispatchStopsAtGlobalCeiling(t *testing.T) {
	st := openTestStore(t)
	settings, _ := st.GetSettings()
	settings.MaxConcurrentSessions = 1
	st.UpdateSettings(settings)

	act := &fakeActivator{}
	sched := New(st, act, &fakeKiller{})

	st.CreateSession(store.Session{WorkingDirectory: "/tmp/a"})
	st.CreateSession(store.Session{WorkingDirectory: "/tmp/b"})

	sched.Dispatch()
	if act.count() != 1 {
		t.Fatalf("activated %d sessions, want 1 under a global ceiling of 1", act.count())
	}
}

func TestOnSessionIdleSetsNeedsInputWhenNoInputSent(t *testing.T) {
	st := openTestStore(t)
	sched := New(st, &fakeActivator{}, &fakeKiller{})

	s, _ := st.CreateSession(store.Session{WorkingDirectory: "/tmp/a"})
	sched.Dispatch() // admits it

	sched.OnSessionIdle(s.ID)

	got, _ := st.GetSession(s.ID)
	if !got.NeedsInput {
		t.Error("a session idle with no input sent yet should be flagged needsInput")
	}
}

func TestOnSessionIdleSuspendsEligibleSession(t *testing.T) {
	st := openTestStore(t)
	killer := &fakeKiller{}
	sched := New(st, &fakeActivator{}, killer)

	active, _ := st.CreateSession(store.Session{WorkingDirectory: "/tmp/active"})
	sched.Dispatch()
	st.CreateSession(store.Session{WorkingDirectory: "/tmp/waiting"}) // stays queued, no free capacity

	sched.RecordUserInput(active.ID)
	sched.OnSessionIdle(active.ID)

	killer.mu.Lock()
	defer killer.mu.Unlock()
	if len(killer.killed) != 1 || killer.killed[0] != active.ID {
		t.Fatalf("killed = %v, want [%s]", killer.killed, active.ID)
	}
}

func TestOnSessionIdleDoesNotSuspendLockedSession(t *testing.T) {
	st := openTestStore(t)
	killer := &fakeKiller{}
	sched := New(st, &fakeActivator{}, killer)

	active, _ := st.CreateSession(store.Session{WorkingDirectory: "/tmp/active"})
	sched.Dispatch()
	st.CreateSession(store.Session{WorkingDirectory: "/tmp/waiting"})

	locked := true
	st.UpdateSession(active.ID, store.SessionPatch{Lock: &locked})

	sched.RecordUserInput(active.ID)
	sched.OnSessionIdle(active.ID)

	if len(killer.killed) != 0 {
		t.Errorf("a locked session must never be auto-suspended, got kills = %v", killer.killed)
	}
}

func TestHandleExitRequeuesAutoSuspendedSession(t *testing.T) {
	st := openTestStore(t)
	sched := New(st, &fakeActivator{}, &fakeKiller{})

	active, _ := st.CreateSession(store.Session{WorkingDirectory: "/tmp/active"})
	sched.Dispatch()
	st.CreateSession(store.Session{WorkingDirectory: "/tmp/waiting"})

	sched.RecordUserInput(active.ID)
	sched.OnSessionIdle(active.ID)
	sched.HandleExit(active.ID, "claude-123", false)

	got, _ := st.GetSession(active.ID)
	if got.Status != store.SessionQueued {
		t.Errorf("status = %v, want queued after an auto-suspend exit", got.Status)
	}
	if got.Position == nil || *got.Position != 0 {
		t.Errorf("position = %v, want head of queue (0)", got.Position)
	}
	if got.ContinuationCount != 1 {
		t.Errorf("continuationCount = %d, want 1", got.ContinuationCount)
	}
	if got.ClaudeSessionID != "claude-123" {
		t.Errorf("claudeSessionId = %q, want claude-123", got.ClaudeSessionID)
	}
}

func TestHandleExitMarksNaturalExitCompleted(t *testing.T) {
	st := openTestStore(t)
	sched := New(st, &fakeActivator{}, &fakeKiller{})

	active, _ := st.CreateSession(store.Session{WorkingDirectory: "/tmp/active"})
	sched.Dispatch()

	sched.HandleExit(active.ID, "claude-456", false)

	got, _ := st.GetSession(active.ID)
	if got.Status != store.SessionCompleted {
		t.Errorf("status = %v, want completed", got.Status)
	}
}
