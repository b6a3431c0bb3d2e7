package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesSingletons(t *testing.T) {
	s := openTestStore(t)

	w, err := s.GetLocalWorker()
	if err != nil || w == nil {
		t.Fatalf("GetLocalWorker() = %v, %v", w, err)
	}
	if w.Type != WorkerLocal || w.ID != LocalWorkerID {
		t.Errorf("local worker = %+v", w)
	}

	settings, err := s.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings() error = %v", err)
	}
	if settings.MaxConcurrentSessions != 4 {
		t.Errorf("default MaxConcurrentSessions = %d, want 4", settings.MaxConcurrentSessions)
	}

	auth, err := s.GetAuthConfig()
	if err != nil {
		t.Fatalf("GetAuthConfig() error = %v", err)
	}
	if len(auth.JWTSecret) != 64 { // 32 bytes hex-encoded
		t.Errorf("JWTSecret length = %d, want 64", len(auth.JWTSecret))
	}
}

func TestLocalWorkerUndeletable(t *testing.T) {
	s := openTestStore(t)
	if err := s.DeleteWorker(LocalWorkerID); err != ErrLocalWorkerUndeletable {
		t.Errorf("DeleteWorker(local) error = %v, want ErrLocalWorkerUndeletable", err)
	}
}

func TestSessionQueuedIffPositionSet(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.CreateSession(Session{WorkingDirectory: "/home/user/p"})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if sess.Status != SessionQueued || sess.Position == nil {
		t.Fatalf("new session = %+v, want status=queued with non-nil position", sess)
	}

	active := SessionActive
	var nilPos *int
	if err := s.UpdateSession(sess.ID, SessionPatch{Status: &active, Position: &nilPos}); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}

	got, err := s.GetSession(sess.ID)
	if err != nil || got == nil {
		t.Fatalf("GetSession() = %v, %v", got, err)
	}
	if got.Status != SessionActive || got.Position != nil {
		t.Errorf("after activation = %+v, want status=active, position=nil", got)
	}
}

func TestQueueOrdering(t *testing.T) {
	s := openTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := s.CreateSession(Session{WorkingDirectory: "/home/user/p"})
		if err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}
		ids = append(ids, sess.ID)
	}

	head, err := s.NextQueuedSession("")
	if err != nil || head == nil {
		t.Fatalf("NextQueuedSession() = %v, %v", head, err)
	}
	if head.ID != ids[0] {
		t.Errorf("queue head = %s, want %s (FIFO)", head.ID, ids[0])
	}
}

func TestRequeueAtHeadReordersQueue(t *testing.T) {
	s := openTestStore(t)

	a, _ := s.CreateSession(Session{WorkingDirectory: "/home/user/p"})
	b, _ := s.CreateSession(Session{WorkingDirectory: "/home/user/p"})

	active := SessionActive
	var nilPos *int
	if err := s.UpdateSession(a.ID, SessionPatch{Status: &active, Position: &nilPos}); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}

	if err := s.RequeueAtHead(a.ID); err != nil {
		t.Fatalf("RequeueAtHead() error = %v", err)
	}

	head, err := s.NextQueuedSession("")
	if err != nil || head == nil {
		t.Fatalf("NextQueuedSession() = %v, %v", head, err)
	}
	if head.ID != a.ID {
		t.Errorf("queue head after requeue = %s, want %s", head.ID, a.ID)
	}
	_ = b
}

func TestTouchProjectUpsertsAndEvicts(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 15; i++ {
		if _, err := s.TouchProject(LocalWorkerID, filepath.Join("/home/user", "proj", string(rune('a'+i)))); err != nil {
			t.Fatalf("TouchProject() error = %v", err)
		}
	}

	projects, err := s.ListProjects()
	if err != nil {
		t.Fatalf("ListProjects() error = %v", err)
	}
	if len(projects) > 10 {
		t.Errorf("ListProjects() returned %d entries, want <= 10 after eviction", len(projects))
	}
}

func TestCommentOnlyPendingMutable(t *testing.T) {
	s := openTestStore(t)
	sess, _ := s.CreateSession(Session{WorkingDirectory: "/home/user/p"})

	c, err := s.CreateComment(Comment{SessionID: sess.ID, FilePath: "main.go", StartLine: 1, EndLine: 1, CommentText: "fix this"})
	if err != nil {
		t.Fatalf("CreateComment() error = %v", err)
	}

	if err := s.MarkCommentsSent(sess.ID); err != nil {
		t.Fatalf("MarkCommentsSent() error = %v", err)
	}

	if err := s.UpdateCommentText(c.ID, "too late"); err != ErrCommentNotMutable {
		t.Errorf("UpdateCommentText() on sent comment error = %v, want ErrCommentNotMutable", err)
	}
}
