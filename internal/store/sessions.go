package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a Session row.
type SessionStatus string

const (
	SessionQueued    SessionStatus = "queued"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session is a single agent run, queued or bound to a worker.
type Session struct {
	ID                string
	WorkerID          string
	ClaudeSessionID   string
	Status            SessionStatus
	WorkingDirectory  string
	Title             string
	Position          *int
	PID               *int
	NeedsInput        bool
	Lock              bool
	ContinuationCount int
	Worktree          bool
	CreatedAt         string
	UpdatedAt         string
	StartedAt         string
}

const sessionColumns = "id, worker_id, claude_session_id, status, working_directory, title, position, pid, needs_input, lock, continuation_count, worktree, created_at, updated_at, started_at"

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	var position, pid sql.NullInt64
	var needsInput, lock, worktree int
	if err := row.Scan(
		&s.ID, &s.WorkerID, &s.ClaudeSessionID, &s.Status, &s.WorkingDirectory, &s.Title,
		&position, &pid, &needsInput, &lock, &s.ContinuationCount, &worktree,
		&s.CreatedAt, &s.UpdatedAt, &s.StartedAt,
	); err != nil {
		return Session{}, err
	}
	if position.Valid {
		v := int(position.Int64)
		s.Position = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		s.PID = &v
	}
	s.NeedsInput = needsInput != 0
	s.Lock = lock != 0
	s.Worktree = worktree != 0
	return s, nil
}

// CreateSession inserts a new queued session, assigning it the next queue
// position across all queued sessions, whatever their worker.
func (s *Store) CreateSession(sess Session) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.WorkerID == "" {
		sess.WorkerID = localWorkerID
	}
	if sess.Status == "" {
		sess.Status = SessionQueued
	}
	now := nowISO()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	if sess.Status == SessionQueued {
		var maxPos sql.NullInt64
		if err := s.db.QueryRow("SELECT MAX(position) FROM sessions WHERE status = 'queued'").Scan(&maxPos); err != nil {
			return Session{}, fmt.Errorf("compute next position: %w", err)
		}
		next := 0
		if maxPos.Valid {
			next = int(maxPos.Int64) + 1
		}
		sess.Position = &next
	}

	_, err := s.db.Exec(
		"INSERT INTO sessions (id, worker_id, claude_session_id, status, working_directory, title, position, pid, needs_input, lock, continuation_count, worktree, created_at, updated_at, started_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)",
		sess.ID, sess.WorkerID, sess.ClaudeSessionID, sess.Status, sess.WorkingDirectory, sess.Title,
		sess.Position, sess.PID, boolInt(sess.NeedsInput), boolInt(sess.Lock), sess.ContinuationCount, boolInt(sess.Worktree),
		sess.CreatedAt, sess.UpdatedAt, sess.StartedAt,
	)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// GetSession returns a session by id, or nil if absent.
func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(fmt.Sprintf("SELECT %s FROM sessions WHERE id = ?", sessionColumns), id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ListSessionsByStatus returns sessions with the given status. Queued
// sessions are ordered by position ascending.
func (s *Store) ListSessionsByStatus(status SessionStatus) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf("SELECT %s FROM sessions WHERE status = ? ORDER BY position ASC, created_at ASC", sessionColumns)
	rows, err := s.db.Query(query, status)
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListSessions returns every session, most recently created first.
func (s *Store) ListSessions() ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(fmt.Sprintf("SELECT %s FROM sessions ORDER BY created_at DESC", sessionColumns))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// NextQueuedSession returns the head of the queue, optionally scoped to a
// single worker; nil if the queue is empty.
func (s *Store) NextQueuedSession(workerID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row *sql.Row
	if workerID == "" {
		row = s.db.QueryRow(fmt.Sprintf("SELECT %s FROM sessions WHERE status = 'queued' ORDER BY position ASC LIMIT 1", sessionColumns))
	} else {
		row = s.db.QueryRow(fmt.Sprintf("SELECT %s FROM sessions WHERE status = 'queued' AND worker_id = ? ORDER BY position ASC LIMIT 1", sessionColumns), workerID)
	}
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next queued session: %w", err)
	}
	return &sess, nil
}

// SessionPatch carries the non-null fields of a partial session update.
// Only non-nil fields are written.
type SessionPatch struct {
	Status            *SessionStatus
	ClaudeSessionID   *string
	WorkingDirectory  *string
	Title             *string
	Position          **int // set to non-nil pointing at nil to clear position
	PID               **int
	NeedsInput        *bool
	Lock              *bool
	ContinuationCount *int
	StartedAt         *string
}

// UpdateSession applies patch to the session's mutable fields.
func (s *Store) UpdateSession(id string, patch SessionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sets := []string{"updated_at = ?"}
	args := []any{nowISO()}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.ClaudeSessionID != nil {
		sets = append(sets, "claude_session_id = ?")
		args = append(args, *patch.ClaudeSessionID)
	}
	if patch.WorkingDirectory != nil {
		sets = append(sets, "working_directory = ?")
		args = append(args, *patch.WorkingDirectory)
	}
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Position != nil {
		sets = append(sets, "position = ?")
		if *patch.Position == nil {
			args = append(args, nil)
		} else {
			args = append(args, **patch.Position)
		}
	}
	if patch.PID != nil {
		sets = append(sets, "pid = ?")
		if *patch.PID == nil {
			args = append(args, nil)
		} else {
			args = append(args, **patch.PID)
		}
	}
	if patch.NeedsInput != nil {
		sets = append(sets, "needs_input = ?")
		args = append(args, boolInt(*patch.NeedsInput))
	}
	if patch.Lock != nil {
		sets = append(sets, "lock = ?")
		args = append(args, boolInt(*patch.Lock))
	}
	if patch.ContinuationCount != nil {
		sets = append(sets, "continuation_count = ?")
		args = append(args, *patch.ContinuationCount)
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *patch.StartedAt)
	}

	query := "UPDATE sessions SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// DeleteSession removes a session; comments cascade via the FK.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// FindCompletedClaudeSessionInDirectory finds the most recent completed
// session in the same working directory with a captured claudeSessionId,
// for the auto-continue-by-directory rule.
func (s *Store) FindCompletedClaudeSessionInDirectory(workingDirectory string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var claudeSessionID string
	err := s.db.QueryRow(
		`SELECT claude_session_id FROM sessions
		 WHERE working_directory = ? AND status = 'completed' AND claude_session_id != ''
		 ORDER BY updated_at DESC LIMIT 1`,
		workingDirectory,
	).Scan(&claudeSessionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find completed session in directory: %w", err)
	}
	return claudeSessionID, nil
}

// RequeueAtHead inserts the session back into the queue at position 0,
// shifting every other queued session down by one, as used by auto-suspend
// to give the suspended session immediate priority on the next dispatch.
func (s *Store) RequeueAtHead(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin requeue transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE sessions SET position = position + 1 WHERE status = 'queued'"); err != nil {
		return fmt.Errorf("shift queue positions: %w", err)
	}
	zero := 0
	if _, err := tx.Exec(
		"UPDATE sessions SET status = 'queued', position = ?, pid = NULL, updated_at = ? WHERE id = ?",
		zero, nowISO(), id,
	); err != nil {
		return fmt.Errorf("requeue session: %w", err)
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
