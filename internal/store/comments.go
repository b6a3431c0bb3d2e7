package store

import (
	"fmt"

	"github.com/google/uuid"
)

// CommentStatus tracks whether an inline review comment has been delivered.
type CommentStatus string

const (
	CommentPending CommentStatus = "pending"
	CommentSent    CommentStatus = "sent"
)

// CommentSide is which half of a diff a comment anchors to.
type CommentSide string

const (
	CommentOld CommentSide = "old"
	CommentNew CommentSide = "new"
)

// Comment is an inline review comment attached to a session's diff.
type Comment struct {
	ID          string
	SessionID   string
	FilePath    string
	StartLine   int
	EndLine     int
	CodeSnippet string
	CommentText string
	Status      CommentStatus
	Side        CommentSide
	CreatedAt   string
	UpdatedAt   string
}

const commentColumns = "id, session_id, file_path, start_line, end_line, code_snippet, comment_text, status, side, created_at, updated_at"

func scanComment(row interface{ Scan(...any) error }) (Comment, error) {
	var c Comment
	if err := row.Scan(&c.ID, &c.SessionID, &c.FilePath, &c.StartLine, &c.EndLine, &c.CodeSnippet, &c.CommentText, &c.Status, &c.Side, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Comment{}, err
	}
	return c, nil
}

// CreateComment inserts a new pending comment.
func (s *Store) CreateComment(c Comment) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = CommentPending
	}
	if c.Side == "" {
		c.Side = CommentNew
	}
	now := nowISO()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.Exec(
		"INSERT INTO comments (id, session_id, file_path, start_line, end_line, code_snippet, comment_text, status, side, created_at, updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)",
		c.ID, c.SessionID, c.FilePath, c.StartLine, c.EndLine, c.CodeSnippet, c.CommentText, c.Status, c.Side, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return c, nil
}

// ListCommentsBySession returns every comment for a session, oldest first.
func (s *Store) ListCommentsBySession(sessionID string) ([]Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(fmt.Sprintf("SELECT %s FROM comments WHERE session_id = ? ORDER BY created_at ASC", commentColumns), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var out []Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ErrCommentNotMutable is returned when editing/deleting a non-pending comment.
var ErrCommentNotMutable = fmt.Errorf("only pending comments can be modified")

// UpdateCommentText edits the text of a still-pending comment.
func (s *Store) UpdateCommentText(id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE comments SET comment_text = ?, updated_at = ? WHERE id = ? AND status = 'pending'",
		text, nowISO(), id,
	)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		if err := s.db.QueryRow("SELECT status FROM comments WHERE id = ?", id).Scan(&status); err == nil && status != "" {
			return ErrCommentNotMutable
		}
	}
	return nil
}

// MarkCommentsSent transitions a session's pending comments to sent,
// called once they have been delivered into the agent's input stream.
func (s *Store) MarkCommentsSent(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE comments SET status = 'sent', updated_at = ? WHERE session_id = ? AND status = 'pending'",
		nowISO(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("mark comments sent: %w", err)
	}
	return nil
}

// DeleteComment removes a still-pending comment.
func (s *Store) DeleteComment(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM comments WHERE id = ? AND status = 'pending'", id)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		_ = s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM comments WHERE id = ?)", id).Scan(&exists)
		if exists {
			return ErrCommentNotMutable
		}
	}
	return nil
}
