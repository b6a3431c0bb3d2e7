package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Project is a recently-used or bookmarked working directory.
type Project struct {
	ID            string
	WorkerID      string
	DirectoryPath string
	DisplayName   string
	Bookmarked    bool
	Position      *int
	LastUsedAt    string
	CreatedAt     string
}

const projectColumns = "id, worker_id, directory_path, display_name, bookmarked, position, last_used_at, created_at"

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var p Project
	var bookmarked int
	var position sql.NullInt64
	if err := row.Scan(&p.ID, &p.WorkerID, &p.DirectoryPath, &p.DisplayName, &bookmarked, &position, &p.LastUsedAt, &p.CreatedAt); err != nil {
		return Project{}, err
	}
	p.Bookmarked = bookmarked != 0
	if position.Valid {
		v := int(position.Int64)
		p.Position = &v
	}
	return p, nil
}

// TouchProject upserts a project row for (workerID, directoryPath), bumping
// lastUsedAt to now, then evicts stale non-bookmarked entries.
func (s *Store) TouchProject(workerID, directoryPath string) (Project, error) {
	s.mu.Lock()
	now := nowISO()

	var existing Project
	row := s.db.QueryRow(fmt.Sprintf("SELECT %s FROM projects WHERE worker_id = ? AND directory_path = ?", projectColumns), workerID, directoryPath)
	existing, err := scanProject(row)
	if err == sql.ErrNoRows {
		existing = Project{
			ID:            uuid.NewString(),
			WorkerID:      workerID,
			DirectoryPath: directoryPath,
			CreatedAt:     now,
		}
		if _, err := s.db.Exec(
			"INSERT INTO projects (id, worker_id, directory_path, display_name, bookmarked, position, last_used_at, created_at) VALUES (?,?,?,?,0,NULL,?,?)",
			existing.ID, existing.WorkerID, existing.DirectoryPath, existing.DisplayName, now, existing.CreatedAt,
		); err != nil {
			s.mu.Unlock()
			return Project{}, fmt.Errorf("insert project: %w", err)
		}
		existing.LastUsedAt = now
	} else if err != nil {
		s.mu.Unlock()
		return Project{}, fmt.Errorf("lookup project: %w", err)
	} else {
		if _, err := s.db.Exec("UPDATE projects SET last_used_at = ? WHERE id = ?", now, existing.ID); err != nil {
			s.mu.Unlock()
			return Project{}, fmt.Errorf("touch project: %w", err)
		}
		existing.LastUsedAt = now
	}
	s.mu.Unlock()

	if err := s.EvictOldRecentProjects(10); err != nil {
		return Project{}, fmt.Errorf("evict old projects: %w", err)
	}
	return existing, nil
}

// ListProjects returns all projects, bookmarked ones first by position,
// then the rest by lastUsedAt descending.
func (s *Store) ListProjects() ([]Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(fmt.Sprintf(
		"SELECT %s FROM projects ORDER BY bookmarked DESC, position ASC, last_used_at DESC", projectColumns,
	))
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetProjectBookmark sets a project's bookmark state and position.
func (s *Store) SetProjectBookmark(id string, bookmarked bool, position *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE projects SET bookmarked = ?, position = ? WHERE id = ?", boolInt(bookmarked), position, id)
	if err != nil {
		return fmt.Errorf("set project bookmark: %w", err)
	}
	return nil
}

// DeleteProject removes a project entry.
func (s *Store) DeleteProject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// EvictOldRecentProjects deletes non-bookmarked projects beyond the limit
// most-recently-used, keeping the table bounded.
func (s *Store) EvictOldRecentProjects(limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM projects WHERE id IN (
			SELECT id FROM projects WHERE bookmarked = 0
			ORDER BY last_used_at DESC
			LIMIT -1 OFFSET ?
		)`, limit)
	if err != nil {
		return fmt.Errorf("evict old recent projects: %w", err)
	}
	return nil
}
