package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// WorkerType distinguishes the single local worker from SSH-reachable ones.
type WorkerType string

const (
	WorkerLocal  WorkerType = "local"
	WorkerRemote WorkerType = "remote"
)

// WorkerStatus tracks connectivity as observed by the tunnel manager.
type WorkerStatus string

const (
	WorkerConnected    WorkerStatus = "connected"
	WorkerDisconnected WorkerStatus = "disconnected"
	WorkerError        WorkerStatus = "error"
)

// Worker is a machine (local or SSH-reachable) that hosts agent subprocesses.
type Worker struct {
	ID             string
	Type           WorkerType
	Name           string
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
	Status         WorkerStatus
	MaxSessions    int
	LastHeartbeat  string
}

const localWorkerID = "local"

// LocalWorkerID is the fixed id of the single non-deletable local worker.
const LocalWorkerID = localWorkerID

func scanWorker(row interface{ Scan(...any) error }) (Worker, error) {
	var w Worker
	var port sql.NullInt64
	if err := row.Scan(&w.ID, &w.Type, &w.Name, &w.Host, &port, &w.User, &w.PrivateKeyPath, &w.Status, &w.MaxSessions, &w.LastHeartbeat); err != nil {
		return Worker{}, err
	}
	w.Port = int(port.Int64)
	return w, nil
}

const workerColumns = "id, type, name, host, port, user, private_key_path, status, max_sessions, last_heartbeat"

// GetLocalWorker returns the single local worker row.
func (s *Store) GetLocalWorker() (*Worker, error) {
	return s.GetWorker(localWorkerID)
}

// GetWorker returns a worker by id, or nil if it does not exist.
func (s *Store) GetWorker(id string) (*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(fmt.Sprintf("SELECT %s FROM workers WHERE id = ?", workerColumns), id)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return &w, nil
}

// ListWorkers returns all workers, local worker first.
func (s *Store) ListWorkers() ([]Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(fmt.Sprintf("SELECT %s FROM workers ORDER BY (type='local') DESC, name ASC", workerColumns))
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// InsertWorker adds a new remote worker. Remote workers must carry all SSH
// fields; callers are expected to validate this before calling.
func (s *Store) InsertWorker(w Worker) (Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Status == "" {
		w.Status = WorkerDisconnected
	}
	if w.MaxSessions < 1 {
		w.MaxSessions = 1
	}

	_, err := s.db.Exec(
		"INSERT INTO workers (id, type, name, host, port, user, private_key_path, status, max_sessions, last_heartbeat) VALUES (?,?,?,?,?,?,?,?,?,?)",
		w.ID, w.Type, w.Name, w.Host, w.Port, w.User, w.PrivateKeyPath, w.Status, w.MaxSessions, w.LastHeartbeat,
	)
	if err != nil {
		return Worker{}, fmt.Errorf("insert worker: %w", err)
	}
	return w, nil
}

// UpdateWorker replaces the mutable fields of a worker.
func (s *Store) UpdateWorker(w Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE workers SET name=?, host=?, port=?, user=?, private_key_path=?, max_sessions=? WHERE id = ?",
		w.Name, w.Host, w.Port, w.User, w.PrivateKeyPath, w.MaxSessions, w.ID,
	)
	if err != nil {
		return fmt.Errorf("update worker: %w", err)
	}
	return nil
}

// UpdateWorkerStatus sets a worker's connectivity status and heartbeat.
func (s *Store) UpdateWorkerStatus(id string, status WorkerStatus, heartbeat string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE workers SET status=?, last_heartbeat=? WHERE id = ?", status, heartbeat, id)
	if err != nil {
		return fmt.Errorf("update worker status: %w", err)
	}
	return nil
}

// ErrLocalWorkerUndeletable is returned by DeleteWorker for the local worker.
var ErrLocalWorkerUndeletable = fmt.Errorf("the local worker cannot be deleted")

// DeleteWorker removes a worker. The local worker can never be deleted.
func (s *Store) DeleteWorker(id string) error {
	if id == localWorkerID {
		return ErrLocalWorkerUndeletable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM workers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	return nil
}

// CountActiveSessionsOnWorker returns the number of status=active sessions
// bound to the given worker.
func (s *Store) CountActiveSessionsOnWorker(workerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM sessions WHERE worker_id = ? AND status = 'active'", workerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return count, nil
}

// CountActiveSessionsTotal returns the global count of active sessions
// across every worker, for the global admission ceiling.
func (s *Store) CountActiveSessionsTotal() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM sessions WHERE status = 'active'").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active sessions total: %w", err)
	}
	return count, nil
}
