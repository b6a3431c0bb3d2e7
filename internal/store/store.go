// Package store provides the embedded SQLite-backed durable state layer:
// schema, migrations, pragmas, and a per-entity CRUD repository for
// workers, sessions, projects, settings, auth config and comments.
package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by single-row lookups that found nothing... except
// it is never actually returned: a missing row yields a null result, per
// the documented failure semantics. It is kept for callers that want to
// distinguish "genuinely broken" errors from "not present".
var ErrNotFound = errors.New("store: not found")

// Store is the embedded relational database holding all durable state.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens the SQLite database at path, applies pragmas and
// runs idempotent migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-16000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.ensureSingletons(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure singleton rows: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1Schema,
		migrateV2Indices,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("applying store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

func migrateV1Schema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			host TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			user TEXT NOT NULL DEFAULT '',
			private_key_path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'disconnected',
			max_sessions INTEGER NOT NULL DEFAULT 2,
			last_heartbeat TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL REFERENCES workers(id),
			claude_session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'queued',
			working_directory TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			position INTEGER,
			pid INTEGER,
			needs_input INTEGER NOT NULL DEFAULT 0,
			lock INTEGER NOT NULL DEFAULT 0,
			continuation_count INTEGER NOT NULL DEFAULT 0,
			worktree INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			started_at TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL REFERENCES workers(id),
			directory_path TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			bookmarked INTEGER NOT NULL DEFAULT 0,
			position INTEGER,
			last_used_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(worker_id, directory_path)
		);

		CREATE TABLE IF NOT EXISTS settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			max_concurrent_sessions INTEGER NOT NULL DEFAULT 4,
			max_visible_sessions INTEGER NOT NULL DEFAULT 6,
			auto_approve INTEGER NOT NULL DEFAULT 0,
			grid_layout TEXT NOT NULL DEFAULT 'auto',
			theme TEXT NOT NULL DEFAULT 'dark'
		);

		CREATE TABLE IF NOT EXISTS auth_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			jwt_secret TEXT NOT NULL,
			license_key_hash TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT '',
			max_sessions INTEGER NOT NULL DEFAULT 0,
			expires_at TEXT NOT NULL DEFAULT '',
			issued_at TEXT NOT NULL DEFAULT '',
			auth_required INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS comments (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			file_path TEXT NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			code_snippet TEXT NOT NULL DEFAULT '',
			comment_text TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			side TEXT NOT NULL DEFAULT 'new',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

func migrateV2Indices(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
		CREATE INDEX IF NOT EXISTS idx_sessions_worker ON sessions(worker_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_position ON sessions(position);
		CREATE INDEX IF NOT EXISTS idx_sessions_needs_input ON sessions(needs_input);
		CREATE INDEX IF NOT EXISTS idx_projects_worker ON projects(worker_id);
		CREATE INDEX IF NOT EXISTS idx_projects_last_used ON projects(last_used_at DESC);
	`)
	return err
}

// ensureSingletons creates the local worker, the settings row and the auth
// config row (with a freshly generated JWT secret) the first time the
// store is opened. Subsequent opens are no-ops here.
func (s *Store) ensureSingletons() error {
	var workerCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM workers WHERE type = 'local'").Scan(&workerCount); err != nil {
		return err
	}
	if workerCount == 0 {
		now := nowISO()
		if _, err := s.db.Exec(
			`INSERT INTO workers (id, type, name, status, max_sessions, last_heartbeat) VALUES (?, 'local', 'local', 'connected', 2, ?)`,
			"local", now,
		); err != nil {
			return fmt.Errorf("insert local worker: %w", err)
		}
	}

	var settingsCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM settings WHERE id = 1").Scan(&settingsCount); err != nil {
		return err
	}
	if settingsCount == 0 {
		if _, err := s.db.Exec(`INSERT INTO settings (id, max_concurrent_sessions) VALUES (1, 4)`); err != nil {
			return fmt.Errorf("insert default settings: %w", err)
		}
	}

	var authCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM auth_config WHERE id = 1").Scan(&authCount); err != nil {
		return err
	}
	if authCount == 0 {
		secret, err := generateSecret()
		if err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		if _, err := s.db.Exec(`INSERT INTO auth_config (id, jwt_secret) VALUES (1, ?)`, secret); err != nil {
			return fmt.Errorf("insert default auth config: %w", err)
		}
	}

	return nil
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
