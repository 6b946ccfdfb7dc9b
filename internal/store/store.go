package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mtzanidakis/foreman/internal/config"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Snapshot writes a consistent copy of the database to path.
func (s *Store) Snapshot(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS clients (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			company     TEXT,
			industry    TEXT,
			notes       TEXT,
			created_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS requests (
			id                TEXT PRIMARY KEY,
			client_id         TEXT,
			subject           TEXT,
			content           TEXT NOT NULL,
			source            TEXT,
			status            TEXT NOT NULL,
			request_type      TEXT,
			priority          TEXT,
			complexity        TEXT,
			summary           TEXT,
			estimated_minutes INTEGER DEFAULT 0,
			classification    TEXT,
			workflow_id       TEXT,
			error             TEXT,
			created_at        DATETIME NOT NULL,
			updated_at        DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id            TEXT PRIMARY KEY,
			type          TEXT NOT NULL UNIQUE,
			name          TEXT NOT NULL,
			description   TEXT,
			system_prompt TEXT NOT NULL,
			model         TEXT,
			temperature   REAL,
			max_tokens    INTEGER NOT NULL DEFAULT 4096,
			updated_at    DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id            TEXT PRIMARY KEY,
			request_id    TEXT NOT NULL,
			client_id     TEXT,
			name          TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'draft',
			current_step  INTEGER NOT NULL DEFAULT 0,
			total_steps   INTEGER NOT NULL DEFAULT 0,
			outputs       TEXT,
			deliverables  TEXT,
			error         TEXT,
			started_at    DATETIME,
			completed_at  DATETIME,
			created_at    DATETIME NOT NULL,
			updated_at    DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id                TEXT PRIMARY KEY,
			workflow_id       TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			agent_id          TEXT,
			step_index        INTEGER NOT NULL,
			agent_type        TEXT NOT NULL,
			task_name         TEXT NOT NULL,
			description       TEXT,
			instructions      TEXT,
			depends_on        TEXT,
			estimated_minutes INTEGER DEFAULT 0,
			status            TEXT NOT NULL DEFAULT 'pending',
			retry_count       INTEGER NOT NULL DEFAULT 0,
			max_retries       INTEGER NOT NULL DEFAULT 3,
			input_data        TEXT,
			output_data       TEXT,
			tokens_used       INTEGER NOT NULL DEFAULT 0,
			duration_ms       INTEGER NOT NULL DEFAULT 0,
			error_message     TEXT,
			started_at        DATETIME,
			completed_at      DATETIME,
			updated_at        DATETIME NOT NULL,
			UNIQUE (workflow_id, step_index)
		)`,
		`CREATE TABLE IF NOT EXISTS deliverables (
			id           TEXT PRIMARY KEY,
			workflow_id  TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			task_id      TEXT NOT NULL UNIQUE,
			request_id   TEXT,
			client_id    TEXT,
			title        TEXT NOT NULL,
			kind         TEXT NOT NULL,
			content      TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'draft',
			created_at   DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliverables_workflow ON deliverables(workflow_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT,
			value       BLOB NOT NULL,
			nonce       BLOB NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS request_schedules (
			id           TEXT PRIMARY KEY,
			client_id    TEXT,
			name         TEXT NOT NULL,
			schedule     TEXT NOT NULL,
			subject      TEXT,
			content      TEXT NOT NULL,
			status       TEXT DEFAULT 'active',
			next_run_at  DATETIME,
			last_run_at  DATETIME,
			last_status  TEXT,
			last_error   TEXT,
			created_at   DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON request_schedules(status, next_run_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullTimeOf(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
