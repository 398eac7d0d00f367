// Package sqlite implements jobstore.Store on SQLite through mattn/go-sqlite3.
// Claims are a single conditional UPDATE … RETURNING, so any number of
// processes sharing the database file can run the queue safely.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/jobflow/internal/jobstore"
)

var _ jobstore.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS jobflow_jobs (
	id             TEXT PRIMARY KEY,
	workflow_slug  TEXT NOT NULL DEFAULT '',
	task_slug      TEXT NOT NULL DEFAULT '',
	queue          TEXT NOT NULL DEFAULT 'default',
	input          TEXT NOT NULL DEFAULT '{}',
	log            TEXT NOT NULL DEFAULT '[]',
	total_tried    INTEGER NOT NULL DEFAULT 0,
	has_error      INTEGER NOT NULL DEFAULT 0,
	error          TEXT,
	completed_at   INTEGER,
	wait_until     INTEGER,
	processing     INTEGER NOT NULL DEFAULT 0,
	seen_by_worker INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobflow_jobs_pending
	ON jobflow_jobs (queue, created_at)
	WHERE processing = 0 AND has_error = 0 AND completed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_jobflow_jobs_processing
	ON jobflow_jobs (updated_at)
	WHERE processing = 1;
`

// Store is a SQLite implementation of jobstore.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens (creating if needed) the database at path and applies the
// schema. WAL journaling and a busy timeout are always enabled.
func New(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("jobstore/sqlite: open: %w", err)
	}
	// One writer at a time; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobstore/sqlite: ping: %w", err)
	}

	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the jobs table and its indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("jobstore/sqlite: migrate: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ── helpers ──────────────────────────────────────────────────────

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
