// Package store provides the durable mutation store: an embedded SQLite
// database holding the four engine collections (mutations, conflicts,
// cursors, idempotency records).
//
// The database runs in embedded mode with WAL for concurrent access. All
// multi-step operations are transactional so the retry scheduler, sync
// passes, and the event delivery channel can share one store safely.
//
// Layout:
//   - Database file: .tidesync/engine.db
//   - WAL mode: concurrent readers during writes
//   - Tables: mutations, conflicts, cursors, idempotency
//   - Indexes: optimized for dequeue (status, priority, created_at) and
//     idempotency lookup (unique key per tenant/user)
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with engine-specific collections.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema to create
// the tables. The caller MUST call Close when done.
//
// Example:
//
//	st, err := store.Open(".tidesync/engine.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	connStr := fmt.Sprintf("file:%s", path)
	if path == ":memory:" {
		connStr = ":memory:"
	}
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn: conn,
		path: path,
	}

	// WAL for concurrent reads during writes
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection for integration with
// libraries that expect *sql.DB.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the engine tables if they don't exist. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mutations (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		base_version INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 5,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_retry_at TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		processing_at TEXT,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		mutation_id TEXT NOT NULL,
		conflict_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		server_data TEXT,
		client_data TEXT,
		conflicting_fields TEXT,  -- JSON array
		resolution TEXT NOT NULL DEFAULT '',
		merged_data TEXT,
		pending_approval INTEGER NOT NULL DEFAULT 0,
		resolved_at TEXT,
		resolved_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		FOREIGN KEY (mutation_id) REFERENCES mutations(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS cursors (
		tenant_id TEXT PRIMARY KEY,
		last_event_id TEXT NOT NULL,
		last_sync_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS idempotency (
		key TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		result TEXT,
		committed_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, user_id, key)
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_status ON mutations(status);
	CREATE INDEX IF NOT EXISTS idx_mutations_priority ON mutations(priority);
	CREATE INDEX IF NOT EXISTS idx_mutations_created ON mutations(created_at);
	CREATE INDEX IF NOT EXISTS idx_mutations_tenant ON mutations(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_mutations_user ON mutations(user_id);

	-- Composite index for dequeue ordering
	CREATE INDEX IF NOT EXISTS idx_mutations_dequeue
	    ON mutations(status, priority, created_at);

	CREATE INDEX IF NOT EXISTS idx_conflicts_mutation ON conflicts(mutation_id);
	CREATE INDEX IF NOT EXISTS idx_conflicts_severity ON conflicts(severity);
	CREATE INDEX IF NOT EXISTS idx_conflicts_resolution ON conflicts(resolution);
	CREATE INDEX IF NOT EXISTS idx_conflicts_created ON conflicts(created_at);

	CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency(expires_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
