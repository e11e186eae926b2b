// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database with WAL and busy timeout pragmas and creates the allocation schema

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite has a single writer. One pooled connection keeps transactions
	// serialized and the pragmas above applied to every statement.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS operators (
			id                    TEXT PRIMARY KEY,
			tenant_id             TEXT NOT NULL,
			display_name          TEXT NOT NULL DEFAULT '',
			role                  TEXT NOT NULL,
			status                TEXT NOT NULL,
			last_status_change_at TEXT NOT NULL,
			created_at            TEXT NOT NULL,

			CHECK (role IN ('OPERATOR', 'MANAGER', 'ADMIN')),
			CHECK (status IN ('AVAILABLE', 'OFFLINE'))
		);

		CREATE INDEX IF NOT EXISTS idx_operators_tenant ON operators(tenant_id);

		CREATE TABLE IF NOT EXISTS inboxes (
			id           TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			phone_number TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,

			UNIQUE(tenant_id, phone_number)
		);

		CREATE TABLE IF NOT EXISTS operator_inbox_subscriptions (
			operator_id TEXT NOT NULL REFERENCES operators(id),
			inbox_id    TEXT NOT NULL REFERENCES inboxes(id),
			created_at  TEXT NOT NULL,
			PRIMARY KEY (operator_id, inbox_id)
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id                       TEXT PRIMARY KEY,
			tenant_id                TEXT NOT NULL,
			inbox_id                 TEXT NOT NULL REFERENCES inboxes(id),
			external_conversation_id TEXT NOT NULL,
			customer_phone           TEXT NOT NULL DEFAULT '',
			state                    TEXT NOT NULL,
			assigned_operator_id     TEXT REFERENCES operators(id),
			message_count            INTEGER NOT NULL DEFAULT 0,
			last_activity_at         TEXT NOT NULL,
			priority_score           REAL NOT NULL DEFAULT 0,
			created_at               TEXT NOT NULL,
			updated_at               TEXT NOT NULL,
			resolved_at              TEXT,
			resolved_by              TEXT,

			CHECK (state IN ('QUEUED', 'ALLOCATED', 'RESOLVED')),
			CHECK ((state = 'ALLOCATED') = (assigned_operator_id IS NOT NULL)),
			UNIQUE(tenant_id, inbox_id, external_conversation_id)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_queue
			ON conversations(tenant_id, state, last_activity_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_assignee
			ON conversations(assigned_operator_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_phone
			ON conversations(tenant_id, customer_phone);

		CREATE TABLE IF NOT EXISTS tenant_configs (
			tenant_id  TEXT PRIMARY KEY,
			alpha      REAL NOT NULL,
			beta       REAL NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS grace_period_assignments (
			id              TEXT PRIMARY KEY,
			operator_id     TEXT NOT NULL REFERENCES operators(id),
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			reason          TEXT NOT NULL,
			expires_at      TEXT NOT NULL,
			created_at      TEXT NOT NULL,

			CHECK (reason IN ('OFFLINE', 'MANUAL')),
			UNIQUE(operator_id, conversation_id)
		);

		CREATE INDEX IF NOT EXISTS idx_grace_expires ON grace_period_assignments(expires_at);
		CREATE INDEX IF NOT EXISTS idx_grace_conversation ON grace_period_assignments(conversation_id);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor_id    TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "operators",
			column: "display_name",
			apply:  `ALTER TABLE operators ADD COLUMN display_name TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "conversations",
			column: "resolved_by",
			apply:  `ALTER TABLE conversations ADD COLUMN resolved_by TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying database connection for advanced queries.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// placeholders returns "?, ?, ..." for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Compile-time check that SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
