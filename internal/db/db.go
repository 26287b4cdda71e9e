// Package db persists tasks, calendar links and sync history.
//
// Two backends share one schema:
//   - SQLite (ncruces/go-sqlite3, embedded WASM build) for a local file,
//     opened in WAL mode with immediate write transactions
//   - PostgreSQL (lib/pq) when the DSN starts with postgres:// or postgresql://
//
// Queries are written with ? placeholders and rebound to $n for PostgreSQL.
// Timestamps are stored as fixed-width UTC TEXT so they sort lexically.
//
// Every read and write method is available on both *DB and *Tx. Callers that
// need several writes to commit together use WithTx:
//
//	err := store.WithTx(ctx, func(tx *db.Tx) error {
//	    if err := tx.UpdateLink(ctx, link); err != nil {
//	        return err
//	    }
//	    return tx.AppendHistory(ctx, record)
//	})
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// ErrNotFound is returned when a task or link row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleLink is returned when a link update carries a version that
	// another writer has already replaced.
	ErrStaleLink = errors.New("link was modified concurrently")

	// ErrLinkExists is returned when inserting a second link for a task.
	ErrLinkExists = errors.New("task already has a calendar link")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops holds the query methods shared by DB and Tx.
type ops struct {
	q        querier
	postgres bool
}

// DB wraps the database connection.
type DB struct {
	ops
	conn *sql.DB
	dsn  string
}

// Tx is a transaction scoped view of the store. It is only valid inside the
// function passed to WithTx.
type Tx struct {
	ops
}

// Open connects to the database named by dsn.
//
// A postgres:// or postgresql:// DSN selects PostgreSQL. Anything else is
// treated as a SQLite file path (an optional sqlite:// or file: prefix is
// stripped); its parent directory is created if missing.
//
// The caller MUST call Close() when done.
func Open(dsn string) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return openPostgres(dsn)
	}

	path := strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite://"), "file:")
	return openSQLite(path)
}

func openSQLite(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection, not just the
	// first one.
	connStr := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return &DB{ops: ops{q: conn}, conn: conn, dsn: path}, nil
}

func openPostgres(dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{ops: ops{q: conn, postgres: true}, conn: conn, dsn: dsn}, nil
}

// IsPostgres reports whether the store is backed by PostgreSQL.
func (db *DB) IsPostgres() bool {
	return db.postgres
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection. For SQLite the WAL is checkpointed
// first.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if !db.postgres {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'PENDING',
	tags TEXT NOT NULL DEFAULT '[]',
	due_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	sync_enabled INTEGER NOT NULL DEFAULT 0,
	link_id TEXT
);

CREATE TABLE IF NOT EXISTS calendar_links (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL UNIQUE,
	event_id TEXT NOT NULL,
	calendar_id TEXT NOT NULL,
	event_title TEXT NOT NULL DEFAULT '',
	event_description TEXT NOT NULL DEFAULT '',
	event_start TEXT,
	event_end TEXT,
	task_last_modified_at TEXT NOT NULL,
	calendar_last_modified_at TEXT NOT NULL,
	last_synced_at TEXT NOT NULL,
	sync_status TEXT NOT NULL,
	conflict_detected INTEGER NOT NULL DEFAULT 0,
	strategy TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS sync_history (
	id TEXT PRIMARY KEY,
	link_id TEXT NOT NULL,
	sync_type TEXT NOT NULL,
	direction TEXT NOT NULL,
	status TEXT NOT NULL,
	changes TEXT NOT NULL DEFAULT '',
	error_message TEXT,
	synced_at TEXT NOT NULL,
	FOREIGN KEY (link_id) REFERENCES calendar_links(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_links_status ON calendar_links(sync_status);
CREATE INDEX IF NOT EXISTS idx_links_conflict ON calendar_links(conflict_detected);
CREATE INDEX IF NOT EXISTS idx_history_link ON sync_history(link_id, synced_at);
`

// InitSchema creates the tables and indexes if they don't exist.
// Safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{ops: ops{q: sqlTx, postgres: db.postgres}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (o ops) rebind(query string) string {
	if !o.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (o ops) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return o.q.ExecContext(ctx, o.rebind(query), args...)
}

func (o ops) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return o.q.QueryContext(ctx, o.rebind(query), args...)
}

func (o ops) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return o.q.QueryRowContext(ctx, o.rebind(query), args...)
}

// timeLayout is fixed width so stored values order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullStringToTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func stringToNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
