// Package db provides SQLite persistence for approvals, audit entries and
// the cross-process decision inbox.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite connection pool.
type DB struct {
	*sql.DB
	path string
}

// OpenOptions controls how a database is opened.
type OpenOptions struct {
	// CreateIfNotExists creates the parent directory and file.
	CreateIfNotExists bool
	// InitSchema applies pending migrations.
	InitSchema bool
	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// Open opens (creating if necessary) and migrates the database at path.
func Open(path string) (*DB, error) {
	return OpenWithOptions(path, OpenOptions{CreateIfNotExists: true, InitSchema: true})
}

// OpenAndMigrate is Open under the name callers use when the schema must be current.
func OpenAndMigrate(path string) (*DB, error) {
	return Open(path)
}

// OpenWithOptions opens the database at path.
func OpenWithOptions(path string, opts OpenOptions) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if !opts.CreateIfNotExists || opts.ReadOnly {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("database %s does not exist", path)
			}
			return nil, fmt.Errorf("stat database: %w", err)
		}
	} else if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", dsn(path, opts.ReadOnly))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db := &DB{DB: sqlDB, path: path}
	if opts.InitSchema && !opts.ReadOnly {
		if err := db.migrate(); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func dsn(path string, readOnly bool) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	if readOnly {
		q.Set("mode", "ro")
	} else {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	return "file:" + path + "?" + q.Encode()
}

// migrations are applied in order; user_version records the count applied.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS approvals (
		nonce           TEXT PRIMARY KEY,
		tool_name       TEXT NOT NULL,
		tool_args_json  TEXT,
		level           TEXT NOT NULL,
		reason          TEXT NOT NULL DEFAULT '',
		deterministic   INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'denied', 'timeout')),
		conversation_id TEXT,
		note            TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL,
		resolved_at     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, created_at);
	`,
	`
	CREATE TABLE IF NOT EXISTS audit_entries (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		segment        TEXT NOT NULL,
		id             TEXT NOT NULL UNIQUE,
		created_at     TEXT NOT NULL,
		action         TEXT NOT NULL,
		tool_name      TEXT NOT NULL,
		tool_args_json TEXT,
		risk_level     TEXT NOT NULL,
		approved       INTEGER NOT NULL,
		result         TEXT NOT NULL DEFAULT '',
		user_id        TEXT NOT NULL DEFAULT '',
		hash           TEXT NOT NULL,
		prev_hash      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_segment ON audit_entries(segment, seq);
	`,
	`
	CREATE TABLE IF NOT EXISTS approval_decisions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		nonce       TEXT NOT NULL,
		approved    INTEGER NOT NULL,
		source      TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		consumed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_unconsumed ON approval_decisions(consumed_at, id);
	`,
}

func (db *DB) migrate() error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", i+1, err)
		}
	}
	return nil
}

// SchemaVersion returns the number of applied migrations.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}
