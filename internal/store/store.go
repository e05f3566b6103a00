// Package store is the persistent record of hosts, VMs, migrations and their
// event logs. It follows the teacher's db.go shape: a thin *sql.DB wrapper,
// schema bootstrapped from a slice of DDL statements, rows scanned by hand.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/minicloud/controller/internal/model"
)

// Sentinel errors, replacing the original's exception-driven control flow
// with explicit results the caller pattern-matches against via errors.Is.
var (
	ErrAlreadyExists      = errors.New("store: non-terminal migration already exists for vm")
	ErrNotFound           = errors.New("store: record not found")
	ErrIllegalTransition  = errors.New("store: illegal status transition")
	ErrTerminalImmutable  = errors.New("store: migration is terminal and cannot be mutated")
)

// Store wraps the sqlite connection. A single mutex guards every mutating
// migration operation: sqlite has no real row-level locking, and the
// advisory lock in internal/lock is the actual cross-process mutual
// exclusion mechanism (spec §5) — this mutex only protects the in-process
// read-modify-write around a single sqlite connection.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (if needed) and opens the sqlite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	// sqlite3 serializes writes poorly across multiple connections; the
	// store's own mutex is the primary guard, but capping the pool avoids
	// "database is locked" errors under the worker pool's concurrency.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS hosts (
			id TEXT PRIMARY KEY,
			hostname TEXT,
			address TEXT,
			status TEXT NOT NULL DEFAULT 'UP',
			cpu_count INTEGER DEFAULT 1,
			labels TEXT,
			last_seen_ts INTEGER,
			throttled_until_ts INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS host_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host_id TEXT NOT NULL REFERENCES hosts(id),
			cpu_percent REAL DEFAULT 0,
			mem_percent REAL DEFAULT 0,
			load1 REAL DEFAULT 0,
			vms_running INTEGER DEFAULT 0,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_host_metrics_host_ts ON host_metrics(host_id, ts DESC)`,
		`CREATE TABLE IF NOT EXISTS vms (
			id TEXT PRIMARY KEY,
			hypervisor_uuid TEXT UNIQUE,
			name TEXT,
			host_id TEXT REFERENCES hosts(id),
			vcpus INTEGER DEFAULT 1,
			memory_bytes INTEGER DEFAULT 0,
			cpu_percent REAL DEFAULT 0,
			protected BOOLEAN DEFAULT 0,
			last_migrated_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vms_host ON vms(host_id)`,
		`CREATE TABLE IF NOT EXISTS migrations (
			id TEXT PRIMARY KEY,
			vm_id TEXT NOT NULL REFERENCES vms(id),
			source_host TEXT NOT NULL,
			target_host TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INTEGER DEFAULT 0,
			reason TEXT,
			client_request_id TEXT UNIQUE,
			details TEXT,
			cancel_requested BOOLEAN DEFAULT 0,
			started_at INTEGER,
			updated_at INTEGER,
			finished_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_migrations_vm ON migrations(vm_id)`,
		`CREATE INDEX IF NOT EXISTS idx_migrations_status ON migrations(status)`,
		`CREATE TABLE IF NOT EXISTS migration_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			migration_id TEXT NOT NULL REFERENCES migrations(id) ON DELETE CASCADE,
			ts INTEGER NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			meta TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_migration_events_migration ON migration_events(migration_id)`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func marshalJSON(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJSONMap(ns sql.NullString) (map[string]interface{}, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timeFromNull(n sql.NullInt64) time.Time {
	if !n.Valid || n.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(n.Int64, 0).UTC()
}
