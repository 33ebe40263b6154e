// Package audit records a supplemental, queryable history of VM
// lifecycle transitions (prepare/start/stop/suspend/resume/destroy)
// to a local SQLite database, independent of the authoritative
// JSON-backed handle store.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS lifecycle_events (
    id          TEXT PRIMARY KEY,
    vm_name     TEXT NOT NULL,
    backend     TEXT NOT NULL,
    op          TEXT NOT NULL,
    outcome     TEXT NOT NULL,
    detail      TEXT,
    duration_ms INTEGER NOT NULL,
    occurred_at DATETIME NOT NULL
)`

// DefaultPath returns the conventional audit database location,
// `{XDG_DATA_HOME-or-equivalent}/vmctl/audit.db`, alongside the state
// store's own vms.json.
func DefaultPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = "/tmp"
	} else {
		dir = filepath.Join(dir, ".local", "share")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dir = xdg
	}
	return filepath.Join(dir, "vmctl", "audit.db")
}

// Event is one recorded lifecycle transition.
type Event struct {
	ID         string
	VMName     string
	Backend    string
	Op         string
	Outcome    string
	Detail     string
	Duration   time.Duration
	OccurredAt time.Time
}

// Log is a handle to the lifecycle audit database.
type Log struct {
	db *sql.DB
}

// Open opens (creating if necessary) the audit database at dbPath.
func Open(dbPath string) (*Log, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create audit database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(createEventsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create lifecycle_events table: %w", err)
	}

	return &Log{db: db}, nil
}

// Close closes the underlying database connection.
func (l *Log) Close() error { return l.db.Close() }

// Record inserts one lifecycle event, assigning it a fresh ULID so
// events sort by id in wall-clock order, and in insertion order within
// the same millisecond of the same process.
func (l *Log) Record(ctx context.Context, vmName, backend, op string, d time.Duration, opErr error) error {
	outcome := "ok"
	detail := ""
	if opErr != nil {
		outcome = "error"
		detail = opErr.Error()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO lifecycle_events (id, vm_name, backend, op, outcome, detail, duration_ms, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ulid.Make().String(), vmName, backend, op, outcome, detail, d.Milliseconds(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert lifecycle event: %w", err)
	}
	return nil
}

// ForVM returns every recorded event for name, oldest first.
func (l *Log) ForVM(ctx context.Context, name string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, vm_name, backend, op, outcome, detail, duration_ms, occurred_at
		 FROM lifecycle_events WHERE vm_name = ? ORDER BY id ASC`, name)
	if err != nil {
		return nil, fmt.Errorf("query lifecycle events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var durationMs int64
		if err := rows.Scan(&e.ID, &e.VMName, &e.Backend, &e.Op, &e.Outcome, &e.Detail, &durationMs, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan lifecycle event: %w", err)
		}
		e.Duration = time.Duration(durationMs) * time.Millisecond
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lifecycle events: %w", err)
	}
	return events, nil
}
