// Package statsdb persists periodic statistics snapshots to an embedded
// SQLite database (SPEC_FULL.md §11/§12), grounded directly on
// `server/store/store.go`'s ordered-migrations-slice pattern: migrations
// are kept in an append-only slice, each applied exactly once, tracked in
// a schema_migrations table.
package statsdb

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL statements that bring the
// schema up to date. Index i corresponds to version i+1. Append only —
// never edit or reorder existing entries.
var migrations = []string{
	// v1 — router engine snapshots
	`CREATE TABLE IF NOT EXISTS router_snapshots (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		taken_at           INTEGER NOT NULL DEFAULT (unixepoch()),
		messages_sent      INTEGER NOT NULL,
		messages_received  INTEGER NOT NULL,
		forwarded          INTEGER NOT NULL,
		dropped            INTEGER NOT NULL,
		loops_detected     INTEGER NOT NULL
	)`,
	// v2 — transport snapshots
	`CREATE TABLE IF NOT EXISTS transport_snapshots (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		taken_at         INTEGER NOT NULL DEFAULT (unixepoch()),
		real_time_sent   INTEGER NOT NULL,
		non_rt_sent      INTEGER NOT NULL,
		reliable_sent    INTEGER NOT NULL,
		reliable_retries INTEGER NOT NULL,
		reliable_failed  INTEGER NOT NULL,
		rt_dropped       INTEGER NOT NULL
	)`,
	// v3 — reorder buffer snapshots
	`CREATE TABLE IF NOT EXISTS reorder_snapshots (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		taken_at   INTEGER NOT NULL DEFAULT (unixepoch()),
		delivered  INTEGER NOT NULL,
		dropped    INTEGER NOT NULL,
		duplicates INTEGER NOT NULL,
		gaps       INTEGER NOT NULL
	)`,
	// v4-v6 — indexes for time-range queries
	`CREATE INDEX IF NOT EXISTS idx_router_taken_at ON router_snapshots(taken_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transport_taken_at ON transport_snapshots(taken_at)`,
	`CREATE INDEX IF NOT EXISTS idx_reorder_taken_at ON reorder_snapshots(taken_at)`,
	// v7 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// RouterSnapshot mirrors router.Statistics at a point in time.
type RouterSnapshot struct {
	MessagesSent     uint64
	MessagesReceived uint64
	Forwarded        uint64
	Dropped          uint64
	LoopsDetected    uint64
}

// TransportSnapshot mirrors transport.RouterStats at a point in time.
type TransportSnapshot struct {
	RealTimeSent    uint64
	NonRealTimeSent uint64
	ReliableSent    uint64
	ReliableRetries uint64
	ReliableFailed  uint64
	RTDropped       uint64
}

// ReorderSnapshot mirrors reorder.Stats at a point in time.
type ReorderSnapshot struct {
	Delivered  uint64
	Dropped    uint64
	Duplicates uint64
	Gaps       uint64
}

// DB wraps the append-only statistics history database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral storage in tests.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statsdb: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[statsdb] busy_timeout: %v (non-fatal)", err)
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("statsdb: migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[statsdb] applied migration v%d", v)
	}
	return nil
}

// RecordRouterSnapshot appends one router-engine statistics sample.
func (s *DB) RecordRouterSnapshot(snap RouterSnapshot) error {
	_, err := s.db.Exec(
		`INSERT INTO router_snapshots(messages_sent, messages_received, forwarded, dropped, loops_detected)
		 VALUES(?, ?, ?, ?, ?)`,
		snap.MessagesSent, snap.MessagesReceived, snap.Forwarded, snap.Dropped, snap.LoopsDetected,
	)
	return err
}

// RecordTransportSnapshot appends one transport statistics sample.
func (s *DB) RecordTransportSnapshot(snap TransportSnapshot) error {
	_, err := s.db.Exec(
		`INSERT INTO transport_snapshots(real_time_sent, non_rt_sent, reliable_sent, reliable_retries, reliable_failed, rt_dropped)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		snap.RealTimeSent, snap.NonRealTimeSent, snap.ReliableSent, snap.ReliableRetries, snap.ReliableFailed, snap.RTDropped,
	)
	return err
}

// RecordReorderSnapshot appends one reorder-buffer statistics sample.
func (s *DB) RecordReorderSnapshot(snap ReorderSnapshot) error {
	_, err := s.db.Exec(
		`INSERT INTO reorder_snapshots(delivered, dropped, duplicates, gaps) VALUES(?, ?, ?, ?)`,
		snap.Delivered, snap.Dropped, snap.Duplicates, snap.Gaps,
	)
	return err
}

// RouterHistory returns router snapshots taken at or after since, oldest
// first.
func (s *DB) RouterHistory(since time.Time) ([]RouterSnapshot, error) {
	rows, err := s.db.Query(
		`SELECT messages_sent, messages_received, forwarded, dropped, loops_detected
		 FROM router_snapshots WHERE taken_at >= ? ORDER BY taken_at ASC`,
		since.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RouterSnapshot
	for rows.Next() {
		var snap RouterSnapshot
		if err := rows.Scan(&snap.MessagesSent, &snap.MessagesReceived, &snap.Forwarded, &snap.Dropped, &snap.LoopsDetected); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Prune deletes snapshot rows older than before, across every table (spec
// "Statistics reset operation" companion: history pruning keeps the
// database from growing unbounded).
func (s *DB) Prune(before time.Time) error {
	cutoff := before.Unix()
	for _, table := range []string{"router_snapshots", "transport_snapshots", "reorder_snapshots"} {
		if _, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE taken_at < ?`, table), cutoff); err != nil {
			return fmt.Errorf("statsdb: prune %s: %w", table, err)
		}
	}
	return nil
}
