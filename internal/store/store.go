// Package store persists periodic scheduler snapshots — the monotonic
// counters spec.md §6 allows exporting — to a local SQLite database.
// The core itself keeps no persisted state at its boundary (§6
// "Persisted state: None"); this package is purely an optional
// collaborator a host process may wire in for historical statistics.
//
// The migration-statement-list style and snapshot-table shape are
// grounded on the teacher's internal/infra/sqlite/phase3.go
// (scheduler_snapshots is the direct ancestor of SchedulerSnapshots
// here). modernc.org/sqlite is a pure-Go driver, matching the teacher's
// choice to avoid a cgo dependency.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Migrations returns the schema migration statements, one per
// statement (SQLite executes them individually).
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS scheduler_snapshots (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			context_switches     INTEGER NOT NULL DEFAULT 0,
			migrations           INTEGER NOT NULL DEFAULT 0,
			spin_hits            INTEGER NOT NULL DEFAULT 0,
			spin_misses          INTEGER NOT NULL DEFAULT 0,
			priority_inversions  INTEGER NOT NULL DEFAULT 0,
			frame_deadline_misses INTEGER NOT NULL DEFAULT 0,
			avg_wait_latency_ns  REAL NOT NULL DEFAULT 0,
			max_wait_latency_ns  REAL NOT NULL DEFAULT 0,
			snapshot_at          TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_time ON scheduler_snapshots(snapshot_at)`,
	}
}

// Snapshot mirrors the counters spec.md §6 names.
type Snapshot struct {
	ContextSwitches     int64
	Migrations          int64
	SpinHits            int64
	SpinMisses          int64
	PriorityInversions  int64
	FrameDeadlineMisses int64
	AvgWaitLatencyNS    float64
	MaxWaitLatencyNS    float64
}

// DB wraps a sql.DB with the scheduler's migration set applied.
type DB struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and applies
// every pending migration.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db := &DB{db: sqlDB}
	for _, stmt := range Migrations() {
		if _, err := sqlDB.Exec(stmt); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("store: migrate: %w", err)
		}
	}
	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error { return db.db.Close() }

// InsertSnapshot records one point-in-time statistics snapshot.
func (db *DB) InsertSnapshot(s Snapshot) error {
	_, err := db.db.Exec(`
		INSERT INTO scheduler_snapshots
			(context_switches, migrations, spin_hits, spin_misses,
			 priority_inversions, frame_deadline_misses,
			 avg_wait_latency_ns, max_wait_latency_ns, snapshot_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
	`, s.ContextSwitches, s.Migrations, s.SpinHits, s.SpinMisses,
		s.PriorityInversions, s.FrameDeadlineMisses,
		s.AvgWaitLatencyNS, s.MaxWaitLatencyNS)
	return err
}

// LatestSnapshot returns the most recently inserted snapshot, or the
// zero Snapshot and sql.ErrNoRows if none exist yet.
func (db *DB) LatestSnapshot() (Snapshot, error) {
	var s Snapshot
	err := db.db.QueryRow(`
		SELECT context_switches, migrations, spin_hits, spin_misses,
		       priority_inversions, frame_deadline_misses,
		       avg_wait_latency_ns, max_wait_latency_ns
		FROM scheduler_snapshots
		ORDER BY id DESC LIMIT 1
	`).Scan(&s.ContextSwitches, &s.Migrations, &s.SpinHits, &s.SpinMisses,
		&s.PriorityInversions, &s.FrameDeadlineMisses,
		&s.AvgWaitLatencyNS, &s.MaxWaitLatencyNS)
	return s, err
}

// CountSnapshots reports how many snapshots have been recorded.
func (db *DB) CountSnapshots() (int, error) {
	var n int
	err := db.db.QueryRow(`SELECT COUNT(*) FROM scheduler_snapshots`).Scan(&n)
	return n, err
}

// PruneOlderThan deletes snapshots older than the given age, keeping
// the table from growing unbounded on a long-running process.
func (db *DB) PruneOlderThan(age time.Duration) error {
	cutoff := time.Now().Add(-age).UTC().Format("2006-01-02 15:04:05")
	_, err := db.db.Exec(`DELETE FROM scheduler_snapshots WHERE snapshot_at < ?`, cutoff)
	return err
}
