package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gamesched.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAppliesMigrations(t *testing.T) {
	db := testDB(t)
	n, err := db.CountSnapshots()
	if err != nil {
		t.Fatalf("CountSnapshots: %v", err)
	}
	if n != 0 {
		t.Errorf("fresh database has %d snapshots, want 0", n)
	}
}

func TestInsertAndLatestSnapshot(t *testing.T) {
	db := testDB(t)
	want := Snapshot{
		ContextSwitches:     10,
		Migrations:          2,
		SpinHits:            100,
		SpinMisses:          5,
		PriorityInversions:  1,
		FrameDeadlineMisses: 0,
		AvgWaitLatencyNS:    1500,
		MaxWaitLatencyNS:    9000,
	}
	if err := db.InsertSnapshot(want); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}

	got, err := db.LatestSnapshot()
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if got != want {
		t.Errorf("LatestSnapshot() = %+v, want %+v", got, want)
	}
}

func TestLatestSnapshotNoRows(t *testing.T) {
	db := testDB(t)
	_, err := db.LatestSnapshot()
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("LatestSnapshot() on empty table = %v, want sql.ErrNoRows", err)
	}
}

func TestLatestSnapshotReturnsMostRecent(t *testing.T) {
	db := testDB(t)
	if err := db.InsertSnapshot(Snapshot{ContextSwitches: 1}); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}
	if err := db.InsertSnapshot(Snapshot{ContextSwitches: 2}); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}
	got, err := db.LatestSnapshot()
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if got.ContextSwitches != 2 {
		t.Errorf("ContextSwitches = %d, want 2 (most recent)", got.ContextSwitches)
	}
}
