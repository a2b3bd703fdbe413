package history

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *log.Logger {
	return log.New(os.Stdout, "[history-test] ", log.LstdFlags)
}

func TestStore_FullResetLifecycleSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")

	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t0 := time.UnixMilli(1_700_000_000_000)
	s.RecordStart("op-1", "console", "world_11111", t0)
	s.RecordState("op-1", "configuring_world", "", 0, t0.Add(time.Second))
	s.RecordState("op-1", "script_generated", "world_22222", -42, t0.Add(2*time.Second))
	s.RecordState("op-1", "script_launched", "", 0, t0.Add(3*time.Second))
	s.RecordOutcome("op-1", "shutdown_scheduled", "", t0.Add(4*time.Second))

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Inspect with a raw connection to verify what actually hit disk.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("raw open: %v", err)
	}
	defer db.Close()

	var (
		actor, prev, next, state, reason string
		seed, startedMS, updatedMS       int64
	)
	row := db.QueryRow(`SELECT actor,prev_world,next_world,seed,state,reason,started_ms,updated_ms FROM reset_ops WHERE op_id='op-1'`)
	if err := row.Scan(&actor, &prev, &next, &seed, &state, &reason, &startedMS, &updatedMS); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if actor != "console" || prev != "world_11111" || next != "world_22222" {
		t.Fatalf("unexpected identity columns: actor=%q prev=%q next=%q", actor, prev, next)
	}
	if seed != -42 {
		t.Fatalf("seed = %d, want -42", seed)
	}
	if state != "shutdown_scheduled" || reason != "" {
		t.Fatalf("final state=%q reason=%q", state, reason)
	}
	if startedMS != t0.UnixMilli() {
		t.Fatalf("started_ms = %d, want %d", startedMS, t0.UnixMilli())
	}
	if updatedMS != t0.Add(4*time.Second).UnixMilli() {
		t.Fatalf("updated_ms = %d, want %d", updatedMS, t0.Add(4*time.Second).UnixMilli())
	}
}

func TestStore_RecentOrdersNewestFirst(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	base := time.UnixMilli(1_700_000_000_000)
	s.RecordStart("op-a", "console", "world_1", base)
	s.RecordOutcome("op-a", "failed", "validation: no space", base.Add(time.Second))
	s.RecordStart("op-b", "http:10.0.0.5", "world_1", base.Add(time.Minute))
	s.RecordOutcome("op-b", "shutdown_scheduled", "", base.Add(2*time.Minute))
	s.Sync()

	recs, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].OpID != "op-b" || recs[1].OpID != "op-a" {
		t.Fatalf("order = [%s %s], want [op-b op-a]", recs[0].OpID, recs[1].OpID)
	}
	if recs[1].State != "failed" || recs[1].Reason != "validation: no space" {
		t.Fatalf("op-a stored as state=%q reason=%q", recs[1].State, recs[1].Reason)
	}
	if recs[0].Actor != "http:10.0.0.5" {
		t.Fatalf("op-b actor = %q", recs[0].Actor)
	}
}

func TestStore_RecentHonorsLimit(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 7; i++ {
		s.RecordStart(fmt.Sprintf("op-%d", i), "console", "world_1", base.Add(time.Duration(i)*time.Minute))
	}
	s.Sync()

	recs, err := s.Recent(context.Background(), 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[0].StartedMS < recs[1].StartedMS || recs[1].StartedMS < recs[2].StartedMS {
		t.Fatalf("records not newest-first: %d %d %d", recs[0].StartedMS, recs[1].StartedMS, recs[2].StartedMS)
	}
}

func TestStore_StateWithoutWorldLeavesColumns(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	t0 := time.UnixMilli(1_700_000_000_000)
	s.RecordStart("op-1", "console", "world_5", t0)
	s.RecordState("op-1", "script_generated", "world_6", 99, t0.Add(time.Second))
	s.RecordState("op-1", "script_launched", "", 0, t0.Add(2*time.Second))
	s.Sync()

	recs, err := s.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].NextWorld != "world_6" || recs[0].Seed != 99 {
		t.Fatalf("world columns clobbered: next=%q seed=%d", recs[0].NextWorld, recs[0].Seed)
	}
	if recs[0].State != "script_launched" {
		t.Fatalf("state = %q", recs[0].State)
	}
}

func TestOpen_RejectsEmptyPath(t *testing.T) {
	if _, err := Open("", testLogger()); err == nil {
		t.Fatal("expected error for empty path")
	}
}
