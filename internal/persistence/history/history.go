// Package history persists per-reset records to a local SQLite index.
//
// The index is informational: operators query it, nothing replays it. Writes
// go through a single goroutine so a slow disk can never stall the reset
// path; when the buffer is full a record is dropped rather than blocking.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

type reqKind int

const (
	reqStart reqKind = iota + 1
	reqState
	reqOutcome
	reqSync
)

type req struct {
	kind   reqKind
	opID   string
	actor  string
	prev   string
	next   string
	seed   int64
	state  string
	reason string
	atMS   int64
	done   chan struct{}
}

// Record is one reset attempt as stored.
type Record struct {
	OpID      string
	Actor     string
	PrevWorld string
	NextWorld string
	Seed      int64
	State     string
	Reason    string
	StartedMS int64
	UpdatedMS int64
}

// Store is the reset history index.
type Store struct {
	db  *sql.DB
	log *log.Logger

	ch     chan req
	wg     sync.WaitGroup
	once   sync.Once
	closed atomic.Bool
}

// Open creates (or reopens) the index at path.
func Open(path string, logger *log.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:  db,
		log: logger,
		ch:  make(chan req, 1024),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-style workload; NORMAL is enough durability for
	// an informational index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS reset_ops (
			op_id TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			prev_world TEXT NOT NULL,
			next_world TEXT NOT NULL DEFAULT '',
			seed INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			started_ms INTEGER NOT NULL,
			updated_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reset_ops_started ON reset_ops(started_ms DESC);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains pending writes and closes the database.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) send(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		s.log.Printf("WARN history buffer full, dropping %v for op %s", r.kind, r.opID)
	}
}

// RecordStart registers a fresh reset attempt.
func (s *Store) RecordStart(opID, actor, prevWorld string, at time.Time) {
	s.send(req{kind: reqStart, opID: opID, actor: actor, prev: prevWorld, state: "validating", atMS: at.UnixMilli()})
}

// RecordState advances the stored state. next and seed are written once
// known (pass "" and 0 to leave them untouched).
func (s *Store) RecordState(opID, state, next string, seed int64, at time.Time) {
	s.send(req{kind: reqState, opID: opID, state: state, next: next, seed: seed, atMS: at.UnixMilli()})
}

// RecordOutcome finalizes the attempt with a state and failure reason
// (empty reason for success).
func (s *Store) RecordOutcome(opID, state, reason string, at time.Time) {
	s.send(req{kind: reqOutcome, opID: opID, state: state, reason: reason, atMS: at.UnixMilli()})
}

func (s *Store) loop() {
	for r := range s.ch {
		if r.kind == reqSync {
			close(r.done)
			continue
		}
		if err := s.apply(r); err != nil {
			s.log.Printf("WARN history write op=%s: %v", r.opID, err)
		}
	}
}

func (s *Store) apply(r req) error {
	switch r.kind {
	case reqStart:
		_, err := s.db.Exec(
			`INSERT OR REPLACE INTO reset_ops(op_id,actor,prev_world,state,started_ms,updated_ms) VALUES(?,?,?,?,?,?)`,
			r.opID, r.actor, r.prev, r.state, r.atMS, r.atMS,
		)
		return err
	case reqState:
		if r.next != "" {
			_, err := s.db.Exec(
				`UPDATE reset_ops SET state=?, next_world=?, seed=?, updated_ms=? WHERE op_id=?`,
				r.state, r.next, r.seed, r.atMS, r.opID,
			)
			return err
		}
		_, err := s.db.Exec(
			`UPDATE reset_ops SET state=?, updated_ms=? WHERE op_id=?`,
			r.state, r.atMS, r.opID,
		)
		return err
	case reqOutcome:
		_, err := s.db.Exec(
			`UPDATE reset_ops SET state=?, reason=?, updated_ms=? WHERE op_id=?`,
			r.state, r.reason, r.atMS, r.opID,
		)
		return err
	}
	return fmt.Errorf("unknown request kind %d", r.kind)
}

// Sync blocks until every record queued before the call has been applied.
// Reads use it so a just-recorded reset shows up in its own status query.
func (s *Store) Sync() {
	if s == nil || s.closed.Load() {
		return
	}
	done := make(chan struct{})
	// The writer drains in order, so a sentinel marks everything before it.
	s.ch <- req{kind: reqSync, done: done}
	<-done
}

// Recent returns up to limit records, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT op_id,actor,prev_world,next_world,seed,state,reason,started_ms,updated_ms
		 FROM reset_ops ORDER BY started_ms DESC, op_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.OpID, &r.Actor, &r.PrevWorld, &r.NextWorld, &r.Seed, &r.State, &r.Reason, &r.StartedMS, &r.UpdatedMS); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
