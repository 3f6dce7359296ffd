package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"worldsync.io/internal/persistence/snapshot"
	"worldsync.io/internal/sim/tuning"
	"worldsync.io/internal/sim/world"
)

// SQLiteIndex is a queryable read model of per-tick sync statistics. Writes
// are queued to a single writer goroutine and batched into transactions;
// when the queue is full entries are dropped, since the tick log stays the
// source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick   atomic.Uint64
	dropDump   atomic.Uint64
	writeFails atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqDump
	reqFlush
)

type req struct {
	kind reqKind

	tick world.TickLogEntry
	dump dumpRow
	done chan struct{}
}

type dumpRow struct {
	Tick     uint64
	Path     string
	RunID    string
	Frames   int
	Entities int
}

// IndexStats reports writer queue health.
type IndexStats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropTickTotal uint64 `json:"drop_tick_total"`
	DropDumpTotal uint64 `json:"drop_dump_total"`
	WriteFailures uint64 `json:"write_failures"`
}

const queueSize = 16384

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, errors.New("empty db path")
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

	s := &SQLiteIndex{db: db, ch: make(chan req, queueSize)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
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
		`CREATE TABLE IF NOT EXISTS ticks (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			time_ms INTEGER NOT NULL,
			clients INTEGER NOT NULL,
			entities INTEGER NOT NULL,
			packets INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			dropped INTEGER NOT NULL,
			skipped INTEGER NOT NULL,
			inputs INTEGER NOT NULL,
			stale INTEGER NOT NULL,
			step_ms REAL NOT NULL,
			PRIMARY KEY (run_id, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS connects (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			client_id INTEGER NOT NULL,
			entity_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY (run_id, tick, client_id)
		);`,
		`CREATE TABLE IF NOT EXISTS disconnects (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			client_id INTEGER NOT NULL,
			PRIMARY KEY (run_id, tick, client_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_connects_client ON connects(client_id, tick);`,
		`CREATE TABLE IF NOT EXISTS dumps (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			path TEXT NOT NULL,
			frames INTEGER NOT NULL,
			entities INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (run_id, tick)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() IndexStats {
	if s == nil {
		return IndexStats{}
	}
	return IndexStats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTickTotal: s.dropTick.Load(),
		DropDumpTotal: s.dropDump.Load(),
		WriteFailures: s.writeFails.Load(),
	}
}

func (s *SQLiteIndex) WriteTick(entry world.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

// RecordDump indexes a history dump written to path.
func (s *SQLiteIndex) RecordDump(path string, d snapshot.HistoryDumpV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := dumpRow{Tick: d.Header.Tick, Path: path, RunID: d.Header.RunID, Frames: len(d.Frames)}
	if n := len(d.Frames); n > 0 {
		r.Entities = len(d.Frames[n-1].Entities)
	}
	select {
	case s.ch <- req{kind: reqDump, dump: r}:
	default:
		s.dropDump.Add(1)
	}
}

// Flush waits until every queued write has been committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordRun stores the run id and the tuning it runs with, keyed by a
// digest of the canonical tuning JSON.
func (s *SQLiteIndex) RecordRun(ctx context.Context, runID string, t tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for k, v := range map[string]string{
		"schema_version": "1",
		"run_id":         runID,
		"run_started_at": now,
		"tuning_json":    string(b),
		"tuning_digest":  hex.EncodeToString(sum[:]),
	} {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, k, v); err != nil {
			return fmt.Errorf("meta %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(run_id,tick,time_ms,clients,entities,packets,bytes,dropped,skipped,inputs,stale,step_ms) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertConnect, _ := s.db.Prepare(`INSERT OR REPLACE INTO connects(run_id,tick,client_id,entity_id,name) VALUES(?,?,?,?,?)`)
	insertDisconnect, _ := s.db.Prepare(`INSERT OR REPLACE INTO disconnects(run_id,tick,client_id) VALUES(?,?,?)`)
	insertDump, _ := s.db.Prepare(`INSERT OR REPLACE INTO dumps(run_id,tick,path,frames,entities,recorded_at) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertConnect, insertDisconnect, insertDump} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeFails.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeFails.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		s.writeFails.Add(1)
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil || tx == nil {
			return false
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			e := r.tick
			stale := 0
			for _, in := range e.Inputs {
				if in.Stale {
					stale++
				}
			}
			if !exec(insertTick, e.RunID, int64(e.Tick), e.TimeMs, e.Clients, e.Entities, e.Packets, e.Bytes, e.Dropped, e.Skipped, len(e.Inputs), stale, e.StepMS) {
				continue
			}
			for _, c := range e.Connects {
				if !exec(insertConnect, e.RunID, int64(e.Tick), int64(c.ClientID), int64(c.EntityID), c.Name) {
					break
				}
			}
			for _, id := range e.Disconnects {
				if !exec(insertDisconnect, e.RunID, int64(e.Tick), int64(id)) {
					break
				}
			}

		case reqDump:
			d := r.dump
			exec(insertDump, d.RunID, int64(d.Tick), d.Path, d.Frames, d.Entities, time.Now().UTC().Format(time.RFC3339Nano))
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
