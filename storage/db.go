// Package storage owns the single SQLite file an actuator persists to
// (events + metrics_daily + schema_version) and the single writer
// goroutine that serializes every write against it. The event log and
// the metrics store each enqueue write jobs here instead of opening
// their own *sql.DB, so the two tables genuinely share one writer.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mistcool/unitcooler/model"
	"github.com/mistcool/unitcooler/observability"
)

// WriteFunc is one unit of work against the shared database handle,
// executed on the single writer goroutine.
type WriteFunc func(*sql.DB) error

type job struct {
	level model.EventLevel // "" for jobs that are never subject to the drop policy (e.g. metrics rollups)
	fn    WriteFunc
}

// DB is the shared, single-writer SQLite handle for one actuator node.
type DB struct {
	sql *sql.DB
	max int

	mu    sync.Mutex
	queue []job
	wake  chan struct{}
}

// Open opens (creating if needed) the SQLite file at path, applies
// forward-only migrations, and starts the write-serializing goroutine
// under ctx. writeQueueMax bounds the pending-job queue; once full,
// INFO jobs are dropped oldest-first to make room, WARN/ERR/metrics
// jobs never are.
func Open(ctx context.Context, path string, writeQueueMax int) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1) // single-writer discipline even within the driver's own pool

	if err := migrate(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	if writeQueueMax <= 0 {
		writeQueueMax = 1024
	}
	d := &DB{
		sql:  sqlDB,
		max:  writeQueueMax,
		wake: make(chan struct{}, 1),
	}
	go d.runWriter(ctx)
	return d, nil
}

// Raw returns the underlying handle for readers (paged reads, rollup
// queries); only the single writer goroutine ever mutates it.
func (d *DB) Raw() *sql.DB { return d.sql }

// Enqueue schedules fn to run on the writer goroutine. level governs
// the overflow drop policy; pass "" for jobs (metrics rollups, schema
// work) that must never be dropped.
func (d *DB) Enqueue(level model.EventLevel, fn WriteFunc) {
	d.mu.Lock()
	if len(d.queue) >= d.max {
		dropped := false
		for i, j := range d.queue {
			if j.level == model.LevelInfo {
				d.queue = append(d.queue[:i], d.queue[i+1:]...)
				observability.EventLogDropped.WithLabelValues("INFO").Inc()
				dropped = true
				break
			}
		}
		if !dropped {
			// Queue is saturated with non-droppable work; grow past max
			// rather than silently losing a WARN/ERR/metrics write. This
			// is the one place the bound is soft.
			log.Printf("storage: write queue over capacity (%d) with no INFO to drop", len(d.queue))
		}
	}
	d.queue = append(d.queue, job{level: level, fn: fn})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *DB) runWriter(ctx context.Context) {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
				continue
			}
		}
		j := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if err := j.fn(d.sql); err != nil {
			log.Printf("storage: write job failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// QueueDepth reports the number of pending write jobs, for StorageFull
// detection and the hourly-WARN throttle callers implement around it.
func (d *DB) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close closes the underlying database handle. Callers should stop
// enqueueing and wait for QueueDepth to reach zero first: cancelling the
// writer's ctx stops it without draining the queue.
func (d *DB) Close() error { return d.sql.Close() }

const schemaVersion = 1

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var current int
	row := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
	if err := row.Scan(&current); err != nil {
		current = 0
	}

	if current >= schemaVersion {
		return nil
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			ts DATETIME NOT NULL,
			level TEXT NOT NULL,
			kind TEXT NOT NULL,
			msg TEXT NOT NULL,
			node_id TEXT NOT NULL,
			event_uuid TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_id ON events(id)`,
		`CREATE TABLE IF NOT EXISTS metrics_daily (
			date TEXT NOT NULL,
			mode_index INTEGER NOT NULL,
			open_sec INTEGER NOT NULL DEFAULT 0,
			volume_l REAL NOT NULL DEFAULT 0,
			fault_count INTEGER NOT NULL DEFAULT 0,
			transitions INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (date, mode_index)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt, err)
		}
	}

	if current == 0 {
		if _, err := db.Exec(`INSERT INTO schema_version(version) VALUES (?)`, schemaVersion); err != nil {
			return err
		}
	} else {
		if _, err := db.Exec(`UPDATE schema_version SET version = ?`, schemaVersion); err != nil {
			return err
		}
	}
	return nil
}
