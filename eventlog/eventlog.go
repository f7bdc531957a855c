// Package eventlog implements the append-only mode/duty/fault event
// stream: an in-process ring mirroring the most recent records plus a
// SQLite-backed table as the authoritative older history, with paged
// reads that fall through ring -> table, and an SSE fan-out for live
// consumers.
package eventlog

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mistcool/unitcooler/model"
	"github.com/mistcool/unitcooler/observability"
	"github.com/mistcool/unitcooler/storage"
)

// Store is the single writer-owned event log for one actuator node.
// Appends are cheap (ring insert + async SQL enqueue); reads never
// block the writer for longer than one ring mutation.
type Store struct {
	nodeID      string
	ringSize    int
	db          *storage.DB
	sseQueueMax int

	mu     sync.RWMutex
	ring   []model.EventRecord
	nextID int64

	sseMu      sync.Mutex
	sseClients map[chan model.EventRecord]struct{}
}

// New builds a Store, seeding the ring and the id counter from the most
// recent rows already on disk (so a restarted actuator doesn't reuse
// ids or lose its tail of recent records).
func New(ctx context.Context, db *storage.DB, nodeID string, ringSize, sseQueueMax int) (*Store, error) {
	if ringSize <= 0 {
		ringSize = 1000
	}
	if sseQueueMax <= 0 {
		sseQueueMax = 64
	}
	s := &Store{
		nodeID:      nodeID,
		ringSize:    ringSize,
		db:          db,
		sseQueueMax: sseQueueMax,
		sseClients:  make(map[chan model.EventRecord]struct{}),
	}
	if err := s.loadRing(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadRing(ctx context.Context) error {
	rows, err := s.db.Raw().QueryContext(ctx,
		`SELECT id, ts, level, kind, msg, node_id, event_uuid FROM events ORDER BY id DESC LIMIT ?`, s.ringSize)
	if err != nil {
		return err
	}
	defer rows.Close()

	var recent []model.EventRecord
	for rows.Next() {
		var r model.EventRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Level, &r.Kind, &r.Message, &r.NodeID, &r.EventUUID); err != nil {
			return err
		}
		recent = append(recent, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	// recent is newest-first; the ring is kept oldest-first.
	s.ring = make([]model.EventRecord, len(recent))
	for i, r := range recent {
		s.ring[len(recent)-1-i] = r
	}
	if len(s.ring) > 0 {
		s.nextID = s.ring[len(s.ring)-1].ID
	}
	return nil
}

// Append assigns the next strictly-increasing id and timestamp, mirrors
// the record into the ring, enqueues it for durable storage, and fans
// it out to any connected SSE clients.
func (s *Store) Append(level model.EventLevel, kind model.EventKind, message string) model.EventRecord {
	s.mu.Lock()
	s.nextID++
	rec := model.EventRecord{
		ID:        s.nextID,
		EventUUID: uuid.NewString(),
		NodeID:    s.nodeID,
		Timestamp: time.Now(),
		Level:     level,
		Kind:      kind,
		Message:   message,
	}
	s.ring = append(s.ring, rec)
	if len(s.ring) > s.ringSize {
		s.ring = s.ring[len(s.ring)-s.ringSize:]
	}
	s.mu.Unlock()

	observability.EventLogAppends.WithLabelValues(string(level)).Inc()

	s.db.Enqueue(level, func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO events(id, ts, level, kind, msg, node_id, event_uuid) VALUES (?,?,?,?,?,?,?)`,
			rec.ID, rec.Timestamp, rec.Level, rec.Kind, rec.Message, rec.NodeID, rec.EventUUID)
		return err
	})

	s.fanout(rec)
	return rec
}

// Read returns up to limit records, newest first, starting at offset.
// It is satisfied from the in-process ring where possible and falls
// through to the SQL table for anything older.
func (s *Store) Read(ctx context.Context, offset, limit int) ([]model.EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	newestFirst := make([]model.EventRecord, len(s.ring))
	for i, r := range s.ring {
		newestFirst[len(s.ring)-1-i] = r
	}
	var ringMinID int64
	if len(s.ring) > 0 {
		ringMinID = s.ring[0].ID
	}
	s.mu.RUnlock()

	var out []model.EventRecord
	if offset < len(newestFirst) {
		end := offset + limit
		if end > len(newestFirst) {
			end = len(newestFirst)
		}
		out = append(out, newestFirst[offset:end]...)
	}
	if len(out) >= limit {
		return out, nil
	}

	remaining := limit - len(out)
	sqlOffset := 0
	if offset > len(newestFirst) {
		sqlOffset = offset - len(newestFirst)
	}

	rows, err := s.db.Raw().QueryContext(ctx,
		`SELECT id, ts, level, kind, msg, node_id, event_uuid FROM events WHERE id < ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		ringMinID, remaining, sqlOffset)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var r model.EventRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Level, &r.Kind, &r.Message, &r.NodeID, &r.EventUUID); err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Since returns up to limit records with id > afterID, oldest first,
// for the cross-node aggregation pusher's incremental event tail.
func (s *Store) Since(ctx context.Context, afterID int64, limit int) ([]model.EventRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Raw().QueryContext(ctx,
		`SELECT id, ts, level, kind, msg, node_id, event_uuid FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EventRecord
	for rows.Next() {
		var r model.EventRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Level, &r.Kind, &r.Message, &r.NodeID, &r.EventUUID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Subscribe registers a new SSE client and returns its delivery channel
// plus an unsubscribe function. The channel is closed either by the
// caller's unsubscribe or by fanout dropping a slow consumer.
func (s *Store) Subscribe() (<-chan model.EventRecord, func()) {
	ch := make(chan model.EventRecord, s.sseQueueMax)
	s.sseMu.Lock()
	s.sseClients[ch] = struct{}{}
	s.sseMu.Unlock()
	observability.SSEClients.Inc()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			s.sseMu.Lock()
			if _, ok := s.sseClients[ch]; ok {
				delete(s.sseClients, ch)
				close(ch)
				observability.SSEClients.Dec()
			}
			s.sseMu.Unlock()
		})
	}
	return ch, unsub
}

// fanout delivers rec to every connected SSE client, dropping (closing)
// any client whose buffer is already full rather than blocking the
// writer.
func (s *Store) fanout(rec model.EventRecord) {
	s.sseMu.Lock()
	defer s.sseMu.Unlock()
	for ch := range s.sseClients {
		select {
		case ch <- rec:
		default:
			delete(s.sseClients, ch)
			close(ch)
			observability.SSEDropped.Inc()
			observability.SSEClients.Dec()
		}
	}
}

// QueueDepth exposes the shared storage write queue depth, for the
// hourly storage-saturation WARN.
func (s *Store) QueueDepth() int { return s.db.QueueDepth() }
