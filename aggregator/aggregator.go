// Package aggregator implements the Web-UI's optional cross-node store:
// each actuator pushes its day-to-date metrics rollup and recent event
// records over HTTP, and the Web-UI persists the combined view in
// Postgres so /api/watering and /api/log_view can answer across every
// deployed actuator node. Deployments with a single actuator skip this
// entirely and proxy straight to the actuator's own REST surface.
package aggregator

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mistcool/unitcooler/model"
)

// Push is the payload one actuator sends per rollup interval.
type Push struct {
	NodeID  string               `json:"node_id"`
	Metrics []model.DailyMetrics `json:"metrics"`
	Events  []model.EventRecord  `json:"events"`
}

// PostgresAggregator stores pushed rollups and events in Postgres.
type PostgresAggregator struct {
	pool *pgxpool.Pool
}

// NewPostgresAggregator connects to connString and ensures the schema
// exists. Migrations are forward-only, matching the actuator-local
// SQLite convention.
func NewPostgresAggregator(ctx context.Context, connString string) (*PostgresAggregator, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	a := &PostgresAggregator{pool: pool}
	if err := a.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

func (a *PostgresAggregator) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agg_metrics_daily (
			date TEXT NOT NULL,
			node_id TEXT NOT NULL,
			mode_index INTEGER NOT NULL,
			open_sec BIGINT NOT NULL DEFAULT 0,
			volume_l DOUBLE PRECISION NOT NULL DEFAULT 0,
			fault_count BIGINT NOT NULL DEFAULT 0,
			transitions BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (date, node_id, mode_index)
		)`,
		`CREATE TABLE IF NOT EXISTS agg_events (
			event_uuid TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			local_id BIGINT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			level TEXT NOT NULL,
			kind TEXT NOT NULL,
			msg TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agg_events_ts ON agg_events(ts DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := a.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Ingest applies one actuator push: daily rows are replaced wholesale
// (each push carries the full day-to-date value, not a delta), events
// are inserted with dedup on event_uuid so re-pushed tails are harmless.
func (a *PostgresAggregator) Ingest(ctx context.Context, p Push) error {
	for _, m := range p.Metrics {
		_, err := a.pool.Exec(ctx, `
			INSERT INTO agg_metrics_daily (date, node_id, mode_index, open_sec, volume_l, fault_count, transitions, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			ON CONFLICT (date, node_id, mode_index) DO UPDATE SET
				open_sec = EXCLUDED.open_sec,
				volume_l = EXCLUDED.volume_l,
				fault_count = EXCLUDED.fault_count,
				transitions = EXCLUDED.transitions,
				updated_at = NOW()
		`, m.Date, p.NodeID, m.ModeIndex, m.OpenSeconds, m.VolumeL, m.FaultCount, m.Transitions)
		if err != nil {
			return err
		}
	}
	for _, e := range p.Events {
		_, err := a.pool.Exec(ctx, `
			INSERT INTO agg_events (event_uuid, node_id, local_id, ts, level, kind, msg)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (event_uuid) DO NOTHING
		`, e.EventUUID, p.NodeID, e.ID, e.Timestamp, e.Level, e.Kind, e.Message)
		if err != nil {
			return err
		}
	}
	return nil
}

// DayWatering is one day's water usage summed across all nodes.
type DayWatering struct {
	Date    string  `json:"date"`
	VolumeL float64 `json:"volume_l"`
	Cost    float64 `json:"cost"`
}

// Watering returns the most recent days of cross-node water usage,
// newest first.
func (a *PostgresAggregator) Watering(ctx context.Context, days int, costPerLiter float64) ([]DayWatering, error) {
	if days <= 0 {
		days = 10
	}
	since := time.Now().In(time.Local).AddDate(0, 0, -(days - 1)).Format("2006-01-02")
	rows, err := a.pool.Query(ctx, `
		SELECT date, SUM(volume_l) FROM agg_metrics_daily WHERE date >= $1 GROUP BY date ORDER BY date DESC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DayWatering
	for rows.Next() {
		var d DayWatering
		if err := rows.Scan(&d.Date, &d.VolumeL); err != nil {
			return nil, err
		}
		d.Cost = d.VolumeL * costPerLiter
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReadEvents returns up to limit events across all nodes, newest first,
// starting at offset.
func (a *PostgresAggregator) ReadEvents(ctx context.Context, offset, limit int) ([]model.EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.pool.Query(ctx, `
		SELECT event_uuid, node_id, local_id, ts, level, kind, msg
		FROM agg_events ORDER BY ts DESC, event_uuid LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EventRecord
	for rows.Next() {
		var r model.EventRecord
		if err := rows.Scan(&r.EventUUID, &r.NodeID, &r.ID, &r.Timestamp, &r.Level, &r.Kind, &r.Message); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (a *PostgresAggregator) Close() { a.pool.Close() }
