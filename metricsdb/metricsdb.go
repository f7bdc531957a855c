// Package metricsdb implements the per-day, per-mode counters: valve
// open seconds, integrated water volume, mode transitions, and fault
// counts, retained for 400 days and vacuumed daily. It shares the
// actuator's single SQLite file and single writer goroutine with the
// event log (storage.DB) rather than opening a second handle.
package metricsdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/mistcool/unitcooler/model"
	"github.com/mistcool/unitcooler/storage"
)

// Store is the per-actuator metrics aggregate.
type Store struct {
	db            *storage.DB
	retentionDays int
	costPerLiter  float64
}

// New builds a Store from the shared storage handle and config values.
func New(db *storage.DB, retentionDays int, costPerLiter float64) *Store {
	if retentionDays <= 0 {
		retentionDays = 400
	}
	return &Store{db: db, retentionDays: retentionDays, costPerLiter: costPerLiter}
}

func localDate(t time.Time) string { return t.In(time.Local).Format("2006-01-02") }

func (s *Store) upsert(modeIndex int, openSecDelta int64, volumeDelta float64, faultDelta, transitionDelta int64) {
	date := localDate(time.Now())
	s.db.Enqueue("", func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO metrics_daily(date, mode_index, open_sec, volume_l, fault_count, transitions)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(date, mode_index) DO UPDATE SET
				open_sec = open_sec + excluded.open_sec,
				volume_l = volume_l + excluded.volume_l,
				fault_count = fault_count + excluded.fault_count,
				transitions = transitions + excluded.transitions
		`, date, modeIndex, openSecDelta, volumeDelta, faultDelta, transitionDelta)
		return err
	})
}

// RecordOpenInterval accounts one completed ON phase of the given
// duration and mean flow rate against the current mode's daily row,
// integrating volume as duration * mean_flow.
func (s *Store) RecordOpenInterval(modeIndex int, d time.Duration, meanLPM float64) {
	volume := d.Minutes() * meanLPM
	s.upsert(modeIndex, int64(d.Seconds()), volume, 0, 0)
}

// RecordModeTransition accounts one mode-decider transition into
// modeIndex.
func (s *Store) RecordModeTransition(modeIndex int) {
	s.upsert(modeIndex, 0, 0, 0, 1)
}

// RecordFault accounts one fault-class transition (not counting
// recoveries) against the currently active mode.
func (s *Store) RecordFault(modeIndex int) {
	s.upsert(modeIndex, 0, 0, 1, 0)
}

// DayWatering is one day's aggregated water usage, summed across every
// mode active that day, with an estimated cost for the UI histogram.
type DayWatering struct {
	Date    string  `json:"date"`
	VolumeL float64 `json:"volume_l"`
	Cost    float64 `json:"cost"`
}

// Watering returns the most recent `days` days (today plus days-1
// prior), newest first. Day boundaries are local-time midnight.
func (s *Store) Watering(ctx context.Context, days int) ([]DayWatering, error) {
	if days <= 0 {
		days = 10
	}
	since := time.Now().In(time.Local).AddDate(0, 0, -(days - 1))
	rows, err := s.db.Raw().QueryContext(ctx,
		`SELECT date, SUM(volume_l) FROM metrics_daily WHERE date >= ? GROUP BY date ORDER BY date DESC`,
		localDate(since))
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
		d.Cost = d.VolumeL * s.costPerLiter
		out = append(out, d)
	}
	return out, rows.Err()
}

// Rollup returns today's rollup rows, one per mode index active today,
// for the optional cross-node push to the Web-UI aggregator.
func (s *Store) Rollup(ctx context.Context) ([]model.DailyMetrics, error) {
	date := localDate(time.Now())
	rows, err := s.db.Raw().QueryContext(ctx,
		`SELECT date, mode_index, open_sec, volume_l, fault_count, transitions FROM metrics_daily WHERE date = ?`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DailyMetrics
	for rows.Next() {
		var m model.DailyMetrics
		if err := rows.Scan(&m.Date, &m.ModeIndex, &m.OpenSeconds, &m.VolumeL, &m.FaultCount, &m.Transitions); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Run periodically vacuums the database and prunes rows older than the
// retention window, under ctx.
func (s *Store) Run(ctx context.Context, vacuumEvery time.Duration) {
	if vacuumEvery <= 0 {
		vacuumEvery = 24 * time.Hour
	}
	ticker := time.NewTicker(vacuumEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.vacuum()
		}
	}
}

func (s *Store) vacuum() {
	cutoff := time.Now().In(time.Local).AddDate(0, 0, -s.retentionDays)
	cutoffDate := localDate(cutoff)
	s.db.Enqueue("", func(db *sql.DB) error {
		if _, err := db.Exec(`DELETE FROM metrics_daily WHERE date < ?`, cutoffDate); err != nil {
			return err
		}
		if _, err := db.Exec(`DELETE FROM events WHERE ts < ?`, cutoff); err != nil {
			return err
		}
		_, err := db.Exec(`VACUUM`)
		return err
	})
}
