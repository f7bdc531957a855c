// Package sensorquery fetches recent power/environmental sensor windows
// from the time-series database. It retries transient failures within a
// tick with exponential backoff, and trips a circuit breaker across
// ticks so a TSDB outage doesn't spend every tick's query budget on a
// target known to be down.
package sensorquery

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sony/gobreaker"

	"github.com/mistcool/unitcooler/config"
	"github.com/mistcool/unitcooler/errs"
	"github.com/mistcool/unitcooler/model"
	"github.com/mistcool/unitcooler/observability"
)

// Querier is the interface the controller's tick loop and the Web-UI's
// /api/stat depend on; the Mode Decider itself takes a SensorWindow.
type Querier interface {
	Fetch(ctx context.Context) (*model.SensorWindow, error)
	Close()
}

// InfluxQuerier queries InfluxDB for the configured bucket, wrapping each
// per-tick attempt sequence in a circuit breaker so a sustained outage
// skips the query entirely instead of spending the whole per-tick budget
// retrying.
type InfluxQuerier struct {
	client  influxdb2.Client
	queryAPI api.QueryAPI
	org     string
	bucket  string
	lookback time.Duration
	stale   time.Duration
	retry   config.RetryPolicy
	breaker *gobreaker.CircuitBreaker
}

// NewInfluxQuerier builds a Querier from config.
func NewInfluxQuerier(cfg *config.Config) *InfluxQuerier {
	client := influxdb2.NewClient(cfg.TSDB.URL, cfg.TSDB.Token)
	qa := client.QueryAPI(cfg.TSDB.Org)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tsdb",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.SensorCircuitState.Set(float64(to))
		},
	})

	return &InfluxQuerier{
		client:   client,
		queryAPI: qa,
		org:      cfg.TSDB.Org,
		bucket:   cfg.TSDB.Bucket,
		lookback: cfg.TSDB.Lookback,
		stale:    cfg.Mode.StaleThreshold,
		retry:    cfg.TSDB.Retry,
		breaker:  breaker,
	}
}

// Fetch implements Querier. It returns a window with Valid=false, never
// an error, when the data is simply unavailable after retries: callers
// treat absence, not a zero window, as the failure mode. A query that
// succeeds but yields no rows, or whose required metrics are older than
// the staleness threshold, is likewise returned as invalid.
func (q *InfluxQuerier) Fetch(ctx context.Context) (*model.SensorWindow, error) {
	result, err := q.breaker.Execute(func() (interface{}, error) {
		return q.fetchWithRetry(ctx)
	})
	if err != nil {
		observability.SensorQueryFailures.WithLabelValues("breaker_or_retry_exhausted").Inc()
		return &model.SensorWindow{Valid: false}, nil
	}
	return result.(*model.SensorWindow), nil
}

func (q *InfluxQuerier) fetchWithRetry(ctx context.Context) (*model.SensorWindow, error) {
	flux := fmt.Sprintf(`from(bucket:"%s") |> range(start: -%s) |> filter(fn: (r) => r._measurement == "sensor")`,
		q.bucket, q.lookback)

	backoff := q.retry.Base
	var lastErr error
	attempts := q.retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		rows, err := q.queryAPI.Query(attemptCtx, flux)
		cancel()
		if err == nil {
			w := parseRows(rows, q.stale, time.Now())
			return w, nil
		}
		lastErr = &errs.TransientIO{Op: "tsdb_query", Err: err}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > q.retry.Max {
			backoff = q.retry.Max
		}
	}
	return nil, lastErr
}

func parseRows(rows *api.QueryTableResult, stale time.Duration, now time.Time) *model.SensorWindow {
	w := &model.SensorWindow{}
	for rows.Next() {
		rec := rows.Record()
		v, ok := rec.Value().(float64)
		if !ok {
			continue
		}
		s := model.Sample{Value: v, T: rec.Time()}
		switch rec.Field() {
		case "power_w":
			w.PowerW = s
		case "temp_c":
			w.TempC = s
		case "humidity_pct":
			w.HumidityPct = s
		case "lux":
			w.Lux = s
		case "solar_wm2":
			w.SolarWm2 = s
		case "rain_mm":
			w.RainMm = s
		}
		w.History = append(w.History, s)
	}
	w.Valid = windowFresh(w, stale, now)
	return w
}

// windowFresh reports whether the window's required metrics are present
// and newer than the staleness threshold. Power and temperature are the
// metrics the mode rules evaluate, so either one missing or frozen
// invalidates the whole window; the environmental extras may lag
// without doing so. An empty result set fails both and the window is
// reported absent, never as zeros.
func windowFresh(w *model.SensorWindow, stale time.Duration, now time.Time) bool {
	return freshSample(w.PowerW, stale, now) && freshSample(w.TempC, stale, now)
}

func freshSample(s model.Sample, stale time.Duration, now time.Time) bool {
	return !s.T.IsZero() && now.Sub(s.T) <= stale
}

// Close releases the underlying HTTP client.
func (q *InfluxQuerier) Close() { q.client.Close() }

// DummyQuerier synthesizes a deterministic SensorWindow, for -d/dummy-mode
// runs with no real TSDB.
type DummyQuerier struct {
	tick int
}

// NewDummyQuerier builds a DummyQuerier.
func NewDummyQuerier() *DummyQuerier { return &DummyQuerier{} }

// Fetch implements Querier with a small deterministic generator: power
// follows a 20-tick sawtooth, rising 100 W per tick from 0 to 1900 W and
// then dropping back to 0, so dummy-mode runs pass through every power
// threshold of the mode rules.
func (q *DummyQuerier) Fetch(ctx context.Context) (*model.SensorWindow, error) {
	q.tick++
	phase := q.tick % 20
	power := float64(phase) * 100
	now := time.Now()
	return &model.SensorWindow{
		Valid:       true,
		PowerW:      model.Sample{Value: power, T: now},
		TempC:       model.Sample{Value: 28.0, T: now},
		HumidityPct: model.Sample{Value: 55.0, T: now},
	}, nil
}

// Close is a no-op for DummyQuerier.
func (q *DummyQuerier) Close() {}
