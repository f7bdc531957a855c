package metricsdb

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/mistcool/unitcooler/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "metrics.db"), 64)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, 400, 0.003)
}

func waitDrained(t *testing.T, s *Store) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.db.QueueDepth() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond) // in-flight job past the queue
}

func TestRecordOpenInterval_IntegratesVolume(t *testing.T) {
	s := newTestStore(t)

	// 2 minutes open at 1.5 L/min = 3 L.
	s.RecordOpenInterval(1, 2*time.Minute, 1.5)
	s.RecordOpenInterval(1, 1*time.Minute, 1.5)
	waitDrained(t, s)

	rollup, err := s.Rollup(context.Background())
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if len(rollup) != 1 {
		t.Fatalf("expected one rollup row, got %d", len(rollup))
	}
	row := rollup[0]
	if row.OpenSeconds != 180 {
		t.Fatalf("expected 180 open seconds, got %d", row.OpenSeconds)
	}
	if math.Abs(row.VolumeL-4.5) > 1e-9 {
		t.Fatalf("expected 4.5 L integrated, got %f", row.VolumeL)
	}
}

func TestWatering_SumsAcrossModesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	s.RecordOpenInterval(1, time.Minute, 2.0)
	s.RecordOpenInterval(2, time.Minute, 1.0)
	waitDrained(t, s)

	days, err := s.Watering(context.Background(), 10)
	if err != nil {
		t.Fatalf("watering: %v", err)
	}
	if len(days) != 1 {
		t.Fatalf("expected one day of data, got %d", len(days))
	}
	if math.Abs(days[0].VolumeL-3.0) > 1e-9 {
		t.Fatalf("expected 3.0 L summed across modes, got %f", days[0].VolumeL)
	}
	if math.Abs(days[0].Cost-0.009) > 1e-9 {
		t.Fatalf("expected cost 0.009, got %f", days[0].Cost)
	}
}

func TestTransitionAndFaultCounters(t *testing.T) {
	s := newTestStore(t)
	s.RecordModeTransition(1)
	s.RecordModeTransition(1)
	s.RecordFault(1)
	waitDrained(t, s)

	rollup, err := s.Rollup(context.Background())
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if len(rollup) != 1 {
		t.Fatalf("expected one row, got %d", len(rollup))
	}
	if rollup[0].Transitions != 2 || rollup[0].FaultCount != 1 {
		t.Fatalf("expected transitions=2 fault_count=1, got %+v", rollup[0])
	}
}
