package sensorquery

import (
	"testing"
	"time"

	"github.com/mistcool/unitcooler/model"
)

func TestWindowFresh_RequiresPowerAndTemp(t *testing.T) {
	now := time.Now()
	stale := 2 * time.Minute

	fresh := func(age time.Duration) model.Sample {
		return model.Sample{Value: 1, T: now.Add(-age)}
	}

	tests := []struct {
		name   string
		window model.SensorWindow
		want   bool
	}{
		{
			name:   "both fresh",
			window: model.SensorWindow{PowerW: fresh(10 * time.Second), TempC: fresh(10 * time.Second)},
			want:   true,
		},
		{
			name:   "empty result set",
			window: model.SensorWindow{},
			want:   false,
		},
		{
			name:   "power beyond stale threshold",
			window: model.SensorWindow{PowerW: fresh(3 * time.Minute), TempC: fresh(10 * time.Second)},
			want:   false,
		},
		{
			name:   "temperature missing",
			window: model.SensorWindow{PowerW: fresh(10 * time.Second)},
			want:   false,
		},
		{
			name: "stale extras do not invalidate",
			window: model.SensorWindow{
				PowerW:   fresh(10 * time.Second),
				TempC:    fresh(10 * time.Second),
				Lux:      fresh(10 * time.Minute),
				SolarWm2: model.Sample{},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := windowFresh(&tt.window, stale, now); got != tt.want {
				t.Fatalf("windowFresh = %v, want %v", got, tt.want)
			}
		})
	}
}
