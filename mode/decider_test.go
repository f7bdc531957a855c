package mode

import (
	"testing"

	"github.com/mistcool/unitcooler/config"
	"github.com/mistcool/unitcooler/model"
)

func testConfig() *config.Config {
	var cfg config.Config
	cfg.Mode.Rules = []config.ModeRule{
		{MinPowerW: 500, MaxTempC: 40, ModeIndex: 2},
		{MinPowerW: 200, MaxTempC: 40, ModeIndex: 1},
	}
	cfg.Mode.Duty = []config.DutyRow{
		{ModeIndex: 0, Enable: false},
		{ModeIndex: 1, Enable: true},
		{ModeIndex: 2, Enable: true},
	}
	cfg.Mode.UpDebounce = 3
	cfg.Mode.DownDebounce = 5
	cfg.Mode.StaleKeep = 2
	return &cfg
}

func window(power float64) *model.SensorWindow {
	return &model.SensorWindow{Valid: true, PowerW: model.Sample{Value: power}, TempC: model.Sample{Value: 30}}
}

func TestDecider_UpTransitionRequiresDebounce(t *testing.T) {
	d := New(testConfig())

	for i := 0; i < 2; i++ {
		m := d.Decide(window(250))
		if m.Index != 0 {
			t.Fatalf("tick %d: expected mode 0 before debounce satisfied, got %d", i, m.Index)
		}
	}
	m := d.Decide(window(250))
	if m.Index != 1 {
		t.Fatalf("expected mode 1 after 3 consecutive ticks, got %d", m.Index)
	}
}

func TestDecider_DownTransitionIsSlowerThanUp(t *testing.T) {
	d := New(testConfig())
	for i := 0; i < 3; i++ {
		d.Decide(window(600))
	}
	if got := d.Decide(window(600)).Index; got != 2 {
		t.Fatalf("expected mode 2 established, got %d", got)
	}

	for i := 0; i < 4; i++ {
		m := d.Decide(window(250))
		if m.Index != 2 {
			t.Fatalf("tick %d: expected mode to hold at 2 during down-debounce, got %d", i, m.Index)
		}
	}
	m := d.Decide(window(250))
	if m.Index != 1 {
		t.Fatalf("expected mode 1 after down-debounce satisfied, got %d", m.Index)
	}
}

func TestDecider_ShutdownIsImmediate(t *testing.T) {
	d := New(testConfig())
	for i := 0; i < 3; i++ {
		d.Decide(window(600))
	}
	m := d.Decide(window(0))
	if m.Index != 0 {
		t.Fatalf("expected immediate shutdown to mode 0, got %d", m.Index)
	}
}

func TestDecider_InvalidWindowReusesModeThenFallsBack(t *testing.T) {
	d := New(testConfig())
	for i := 0; i < 3; i++ {
		d.Decide(window(600))
	}

	invalid := &model.SensorWindow{Valid: false}
	for i := 0; i < 2; i++ {
		m := d.Decide(invalid)
		if m.Index != 2 {
			t.Fatalf("tick %d: expected mode to be reused within stale_keep, got %d", i, m.Index)
		}
	}
	m := d.Decide(invalid)
	if m.Index != 0 {
		t.Fatalf("expected fallback to mode 0 beyond stale_keep, got %d", m.Index)
	}
}
