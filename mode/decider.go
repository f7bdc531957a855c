// Package mode implements the staged, debounced cooling-mode classifier.
// An ordered list of rules is evaluated in file order; the first match
// wins. Mode increases are debounced by up_debounce_ticks and decreases
// by down_debounce_ticks (typically the longer of the two, to avoid
// flapping), and a transition to mode 0 always applies immediately.
package mode

import (
	"strconv"
	"sync"

	"github.com/mistcool/unitcooler/config"
	"github.com/mistcool/unitcooler/model"
	"github.com/mistcool/unitcooler/observability"
)

// Decider holds debounce state across ticks. Debounce counters are
// process-local and reset on restart, so a restarted controller emits up
// to up_debounce_ticks-1 extra mode-0 ticks while the count re-accumulates.
type Decider struct {
	mu sync.Mutex

	rules []config.ModeRule
	duty  map[int]config.DutyRow

	upDebounce   int
	downDebounce int
	staleKeep    int

	current      int
	candidate    int
	candidateRun int
	staleStreak  int
}

// New builds a Decider from config. Duty rows are indexed by mode for
// O(1) lookup once a rule has matched.
func New(cfg *config.Config) *Decider {
	duty := make(map[int]config.DutyRow, len(cfg.Mode.Duty))
	for _, d := range cfg.Mode.Duty {
		duty[d.ModeIndex] = d
	}
	return &Decider{
		rules:        cfg.Mode.Rules,
		duty:         duty,
		upDebounce:   cfg.Mode.UpDebounce,
		downDebounce: cfg.Mode.DownDebounce,
		staleKeep:    cfg.Mode.StaleKeep,
	}
}

// Decide evaluates one tick. window may be invalid (absent); in that
// case the previous mode is reused for up to staleKeep ticks before
// falling back to mode 0.
func (d *Decider) Decide(window *model.SensorWindow) model.Mode {
	d.mu.Lock()
	defer d.mu.Unlock()

	if window == nil || !window.Valid {
		d.staleStreak++
		if d.staleStreak <= d.staleKeep {
			return d.modeFor(d.current)
		}
		d.current = 0
		d.candidate = 0
		d.candidateRun = 0
		return d.modeFor(0)
	}
	d.staleStreak = 0

	matched := d.evaluate(window)

	if matched == 0 {
		// Shutdown transitions apply immediately, never debounced.
		d.current = 0
		d.candidate = 0
		d.candidateRun = 0
		observability.ModeIndex.Set(0)
		return d.modeFor(0)
	}

	if matched == d.current {
		d.candidate = matched
		d.candidateRun = 0
		return d.modeFor(d.current)
	}

	if matched != d.candidate {
		d.candidate = matched
		d.candidateRun = 1
	} else {
		d.candidateRun++
	}

	required := d.upDebounce
	if matched < d.current {
		required = d.downDebounce
	}

	if d.candidateRun >= required {
		d.current = matched
		d.candidateRun = 0
		observability.ModeIndex.Set(float64(d.current))
		observability.ModeTransitions.WithLabelValues(modeLabel(d.current)).Inc()
	}

	return d.modeFor(d.current)
}

func (d *Decider) evaluate(window *model.SensorWindow) int {
	for _, r := range d.rules {
		if window.PowerW.Value >= r.MinPowerW && window.TempC.Value <= r.MaxTempC {
			return r.ModeIndex
		}
	}
	return 0
}

func (d *Decider) modeFor(index int) model.Mode {
	row, ok := d.duty[index]
	if !ok {
		return model.Mode{Index: index}
	}
	return model.Mode{
		Index: index,
		Duty: model.Duty{
			Enable: row.Enable,
			On:     row.OnSec,
			Off:    row.OffSec,
		},
	}
}

func modeLabel(index int) string {
	return strconv.Itoa(index)
}
