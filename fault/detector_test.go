package fault

import (
	"testing"
	"time"

	"github.com/mistcool/unitcooler/config"
	"github.com/mistcool/unitcooler/model"
)

func testConfig() *config.Config {
	var cfg config.Config
	cfg.Fault.GraceOpen = 5 * time.Second
	cfg.Fault.GraceClose = 3 * time.Second
	cfg.Fault.MinFlow = 0.2
	cfg.Fault.LeakThreshold = 0.2
	cfg.Fault.NoiseRatio = 0.5
	cfg.Fault.UnstableWindow = 10 * time.Second
	cfg.Fault.RecoverHold = 15 * time.Second
	return &cfg
}

func TestDetector_NoFlowWhileOpenAfterGrace(t *testing.T) {
	d := New(testConfig())
	t0 := time.Now()

	// Valve just opened; no flow yet, but still within grace.
	class, _ := d.Evaluate(true, model.FlowEstimate{Mean: 0, N: 10}, t0)
	if class != model.FaultOK {
		t.Fatalf("expected OK within grace_open, got %s", class)
	}
	class, changed := d.Evaluate(true, model.FlowEstimate{Mean: 0, N: 10}, t0.Add(6*time.Second))
	if class != model.FaultNoFlowWhileOpen || !changed {
		t.Fatalf("expected NO_FLOW_WHILE_OPEN after grace, got %s (changed=%v)", class, changed)
	}
	if !d.RequiresSafe() {
		t.Fatal("NO_FLOW_WHILE_OPEN must require SAFE mode")
	}
}

func TestDetector_FlowWhileClosedAfterGrace(t *testing.T) {
	d := New(testConfig())
	t0 := time.Now()

	d.Evaluate(false, model.FlowEstimate{Mean: 1.0, N: 10}, t0)
	class, changed := d.Evaluate(false, model.FlowEstimate{Mean: 1.0, N: 10}, t0.Add(4*time.Second))
	if class != model.FaultFlowWhileClosed || !changed {
		t.Fatalf("expected FLOW_WHILE_CLOSED after grace_close, got %s (changed=%v)", class, changed)
	}
}

func TestDetector_RecoveryRequiresHold(t *testing.T) {
	d := New(testConfig())
	t0 := time.Now()

	d.Evaluate(true, model.FlowEstimate{Mean: 0, N: 10}, t0)
	d.Evaluate(true, model.FlowEstimate{Mean: 0, N: 10}, t0.Add(6*time.Second))
	if d.Class() != model.FaultNoFlowWhileOpen {
		t.Fatalf("setup: expected NO_FLOW_WHILE_OPEN, got %s", d.Class())
	}

	// Flow resumes, but recovery must hold for recover_hold before OK.
	healthy := model.FlowEstimate{Mean: 1.5, N: 30}
	class, changed := d.Evaluate(true, healthy, t0.Add(10*time.Second))
	if class != model.FaultNoFlowWhileOpen || changed {
		t.Fatalf("expected fault to persist before recover_hold, got %s (changed=%v)", class, changed)
	}
	class, changed = d.Evaluate(true, healthy, t0.Add(26*time.Second))
	if class != model.FaultOK || !changed {
		t.Fatalf("expected recovery after recover_hold, got %s (changed=%v)", class, changed)
	}
}

func TestDetector_RecoveryResetsIfConditionReturns(t *testing.T) {
	d := New(testConfig())
	t0 := time.Now()

	d.Evaluate(true, model.FlowEstimate{Mean: 0, N: 10}, t0)
	d.Evaluate(true, model.FlowEstimate{Mean: 0, N: 10}, t0.Add(6*time.Second))

	// Flow blips on for 10s, then fails again: the recovery clock must
	// restart from zero.
	d.Evaluate(true, model.FlowEstimate{Mean: 1.5, N: 30}, t0.Add(8*time.Second))
	d.Evaluate(true, model.FlowEstimate{Mean: 0, N: 10}, t0.Add(18*time.Second))
	class, _ := d.Evaluate(true, model.FlowEstimate{Mean: 1.5, N: 30}, t0.Add(20*time.Second))
	if class != model.FaultNoFlowWhileOpen {
		t.Fatalf("expected fault to persist after interrupted recovery, got %s", class)
	}
}

func TestDetector_UnstableOnNoisyFlow(t *testing.T) {
	d := New(testConfig())
	t0 := time.Now()

	noisy := model.FlowEstimate{Mean: 1.0, Stddev: 0.8, N: 30}
	d.Evaluate(true, noisy, t0)
	class, changed := d.Evaluate(true, noisy, t0.Add(11*time.Second))
	if class != model.FaultUnstable || !changed {
		t.Fatalf("expected UNSTABLE after unstable_window, got %s (changed=%v)", class, changed)
	}
	if d.RequiresSafe() {
		t.Fatal("UNSTABLE alone must not require SAFE mode")
	}
}

func TestDetector_NoSamplesBecomesUnstable(t *testing.T) {
	d := New(testConfig())
	t0 := time.Now()

	// Valve closed so NO_FLOW_WHILE_OPEN can't pre-empt: a sampler that
	// delivers nothing for unstable_window means a dead flow sensor.
	empty := model.FlowEstimate{}
	d.Evaluate(false, empty, t0)
	class, changed := d.Evaluate(false, empty, t0.Add(11*time.Second))
	if class != model.FaultUnstable || !changed {
		t.Fatalf("expected UNSTABLE with an empty flow window, got %s (changed=%v)", class, changed)
	}

	// Samples resuming with clean flow recovers after recover_hold.
	healthy := model.FlowEstimate{Mean: 0.1, Stddev: 0.01, N: 30}
	d.Evaluate(false, healthy, t0.Add(12*time.Second))
	class, changed = d.Evaluate(false, healthy, t0.Add(28*time.Second))
	if class != model.FaultOK || !changed {
		t.Fatalf("expected recovery once samples resume, got %s (changed=%v)", class, changed)
	}
}

func TestDetector_AutoRecoverClearsWithoutOpposite(t *testing.T) {
	cfg := testConfig()
	cfg.Fault.AutoRecover = 30 * time.Second
	d := New(cfg)
	t0 := time.Now()

	d.Evaluate(false, model.FlowEstimate{Mean: 1.0, N: 10}, t0)
	d.Evaluate(false, model.FlowEstimate{Mean: 1.0, N: 10}, t0.Add(4*time.Second))
	if d.Class() != model.FaultFlowWhileClosed {
		t.Fatalf("setup: expected FLOW_WHILE_CLOSED, got %s", d.Class())
	}

	// The leak persists, so hysteretic recovery never triggers, but
	// auto_recover clears the class after its timeout.
	class, changed := d.Evaluate(false, model.FlowEstimate{Mean: 1.0, N: 10}, t0.Add(40*time.Second))
	if class != model.FaultOK || !changed {
		t.Fatalf("expected auto_recover to clear fault, got %s (changed=%v)", class, changed)
	}
}

func TestDetector_ManualClear(t *testing.T) {
	d := New(testConfig())
	t0 := time.Now()

	d.Evaluate(true, model.FlowEstimate{Mean: 0, N: 10}, t0)
	d.Evaluate(true, model.FlowEstimate{Mean: 0, N: 10}, t0.Add(6*time.Second))

	if !d.Clear() {
		t.Fatal("expected Clear to report a transition")
	}
	if d.Class() != model.FaultOK {
		t.Fatalf("expected OK after manual clear, got %s", d.Class())
	}
	if d.Clear() {
		t.Fatal("expected second Clear to be a no-op")
	}
}
