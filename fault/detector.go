// Package fault implements the hysteretic fault-class state machine
// combining commanded valve state with smoothed flow estimates. A
// condition must hold continuously for a grace period to enter a fault
// class, and the opposite condition must hold continuously for a
// recover-hold period to leave it.
package fault

import (
	"sync"
	"time"

	"github.com/mistcool/unitcooler/config"
	"github.com/mistcool/unitcooler/model"
	"github.com/mistcool/unitcooler/observability"
)

// Detector tracks fault state across ticks. Not safe for concurrent
// Evaluate calls from multiple goroutines (it is driven by a single
// actuator-local evaluation loop); reads of Class are safe concurrently.
type Detector struct {
	cfg config.Config

	mu    sync.RWMutex
	class model.FaultClass

	openSince   time.Time
	closedSince time.Time
	wasOpen     bool
	haveOpen    bool

	conditionSince time.Time // when the currently-active fault's triggering condition first held
	recoverSince   time.Time // when the opposite condition first held, while in a fault class
	unstableSince  time.Time
}

// New builds a Detector from config, starting in the OK class.
func New(cfg *config.Config) *Detector {
	return &Detector{cfg: *cfg, class: model.FaultOK}
}

// Evaluate advances the state machine for one tick and returns the
// resulting class plus whether it just transitioned (so callers can
// decide whether to append a FAULT/RECOVER event record).
func (d *Detector) Evaluate(open bool, est model.FlowEstimate, now time.Time) (model.FaultClass, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.haveOpen || open != d.wasOpen {
		if open {
			d.openSince = now
		} else {
			d.closedSince = now
		}
		d.wasOpen = open
		d.haveOpen = true
	}

	noFlowWhileOpen := open && !d.openSince.IsZero() && now.Sub(d.openSince) >= d.cfg.Fault.GraceOpen && est.Mean < d.cfg.Fault.MinFlow
	flowWhileClosed := !open && !d.closedSince.IsZero() && now.Sub(d.closedSince) >= d.cfg.Fault.GraceClose && est.Mean > d.cfg.Fault.LeakThreshold

	// An empty estimate means the sampler produced nothing for a whole
	// flow window: a dead or disconnected sensor. Classified UNSTABLE
	// rather than read as a clean 0 L/min.
	noisy := est.N == 0 || (est.Mean > 0 && est.Stddev/est.Mean > d.cfg.Fault.NoiseRatio)
	if noisy {
		if d.unstableSince.IsZero() {
			d.unstableSince = now
		}
	} else {
		d.unstableSince = time.Time{}
	}
	unstable := !d.unstableSince.IsZero() && now.Sub(d.unstableSince) >= d.cfg.Fault.UnstableWindow

	changed := false
	switch d.class {
	case model.FaultOK:
		next, cond := model.FaultOK, false
		switch {
		case noFlowWhileOpen:
			next, cond = model.FaultNoFlowWhileOpen, true
		case flowWhileClosed:
			next, cond = model.FaultFlowWhileClosed, true
		case unstable:
			next, cond = model.FaultUnstable, true
		}
		if cond {
			d.class = next
			d.conditionSince = now
			d.recoverSince = time.Time{}
			changed = true
		}

	case model.FaultNoFlowWhileOpen:
		changed = d.tickRecovery(!noFlowWhileOpen, now)
	case model.FaultFlowWhileClosed:
		changed = d.tickRecovery(!flowWhileClosed, now)
	case model.FaultUnstable:
		changed = d.tickRecovery(!unstable, now)
	}

	if changed {
		observability.FaultTransitions.WithLabelValues(string(d.class)).Inc()
		d.setGauges()
	}

	return d.class, changed
}

// tickRecovery advances the recovery timer for the active fault class
// and returns true if the class just transitioned back to OK. It also
// honors auto_recover: if configured nonzero, the fault clears after
// that duration regardless of the opposite condition.
func (d *Detector) tickRecovery(opposingHolds bool, now time.Time) bool {
	if opposingHolds {
		if d.recoverSince.IsZero() {
			d.recoverSince = now
		}
	} else {
		d.recoverSince = time.Time{}
	}

	recoveredByHysteresis := !d.recoverSince.IsZero() && now.Sub(d.recoverSince) >= d.cfg.Fault.RecoverHold
	recoveredByTimeout := d.cfg.Fault.AutoRecover > 0 && now.Sub(d.conditionSince) >= d.cfg.Fault.AutoRecover

	if recoveredByHysteresis || recoveredByTimeout {
		d.class = model.FaultOK
		d.conditionSince = time.Time{}
		d.recoverSince = time.Time{}
		return true
	}
	return false
}

func (d *Detector) setGauges() {
	for _, c := range []model.FaultClass{model.FaultOK, model.FaultNoFlowWhileOpen, model.FaultFlowWhileClosed, model.FaultUnstable} {
		v := 0.0
		if c == d.class {
			v = 1.0
		}
		observability.FaultState.WithLabelValues(string(c)).Set(v)
	}
}

// Clear forces the detector back to OK, for the operator's manual
// reset path. Returns false if it was already OK. The triggering
// condition re-enters the fault class on the next Evaluate if it still
// holds, so a clear against a genuinely broken valve is short-lived.
func (d *Detector) Clear() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.class == model.FaultOK {
		return false
	}
	d.class = model.FaultOK
	d.conditionSince = time.Time{}
	d.recoverSince = time.Time{}
	d.unstableSince = time.Time{}
	d.setGauges()
	return true
}

// Class returns the current fault class.
func (d *Detector) Class() model.FaultClass {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.class
}

// RequiresSafe reports whether the current class demands the scheduler
// be forced into SAFE mode: NO_FLOW_WHILE_OPEN and FLOW_WHILE_CLOSED
// both do, UNSTABLE does not by itself.
func (d *Detector) RequiresSafe() bool {
	switch d.Class() {
	case model.FaultNoFlowWhileOpen, model.FaultFlowWhileClosed:
		return true
	default:
		return false
	}
}
