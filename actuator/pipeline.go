package main

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/mistcool/unitcooler/config"
	"github.com/mistcool/unitcooler/duty"
	"github.com/mistcool/unitcooler/eventlog"
	"github.com/mistcool/unitcooler/fault"
	"github.com/mistcool/unitcooler/flow"
	"github.com/mistcool/unitcooler/metricsdb"
	"github.com/mistcool/unitcooler/model"
	"github.com/mistcool/unitcooler/notify"
	"github.com/mistcool/unitcooler/pubsub"
	"github.com/mistcool/unitcooler/valve"
)

// pipeline ties the actuator's workers together: the message pump feeds
// the scheduler, the command consumer owns the valve, and the fault
// loop arbitrates SAFE mode between the liveness watchdog and the
// hardware fault detector.
type pipeline struct {
	cfg      *config.Config
	sched    *duty.Scheduler
	valve    valve.Valve
	sampler  *flow.Sampler
	detector *fault.Detector
	events   *eventlog.Store
	metrics  *metricsdb.Store
	notifier notify.Notifier

	commandedOpen atomic.Bool
	livenessLost  atomic.Bool
	lastMode      atomic.Int64

	// consumer-goroutine-local open-interval accounting
	openedAt time.Time
	openMode int
}

func newPipeline(cfg *config.Config, sched *duty.Scheduler, v valve.Valve, sampler *flow.Sampler,
	detector *fault.Detector, events *eventlog.Store, metrics *metricsdb.Store, notifier notify.Notifier) *pipeline {
	return &pipeline{
		cfg:      cfg,
		sched:    sched,
		valve:    v,
		sampler:  sampler,
		detector: detector,
		events:   events,
		metrics:  metrics,
		notifier: notifier,
	}
}

// onLivenessLost is the subscriber watchdog's callback: the publisher
// has been silent past the liveness timeout, so force SAFE until fresh
// messages resume.
func (p *pipeline) onLivenessLost() {
	p.livenessLost.Store(true)
	p.sched.SetSafe(true)
	p.events.Append(model.LevelErr, model.KindFault,
		"publisher down: no control message within liveness timeout, forcing SAFE")
}

// pumpMessages moves accepted control messages from the subscriber's
// mailbox into the scheduler, recording mode transitions along the way.
func (p *pipeline) pumpMessages(ctx context.Context, sub *pubsub.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Notify():
		}

		msg, ok := sub.Latest()
		if !ok {
			continue
		}

		if p.livenessLost.Swap(false) {
			p.events.Append(model.LevelInfo, model.KindRecover, "control feed restored")
			if !p.detector.RequiresSafe() {
				p.sched.SetSafe(false)
			}
		}

		if int64(msg.ModeIndex) != p.lastMode.Load() {
			p.events.Append(model.LevelInfo, model.KindModeChange,
				fmt.Sprintf("mode %d -> %d (state=%s)", p.lastMode.Load(), msg.ModeIndex, msg.State))
			p.metrics.RecordModeTransition(msg.ModeIndex)
			p.lastMode.Store(int64(msg.ModeIndex))
		}

		p.sched.Accept(msg)
	}
}

// consumeCommands is the valve driver's single permitted caller. Each
// command is applied, echo-verified, and accounted into the daily
// open-seconds/volume rollup when an ON interval closes.
func (p *pipeline) consumeCommands(ctx context.Context, commands <-chan model.ValveCommand) {
	for {
		select {
		case cmd := <-commands:
			p.applyCommand(ctx, cmd)
		case <-ctx.Done():
			// The scheduler emits a final close on cancellation; give it
			// a moment to land, then make sure the valve really is shut.
			select {
			case cmd := <-commands:
				p.applyCommand(context.Background(), cmd)
			case <-time.After(time.Second):
			}
			if err := p.valve.Close(); err != nil {
				log.Printf("actuator: final valve close: %v", err)
			}
			return
		}
	}
}

func (p *pipeline) applyCommand(ctx context.Context, cmd model.ValveCommand) {
	var err error
	if cmd.Open {
		err = p.valve.Open()
	} else {
		err = p.valve.Close()
	}
	if err != nil {
		// The driver already retried; this is a HardwareFault.
		p.events.Append(model.LevelErr, model.KindFault, fmt.Sprintf("valve write failed: %v", err))
		p.sched.SetSafe(true)
		if nerr := p.notifier.Notify(ctx, "hardware fault", err.Error()); nerr != nil {
			log.Printf("actuator: notify: %v", nerr)
		}
		return
	}

	wasOpen := p.commandedOpen.Swap(cmd.Open)
	if cmd.Open && !wasOpen {
		p.openedAt = time.Now()
		p.openMode = int(p.lastMode.Load())
		p.events.Append(model.LevelInfo, model.KindDutyOn, "valve open")
	} else if !cmd.Open && wasOpen {
		d := time.Since(p.openedAt)
		p.metrics.RecordOpenInterval(p.openMode, d, p.sampler.Estimate().Mean)
		p.events.Append(model.LevelInfo, model.KindDutyOff, fmt.Sprintf("valve closed after %s", d.Round(time.Second)))
	}

	go p.verifyEcho(cmd.Open)
}

// verifyEcho samples the sense line after the settle delay. A mismatch
// is logged and left to the flow-based fault detector, which sees the
// real consequence (no flow while open / flow while closed).
func (p *pipeline) verifyEcho(commanded bool) {
	delay := p.cfg.Valve.EchoDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	time.Sleep(delay)
	echoed, err := p.valve.ReadEcho()
	if err != nil {
		log.Printf("actuator: read echo: %v", err)
		return
	}
	if echoed != commanded {
		log.Printf("actuator: WARN valve echo mismatch: commanded=%v echoed=%v", commanded, echoed)
	}
}

// faultLoop drives the fault detector off the smoothed flow estimate
// and the commanded valve state, imposing and releasing SAFE mode and
// emitting FAULT/RECOVER records on every class transition.
func (p *pipeline) faultLoop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		class, changed := p.detector.Evaluate(p.commandedOpen.Load(), p.sampler.Estimate(), time.Now())
		if !changed {
			continue
		}

		if class == model.FaultOK {
			p.events.Append(model.LevelInfo, model.KindRecover, "fault cleared")
			if !p.livenessLost.Load() {
				p.sched.SetSafe(false)
			}
			continue
		}

		level := model.LevelErr
		if class == model.FaultUnstable {
			level = model.LevelWarn
		}
		est := p.sampler.Estimate()
		detail := fmt.Sprintf("%s (flow mean=%.2f lpm stddev=%.2f n=%d)", class, est.Mean, est.Stddev, est.N)
		p.events.Append(level, model.KindFault, detail)
		p.metrics.RecordFault(int(p.lastMode.Load()))

		if p.detector.RequiresSafe() {
			p.sched.SetSafe(true)
			if err := p.notifier.Notify(ctx, "hardware fault", detail); err != nil {
				log.Printf("actuator: notify: %v", err)
			}
		}
	}
}

// clearFault is the operator's manual reset: drop the fault class and
// release SAFE if the control feed is alive. The detector re-enters
// the class on its next tick if the condition still holds.
func (p *pipeline) clearFault() bool {
	if !p.detector.Clear() {
		return false
	}
	p.events.Append(model.LevelInfo, model.KindRecover, "fault cleared manually")
	if !p.livenessLost.Load() {
		p.sched.SetSafe(false)
	}
	return true
}

// storageWatch emits at most one WARN per hour while the durable write
// queue is saturated (the queue itself drops oldest-INFO records).
func (p *pipeline) storageWatch(ctx context.Context, depth interface{ QueueDepth() int }, max int) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d := depth.QueueDepth(); d >= max {
				p.events.Append(model.LevelWarn, model.KindFault,
					fmt.Sprintf("storage write queue saturated (depth=%d), INFO records are being dropped", d))
			}
		}
	}
}
