// Package duty implements the ON/OFF valve duty-cycle scheduler: a
// single-threaded timer-wheel goroutine that turns a stream of
// ControlMessages into a stream of ValveCommands, preserving cycle
// phase across messages that keep the same (on, off) tuple and
// resetting it (to an ON phase) whenever the tuple changes.
package duty

import (
	"context"
	"log"
	"time"

	"github.com/mistcool/unitcooler/model"
	"github.com/mistcool/unitcooler/observability"
)

// Scheduler is the single writer of ValveCommand. The valve driver does
// not detect or refuse writes from other callers; exclusivity rests on the
// actuator wiring only the scheduler's command consumer to the valve.
type Scheduler struct {
	in       chan model.ControlMessage
	safe     chan bool // true = enter SAFE mode, false = leave it
	commands chan model.ValveCommand

	lastAppliedID uint64
	tuple         dutyTuple
	phaseOn       bool
	safeMode      bool
}

type dutyTuple struct {
	enable bool
	on     time.Duration
	off    time.Duration
}

// New builds a Scheduler and starts its run loop under ctx. commands
// must be drained by the caller (typically the valve driver) or the
// scheduler will block on emission.
func New(ctx context.Context, commands chan model.ValveCommand) *Scheduler {
	s := &Scheduler{
		in:       make(chan model.ControlMessage, 1),
		safe:     make(chan bool, 1),
		commands: commands,
	}
	go s.run(ctx)
	return s
}

// Accept delivers a newly received ControlMessage to the scheduler's
// single mailbox. Non-blocking: an unconsumed previous message is
// replaced, since only the latest applied message matters once a newer
// one has arrived (mirrors the subscriber's own single-slot mailbox).
func (s *Scheduler) Accept(msg model.ControlMessage) {
	select {
	case s.in <- msg:
	default:
		select {
		case <-s.in:
		default:
		}
		s.in <- msg
	}
}

// SetSafe forces (or releases) SAFE mode: valve closed, duty disabled,
// used by the subscriber's liveness watchdog and the fault detector.
func (s *Scheduler) SetSafe(safe bool) {
	select {
	case s.safe <- safe:
	default:
		select {
		case <-s.safe:
		default:
		}
		s.safe <- safe
	}
}

func (s *Scheduler) run(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	defer stopTimer()

	emitFinalClose := func() {
		select {
		case s.commands <- model.ValveCommand{Open: false, Deadline: time.Now()}:
		case <-time.After(time.Second):
		}
		observability.DutyValveOpen.Set(0)
	}

	for {
		select {
		case <-ctx.Done():
			stopTimer()
			emitFinalClose()
			return

		case safe := <-s.safe:
			s.safeMode = safe
			if safe {
				stopTimer()
				s.emit(false)
				s.tuple = dutyTuple{}
			}

		case msg := <-s.in:
			if msg.MessageID != 0 && msg.MessageID <= s.lastAppliedID {
				continue // older message, discard per ordering guarantee
			}
			s.lastAppliedID = msg.MessageID
			if s.safeMode {
				continue // SAFE mode overrides any applied duty until released
			}
			s.applyMessage(msg, &timer, &timerC)

		case <-timerC:
			s.phaseOn = !s.phaseOn
			s.emit(s.phaseOn)
			next := s.tuple.off
			if s.phaseOn {
				next = s.tuple.on
			}
			if next <= 0 {
				stopTimer()
				continue
			}
			timer = time.NewTimer(next)
			timerC = timer.C
		}
	}
}

func (s *Scheduler) applyMessage(msg model.ControlMessage, timer **time.Timer, timerC *<-chan time.Time) {
	if msg.State == model.StateStopping || !msg.Duty.Enable {
		if *timer != nil {
			(*timer).Stop()
			*timer = nil
			*timerC = nil
		}
		s.emit(false)
		s.tuple = dutyTuple{}
		return
	}

	newTuple := dutyTuple{enable: true, on: msg.Duty.On, off: msg.Duty.Off}
	if newTuple == s.tuple {
		return // same (on,off) — preserve current phase and pending timer untouched
	}

	if *timer != nil {
		(*timer).Stop()
	}
	s.tuple = newTuple
	s.phaseOn = true
	s.emit(true)
	*timer = time.NewTimer(newTuple.on)
	*timerC = (*timer).C
}

func (s *Scheduler) emit(open bool) {
	cmd := model.ValveCommand{Open: open, Deadline: time.Now()}
	select {
	case s.commands <- cmd:
	default:
		// Consumer is behind; wait briefly rather than silently losing
		// a command. Closes especially must land.
		select {
		case s.commands <- cmd:
		case <-time.After(time.Second):
			log.Printf("duty: valve command dropped after 1s, consumer stalled (open=%v)", open)
		}
	}
	phase := "off"
	if open {
		phase = "on"
		observability.DutyValveOpen.Set(1)
	} else {
		observability.DutyValveOpen.Set(0)
	}
	observability.DutyPhaseTransitions.WithLabelValues(phase).Inc()
}
