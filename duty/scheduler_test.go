package duty

import (
	"context"
	"testing"
	"time"

	"github.com/mistcool/unitcooler/model"
)

func TestScheduler_BasicDutyCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmds := make(chan model.ValveCommand, 16)
	s := New(ctx, cmds)

	s.Accept(model.ControlMessage{MessageID: 1, State: model.StateRunning, Duty: model.Duty{Enable: true, On: 40 * time.Millisecond, Off: 40 * time.Millisecond}})

	first := expectCommand(t, cmds)
	if !first.Open {
		t.Fatalf("expected first command to open the valve, got %+v", first)
	}
	second := expectCommand(t, cmds)
	if second.Open {
		t.Fatalf("expected second command to close the valve, got %+v", second)
	}
}

func TestScheduler_PreservesPhaseAcrossSameTuple(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmds := make(chan model.ValveCommand, 16)
	s := New(ctx, cmds)

	duty := model.Duty{Enable: true, On: 100 * time.Millisecond, Off: 100 * time.Millisecond}
	s.Accept(model.ControlMessage{MessageID: 1, State: model.StateRunning, Duty: duty})
	expectCommand(t, cmds) // initial ON

	// Re-send the identical tuple before the phase timer fires; this must
	// not restart the ON phase or emit an extra command.
	time.Sleep(20 * time.Millisecond)
	s.Accept(model.ControlMessage{MessageID: 2, State: model.StateRunning, Duty: duty})

	select {
	case cmd := <-cmds:
		t.Fatalf("unexpected command emitted on same-tuple resend: %+v", cmd)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScheduler_TupleChangeResetsToOnPhase(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmds := make(chan model.ValveCommand, 16)
	s := New(ctx, cmds)

	s.Accept(model.ControlMessage{MessageID: 1, State: model.StateRunning, Duty: model.Duty{Enable: true, On: 500 * time.Millisecond, Off: 500 * time.Millisecond}})
	expectCommand(t, cmds) // ON

	s.Accept(model.ControlMessage{MessageID: 2, State: model.StateRunning, Duty: model.Duty{Enable: true, On: 30 * time.Millisecond, Off: 30 * time.Millisecond}})
	cmd := expectCommand(t, cmds)
	if !cmd.Open {
		t.Fatalf("expected tuple change to restart at an ON phase, got %+v", cmd)
	}
}

func TestScheduler_DiscardsOlderMessageID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmds := make(chan model.ValveCommand, 16)
	s := New(ctx, cmds)

	s.Accept(model.ControlMessage{MessageID: 5, State: model.StateRunning, Duty: model.Duty{Enable: true, On: time.Second, Off: time.Second}})
	expectCommand(t, cmds)

	s.Accept(model.ControlMessage{MessageID: 3, State: model.StateStopping})
	select {
	case cmd := <-cmds:
		t.Fatalf("expected older message_id to be discarded, got %+v", cmd)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScheduler_CancellationEmitsFinalClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cmds := make(chan model.ValveCommand, 16)
	s := New(ctx, cmds)

	s.Accept(model.ControlMessage{MessageID: 1, State: model.StateRunning, Duty: model.Duty{Enable: true, On: time.Second, Off: time.Second}})
	expectCommand(t, cmds)

	cancel()
	cmd := expectCommand(t, cmds)
	if cmd.Open {
		t.Fatalf("expected final command on cancellation to close the valve, got %+v", cmd)
	}
}

func expectCommand(t *testing.T, ch chan model.ValveCommand) model.ValveCommand {
	t.Helper()
	select {
	case cmd := <-ch:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for valve command")
		return model.ValveCommand{}
	}
}
