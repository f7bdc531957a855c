// Package valve drives the mist-spray solenoid valve over bit-level
// GPIO. The hardware backend writes directly to the Linux sysfs GPIO
// interface; a dummy backend satisfies the same interface for
// -d/non-hardware runs and tests.
package valve

import (
	"fmt"
	"os"
	"time"

	"github.com/mistcool/unitcooler/config"
	"github.com/mistcool/unitcooler/errs"
)

// Valve is the interface the scheduler's command consumer drives.
// Exclusive ownership: once constructed, only that single consumer may
// call Open/Close.
type Valve interface {
	Open() error
	Close() error
	ReadEcho() (bool, error)
}

// sysfsPath is the base path for a GPIO pin's sysfs control files.
func sysfsPath(pin int) string {
	return fmt.Sprintf("/sys/class/gpio/gpio%d", pin)
}

// GPIOValve writes "1"/"0" to the pin's value file. The pin is assumed
// already exported and set to output direction by deployment tooling;
// re-exporting on every write would race with other processes that
// might also manage the export, so this driver only ever touches value.
type GPIOValve struct {
	pin       int
	echoPin   int
	hasEcho   bool
	echoDelay time.Duration
	retry     config.RetryPolicy
	state     bool
}

// NewGPIOValve builds a GPIOValve from config.
func NewGPIOValve(cfg *config.Config) *GPIOValve {
	return &GPIOValve{
		pin:       cfg.Valve.GPIOPin,
		echoPin:   cfg.Valve.EchoPin,
		hasEcho:   cfg.Valve.EchoPin != 0,
		echoDelay: cfg.Valve.EchoDelay,
		retry:     cfg.Valve.WriteRetry,
	}
}

func (v *GPIOValve) writeValue(pin int, on bool) error {
	val := "0"
	if on {
		val = "1"
	}
	path := sysfsPath(pin) + "/value"

	attempts := v.retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := v.retry.Base
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := os.WriteFile(path, []byte(val), 0o644)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(backoff)
	}
	return &errs.HardwareFault{Class: "valve_write", Detail: lastErr.Error()}
}

// Open commands the valve open. Idempotent.
func (v *GPIOValve) Open() error {
	if err := v.writeValue(v.pin, true); err != nil {
		return err
	}
	v.state = true
	return nil
}

// Close commands the valve closed. Idempotent.
func (v *GPIOValve) Close() error {
	if err := v.writeValue(v.pin, false); err != nil {
		return err
	}
	v.state = false
	return nil
}

// ReadEcho samples the echo/sense pin. Callers are expected to wait
// echoDelay after a write before sampling so the armature has settled.
func (v *GPIOValve) ReadEcho() (bool, error) {
	if !v.hasEcho {
		return v.state, nil
	}
	b, err := os.ReadFile(sysfsPath(v.echoPin) + "/value")
	if err != nil {
		return false, &errs.TransientIO{Op: "read_echo", Err: err}
	}
	return len(b) > 0 && b[0] == '1', nil
}

// EchoDelay returns the configured post-write settle time.
func (v *GPIOValve) EchoDelay() time.Duration { return v.echoDelay }

// DummyValve holds state in memory, for -d/test runs with no hardware.
type DummyValve struct {
	state   bool
	echo    bool
	hasEcho bool
}

// NewDummyValve builds a DummyValve. If simulateEcho is true, ReadEcho
// mirrors the commanded state (as a healthy valve would).
func NewDummyValve(simulateEcho bool) *DummyValve {
	return &DummyValve{hasEcho: simulateEcho}
}

func (v *DummyValve) Open() error {
	v.state = true
	v.echo = true
	return nil
}

func (v *DummyValve) Close() error {
	v.state = false
	v.echo = false
	return nil
}

func (v *DummyValve) ReadEcho() (bool, error) {
	if !v.hasEcho {
		return v.state, nil
	}
	return v.echo, nil
}

// SetEchoOverride lets tests simulate an echo mismatch (stuck valve).
func (v *DummyValve) SetEchoOverride(echo bool) { v.echo = echo }
