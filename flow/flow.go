// Package flow samples the mist line's flow-rate sensor at a fixed rate
// and smooths the readings into a trailing mean/standard deviation the
// fault detector consumes. The hardware backend counts sensor pulses
// off the same sysfs GPIO interface the valve package uses.
package flow

import (
	"context"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mistcool/unitcooler/config"
	"github.com/mistcool/unitcooler/model"
	"github.com/mistcool/unitcooler/observability"
)

// Source is one raw pulse-count read over an interval.
type Source interface {
	// ReadPulses returns the number of pulses observed since the previous
	// call (or since construction, for the first call).
	ReadPulses() (int, error)
}

// GPIOPulseSource counts rising edges by reading a sysfs edge-count file
// maintained by the kernel's gpio-sysfs edge trigger plumbing, computing
// the delta against the previous read.
type GPIOPulseSource struct {
	path string
	prev int
	mu   sync.Mutex
}

// NewGPIOPulseSource builds a GPIOPulseSource for the configured pin.
func NewGPIOPulseSource(pin int) *GPIOPulseSource {
	return &GPIOPulseSource{path: sysfsCounterPath(pin)}
}

func sysfsCounterPath(pin int) string {
	return "/sys/class/gpio/gpio" + strconv.Itoa(pin) + "/edge_count"
}

func (s *GPIOPulseSource) ReadPulses() (int, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return 0, err
	}
	total, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delta := total - s.prev
	s.prev = total
	if delta < 0 {
		delta = 0
	}
	return delta, nil
}

// DummySource produces a configurable constant pulse rate, for tests and
// -d/non-hardware runs.
type DummySource struct {
	mu           sync.Mutex
	pulsesPerTick int
}

// NewDummySource builds a DummySource.
func NewDummySource(pulsesPerTick int) *DummySource {
	return &DummySource{pulsesPerTick: pulsesPerTick}
}

// SetRate changes the simulated pulse rate (used by tests to simulate a
// no-flow or leak condition).
func (s *DummySource) SetRate(pulsesPerTick int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulsesPerTick = pulsesPerTick
}

func (s *DummySource) ReadPulses() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulsesPerTick, nil
}

// Sampler reads Source at a fixed rate and maintains a trailing window
// of samples, exposing a smoothed FlowEstimate.
type Sampler struct {
	source         Source
	pulsesPerLiter float64
	sampleRate     time.Duration
	window         time.Duration

	mu      sync.Mutex
	samples []model.FlowSample
}

// New builds a Sampler from config and starts its sampling loop under
// ctx.
func New(ctx context.Context, cfg *config.Config, source Source) *Sampler {
	s := &Sampler{
		source:         source,
		pulsesPerLiter: cfg.Flow.PulsesPerLiter,
		sampleRate:     cfg.Flow.SampleRate,
		window:         cfg.Flow.Window,
	}
	go s.run(ctx)
	return s
}

func (s *Sampler) run(ctx context.Context) {
	ticker := time.NewTicker(s.sampleRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sampler) tick() {
	pulses, err := s.source.ReadPulses()
	if err != nil {
		return
	}
	litersPerSample := float64(pulses) / s.pulsesPerLiter
	lpm := litersPerSample / s.sampleRate.Minutes()

	now := time.Now()
	s.mu.Lock()
	s.samples = append(s.samples, model.FlowSample{ValueLPM: lpm, T: now})
	cutoff := now.Add(-s.window)
	i := 0
	for ; i < len(s.samples); i++ {
		if s.samples[i].T.After(cutoff) {
			break
		}
	}
	s.samples = s.samples[i:]
	s.mu.Unlock()

	est := s.Estimate()
	observability.FlowMeanLPM.Set(est.Mean)
	observability.FlowStddevLPM.Set(est.Stddev)
}

// Estimate returns the current smoothed mean/stddev over the trailing
// window.
func (s *Sampler) Estimate() model.FlowEstimate {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.samples)
	if n == 0 {
		return model.FlowEstimate{}
	}
	var sum float64
	for _, v := range s.samples {
		sum += v.ValueLPM
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range s.samples {
		d := v.ValueLPM - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(n))

	return model.FlowEstimate{Mean: mean, Stddev: stddev, N: n}
}
