// Package errs defines the typed error taxonomy of the error handling
// design: TransientIO, ConfigInvalid, StaleSensor, PublisherDown,
// HardwareFault, StorageFull, and Unrecoverable. Only TransientIO (sensor
// queries and valve echo reads) and HardwareFault (valve writes) are
// returned by any package; the other kinds are declared but not produced,
// and no caller currently branches on these types.
package errs

import "fmt"

// TransientIO wraps a retryable I/O failure (network, TSDB, pub/sub).
type TransientIO struct {
	Op  string
	Err error
}

func (e *TransientIO) Error() string { return fmt.Sprintf("transient io (%s): %v", e.Op, e.Err) }
func (e *TransientIO) Unwrap() error { return e.Err }

// ConfigInvalid marks a fatal startup-time configuration failure; callers
// exit with code 1 on this kind.
type ConfigInvalid struct {
	Reason string
}

func (e *ConfigInvalid) Error() string { return "config invalid: " + e.Reason }

// StaleSensor marks a sensor window that could not be refreshed within
// the staleness threshold.
type StaleSensor struct {
	Metric      string
	MissedTicks int
}

func (e *StaleSensor) Error() string {
	return fmt.Sprintf("stale sensor %s (%d missed ticks)", e.Metric, e.MissedTicks)
}

// PublisherDown marks loss of the upstream control-message feed beyond
// the liveness timeout.
type PublisherDown struct {
	SilentFor string
}

func (e *PublisherDown) Error() string { return "publisher down: silent for " + e.SilentFor }

// HardwareFault marks a valve/flow mismatch or driver failure that
// requires forcing SAFE mode and notifying an operator.
type HardwareFault struct {
	Class  string
	Detail string
}

func (e *HardwareFault) Error() string { return fmt.Sprintf("hardware fault %s: %s", e.Class, e.Detail) }

// StorageFull marks the durable write queue overflowing; callers drop
// INFO records and keep WARN/ERR per the retention policy.
type StorageFull struct {
	QueueDepth int
}

func (e *StorageFull) Error() string { return fmt.Sprintf("storage full: queue depth %d", e.QueueDepth) }

// Unrecoverable marks a failure that should terminate the process with
// exit code 2, letting the orchestrator restart it.
type Unrecoverable struct {
	Err error
}

func (e *Unrecoverable) Error() string { return "unrecoverable: " + e.Err.Error() }
func (e *Unrecoverable) Unwrap() error { return e.Err }
