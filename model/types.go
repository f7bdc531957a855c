// Package model holds the wire- and storage-level types shared by every
// role binary: sensor snapshots, control messages, valve commands, flow
// samples, fault state, and event records.
package model

import "time"

// State is the coarse lifecycle state carried on every ControlMessage.
type State string

const (
	StateIdle     State = "IDLE"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateFault    State = "FAULT"
)

// Sample is one timestamped reading of a single metric.
type Sample struct {
	Value float64   `json:"value"`
	T     time.Time `json:"t"`
}

// SensorWindow is a snapshot of every metric the mode decider consumes.
// Valid is false when any required metric is missing or stale beyond the
// configured threshold; downstream code must treat an invalid window as
// absent, never as zero.
type SensorWindow struct {
	PowerW      Sample   `json:"power_w"`
	TempC       Sample   `json:"temp_c"`
	HumidityPct Sample   `json:"humidity_pct"`
	Lux         Sample   `json:"lux"`
	SolarWm2    Sample   `json:"solar_wm2"`
	RainMm      Sample   `json:"rain_mm"`
	History     []Sample `json:"history,omitempty"`
	Valid       bool     `json:"valid"`
}

// Duty describes a square-wave valve drive: enable=false holds the valve
// closed regardless of on/off durations. On and Off are time.Duration
// values, so on_sec/off_sec encode as integer nanoseconds in JSON.
type Duty struct {
	Enable bool          `json:"enable"`
	On     time.Duration `json:"on_sec"`
	Off    time.Duration `json:"off_sec"`
}

// Mode is the controller's cooling-aggressiveness decision for one tick.
type Mode struct {
	Index int  `json:"mode_index"`
	Duty  Duty `json:"duty"`
}

// ControlMessage is the value published on every controller tick.
// MessageID is a per-publisher monotonic counter: receivers must discard
// any message whose ID is not greater than the last one they applied.
type ControlMessage struct {
	MessageID uint64    `json:"message_id"`
	Timestamp time.Time `json:"ts"`
	ModeIndex int       `json:"mode_index"`
	State     State     `json:"state"`
	Duty      Duty      `json:"duty"`
}

// Newer reports whether m is a strictly newer message than prev according
// to the monotonic message-id ordering invariant.
func (m ControlMessage) Newer(prev ControlMessage) bool {
	return m.MessageID > prev.MessageID
}

// ValveCommand is the only type the scheduler may emit and the valve
// driver may consume; Deadline marks when the command is expected to be
// superseded by the next phase transition.
type ValveCommand struct {
	Open     bool      `json:"open"`
	Deadline time.Time `json:"deadline"`
}

// FlowSample is one raw reading from the flow sensor.
type FlowSample struct {
	ValueLPM float64   `json:"value_lpm"`
	T        time.Time `json:"t"`
}

// FlowEstimate is a smoothed view over a trailing window of FlowSamples.
type FlowEstimate struct {
	Mean   float64 `json:"mean"`
	Stddev float64 `json:"stddev"`
	N      int     `json:"n"`
}

// FaultClass enumerates the fault detector's hysteretic states.
type FaultClass string

const (
	FaultOK              FaultClass = "OK"
	FaultNoFlowWhileOpen FaultClass = "NO_FLOW_WHILE_OPEN"
	FaultFlowWhileClosed FaultClass = "FLOW_WHILE_CLOSED"
	FaultUnstable        FaultClass = "UNSTABLE"
)

// EventLevel is the severity of an EventRecord.
type EventLevel string

const (
	LevelInfo EventLevel = "INFO"
	LevelWarn EventLevel = "WARN"
	LevelErr  EventLevel = "ERR"
)

// EventKind enumerates the append-only event log's record kinds.
type EventKind string

const (
	KindModeChange EventKind = "MODE_CHANGE"
	KindDutyOn     EventKind = "DUTY_ON"
	KindDutyOff    EventKind = "DUTY_OFF"
	KindFault      EventKind = "FAULT"
	KindRecover    EventKind = "RECOVER"
	KindStart      EventKind = "START"
	KindStop       EventKind = "STOP"
)

// EventRecord is one append-only log entry. ID is strictly increasing
// within a single node's log; EventUUID is a globally unique dedup key
// used once records are aggregated across actuator nodes.
type EventRecord struct {
	ID        int64      `json:"id"`
	EventUUID string     `json:"event_uuid"`
	NodeID    string     `json:"node_id"`
	Timestamp time.Time  `json:"ts"`
	Level     EventLevel `json:"level"`
	Kind      EventKind  `json:"kind"`
	Message   string     `json:"message"`
}

// DailyMetrics is one day's rollup row in the metrics store, keyed by
// (Date, ModeIndex). No package sets NodeID; rows pushed to the Web-UI's
// cross-node aggregator carry node identity on the enclosing push instead.
type DailyMetrics struct {
	Date        string  `json:"date"`
	NodeID      string  `json:"node_id,omitempty"`
	ModeIndex   int     `json:"mode_index"`
	OpenSeconds int64   `json:"open_sec"`
	VolumeL     float64 `json:"volume_l"`
	FaultCount  int64   `json:"fault_count"`
	Transitions int64   `json:"transitions"`
}
