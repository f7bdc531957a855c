// Package observability declares the Prometheus metrics shared across
// roles: one promauto-registered collector per concern, grouped by
// component.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SensorQueryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cooler_sensor_query_failures_total",
		Help: "Sensor query attempts that failed, by kind.",
	}, []string{"kind"})

	SensorCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cooler_sensor_circuit_state",
		Help: "TSDB circuit breaker state (0=closed,1=half-open,2=open).",
	})

	ModeIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cooler_mode_index",
		Help: "Currently decided cooling mode index.",
	})

	ModeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cooler_mode_transitions_total",
		Help: "Mode transitions applied, by destination mode.",
	}, []string{"mode"})

	PublishedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cooler_published_messages_total",
		Help: "Control messages published (including heartbeats).",
	})

	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cooler_publish_failures_total",
		Help: "Control message publish attempts that failed.",
	})

	ProxySubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cooler_proxy_subscribers",
		Help: "Currently connected downstream subscribers.",
	})

	ProxyReplayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cooler_proxy_replay_duration_seconds",
		Help:    "Time to replay the cached message to a new subscriber.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .2, .5},
	})

	SubscriberLivenessAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cooler_subscriber_last_message_age_seconds",
		Help: "Seconds since the subscriber last accepted a message.",
	})

	DutyValveOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cooler_valve_open",
		Help: "1 if the valve is currently commanded open, else 0.",
	})

	DutyPhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cooler_duty_phase_transitions_total",
		Help: "Duty cycle phase transitions, by resulting phase.",
	}, []string{"phase"})

	FlowMeanLPM = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cooler_flow_mean_lpm",
		Help: "Smoothed mean flow rate in liters per minute.",
	})

	FlowStddevLPM = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cooler_flow_stddev_lpm",
		Help: "Smoothed flow rate standard deviation in liters per minute.",
	})

	FaultState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cooler_fault_state",
		Help: "1 if the fault detector is currently in the named class.",
	}, []string{"class"})

	FaultTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cooler_fault_transitions_total",
		Help: "Fault class transitions, by destination class.",
	}, []string{"class"})

	EventLogAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cooler_event_log_appends_total",
		Help: "Event log appends, by level.",
	}, []string{"level"})

	EventLogDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cooler_event_log_dropped_total",
		Help: "Event log records dropped under backpressure, by level.",
	}, []string{"level"})

	SSEClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cooler_sse_clients",
		Help: "Currently connected SSE clients.",
	})

	SSEDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cooler_sse_dropped_clients_total",
		Help: "SSE clients disconnected for being too slow.",
	})

	NotifyRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cooler_notify_rate_limited_total",
		Help: "Slack notifications suppressed by the rate limiter.",
	})
)
