// Package config loads the single typed configuration record shared by
// every role binary. Values come from a YAML file (via spf13/viper),
// overridable by CLI flags and a small set of recognized environment
// variables, never from a loosely-typed map passed around at runtime.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ModeRule is one row of the Mode Decider's ordered rule table: the first
// rule whose predicate matches the current SensorWindow wins.
type ModeRule struct {
	MinPowerW float64 `mapstructure:"min_power_w"`
	MaxTempC  float64 `mapstructure:"max_temp_c"`
	ModeIndex int     `mapstructure:"mode_index"`
}

// DutyRow maps a mode index to its valve duty cycle.
type DutyRow struct {
	ModeIndex int           `mapstructure:"mode_index"`
	Enable    bool          `mapstructure:"enable"`
	OnSec     time.Duration `mapstructure:"on_sec"`
	OffSec    time.Duration `mapstructure:"off_sec"`
}

// RetryPolicy is retry behavior expressed as data, per the design notes'
// "no nested try/catch" rule.
type RetryPolicy struct {
	Attempts int           `mapstructure:"attempts"`
	Base     time.Duration `mapstructure:"base"`
	Max      time.Duration `mapstructure:"max"`
}

// Config is the fully-typed, validated configuration record loaded once
// at process startup. Every field a role needs lives here; no component
// reaches into viper or the environment directly after Load returns.
type Config struct {
	NodeID   string `mapstructure:"node_id"`
	Hostname string `mapstructure:"hostname"`

	Debug     bool `mapstructure:"debug"`
	Dummy     bool `mapstructure:"dummy"`
	TestHooks bool `mapstructure:"test_hooks"`
	Port      int  `mapstructure:"port"`

	TSDB struct {
		URL      string        `mapstructure:"url"`
		Token    string        `mapstructure:"token"`
		Org      string        `mapstructure:"org"`
		Bucket   string        `mapstructure:"bucket"`
		Lookback time.Duration `mapstructure:"lookback"`
		Retry    RetryPolicy   `mapstructure:"retry"`
	} `mapstructure:"tsdb"`

	Mode struct {
		Rules          []ModeRule `mapstructure:"rules"`
		Duty           []DutyRow  `mapstructure:"duty"`
		UpDebounce     int        `mapstructure:"up_debounce_ticks"`
		DownDebounce   int        `mapstructure:"down_debounce_ticks"`
		StaleThreshold time.Duration `mapstructure:"stale_threshold"`
		StaleKeep      int        `mapstructure:"stale_keep"`
	} `mapstructure:"mode"`

	PubSub struct {
		PublishAddr   string        `mapstructure:"publish_addr"`
		ProxyUpstream string        `mapstructure:"proxy_upstream"`
		ProxyAddr     string        `mapstructure:"proxy_addr"`
		Topic         string        `mapstructure:"topic"`
		PubInterval   time.Duration `mapstructure:"pub_interval"`
		ReplayDeadline time.Duration `mapstructure:"replay_deadline"`
		LivenessFactor int          `mapstructure:"liveness_factor"`
		RedisAddr     string        `mapstructure:"redis_addr"`
	} `mapstructure:"pubsub"`

	Valve struct {
		Dummy       bool   `mapstructure:"dummy"`
		GPIOPin     int    `mapstructure:"gpio_pin"`
		EchoPin     int    `mapstructure:"echo_pin"`
		EchoDelay   time.Duration `mapstructure:"echo_delay"`
		WriteRetry  RetryPolicy   `mapstructure:"write_retry"`
	} `mapstructure:"valve"`

	Flow struct {
		Dummy          bool          `mapstructure:"dummy"`
		GPIOPin        int           `mapstructure:"gpio_pin"`
		PulsesPerLiter float64       `mapstructure:"pulses_per_liter"`
		SampleRate     time.Duration `mapstructure:"sample_rate"`
		Window         time.Duration `mapstructure:"window"`
	} `mapstructure:"flow"`

	Fault struct {
		GraceOpen    time.Duration `mapstructure:"grace_open"`
		GraceClose   time.Duration `mapstructure:"grace_close"`
		MinFlow      float64       `mapstructure:"min_flow"`
		LeakThreshold float64      `mapstructure:"leak_threshold"`
		NoiseRatio   float64       `mapstructure:"noise_ratio"`
		UnstableWindow time.Duration `mapstructure:"unstable_window"`
		RecoverHold  time.Duration `mapstructure:"recover_hold"`
		AutoRecover  time.Duration `mapstructure:"auto_recover"`
	} `mapstructure:"fault"`

	Storage struct {
		SQLitePath    string        `mapstructure:"sqlite_path"`
		RingSize      int           `mapstructure:"ring_size"`
		WriteQueueMax int           `mapstructure:"write_queue_max"`
		SSEQueueMax   int           `mapstructure:"sse_queue_max"`
		RetentionDays int           `mapstructure:"retention_days"`
		VacuumEvery   time.Duration `mapstructure:"vacuum_every"`
		CostPerLiter  float64       `mapstructure:"cost_per_liter"`
	} `mapstructure:"storage"`

	Aggregator struct {
		PostgresDSN    string        `mapstructure:"postgres_dsn"`
		RollupInterval time.Duration `mapstructure:"rollup_interval"`
		PushURL        string        `mapstructure:"push_url"`
	} `mapstructure:"aggregator"`

	Web struct {
		ActuatorURL string `mapstructure:"actuator_url"`
		StatSamples int    `mapstructure:"stat_samples"`
	} `mapstructure:"web"`

	Notify struct {
		SlackWebhookURL string        `mapstructure:"slack_webhook_url"`
		RateLimit       float64       `mapstructure:"rate_limit_per_min"`
		Burst           int           `mapstructure:"burst"`
	} `mapstructure:"notify"`
}

// Load reads the YAML file at path, applies the recognized environment
// variable overrides, and validates the result. It never returns a
// partially-valid Config: validation failure is reported as a single
// wrapped error that callers surface as exit code 1.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tsdb.lookback", 5*time.Minute)
	v.SetDefault("tsdb.retry.attempts", 5)
	v.SetDefault("tsdb.retry.base", 100*time.Millisecond)
	v.SetDefault("tsdb.retry.max", 10*time.Second)
	v.SetDefault("mode.up_debounce_ticks", 3)
	v.SetDefault("mode.down_debounce_ticks", 6)
	v.SetDefault("mode.stale_threshold", 2*time.Minute)
	v.SetDefault("mode.stale_keep", 2)
	v.SetDefault("pubsub.topic", "cooler")
	v.SetDefault("pubsub.pub_interval", 10*time.Second)
	v.SetDefault("pubsub.replay_deadline", 200*time.Millisecond)
	v.SetDefault("pubsub.liveness_factor", 3)
	v.SetDefault("valve.echo_delay", 50*time.Millisecond)
	v.SetDefault("valve.write_retry.attempts", 3)
	v.SetDefault("valve.write_retry.base", 100*time.Millisecond)
	v.SetDefault("flow.pulses_per_liter", 450.0)
	v.SetDefault("flow.sample_rate", 100*time.Millisecond)
	v.SetDefault("flow.window", 3*time.Second)
	v.SetDefault("fault.grace_open", 5*time.Second)
	v.SetDefault("fault.grace_close", 3*time.Second)
	v.SetDefault("fault.min_flow", 0.2)
	v.SetDefault("fault.leak_threshold", 0.2)
	v.SetDefault("fault.noise_ratio", 0.5)
	v.SetDefault("fault.unstable_window", 10*time.Second)
	v.SetDefault("fault.recover_hold", 15*time.Second)
	v.SetDefault("fault.auto_recover", 0)
	v.SetDefault("storage.ring_size", 1000)
	v.SetDefault("storage.write_queue_max", 1024)
	v.SetDefault("storage.sse_queue_max", 64)
	v.SetDefault("storage.retention_days", 400)
	v.SetDefault("storage.vacuum_every", 24*time.Hour)
	v.SetDefault("storage.cost_per_liter", 0.003)
	v.SetDefault("aggregator.rollup_interval", 5*time.Minute)
	v.SetDefault("web.stat_samples", 30)
	v.SetDefault("notify.rate_limit_per_min", 4.0)
	v.SetDefault("notify.burst", 1)
	v.SetDefault("port", 8080)
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("pubsub.publish_addr", "HEMS_SERVER_HOST")
	_ = v.BindEnv("hostname", "NODE_HOSTNAME")
	_ = v.BindEnv("dummy", "DUMMY_MODE")
	_ = v.BindEnv("test_hooks", "TEST")
}

func (c *Config) validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.PubSub.Topic == "" {
		return fmt.Errorf("pubsub.topic is required")
	}
	if c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path is required")
	}
	if c.Storage.RingSize <= 0 {
		return fmt.Errorf("storage.ring_size must be positive")
	}
	return nil
}
