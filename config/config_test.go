package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalYAML = `
node_id: pi-01
pubsub:
  publish_addr: "tcp://*:2222"
  proxy_upstream: "tcp://127.0.0.1:2222"
  proxy_addr: "tcp://127.0.0.1:2223"
storage:
  sqlite_path: /tmp/cooler.db
mode:
  rules:
    - min_power_w: 500
      max_temp_c: 45
      mode_index: 1
  duty:
    - mode_index: 0
      enable: false
    - mode_index: 1
      enable: true
      on_sec: 60s
      off_sec: 120s
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PubSub.PubInterval != 10*time.Second {
		t.Fatalf("expected default pub_interval 10s, got %s", cfg.PubSub.PubInterval)
	}
	if cfg.PubSub.ReplayDeadline != 200*time.Millisecond {
		t.Fatalf("expected default replay_deadline 200ms, got %s", cfg.PubSub.ReplayDeadline)
	}
	if cfg.Storage.RingSize != 1000 {
		t.Fatalf("expected default ring_size 1000, got %d", cfg.Storage.RingSize)
	}
	if cfg.Mode.UpDebounce != 3 || cfg.Mode.DownDebounce != 6 {
		t.Fatalf("expected default debounce 3/6, got %d/%d", cfg.Mode.UpDebounce, cfg.Mode.DownDebounce)
	}
}

func TestLoad_ParsesRulesAndDuty(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Mode.Rules) != 1 || cfg.Mode.Rules[0].MinPowerW != 500 {
		t.Fatalf("unexpected rules: %+v", cfg.Mode.Rules)
	}
	if len(cfg.Mode.Duty) != 2 || cfg.Mode.Duty[1].OnSec != 60*time.Second {
		t.Fatalf("unexpected duty table: %+v", cfg.Mode.Duty)
	}
}

func TestLoad_MissingRequiredFieldFails(t *testing.T) {
	const noNodeID = `
pubsub:
  publish_addr: "tcp://*:2222"
storage:
  sqlite_path: /tmp/cooler.db
`
	if _, err := Load(writeConfig(t, noNodeID)); err == nil {
		t.Fatal("expected load to fail without node_id")
	}
}

func TestLoad_MissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected load to fail on a missing file")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("NODE_HOSTNAME", "pi-override")
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Hostname != "pi-override" {
		t.Fatalf("expected NODE_HOSTNAME to override hostname, got %q", cfg.Hostname)
	}
}
