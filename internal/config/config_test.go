package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
behavior:
  min_delay: 2s
  max_delay: 8s
  weekend_factor: 0.4
scheduler:
  retry_max: 5
  acquire_backoff: 250ms
  dispatch_per_sec: 2
accounts:
  path: ./accounts.yaml
storage:
  driver: sqlite
  path: ./results.db
  retention: 30m
upstream:
  base_url: http://127.0.0.1:9000
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestManagerLoadYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging.level = %q", cfg.Logging.Level)
	}
	if cfg.Scheduler.RetryMax != 5 || cfg.Scheduler.DispatchPerSec != 2 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if got := cfg.Scheduler.AcquireBackoffDuration(); got != 250*time.Millisecond {
		t.Fatalf("acquire_backoff = %v", got)
	}
	if got := cfg.Scheduler.AcquireTimeoutDuration(); got != 60*time.Second {
		t.Fatalf("acquire_timeout default = %v", got)
	}
	if got := cfg.Storage.RetentionDuration(); got != 30*time.Minute {
		t.Fatalf("retention = %v", got)
	}
	if m.Get() != cfg {
		t.Fatal("Get must return the committed config")
	}

	set, err := cfg.Behavior.Settings()
	if err != nil {
		t.Fatalf("behavior: %v", err)
	}
	if set.MinDelay != 2*time.Second || set.MaxDelay != 8*time.Second {
		t.Fatalf("delays = %v..%v", set.MinDelay, set.MaxDelay)
	}
	if set.WeekendFactor != 0.4 {
		t.Fatalf("weekend_factor = %v", set.WeekendFactor)
	}
	// Omitted fields keep their defaults.
	if set.PeakHoursStart != 9 || set.PeakHoursEnd != 17 || set.BurstSize != 3 {
		t.Fatalf("defaults not applied: %+v", set)
	}
}

func TestManagerRejectsUnknownField(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", "accounts:\n  path: a.yaml\nsurprise: 1\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown top-level field must be rejected")
	}
}

func TestValidateCatchesBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing accounts path", func(c *Config) { c.Accounts.Path = "" }},
		{"bad behavior delays", func(c *Config) { c.Behavior.MinDelay, c.Behavior.MaxDelay = "10s", "2s" }},
		{"malformed duration", func(c *Config) { c.Upstream.Timeout = "fast" }},
		{"negative retry", func(c *Config) { c.Scheduler.RetryMax = -1 }},
		{"negative dispatch rate", func(c *Config) { c.Scheduler.DispatchPerSec = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Accounts.Path = "accounts.yaml"
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestBehaviorSettingsRejectsBadRanges(t *testing.T) {
	b := BehaviorConfig{WeekendFactor: floatPtr(2)}
	if _, err := b.Settings(); err == nil {
		t.Fatal("weekend_factor > 1 must be rejected")
	}
	b = BehaviorConfig{MinDelay: "nope"}
	if _, err := b.Settings(); err == nil {
		t.Fatal("malformed min_delay must be rejected")
	}
}

func TestBehaviorZeroIsNotOmitted(t *testing.T) {
	// An explicit zero disables the knob; only a missing field defaults.
	b := BehaviorConfig{
		WeekendFactor:    floatPtr(0),
		BurstProbability: floatPtr(0),
		IdleProbability:  floatPtr(0),
	}
	set, err := b.Settings()
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if set.WeekendFactor != 0 || set.BurstProbability != 0 || set.IdleProbability != 0 {
		t.Fatalf("explicit zeros replaced by defaults: %+v", set)
	}

	set, err = BehaviorConfig{}.Settings()
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if set.WeekendFactor != 0.3 || set.BurstProbability != 0.1 || set.IdleProbability != 0.05 {
		t.Fatalf("omitted fields must default: %+v", set)
	}
}

func TestBehaviorZeroSurvivesYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml",
		"behavior:\n  weekend_factor: 0\n  burst_probability: 0\naccounts:\n  path: a.yaml\nupstream:\n  base_url: http://x\n"))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	set, err := cfg.Behavior.Settings()
	if err != nil {
		t.Fatalf("behavior: %v", err)
	}
	if set.WeekendFactor != 0 || set.BurstProbability != 0 {
		t.Fatalf("zero from the file replaced by defaults: %+v", set)
	}
	if set.IdleProbability != 0.05 {
		t.Fatalf("omitted idle_probability must default, got %v", set.IdleProbability)
	}
}

func floatPtr(f float64) *float64 { return &f }

func TestDecodeFileStrictJSON(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	if err := DecodeFileStrict("x.json", []byte(`{"name":"a"}`), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Name != "a" {
		t.Fatalf("name = %q", v.Name)
	}
	if err := DecodeFileStrict("x.json", []byte(`{"name":"a"}{"name":"b"}`), &v); err == nil {
		t.Fatal("trailing data must be rejected")
	}
	if err := DecodeFileStrict("x.json", []byte(`{"nope":"a"}`), &v); err == nil {
		t.Fatal("unknown field must be rejected")
	}
}

func TestSubscribePublishDropOldest(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{}
	second.Accounts.Path = "b"
	m.publish(first)
	m.publish(second) // buffer full: the stale item is dropped

	got := <-ch
	if got != second {
		t.Fatal("newest config must win when the subscriber lags")
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra publish: %+v", extra)
	default:
	}
}
