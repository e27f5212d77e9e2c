package config

import (
	"fmt"
	"strings"
	"time"

	"paceq/internal/pacing"
	"paceq/pkg/logx"
)

// Config is the full daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// The file may be JSON or YAML; both are decoded strictly (unknown fields
// are rejected).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Behavior  BehaviorConfig  `json:"behavior"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Accounts  AccountsConfig  `json:"accounts"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	Upstream  UpstreamConfig  `json:"upstream"`
	API       APIConfig       `json:"api,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

func (c LoggingConfig) Logx() logx.Config {
	out := logx.Config{Level: c.Level, Console: true}
	if c.Console != nil {
		out.Console = *c.Console
	}
	out.File.Enabled = c.File.Enabled
	out.File.Path = c.File.Path
	return out
}

// BehaviorConfig mirrors pacing.Settings with duration strings.
// It hot-reloads: edits take effect for all pacing decisions made after
// the reload.
//
// The probabilistic knobs are pointers because zero is a meaningful value for
// them (weekend_factor: 0 pins weekends to the idle ceiling, probability 0
// disables the modifier); only a missing field falls back to the default.
type BehaviorConfig struct {
	MinDelay         string   `json:"min_delay,omitempty"`
	MaxDelay         string   `json:"max_delay,omitempty"`
	PeakHoursStart   int      `json:"peak_hours_start,omitempty"`
	PeakHoursEnd     int      `json:"peak_hours_end,omitempty"`
	WeekendFactor    *float64 `json:"weekend_factor,omitempty"`
	BurstProbability *float64 `json:"burst_probability,omitempty"`
	BurstSize        int      `json:"burst_size,omitempty"`
	IdleProbability  *float64 `json:"idle_probability,omitempty"`
}

// Settings converts to the runtime pacing settings, applying defaults for
// omitted fields and validating ranges.
func (c BehaviorConfig) Settings() (pacing.Settings, error) {
	set := pacing.DefaultSettings()

	var err error
	if set.MinDelay, err = ParseDurationOrDefault("behavior.min_delay", c.MinDelay, set.MinDelay); err != nil {
		return set, err
	}
	if set.MaxDelay, err = ParseDurationOrDefault("behavior.max_delay", c.MaxDelay, set.MaxDelay); err != nil {
		return set, err
	}
	if c.PeakHoursStart != 0 || c.PeakHoursEnd != 0 {
		set.PeakHoursStart = c.PeakHoursStart
		set.PeakHoursEnd = c.PeakHoursEnd
	}
	if c.WeekendFactor != nil {
		set.WeekendFactor = *c.WeekendFactor
	}
	if c.BurstProbability != nil {
		set.BurstProbability = *c.BurstProbability
	}
	if c.BurstSize != 0 {
		set.BurstSize = c.BurstSize
	}
	if c.IdleProbability != nil {
		set.IdleProbability = *c.IdleProbability
	}

	if err := set.Validate(); err != nil {
		return set, fmt.Errorf("behavior: %w", err)
	}
	return set, nil
}

// SchedulerConfig controls the dispatcher.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true (pointer so an explicit false is distinguishable)
//   - retry_max: 3 attempts total
//   - acquire_backoff: "500ms"
//   - acquire_timeout: "60s"
//   - dispatch_per_sec: 0 (no global ceiling)
type SchedulerConfig struct {
	Enabled        *bool   `json:"enabled,omitempty"`
	RetryMax       int     `json:"retry_max,omitempty"`
	AcquireBackoff string  `json:"acquire_backoff,omitempty"`
	AcquireTimeout string  `json:"acquire_timeout,omitempty"`
	DispatchPerSec float64 `json:"dispatch_per_sec,omitempty"`
}

func (c SchedulerConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// AccountsConfig points at the account source file, a YAML/JSON list of
// {name, max_concurrent, usable}. The file is watched; entries may appear,
// disappear, or flip usable at runtime.
type AccountsConfig struct {
	Path string `json:"path"`
}

// StorageConfig controls the terminal-result store.
//
// Driver values:
//   - "file": JSON snapshot file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", results are kept in memory only.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retention   string `json:"retention,omitempty"`    // default "1h"
}

type UpstreamConfig struct {
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout,omitempty"` // default "120s"
}

type APIConfig struct {
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8420"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

func (c APIConfig) EffectiveAddr() string {
	if strings.TrimSpace(c.Addr) == "" {
		return "127.0.0.1:8420"
	}
	return c.Addr
}

// Validate checks the whole config. It is also installed as the hot-reload
// validator so a bad edit never reaches running components.
func (c *Config) Validate() error {
	if _, err := c.Behavior.Settings(); err != nil {
		return err
	}
	if c.Scheduler.RetryMax < 0 {
		return fmt.Errorf("scheduler.retry_max must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"scheduler.acquire_backoff", c.Scheduler.AcquireBackoff},
		{"scheduler.acquire_timeout", c.Scheduler.AcquireTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"storage.retention", c.Storage.Retention},
		{"upstream.timeout", c.Upstream.Timeout},
		{"api.read_timeout", c.API.ReadTimeout},
		{"api.write_timeout", c.API.WriteTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Scheduler.DispatchPerSec < 0 {
		return fmt.Errorf("scheduler.dispatch_per_sec must be >= 0")
	}
	if strings.TrimSpace(c.Accounts.Path) == "" {
		return fmt.Errorf("accounts.path is required")
	}
	return nil
}

// Durations used by cmd wiring; parse errors were already caught by Validate.

func (c SchedulerConfig) AcquireBackoffDuration() time.Duration {
	d, _ := ParseDurationOrDefault("", c.AcquireBackoff, 500*time.Millisecond)
	return d
}

func (c SchedulerConfig) AcquireTimeoutDuration() time.Duration {
	d, _ := ParseDurationOrDefault("", c.AcquireTimeout, 60*time.Second)
	return d
}

func (c StorageConfig) RetentionDuration() time.Duration {
	d, _ := ParseDurationOrDefault("", c.Retention, time.Hour)
	return d
}

func (c StorageConfig) BusyTimeoutDuration() time.Duration {
	d, _ := ParseDurationField("", c.BusyTimeout)
	return d
}

func (c UpstreamConfig) TimeoutDuration() time.Duration {
	d, _ := ParseDurationOrDefault("", c.Timeout, 120*time.Second)
	return d
}
