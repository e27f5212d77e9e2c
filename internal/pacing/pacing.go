// Package pacing computes the delay inserted before each dispatch so the
// externally observed request cadence looks like a person using the upstream
// service: slower off-hours and weekends, occasional rapid double-check
// bursts followed by a pause, occasional walk-away idle stretches.
package pacing

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Scaling constants. These are policy, not configuration: the configurable
// surface is Settings, the shape of the curve is fixed.
const (
	peakScale    = 0.75 // weekday, inside peak hours: more frequent activity
	offPeakScale = 2.0  // weekday, outside peak hours

	burstWindow    = 0.1 // burst delays land in [min, min+10% of span]
	coolDownScale  = 2.0 // one long delay after a burst drains
	idleStretchMin = 2.0
	idleStretchMax = 5.0
)

// Settings drive the delay model. Mutations (Apply) take effect for all
// decisions made afterwards; delays already computed are not revisited.
type Settings struct {
	MinDelay time.Duration
	MaxDelay time.Duration

	// Peak hours are hour-of-day bounds [start, end) on weekdays.
	PeakHoursStart int
	PeakHoursEnd   int

	// WeekendFactor in [0,1] reduces weekend activity: the delay is divided
	// by it, so a lower factor means longer delays. Zero is treated as
	// "effectively idle" rather than dividing.
	WeekendFactor float64

	BurstProbability float64
	BurstSize        int
	IdleProbability  float64
}

func DefaultSettings() Settings {
	return Settings{
		MinDelay:         5 * time.Second,
		MaxDelay:         20 * time.Second,
		PeakHoursStart:   9,
		PeakHoursEnd:     17,
		WeekendFactor:    0.3,
		BurstProbability: 0.1,
		BurstSize:        3,
		IdleProbability:  0.05,
	}
}

func (s Settings) Validate() error {
	if s.MinDelay < 0 || s.MaxDelay < s.MinDelay {
		return fmt.Errorf("delays must satisfy 0 <= min_delay <= max_delay")
	}
	if s.PeakHoursStart < 0 || s.PeakHoursStart > 23 || s.PeakHoursEnd > 24 || s.PeakHoursStart >= s.PeakHoursEnd {
		return fmt.Errorf("peak hours must satisfy 0 <= start < end <= 24")
	}
	if s.WeekendFactor < 0 || s.WeekendFactor > 1 {
		return fmt.Errorf("weekend_factor must be in [0,1]")
	}
	if s.BurstProbability < 0 || s.BurstProbability > 1 {
		return fmt.Errorf("burst_probability must be in [0,1]")
	}
	if s.IdleProbability < 0 || s.IdleProbability > 1 {
		return fmt.Errorf("idle_probability must be in [0,1]")
	}
	if s.BurstSize < 1 {
		return fmt.Errorf("burst_size must be >= 1")
	}
	return nil
}

// Model is the stateful delay generator. The only state carried across calls
// is the remaining burst budget and the pending cool-down; everything else is
// memoryless given the clock value.
type Model struct {
	mu  sync.Mutex
	set Settings
	rng *rand.Rand

	burstLeft int
	coolDown  bool
}

// New builds a model around the given settings and random source. Passing the
// rng explicitly keeps the model deterministically replayable in tests; nil
// falls back to a time-seeded source.
func New(set Settings, rng *rand.Rand) *Model {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Model{set: set, rng: rng}
}

// Apply swaps the settings. Burst state survives a settings change.
func (m *Model) Apply(set Settings) {
	m.mu.Lock()
	m.set = set
	m.mu.Unlock()
}

func (m *Model) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set
}

// NextDelay computes the pause to insert before the next dispatch at time now.
//
// Order of application:
//  1. base ~ Uniform(min, max)
//  2. weekday: peak/off-peak scaling; weekend: division by weekend factor
//  3. a pending post-burst cool-down overrides everything
//  4. burst (running or freshly triggered) returns a near-min delay
//  5. otherwise the idle stretch may apply
//
// Burst takes precedence over idle when both would fire.
func (m *Model) NextDelay(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.set
	span := set.MaxDelay - set.MinDelay
	base := set.MinDelay + time.Duration(m.rng.Float64()*float64(span))

	wd := now.Weekday()
	weekend := wd == time.Saturday || wd == time.Sunday
	if weekend {
		if set.WeekendFactor <= 0 {
			// Effectively idle: the longest configured stretch, no division.
			return time.Duration(float64(set.MaxDelay) * idleStretchMax)
		}
		base = time.Duration(float64(base) / set.WeekendFactor)
	} else {
		h := now.Hour()
		if h >= set.PeakHoursStart && h < set.PeakHoursEnd {
			base = time.Duration(float64(base) * peakScale)
		} else {
			base = time.Duration(float64(base) * offPeakScale)
		}
	}

	if m.coolDown {
		m.coolDown = false
		return time.Duration(float64(base) * coolDownScale)
	}

	if m.burstLeft > 0 {
		m.burstLeft--
		if m.burstLeft == 0 {
			m.coolDown = true
		}
		return m.burstDelayLocked(set, span)
	}

	if set.BurstProbability > 0 && m.rng.Float64() < set.BurstProbability {
		n := 1 + m.rng.Intn(set.BurstSize)
		m.burstLeft = n - 1
		if m.burstLeft == 0 {
			m.coolDown = true
		}
		return m.burstDelayLocked(set, span)
	}

	if set.IdleProbability > 0 && m.rng.Float64() < set.IdleProbability {
		stretch := idleStretchMin + m.rng.Float64()*(idleStretchMax-idleStretchMin)
		base = time.Duration(float64(base) * stretch)
	}

	return base
}

func (m *Model) burstDelayLocked(set Settings, span time.Duration) time.Duration {
	return set.MinDelay + time.Duration(m.rng.Float64()*burstWindow*float64(span))
}
