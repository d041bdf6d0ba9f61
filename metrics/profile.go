package metrics

import (
	"fmt"
	"time"

	"github.com/thc1006/pose-coach-android-starter-sub004/vitals"
)

// Thresholds defines per-metric warning and critical levels.
type Thresholds struct {
	CPUWarning      float64            `json:"cpu_warning"`  // percent 0-100
	CPUCritical     float64            `json:"cpu_critical"` // percent 0-100
	MemoryWarning   float64            `json:"memory_warning"`
	MemoryCritical  float64            `json:"memory_critical"`
	ThermalWarning  vitals.ThermalTier `json:"thermal_warning"`
	ThermalCritical vitals.ThermalTier `json:"thermal_critical"`
	BatteryLow      float64            `json:"battery_low"`      // alert below this
	BatteryCritical float64            `json:"battery_critical"` // alert below this
	DiskWarning     float64            `json:"disk_warning"`
	DiskCritical    float64            `json:"disk_critical"`
	LatencyWarning  time.Duration      `json:"latency_warning"`
	LatencyCritical time.Duration      `json:"latency_critical"`
}

// Profile couples a sampling interval with the thresholds it evaluates.
type Profile struct {
	Name       string        `json:"name"`
	Interval   time.Duration `json:"interval"`
	Thresholds Thresholds    `json:"thresholds"`
}

// DefaultThresholds returns the balanced threshold set.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarning:      70,
		CPUCritical:     90,
		MemoryWarning:   75,
		MemoryCritical:  90,
		ThermalWarning:  vitals.ThermalModerate,
		ThermalCritical: vitals.ThermalSevere,
		BatteryLow:      25,
		BatteryCritical: 10,
		DiskWarning:     85,
		DiskCritical:    95,
		LatencyWarning:  150 * time.Millisecond,
		LatencyCritical: 400 * time.Millisecond,
	}
}

// DefaultProfile returns the balanced monitoring profile.
func DefaultProfile() Profile {
	return Profile{
		Name:       "balanced",
		Interval:   time.Second,
		Thresholds: DefaultThresholds(),
	}
}

// AggressiveProfile samples faster and alerts earlier. Suited to sustained
// camera sessions where adaptation must react within a few frames.
func AggressiveProfile() Profile {
	t := DefaultThresholds()
	t.CPUWarning = 60
	t.CPUCritical = 80
	t.MemoryWarning = 65
	t.MemoryCritical = 85
	t.ThermalWarning = vitals.ThermalLight
	t.ThermalCritical = vitals.ThermalElevated
	return Profile{
		Name:       "aggressive",
		Interval:   500 * time.Millisecond,
		Thresholds: t,
	}
}

// RelaxedProfile samples slower to minimize monitoring overhead.
func RelaxedProfile() Profile {
	t := DefaultThresholds()
	t.CPUWarning = 80
	t.CPUCritical = 95
	return Profile{
		Name:       "relaxed",
		Interval:   5 * time.Second,
		Thresholds: t,
	}
}

// Validate rejects profiles with non-positive intervals or inverted
// warning/critical ordering.
func (p Profile) Validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrProfileInvalid)
	}
	t := p.Thresholds
	if t.CPUWarning >= t.CPUCritical {
		return fmt.Errorf("%w: cpu warning %.0f must be below critical %.0f", ErrProfileInvalid, t.CPUWarning, t.CPUCritical)
	}
	if t.MemoryWarning >= t.MemoryCritical {
		return fmt.Errorf("%w: memory warning %.0f must be below critical %.0f", ErrProfileInvalid, t.MemoryWarning, t.MemoryCritical)
	}
	if t.ThermalWarning >= t.ThermalCritical {
		return fmt.Errorf("%w: thermal warning %d must be below critical %d", ErrProfileInvalid, t.ThermalWarning, t.ThermalCritical)
	}
	if t.BatteryCritical >= t.BatteryLow {
		return fmt.Errorf("%w: battery critical %.0f must be below low %.0f", ErrProfileInvalid, t.BatteryCritical, t.BatteryLow)
	}
	if t.DiskWarning >= t.DiskCritical {
		return fmt.Errorf("%w: disk warning %.0f must be below critical %.0f", ErrProfileInvalid, t.DiskWarning, t.DiskCritical)
	}
	if t.LatencyWarning >= t.LatencyCritical {
		return fmt.Errorf("%w: latency warning must be below critical", ErrProfileInvalid)
	}
	return nil
}
