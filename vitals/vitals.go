// Package vitals defines the device vitals sample model and the pull-based
// reader interface supplied by the host platform.
package vitals

import (
	"context"
	"errors"
	"time"
)

// ErrSampleUnavailable is returned by a Reader when a sensor cannot produce
// a value right now. Callers degrade to the last known value for that field.
var ErrSampleUnavailable = errors.New("vitals sample unavailable")

// ThermalTier is the ordinal severity of device heat and throttling (0-6).
type ThermalTier int

const (
	ThermalNominal ThermalTier = iota
	ThermalLight
	ThermalModerate
	ThermalElevated
	ThermalSevere
	ThermalCritical
	ThermalShutdown
)

func (t ThermalTier) String() string {
	switch t {
	case ThermalNominal:
		return "nominal"
	case ThermalLight:
		return "light"
	case ThermalModerate:
		return "moderate"
	case ThermalElevated:
		return "elevated"
	case ThermalSevere:
		return "severe"
	case ThermalCritical:
		return "critical"
	case ThermalShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// BatteryState reports charge level and charger attachment.
type BatteryState struct {
	Percent  float64 `json:"percent"`
	Charging bool    `json:"charging"`
}

// NetworkState reports the current uplink characteristics.
type NetworkState struct {
	BandwidthMbps float64       `json:"bandwidth_mbps"`
	Latency       time.Duration `json:"latency"`
	Metered       bool          `json:"metered"`
}

// SystemSnapshot is an immutable sample of device vitals taken at one instant.
type SystemSnapshot struct {
	Timestamp      time.Time    `json:"timestamp"`
	CPUPercent     float64      `json:"cpu_percent"`    // 0-100
	MemoryPercent  float64      `json:"memory_percent"` // 0-100
	Thermal        ThermalTier  `json:"thermal"`
	BatteryPercent float64      `json:"battery_percent"` // 0-100
	Charging       bool         `json:"charging"`
	Network        NetworkState `json:"network"`
	DiskPercent    float64      `json:"disk_percent"` // 0-100
}

// Reader is the pull-based vitals source supplied by the host platform.
// Each method may fail independently; a failed read is never fatal to the
// sampling loop, which substitutes the previous value for that field.
type Reader interface {
	CPU(ctx context.Context) (float64, error)
	Memory(ctx context.Context) (float64, error)
	Thermal(ctx context.Context) (ThermalTier, error)
	Battery(ctx context.Context) (BatteryState, error)
	Network(ctx context.Context) (NetworkState, error)
	Disk(ctx context.Context) (float64, error)
}
