package predictor

import (
	"time"

	"github.com/thc1006/pose-coach-android-starter-sub004/vitals"
)

// featureCount is the fixed width of the feature vector: latest values,
// rolling means, and short-term deltas.
const featureCount = 13

const (
	bandwidthScale = 100.0 // Mbps mapped to [0,1]
	latencyScale   = float64(500 * time.Millisecond)
	meanWindow     = 10
)

// featuresFrom builds the fixed feature vector from a snapshot window. All
// entries are normalized to roughly [0,1] so one learning rate serves every
// model.
func featuresFrom(snaps []vitals.SystemSnapshot) []float64 {
	latest := snaps[len(snaps)-1]

	f := make([]float64, 0, featureCount)

	// Latest values.
	f = append(f,
		latest.CPUPercent/100,
		latest.MemoryPercent/100,
		float64(latest.Thermal)/float64(vitals.ThermalShutdown),
		latest.BatteryPercent/100,
		boolFeature(latest.Charging),
		capAt1(latest.Network.BandwidthMbps/bandwidthScale),
		capAt1(float64(latest.Network.Latency)/latencyScale),
		latest.DiskPercent/100,
	)

	// Rolling means over the tail window.
	window := snaps
	if len(window) > meanWindow {
		window = window[len(window)-meanWindow:]
	}
	var cpuSum, memSum, heatSum float64
	for _, s := range window {
		cpuSum += s.CPUPercent
		memSum += s.MemoryPercent
		heatSum += float64(s.Thermal)
	}
	n := float64(len(window))
	f = append(f, cpuSum/n/100, memSum/n/100, heatSum/n/float64(vitals.ThermalShutdown))

	// Short-term deltas.
	var dCPU, dBattery float64
	if len(snaps) >= 2 {
		prev := snaps[len(snaps)-2]
		dCPU = (latest.CPUPercent - prev.CPUPercent) / 100
		dBattery = (latest.BatteryPercent - prev.BatteryPercent) / 100
	}
	f = append(f, dCPU, dBattery)

	return f
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func capAt1(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
