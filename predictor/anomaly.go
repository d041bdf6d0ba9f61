package predictor

import (
	"math"
	"sync"
	"time"

	"github.com/thc1006/pose-coach-android-starter-sub004/vitals"
)

// AnomalyType classifies an anomaly by its dominant deviating dimension.
type AnomalyType string

const (
	AnomalyCPUSpike       AnomalyType = "cpu_spike"
	AnomalyMemoryPressure AnomalyType = "memory_pressure"
	AnomalyThermalRunaway AnomalyType = "thermal_runaway"
	AnomalyBatteryDrain   AnomalyType = "battery_drain"
)

// Anomaly is one detected deviation from the fitted baseline.
type Anomaly struct {
	Type       AnomalyType        `json:"type"`
	Score      float64            `json:"score"` // [0,1], above the detector threshold
	Deviations map[string]float64 `json:"deviations"`
	Causes     []string           `json:"causes"`
	Actions    []string           `json:"actions"`
	Timestamp  time.Time          `json:"timestamp"`
}

// anomalyThreshold is the normalized-deviation score above which a sample is
// classified as anomalous.
const anomalyThreshold = 0.7

type baseline struct {
	mean   float64
	stddev float64
}

// AnomalyDetector scores snapshots against a fitted per-dimension baseline.
// It is a heuristic scorer behind the same fit/score contract as the
// regression models; it carries no learned weights beyond the baseline stats.
type AnomalyDetector struct {
	mu        sync.RWMutex
	baselines map[string]baseline
}

// NewAnomalyDetector creates an unfitted detector. Detect reports nothing
// until Fit has seen enough history.
func NewAnomalyDetector() *AnomalyDetector {
	return &AnomalyDetector{baselines: make(map[string]baseline)}
}

// Fit recomputes the per-dimension baseline from history. The whole baseline
// map is replaced at once.
func (d *AnomalyDetector) Fit(snaps []vitals.SystemSnapshot) error {
	if len(snaps) < 5 {
		return ErrInsufficientHistory
	}

	dims := map[string]vitals.Selector{
		"cpu":     vitals.CPU,
		"memory":  vitals.Memory,
		"thermal": vitals.Heat,
		"battery": vitals.Battery,
	}
	next := make(map[string]baseline, len(dims))
	for name, sel := range dims {
		var sum float64
		for _, s := range snaps {
			sum += sel(s)
		}
		mean := sum / float64(len(snaps))
		var varSum float64
		for _, s := range snaps {
			dlt := sel(s) - mean
			varSum += dlt * dlt
		}
		next[name] = baseline{mean: mean, stddev: math.Sqrt(varSum / float64(len(snaps)))}
	}

	d.mu.Lock()
	d.baselines = next
	d.mu.Unlock()
	return nil
}

// Detect scores the snapshot against the baseline. A result is reported only
// when the dominant normalized deviation exceeds the detector threshold.
func (d *AnomalyDetector) Detect(s vitals.SystemSnapshot) (Anomaly, bool) {
	d.mu.RLock()
	baselines := d.baselines
	d.mu.RUnlock()

	if len(baselines) == 0 {
		return Anomaly{}, false
	}

	values := map[string]float64{
		"cpu":     s.CPUPercent,
		"memory":  s.MemoryPercent,
		"thermal": float64(s.Thermal),
		"battery": s.BatteryPercent,
	}
	// Deviation floors keep a flat baseline (zero variance) from flagging
	// ordinary jitter as anomalous.
	floors := map[string]float64{"cpu": 10, "memory": 10, "thermal": 1, "battery": 5}

	deviations := make(map[string]float64, len(values))
	dominant := ""
	top := 0.0
	for name, v := range values {
		b := baselines[name]
		// Deviation in units of 3 sigma, clamped to [0,1].
		denom := 3*b.stddev + floors[name]
		dev := clamp01(math.Abs(v-b.mean) / denom)
		// Battery anomalies only matter as drain (drops), not recharge.
		if name == "battery" && v >= b.mean {
			dev = 0
		}
		deviations[name] = dev
		if dev > top {
			top = dev
			dominant = name
		}
	}

	if top <= anomalyThreshold {
		return Anomaly{}, false
	}

	a := Anomaly{
		Score:      top,
		Deviations: deviations,
		Timestamp:  s.Timestamp,
	}
	switch dominant {
	case "cpu":
		a.Type = AnomalyCPUSpike
		a.Causes = []string{"sudden processing load increase", "background task interference"}
		a.Actions = []string{"increase frame skip", "reduce processing frequency"}
	case "memory":
		a.Type = AnomalyMemoryPressure
		a.Causes = []string{"cache growth", "object tracking backlog"}
		a.Actions = []string{"trigger adaptive cache eviction", "reduce tracked objects"}
	case "thermal":
		a.Type = AnomalyThermalRunaway
		a.Causes = []string{"sustained GPU load", "high ambient temperature"}
		a.Actions = []string{"switch to low-power profile", "disable GPU path"}
	case "battery":
		a.Type = AnomalyBatteryDrain
		a.Causes = []string{"sustained high-frequency processing", "radio activity"}
		a.Actions = []string{"lower processing frequency", "prefer local placement"}
	}
	return a, true
}
