package predictor

import (
	"sort"

	"github.com/thc1006/pose-coach-android-starter-sub004/vitals"
)

// Strategy is one concrete optimization the engine can activate, with its
// expected improvement and the resource cost of applying it.
type Strategy struct {
	Name                string  `json:"name"`
	Activation          float64 `json:"activation"` // [0,1], above the scorer threshold
	ExpectedImprovement float64 `json:"expected_improvement"`
	ResourceCost        float64 `json:"resource_cost"`
}

// strategyActivation is the output level a strategy unit must exceed to be
// emitted.
const strategyActivation = 0.6

// StrategyScorer maps a prediction and the current snapshot onto concrete
// optimization strategies. One strategy is emitted per output unit whose
// activation exceeds the threshold.
//
// This is a heuristic scorer behind the same contract as the learned models:
// the source's deeper optimization network never updated its weights past
// initialization, so its specified behavior reduces to threshold scoring.
type StrategyScorer struct{}

// NewStrategyScorer creates a scorer.
func NewStrategyScorer() *StrategyScorer {
	return &StrategyScorer{}
}

// Score returns the active strategies ordered by descending activation.
func (sc *StrategyScorer) Score(pred Prediction, snap vitals.SystemSnapshot) []Strategy {
	units := []Strategy{
		{
			Name:                "reduce_resolution",
			Activation:          clamp01(pred.CPUPercent/100*0.7 + float64(snap.Thermal)/6*0.5),
			ExpectedImprovement: 0.25,
			ResourceCost:        0.05,
		},
		{
			Name:                "increase_frame_skip",
			Activation:          clamp01(pred.CPUPercent/100*0.9 - 0.1),
			ExpectedImprovement: 0.2,
			ResourceCost:        0.02,
		},
		{
			Name:                "shrink_cache",
			Activation:          clamp01(pred.MemoryPercent / 100),
			ExpectedImprovement: 0.15,
			ResourceCost:        0.1,
		},
		{
			Name:                "offload_remote",
			Activation:          clamp01(pred.CPUPercent/100*0.6 + capAt1(snap.Network.BandwidthMbps/bandwidthScale)*0.5 - boolFeature(snap.Network.Metered)*0.3),
			ExpectedImprovement: 0.3,
			ResourceCost:        0.2,
		},
		{
			Name:                "lower_power_profile",
			Activation:          clamp01(pred.BatteryDrainPerHour/10*0.8 + (1-snap.BatteryPercent/100)*0.4),
			ExpectedImprovement: 0.2,
			ResourceCost:        0.05,
		},
	}

	active := units[:0]
	for _, u := range units {
		if u.Activation > strategyActivation {
			active = append(active, u)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Activation > active[j].Activation })

	out := make([]Strategy, len(active))
	copy(out, active)
	return out
}
