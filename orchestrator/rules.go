package orchestrator

import (
	"context"
	"time"

	"github.com/thc1006/pose-coach-android-starter-sub004/quality"
	"github.com/thc1006/pose-coach-android-starter-sub004/vitals"
)

// Rule priorities. Protective rules outrank opportunistic ones so a thermal
// emergency is never preempted by an enhancement in the same cycle.
const (
	priorityThermalEmergency    = 11
	priorityHighCPU             = 10
	priorityMemoryPressure      = 9
	priorityBatteryConservation = 8
	priorityPredictive          = 6
	priorityNetworkAdaptive     = 5
	priorityBackground          = 4
	priorityQualityEnhancement  = 3
)

// defaultRules is the built-in rule set, installed at construction.
func defaultRules(healthyCycles int) []Rule {
	return []Rule{
		{
			ID:       "thermal-emergency",
			Priority: priorityThermalEmergency,
			Cooldown: 30 * time.Second,
			Condition: func(cc *CycleContext) bool {
				return cc.HasSnapshot && cc.Snapshot.Thermal >= vitals.ThermalSevere
			},
			Action: func(ctx context.Context, cc *CycleContext, act Actuators) error {
				if act.Quality != nil {
					act.Quality.ForceAdaptation(quality.Decision{
						Rule:       "thermal-emergency",
						Direction:  quality.Downgrade,
						Urgency:    1.0,
						Reason:     "thermal state " + cc.Snapshot.Thermal.String(),
						Confidence: 0.95,
					})
				}
				if act.Cache != nil {
					act.Cache.AdaptiveEvict(0.9)
				}
				return nil
			},
		},
		{
			ID:       "high-cpu",
			Priority: priorityHighCPU,
			Cooldown: 20 * time.Second,
			Condition: func(cc *CycleContext) bool {
				return cc.HasSnapshot && cc.Snapshot.CPUPercent > 85
			},
			Action: func(ctx context.Context, cc *CycleContext, act Actuators) error {
				if act.Quality == nil {
					return nil
				}
				act.Quality.ForceAdaptation(quality.Decision{
					Rule:       "high-cpu",
					Direction:  quality.Downgrade,
					Urgency:    0.7,
					Reason:     "sustained high cpu utilization",
					Confidence: 0.85,
				})
				return nil
			},
		},
		{
			ID:       "memory-pressure",
			Priority: priorityMemoryPressure,
			Cooldown: 20 * time.Second,
			Condition: func(cc *CycleContext) bool {
				return cc.HasSnapshot && cc.Snapshot.MemoryPercent > 85
			},
			Action: func(ctx context.Context, cc *CycleContext, act Actuators) error {
				if act.Cache != nil {
					act.Cache.AdaptiveEvict(cc.Snapshot.MemoryPercent / 100)
				}
				if act.Quality != nil {
					act.Quality.ForceAdaptation(quality.Decision{
						Rule:       "memory-pressure",
						Direction:  quality.Downgrade,
						Urgency:    0.5,
						Reason:     "memory pressure above threshold",
						Confidence: 0.8,
					})
				}
				return nil
			},
		},
		{
			ID:       "battery-conservation",
			Priority: priorityBatteryConservation,
			Cooldown: time.Minute,
			Condition: func(cc *CycleContext) bool {
				return cc.HasSnapshot &&
					cc.Snapshot.BatteryPercent < 15 &&
					!cc.Snapshot.Charging
			},
			Action: func(ctx context.Context, cc *CycleContext, act Actuators) error {
				if act.Quality == nil {
					return nil
				}
				act.Quality.ForceAdaptation(quality.Decision{
					Rule:       "battery-conservation",
					Direction:  quality.Downgrade,
					Urgency:    0.6,
					Reason:     "battery critically low and discharging",
					Confidence: 0.9,
				})
				return nil
			},
		},
		{
			ID:       "predictive-degradation",
			Priority: priorityPredictive,
			Cooldown: 30 * time.Second,
			Condition: func(cc *CycleContext) bool {
				if !cc.HasPrediction || cc.Prediction.Confidence < 0.6 {
					return false
				}
				// Act only when the predicted tier sits clearly below the
				// currently delivered quality.
				predicted := quality.ProfileFor(cc.Prediction.RecommendedTier).Score()
				return predicted < cc.Settings.Score()-0.05
			},
			Action: func(ctx context.Context, cc *CycleContext, act Actuators) error {
				if act.Quality == nil {
					return nil
				}
				act.Quality.ForceAdaptation(quality.Decision{
					Rule:       "predictive-degradation",
					Direction:  quality.Downgrade,
					Urgency:    0.4,
					Reason:     "predicted resource pressure, degrading ahead of it",
					Confidence: cc.Prediction.Confidence,
				})
				return nil
			},
		},
		{
			ID:       "network-adaptive",
			Priority: priorityNetworkAdaptive,
			Cooldown: 30 * time.Second,
			Condition: func(cc *CycleContext) bool {
				if !cc.HasSnapshot {
					return false
				}
				n := cc.Snapshot.Network
				return n.BandwidthMbps > 0 &&
					(n.BandwidthMbps < 1.0 || n.Latency > 500*time.Millisecond)
			},
			Action: func(ctx context.Context, cc *CycleContext, act Actuators) error {
				if act.Quality == nil {
					return nil
				}
				act.Quality.ForceAdaptation(quality.Decision{
					Rule:       "network-adaptive",
					Direction:  quality.Downgrade,
					Urgency:    0.3,
					Reason:     "network degraded, shedding remote-dependent work",
					Confidence: 0.7,
				})
				return nil
			},
		},
		{
			ID:        "background-maintenance",
			Priority:  priorityBackground,
			Cooldown:  45 * time.Second,
			Condition: func(cc *CycleContext) bool { return true },
			Action: func(ctx context.Context, cc *CycleContext, act Actuators) error {
				if act.Cache == nil {
					return nil
				}
				removed := act.Cache.EvictExpired()
				if removed > 0 {
					log.Debugw("background maintenance", "expired_removed", removed)
				}
				return nil
			},
		},
		{
			ID:       "quality-enhancement",
			Priority: priorityQualityEnhancement,
			Cooldown: time.Minute,
			Condition: func(cc *CycleContext) bool {
				return cc.HasSnapshot &&
					cc.HealthyStreak >= healthyCycles &&
					cc.Snapshot.Thermal <= vitals.ThermalLight &&
					cc.Snapshot.CPUPercent < 50 &&
					cc.Snapshot.BatteryPercent > 50
			},
			Action: func(ctx context.Context, cc *CycleContext, act Actuators) error {
				if act.Quality == nil {
					return nil
				}
				act.Quality.ForceAdaptation(quality.Decision{
					Rule:       "quality-enhancement",
					Direction:  quality.Upgrade,
					Urgency:    0.5,
					Reason:     "sustained headroom, restoring quality",
					Confidence: 0.75,
				})
				return nil
			},
		},
	}
}
