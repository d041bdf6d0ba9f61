package adaptive

import (
	"time"

	"github.com/thc1006/pose-coach-android-starter-sub004/eventbus"
	"github.com/thc1006/pose-coach-android-starter-sub004/metrics"
	"github.com/thc1006/pose-coach-android-starter-sub004/orchestrator"
	"github.com/thc1006/pose-coach-android-starter-sub004/placement"
	"github.com/thc1006/pose-coach-android-starter-sub004/predictor"
	"github.com/thc1006/pose-coach-android-starter-sub004/quality"
)

// AlertEvent wraps a threshold alert from the collector.
type AlertEvent struct {
	Alert metrics.Alert `json:"alert"`
}

func (e AlertEvent) EventKind() eventbus.Kind { return eventbus.KindAlert }
func (e AlertEvent) OccurredAt() time.Time    { return e.Alert.Timestamp }

// PredictionEvent wraps a resource forecast.
type PredictionEvent struct {
	Prediction predictor.Prediction `json:"prediction"`
}

func (e PredictionEvent) EventKind() eventbus.Kind { return eventbus.KindPrediction }
func (e PredictionEvent) OccurredAt() time.Time    { return e.Prediction.Timestamp }

// AdaptationEvent wraps a quality settings transition.
type AdaptationEvent struct {
	Adaptation quality.AdaptationEvent `json:"adaptation"`
}

func (e AdaptationEvent) EventKind() eventbus.Kind { return eventbus.KindAdaptation }
func (e AdaptationEvent) OccurredAt() time.Time    { return e.Adaptation.Timestamp }

// RuleFiringEvent wraps one orchestrator rule execution.
type RuleFiringEvent struct {
	Firing orchestrator.Firing `json:"firing"`
}

func (e RuleFiringEvent) EventKind() eventbus.Kind { return eventbus.KindDecision }
func (e RuleFiringEvent) OccurredAt() time.Time    { return e.Firing.At }

// PlacementEvent wraps a workload placement decision.
type PlacementEvent struct {
	Decision placement.Decision `json:"decision"`
}

func (e PlacementEvent) EventKind() eventbus.Kind { return eventbus.KindDecision }
func (e PlacementEvent) OccurredAt() time.Time    { return e.Decision.DecidedAt }

// RecommendationEvent carries the mitigation strategies scored for the
// latest prediction.
type RecommendationEvent struct {
	Strategies []predictor.Strategy `json:"strategies"`
	At         time.Time            `json:"at"`
}

func (e RecommendationEvent) EventKind() eventbus.Kind { return eventbus.KindRecommendation }
func (e RecommendationEvent) OccurredAt() time.Time    { return e.At }
