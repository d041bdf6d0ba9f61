package quality

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/thc1006/pose-coach-android-starter-sub004/vitals"
)

var log = logging.Logger("adaptive/quality")

var (
	// ErrUnknownProfile is returned for profile names outside the fixed set.
	ErrUnknownProfile = errors.New("unknown quality profile")

	// ErrPreferencesInvalid is returned when user preferences are rejected at
	// the configuration boundary.
	ErrPreferencesInvalid = errors.New("preferences out of range")
)

// PriorityMode expresses which side of the battery/performance trade the
// user favors.
type PriorityMode string

const (
	PriorityBattery     PriorityMode = "battery"
	PriorityBalanced    PriorityMode = "balanced"
	PriorityPerformance PriorityMode = "performance"
)

// Preferences are the user-facing tuning knobs.
type Preferences struct {
	// TargetQuality is the desired quality on a 0-100 scale.
	TargetQuality int `json:"target_quality"`
	// Priority selects the battery/performance trade.
	Priority PriorityMode `json:"priority"`
	// Sensitivity in [0,1] controls how eagerly the controller chases the
	// target; higher means smaller gaps trigger adaptation.
	Sensitivity float64 `json:"sensitivity"`
}

// DefaultPreferences returns balanced defaults.
func DefaultPreferences() Preferences {
	return Preferences{
		TargetQuality: 60,
		Priority:      PriorityBalanced,
		Sensitivity:   0.5,
	}
}

// Validate rejects out-of-range preferences.
func (p Preferences) Validate() error {
	if p.TargetQuality < 0 || p.TargetQuality > 100 {
		return fmt.Errorf("%w: target quality %d not in [0,100]", ErrPreferencesInvalid, p.TargetQuality)
	}
	if p.Sensitivity < 0 || p.Sensitivity > 1 {
		return fmt.Errorf("%w: sensitivity %.2f not in [0,1]", ErrPreferencesInvalid, p.Sensitivity)
	}
	switch p.Priority {
	case PriorityBattery, PriorityBalanced, PriorityPerformance, "":
	default:
		return fmt.Errorf("%w: priority %q", ErrPreferencesInvalid, p.Priority)
	}
	return nil
}

// Direction says which way an adaptation moves quality.
type Direction string

const (
	Downgrade Direction = "downgrade"
	Upgrade   Direction = "upgrade"
)

// Decision is the outcome of one rule-ladder evaluation.
type Decision struct {
	Rule                string    `json:"rule"`
	Direction           Direction `json:"direction"`
	Urgency             float64   `json:"urgency"` // [0,1]
	Reason              string    `json:"reason"`
	Confidence          float64   `json:"confidence"`
	ExpectedImprovement float64   `json:"expected_improvement"`
}

// Input carries everything the rule ladder evaluates against.
type Input struct {
	Snapshot             vitals.SystemSnapshot
	PerfMean             float64 // rolling mean of cycle performance scores
	PerfVariance         float64
	PredictedTier        Tier
	PredictionConfidence float64
	Preferences          Preferences
}

// AdaptationEvent records one whole-value settings transition.
type AdaptationEvent struct {
	ID                  string    `json:"id"`
	Timestamp           time.Time `json:"timestamp"`
	Rule                string    `json:"rule"`
	Before              Settings  `json:"before"`
	After               Settings  `json:"after"`
	Reason              string    `json:"reason"`
	Confidence          float64   `json:"confidence"`
	ExpectedImprovement float64   `json:"expected_improvement"`
}

// Controller owns the live Settings value. All mutation paths, including
// explicit overrides, funnel through the same whole-value transition.
type Controller struct {
	mu           sync.RWMutex
	current      Settings
	events       []AdaptationEvent
	maxEvents    int
	onAdaptation func(AdaptationEvent)
}

// NewController starts at the medium profile.
func NewController() *Controller {
	return &Controller{
		current:   ProfileFor(TierMedium),
		maxEvents: 100,
	}
}

// Current returns the live settings value.
func (c *Controller) Current() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Events returns a copy of the bounded adaptation log, oldest first.
func (c *Controller) Events() []AdaptationEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AdaptationEvent, len(c.events))
	copy(out, c.events)
	return out
}

// OnAdaptation registers a callback invoked after each transition.
func (c *Controller) OnAdaptation(fn func(AdaptationEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAdaptation = fn
}

// Evaluate runs the fixed-priority rule ladder once and reports the first
// matching rule, if any. It never mutates settings; pass the decision to
// Apply to act on it.
func (c *Controller) Evaluate(in Input) (Decision, bool) {
	s := in.Snapshot

	if s.Thermal >= vitals.ThermalSevere {
		urgency := clampF(float64(s.Thermal-vitals.ThermalElevated)/float64(vitals.ThermalShutdown-vitals.ThermalElevated), 0.5, 1)
		return Decision{
			Rule:                "thermal-critical",
			Direction:           Downgrade,
			Urgency:             urgency,
			Reason:              fmt.Sprintf("thermal tier %s", s.Thermal),
			Confidence:          1.0,
			ExpectedImprovement: 0.3,
		}, true
	}

	if s.BatteryPercent < 15 && !s.Charging {
		return Decision{
			Rule:                "battery-critical",
			Direction:           Downgrade,
			Urgency:             0.8,
			Reason:              fmt.Sprintf("battery at %.0f%% and discharging", s.BatteryPercent),
			Confidence:          0.95,
			ExpectedImprovement: 0.25,
		}, true
	}

	if in.PerfMean < 0.6 && in.PerfVariance > 0.1 {
		return Decision{
			Rule:                "performance-instability",
			Direction:           Downgrade,
			Urgency:             0.5,
			Reason:              fmt.Sprintf("perf mean %.2f, variance %.2f", in.PerfMean, in.PerfVariance),
			Confidence:          0.75,
			ExpectedImprovement: 0.2,
		}, true
	}

	if in.PerfMean > 0.8 && in.PerfVariance < 0.05 &&
		s.Thermal <= vitals.ThermalLight && s.BatteryPercent > 50 {
		return Decision{
			Rule:                "resource-surplus",
			Direction:           Upgrade,
			Urgency:             0.3,
			Reason:              "stable headroom available",
			Confidence:          0.7,
			ExpectedImprovement: 0.15,
		}, true
	}

	// Preference alignment: chase the user's target when the gap exceeds the
	// sensitivity-scaled threshold.
	target := float64(in.Preferences.TargetQuality) / 100.0
	gap := target - c.Current().Score()
	threshold := 0.05 + 0.15*(1-in.Preferences.Sensitivity)
	if math.Abs(gap) > threshold {
		dir := Upgrade
		if gap < 0 {
			dir = Downgrade
		}
		return Decision{
			Rule:                "preference-alignment",
			Direction:           dir,
			Urgency:             clampF(math.Abs(gap), 0, 1),
			Reason:              fmt.Sprintf("quality score gap %.2f to preference", gap),
			Confidence:          0.6,
			ExpectedImprovement: math.Abs(gap) / 2,
		}, true
	}

	return Decision{}, false
}

// Apply executes a decision: each tunable field is scaled by a direction and
// urgency dependent factor, the result is clamped, and the whole value is
// swapped in atomically.
func (c *Controller) Apply(d Decision) AdaptationEvent {
	return c.transition(d.Rule, d.Reason, d.Confidence, d.ExpectedImprovement, func(s Settings) Settings {
		switch d.Direction {
		case Downgrade:
			f := 1 - (0.1 + 0.25*d.Urgency)
			s.ImageQuality *= f
			s.ResolutionScale *= f
			s.ProcessingFrequency *= f
			s.MaxTrackedObjects = int(math.Round(float64(s.MaxTrackedObjects) * f))
			s.FrameSkipRatio++
			if d.Urgency >= 0.8 {
				s.FrameSkipRatio++
				s.GPUEnabled = false
			}
			if d.Urgency >= 0.5 {
				s.OverlayComplexity--
				s.DetectionAccuracy--
				s.SubPixelEnabled = false
			}
		case Upgrade:
			f := 1 + (0.05 + 0.15*d.Urgency)
			s.ImageQuality *= f
			s.ResolutionScale *= f
			s.ProcessingFrequency *= f
			s.MaxTrackedObjects = int(math.Round(float64(s.MaxTrackedObjects) * f))
			if s.FrameSkipRatio > 0 {
				s.FrameSkipRatio--
			}
			if d.Urgency >= 0.2 {
				s.OverlayComplexity++
				s.DetectionAccuracy++
			}
			s.GPUEnabled = true
			if s.ImageQuality >= 0.8 {
				s.SubPixelEnabled = true
			}
		}
		return s
	})
}

// ForceAdaptation applies an externally constructed decision through the
// same transition path as rule-driven adaptation.
func (c *Controller) ForceAdaptation(d Decision) AdaptationEvent {
	return c.Apply(d)
}

// SetProfile swaps the live settings to a named profile in one transition.
func (c *Controller) SetProfile(name string) error {
	profile, ok := Profiles()[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	c.transition("profile-override", "profile set to "+name, 1.0, 0, func(Settings) Settings {
		return profile
	})
	return nil
}

// SetTier swaps the live settings to the canonical profile for a tier.
func (c *Controller) SetTier(t Tier) {
	c.transition("tier-override", "tier set to "+t.String(), 1.0, 0, func(Settings) Settings {
		return ProfileFor(t)
	})
}

// transition is the single mutation path: compute the next whole value under
// the lock, clamp it, swap it in, and record the adaptation event.
func (c *Controller) transition(rule, reason string, confidence, improvement float64, mutate func(Settings) Settings) AdaptationEvent {
	c.mu.Lock()
	before := c.current
	after := mutate(before).Clamp()
	c.current = after

	evt := AdaptationEvent{
		ID:                  uuid.NewString(),
		Timestamp:           time.Now(),
		Rule:                rule,
		Before:              before,
		After:               after,
		Reason:              reason,
		Confidence:          confidence,
		ExpectedImprovement: improvement,
	}
	c.events = append(c.events, evt)
	if len(c.events) > c.maxEvents {
		c.events = c.events[1:]
	}
	onAdaptation := c.onAdaptation
	c.mu.Unlock()

	log.Infow("quality transition", "rule", rule, "reason", reason,
		"before_score", before.Score(), "after_score", after.Score())

	if onAdaptation != nil {
		onAdaptation(evt)
	}
	return evt
}
