// Package quality owns the live processing-quality settings and adapts them
// through a fixed-priority rule ladder with hysteresis.
package quality

import "math"

// Tier is a named point in the continuous quality space.
type Tier int

const (
	TierUltraLow Tier = iota
	TierLow
	TierMedium
	TierHigh
	TierUltraHigh
)

func (t Tier) String() string {
	switch t {
	case TierUltraLow:
		return "ultra-low"
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	case TierUltraHigh:
		return "ultra-high"
	default:
		return "unknown"
	}
}

// Field ranges. Transition results outside these bounds are clamped,
// never rejected.
const (
	MinImageQuality     = 0.1
	MaxImageQuality     = 1.0
	MinResolutionScale  = 0.25
	MaxResolutionScale  = 1.0
	MaxFrameSkip        = 5
	MinFrequencyHz      = 1.0
	MaxFrequencyHz      = 60.0
	MaxTrackedObjectCap = 10
)

// Settings is the single live quality register read by the pipeline before
// each processing unit. It is mutated only via whole-value transitions.
type Settings struct {
	ImageQuality        float64 `json:"image_quality"`     // [0.1, 1.0]
	ResolutionScale     float64 `json:"resolution_scale"`  // [0.25, 1.0]
	FrameSkipRatio      int     `json:"frame_skip_ratio"`  // [0, 5] frames skipped per processed
	ProcessingFrequency float64 `json:"processing_hz"`     // [1, 60]
	OverlayComplexity   Tier    `json:"overlay_complexity"`
	DetectionAccuracy   Tier    `json:"detection_accuracy"`
	GPUEnabled          bool    `json:"gpu_enabled"`
	MaxTrackedObjects   int     `json:"max_tracked_objects"` // [1, 10]
	SubPixelEnabled     bool    `json:"sub_pixel_enabled"`
}

// Clamp forces every field back into its documented range.
func (s Settings) Clamp() Settings {
	s.ImageQuality = clampF(s.ImageQuality, MinImageQuality, MaxImageQuality)
	s.ResolutionScale = clampF(s.ResolutionScale, MinResolutionScale, MaxResolutionScale)
	s.FrameSkipRatio = clampI(s.FrameSkipRatio, 0, MaxFrameSkip)
	s.ProcessingFrequency = clampF(s.ProcessingFrequency, MinFrequencyHz, MaxFrequencyHz)
	s.OverlayComplexity = Tier(clampI(int(s.OverlayComplexity), int(TierUltraLow), int(TierUltraHigh)))
	s.DetectionAccuracy = Tier(clampI(int(s.DetectionAccuracy), int(TierUltraLow), int(TierUltraHigh)))
	s.MaxTrackedObjects = clampI(s.MaxTrackedObjects, 1, MaxTrackedObjectCap)
	return s
}

// Score is the composite quality score: a fixed-weight sum over normalized
// fields, in [0,1]. Used for nearest-profile detection and for measuring the
// gap to user preference.
func (s Settings) Score() float64 {
	score := 0.0
	score += 0.22 * (s.ImageQuality - MinImageQuality) / (MaxImageQuality - MinImageQuality)
	score += 0.18 * (s.ResolutionScale - MinResolutionScale) / (MaxResolutionScale - MinResolutionScale)
	score += 0.14 * (1 - float64(s.FrameSkipRatio)/MaxFrameSkip)
	score += 0.14 * (s.ProcessingFrequency - MinFrequencyHz) / (MaxFrequencyHz - MinFrequencyHz)
	score += 0.10 * float64(s.OverlayComplexity) / float64(TierUltraHigh)
	score += 0.10 * float64(s.DetectionAccuracy) / float64(TierUltraHigh)
	score += 0.06 * float64(s.MaxTrackedObjects-1) / float64(MaxTrackedObjectCap-1)
	if s.GPUEnabled {
		score += 0.03
	}
	if s.SubPixelEnabled {
		score += 0.03
	}
	return clampF(score, 0, 1)
}

// Profiles maps tier names to the canonical settings for that tier.
func Profiles() map[string]Settings {
	return map[string]Settings{
		TierUltraLow.String(): {
			ImageQuality:        0.1,
			ResolutionScale:     0.25,
			FrameSkipRatio:      4,
			ProcessingFrequency: 5,
			OverlayComplexity:   TierUltraLow,
			DetectionAccuracy:   TierUltraLow,
			GPUEnabled:          false,
			MaxTrackedObjects:   1,
			SubPixelEnabled:     false,
		},
		TierLow.String(): {
			ImageQuality:        0.3,
			ResolutionScale:     0.5,
			FrameSkipRatio:      2,
			ProcessingFrequency: 15,
			OverlayComplexity:   TierLow,
			DetectionAccuracy:   TierLow,
			GPUEnabled:          false,
			MaxTrackedObjects:   2,
			SubPixelEnabled:     false,
		},
		TierMedium.String(): {
			ImageQuality:        0.6,
			ResolutionScale:     0.75,
			FrameSkipRatio:      1,
			ProcessingFrequency: 30,
			OverlayComplexity:   TierMedium,
			DetectionAccuracy:   TierMedium,
			GPUEnabled:          true,
			MaxTrackedObjects:   4,
			SubPixelEnabled:     false,
		},
		TierHigh.String(): {
			ImageQuality:        0.85,
			ResolutionScale:     0.9,
			FrameSkipRatio:      0,
			ProcessingFrequency: 45,
			OverlayComplexity:   TierHigh,
			DetectionAccuracy:   TierHigh,
			GPUEnabled:          true,
			MaxTrackedObjects:   6,
			SubPixelEnabled:     true,
		},
		TierUltraHigh.String(): {
			ImageQuality:        1.0,
			ResolutionScale:     1.0,
			FrameSkipRatio:      0,
			ProcessingFrequency: 60,
			OverlayComplexity:   TierUltraHigh,
			DetectionAccuracy:   TierUltraHigh,
			GPUEnabled:          true,
			MaxTrackedObjects:   10,
			SubPixelEnabled:     true,
		},
	}
}

// ProfileFor returns the canonical settings for a tier.
func ProfileFor(t Tier) Settings {
	return Profiles()[t.String()]
}

// NearestProfile returns the named profile whose composite score is closest
// to the given settings.
func NearestProfile(s Settings) (string, Settings) {
	target := s.Score()
	bestName := TierMedium.String()
	best := Settings{}
	bestDist := math.MaxFloat64
	// Iterate tiers in order for deterministic ties.
	for t := TierUltraLow; t <= TierUltraHigh; t++ {
		p := ProfileFor(t)
		d := math.Abs(p.Score() - target)
		if d < bestDist {
			bestDist = d
			bestName = t.String()
			best = p
		}
	}
	return bestName, best
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
