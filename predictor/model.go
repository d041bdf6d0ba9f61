package predictor

import (
	"fmt"
	"math"
	"time"
)

// Sample is one supervised training pair: a feature vector observed at time t
// and the target value observed at t+1. Targets are normalized to [0,1].
type Sample struct {
	Features []float64
	Target   float64
}

// Model is the pluggable online-model contract. Implementations must make
// Train all-or-nothing: a failed Train leaves the previous parameters intact.
type Model interface {
	Train(samples []Sample) error
	Predict(features []float64) float64
	Accuracy() float64
}

// TrainingConfig controls gradient descent for the linear models.
type TrainingConfig struct {
	Epochs       int
	LearningRate float64
	Momentum     float64
	L2           float64
}

// DefaultTrainingConfig returns the fixed training schedule.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Epochs:       50,
		LearningRate: 0.01,
		Momentum:     0.9,
		L2:           1e-4,
	}
}

// linearModel is an affine model squashed through a sigmoid. It learns by
// fixed-epoch gradient descent with momentum and L2 regularization.
type linearModel struct {
	weights   []float64
	bias      float64
	accuracy  float64
	trainedAt time.Time
	cfg       TrainingConfig
}

func newLinearModel(dim int, cfg TrainingConfig) *linearModel {
	return &linearModel{
		weights: make([]float64, dim),
		cfg:     cfg,
	}
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// Predict returns sigmoid(w·x + b), always within (0,1).
func (m *linearModel) Predict(features []float64) float64 {
	z := m.bias
	for i, w := range m.weights {
		if i >= len(features) {
			break
		}
		z += w * features[i]
	}
	return sigmoid(z)
}

// Train runs fixed-epoch gradient descent over the samples. Parameters are
// updated on a working copy and committed only when every epoch completes
// with finite values.
func (m *linearModel) Train(samples []Sample) error {
	if len(samples) == 0 {
		return fmt.Errorf("%w: no samples", ErrTrainingFailed)
	}
	dim := len(m.weights)

	weights := make([]float64, dim)
	copy(weights, m.weights)
	bias := m.bias
	velocity := make([]float64, dim)
	biasVelocity := 0.0

	for epoch := 0; epoch < m.cfg.Epochs; epoch++ {
		for _, s := range samples {
			z := bias
			for i := 0; i < dim && i < len(s.Features); i++ {
				z += weights[i] * s.Features[i]
			}
			pred := sigmoid(z)
			// d(MSE)/dz for a sigmoid output.
			delta := (pred - s.Target) * pred * (1 - pred)

			for i := 0; i < dim && i < len(s.Features); i++ {
				grad := delta*s.Features[i] + m.cfg.L2*weights[i]
				velocity[i] = m.cfg.Momentum*velocity[i] - m.cfg.LearningRate*grad
				weights[i] += velocity[i]
			}
			biasVelocity = m.cfg.Momentum*biasVelocity - m.cfg.LearningRate*delta
			bias += biasVelocity
		}
	}

	for _, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: diverged", ErrTrainingFailed)
		}
	}
	if math.IsNaN(bias) || math.IsInf(bias, 0) {
		return fmt.Errorf("%w: diverged", ErrTrainingFailed)
	}

	// Accuracy = 1 - mean absolute error over the training window.
	mae := 0.0
	for _, s := range samples {
		z := bias
		for i := 0; i < dim && i < len(s.Features); i++ {
			z += weights[i] * s.Features[i]
		}
		mae += math.Abs(sigmoid(z) - s.Target)
	}
	mae /= float64(len(samples))

	m.weights = weights
	m.bias = bias
	m.accuracy = clamp01(1 - mae)
	m.trainedAt = time.Now()
	return nil
}

func (m *linearModel) Accuracy() float64 {
	return m.accuracy
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
