// Package predictor trains lightweight online models against the vitals
// history and publishes near-future resource pressure predictions.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/thc1006/pose-coach-android-starter-sub004/quality"
	"github.com/thc1006/pose-coach-android-starter-sub004/vitals"
)

var log = logging.Logger("adaptive/predictor")

var (
	// ErrInsufficientHistory means predict was called below the minimum
	// sample count. No prediction is manufactured in this case.
	ErrInsufficientHistory = errors.New("insufficient history for prediction")

	// ErrTrainingFailed means a training pass did not complete; the prior
	// model remains authoritative.
	ErrTrainingFailed = errors.New("model training failed")
)

// Target names one predicted resource.
type Target string

const (
	TargetCPU           Target = "cpu"
	TargetMemory        Target = "memory"
	TargetInferenceTime Target = "inference_time"
	TargetBatteryDrain  Target = "battery_drain"
)

var allTargets = []Target{TargetCPU, TargetMemory, TargetInferenceTime, TargetBatteryDrain}

// Prediction is the latest-wins output of one predict pass.
type Prediction struct {
	Timestamp           time.Time     `json:"timestamp"`
	CPUPercent          float64       `json:"cpu_percent"`
	MemoryPercent       float64       `json:"memory_percent"`
	InferenceTime       time.Duration `json:"inference_time"`
	BatteryDrainPerHour float64       `json:"battery_drain_per_hour"`
	Confidence          float64       `json:"confidence"` // [0,1]
	RecommendedTier     quality.Tier  `json:"recommended_tier"`
}

// Config controls prediction and training behavior.
type Config struct {
	// MinSamples below which Predict emits nothing.
	MinSamples int
	// TrainingWindow caps how many history pairs feed one training pass.
	TrainingWindow int
	// Training is the gradient descent schedule.
	Training TrainingConfig
	// MaxInferenceTime scales the normalized inference prediction.
	MaxInferenceTime time.Duration
	// MaxDrainPerHour scales the normalized battery drain prediction.
	MaxDrainPerHour float64
	// PredictInterval is the loop tick; TrainEvery counts ticks per training
	// pass.
	PredictInterval time.Duration
	TrainEvery      int
}

// DefaultConfig returns the fixed predictor schedule.
func DefaultConfig() Config {
	return Config{
		MinSamples:       10,
		TrainingWindow:   100,
		Training:         DefaultTrainingConfig(),
		MaxInferenceTime: 100 * time.Millisecond,
		MaxDrainPerHour:  10,
		PredictInterval:  2 * time.Second,
		TrainEvery:       15,
	}
}

// Predictor owns one online model per resource target. Models are replaced
// atomically after a successful training pass; readers never observe partial
// weights.
type Predictor struct {
	cfg Config

	mu           sync.RWMutex
	models       map[Target]Model
	latest       *Prediction
	onPrediction func(Prediction)

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a predictor with freshly initialized models.
func New(cfg Config) *Predictor {
	if cfg.MinSamples <= 1 {
		cfg.MinSamples = DefaultConfig().MinSamples
	}
	if cfg.TrainingWindow <= 0 {
		cfg.TrainingWindow = DefaultConfig().TrainingWindow
	}
	if cfg.Training.Epochs <= 0 {
		cfg.Training = DefaultTrainingConfig()
	}
	if cfg.MaxInferenceTime <= 0 {
		cfg.MaxInferenceTime = DefaultConfig().MaxInferenceTime
	}
	if cfg.MaxDrainPerHour <= 0 {
		cfg.MaxDrainPerHour = DefaultConfig().MaxDrainPerHour
	}
	if cfg.PredictInterval <= 0 {
		cfg.PredictInterval = DefaultConfig().PredictInterval
	}
	if cfg.TrainEvery <= 0 {
		cfg.TrainEvery = DefaultConfig().TrainEvery
	}

	models := make(map[Target]Model, len(allTargets))
	for _, target := range allTargets {
		models[target] = newLinearModel(featureCount, cfg.Training)
	}
	return &Predictor{
		cfg:      cfg,
		models:   models,
		stopChan: make(chan struct{}),
	}
}

// OnPrediction registers a callback for each emitted prediction.
func (p *Predictor) OnPrediction(fn func(Prediction)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPrediction = fn
}

// Latest returns the most recent prediction, if one has been emitted.
func (p *Predictor) Latest() (Prediction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return Prediction{}, false
	}
	return *p.latest, true
}

// Predict runs every resource model over the recent snapshots. Below
// MinSamples it returns ErrInsufficientHistory and emits nothing.
func (p *Predictor) Predict(snaps []vitals.SystemSnapshot) (Prediction, error) {
	if len(snaps) < p.cfg.MinSamples {
		return Prediction{}, fmt.Errorf("%w: have %d, need %d",
			ErrInsufficientHistory, len(snaps), p.cfg.MinSamples)
	}

	features := featuresFrom(snaps)
	latest := snaps[len(snaps)-1]

	p.mu.RLock()
	cpuModel := p.models[TargetCPU]
	memModel := p.models[TargetMemory]
	infModel := p.models[TargetInferenceTime]
	drainModel := p.models[TargetBatteryDrain]
	p.mu.RUnlock()

	pred := Prediction{
		Timestamp:           time.Now(),
		CPUPercent:          cpuModel.Predict(features) * 100,
		MemoryPercent:       memModel.Predict(features) * 100,
		InferenceTime:       time.Duration(infModel.Predict(features) * float64(p.cfg.MaxInferenceTime)),
		BatteryDrainPerHour: drainModel.Predict(features) * p.cfg.MaxDrainPerHour,
	}
	pred.Confidence = p.confidence(snaps)
	pred.RecommendedTier = recommendTier(pred.CPUPercent/100, pred.MemoryPercent/100, latest.BatteryPercent/100)

	p.mu.Lock()
	p.latest = &pred
	onPrediction := p.onPrediction
	p.mu.Unlock()

	if onPrediction != nil {
		onPrediction(pred)
	}
	return pred, nil
}

// Train fits a fresh model per target on sliding-window (features(t),
// target(t+1)) pairs and swaps each in only after its pass succeeds. A failed
// target keeps its prior model.
func (p *Predictor) Train(snaps []vitals.SystemSnapshot) error {
	if len(snaps) < p.cfg.MinSamples+1 {
		return fmt.Errorf("%w: have %d, need %d",
			ErrInsufficientHistory, len(snaps), p.cfg.MinSamples+1)
	}
	if len(snaps) > p.cfg.TrainingWindow+1 {
		snaps = snaps[len(snaps)-p.cfg.TrainingWindow-1:]
	}

	var firstErr error
	for _, target := range allTargets {
		samples := buildSamples(snaps, target, p.cfg.MinSamples)
		if len(samples) == 0 {
			continue
		}

		fresh := newLinearModel(featureCount, p.cfg.Training)
		// Warm start from the current weights.
		p.mu.RLock()
		if prev, ok := p.models[target].(*linearModel); ok {
			copy(fresh.weights, prev.weights)
			fresh.bias = prev.bias
		}
		p.mu.RUnlock()

		if err := fresh.Train(samples); err != nil {
			log.Warnw("training pass failed, keeping prior model", "target", target, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		p.mu.Lock()
		p.models[target] = fresh
		p.mu.Unlock()
		log.Debugw("model trained", "target", target, "samples", len(samples), "accuracy", fresh.Accuracy())
	}
	return firstErr
}

// buildSamples pairs the feature vector over snaps[:i+1] with the target
// value observed at snaps[i+1].
func buildSamples(snaps []vitals.SystemSnapshot, target Target, minWindow int) []Sample {
	var samples []Sample
	for i := minWindow - 1; i < len(snaps)-1; i++ {
		window := snaps[:i+1]
		next := snaps[i+1]
		var y float64
		switch target {
		case TargetCPU:
			y = next.CPUPercent / 100
		case TargetMemory:
			y = next.MemoryPercent / 100
		case TargetInferenceTime:
			// Inference pressure proxy: measured latency is not part of the
			// vitals feed, so pressure is derived from the load the pipeline
			// runs under.
			y = clamp01(0.6*next.CPUPercent/100 + 0.25*float64(next.Thermal)/6 + 0.15*next.MemoryPercent/100)
		case TargetBatteryDrain:
			cur := snaps[i]
			hours := next.Timestamp.Sub(cur.Timestamp).Hours()
			if hours <= 0 || next.Charging || cur.Charging {
				continue
			}
			drain := (cur.BatteryPercent - next.BatteryPercent) / hours
			if drain < 0 {
				drain = 0
			}
			y = clamp01(drain / 10)
		}
		samples = append(samples, Sample{Features: featuresFrom(window), Target: y})
	}
	return samples
}

// confidence blends inverse recent variance, model accuracy, and sample
// adequacy. Low-confidence predictions are still emitted.
func (p *Predictor) confidence(snaps []vitals.SystemSnapshot) float64 {
	// Inverse variance of recent CPU: stable vitals predict well.
	n := len(snaps)
	recent := snaps
	if n > 20 {
		recent = snaps[n-20:]
	}
	meanCPU := 0.0
	for _, s := range recent {
		meanCPU += s.CPUPercent
	}
	meanCPU /= float64(len(recent))
	variance := 0.0
	for _, s := range recent {
		d := s.CPUPercent - meanCPU
		variance += d * d
	}
	variance /= float64(len(recent))
	invVariance := 1.0 / (1.0 + variance/100.0)

	p.mu.RLock()
	accuracy := 0.0
	for _, m := range p.models {
		accuracy += m.Accuracy()
	}
	accuracy /= float64(len(p.models))
	p.mu.RUnlock()

	adequacy := float64(n) / 60.0
	if adequacy > 1 {
		adequacy = 1
	}

	return clamp01(0.4*invVariance + 0.4*accuracy + 0.2*adequacy)
}

// recommendTier maps combined predicted pressure and battery headroom onto
// the fixed ordered breakpoints.
func recommendTier(cpu, mem, batteryHeadroom float64) quality.Tier {
	pressure := 0.5*cpu + 0.3*mem + 0.2*(1-batteryHeadroom)
	switch {
	case pressure < 0.25:
		return quality.TierUltraHigh
	case pressure < 0.45:
		return quality.TierHigh
	case pressure < 0.65:
		return quality.TierMedium
	case pressure < 0.85:
		return quality.TierLow
	default:
		return quality.TierUltraLow
	}
}

// HistorySource supplies the snapshots the loop predicts from.
type HistorySource func() []vitals.SystemSnapshot

// Start launches the periodic predict/train loop against the given source.
func (p *Predictor) Start(ctx context.Context, source HistorySource) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("predictor is already running")
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx, source)
	log.Infow("predictor started", "interval", p.cfg.PredictInterval)
	return nil
}

// Stop terminates the loop.
func (p *Predictor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	log.Info("predictor stopped")
}

func (p *Predictor) loop(ctx context.Context, source HistorySource) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PredictInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			snaps := source()
			if _, err := p.Predict(snaps); err != nil && !errors.Is(err, ErrInsufficientHistory) {
				log.Warnw("predict failed", "error", err)
			}
			tick++
			if tick%p.cfg.TrainEvery == 0 {
				if err := p.Train(snaps); err != nil && !errors.Is(err, ErrInsufficientHistory) {
					log.Warnw("train failed", "error", err)
				}
			}
		}
	}
}
