// Package adaptive assembles the performance engine: vitals collection,
// resource prediction, quality control, predictive caching, workload
// placement, and the optimization orchestrator, connected through one event
// bus.
package adaptive

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/thc1006/pose-coach-android-starter-sub004/cache"
	"github.com/thc1006/pose-coach-android-starter-sub004/config"
	"github.com/thc1006/pose-coach-android-starter-sub004/eventbus"
	"github.com/thc1006/pose-coach-android-starter-sub004/metrics"
	"github.com/thc1006/pose-coach-android-starter-sub004/orchestrator"
	"github.com/thc1006/pose-coach-android-starter-sub004/placement"
	"github.com/thc1006/pose-coach-android-starter-sub004/predictor"
	"github.com/thc1006/pose-coach-android-starter-sub004/quality"
	"github.com/thc1006/pose-coach-android-starter-sub004/vitals"
)

var log = logging.Logger("adaptive/engine")

// Hardware describes the static device inventory the host supplies once at
// startup. Dynamic utilization comes from the vitals reader.
type Hardware struct {
	CPUCores         int   `json:"cpu_cores"`
	MemoryTotalBytes int64 `json:"memory_total_bytes"`
	HasGPU           bool  `json:"has_gpu"`
	HasNPU           bool  `json:"has_npu"`
}

// Engine is the top-level facade over all adaptive components.
type Engine struct {
	cfg *config.Config
	hw  Hardware

	bus       *eventbus.Bus
	collector *metrics.Collector
	pred      *predictor.Predictor
	qual      *quality.Controller
	cache     *cache.Cache
	placer    *placement.Optimizer
	orch      *orchestrator.Orchestrator
	detector  *predictor.AnomalyDetector
	scorer    *predictor.StrategyScorer

	remotes []placement.RemoteEndpoint

	mu      sync.RWMutex
	prefs   quality.Preferences
	started bool
}

// New builds a fully wired engine. A nil cfg uses defaults. The ctx scopes
// cache instrumentation registration only.
func New(ctx context.Context, cfg *config.Config, reader vitals.Reader, hw Hardware) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logging.Level != "" {
		if err := logging.SetLogLevelRegex("adaptive/.*", cfg.Logging.Level); err != nil {
			return nil, fmt.Errorf("setting log level: %w", err)
		}
	}

	profile, err := monitoringProfile(cfg.Collector.Profile)
	if err != nil {
		return nil, err
	}
	if cfg.Collector.Interval > 0 {
		profile.Interval = cfg.Collector.Interval
	}

	e := &Engine{
		cfg:      cfg,
		hw:       hw,
		detector: predictor.NewAnomalyDetector(),
		scorer:   predictor.NewStrategyScorer(),
		placer:   placement.NewOptimizer(),
		prefs:    quality.DefaultPreferences(),
	}

	e.bus = eventbus.New(eventbus.Config{
		ReplaySize:       cfg.EventBus.ReplaySize,
		SubscriberBuffer: cfg.EventBus.SubscriberBuffer,
	})

	e.collector, err = metrics.NewCollector(reader, metrics.Config{
		Profile:          profile,
		HistorySize:      cfg.Collector.HistorySize,
		AlertCooldown:    cfg.Collector.AlertCooldown,
		AlertHistorySize: cfg.Collector.AlertHistorySize,
	})
	if err != nil {
		return nil, fmt.Errorf("building collector: %w", err)
	}

	training := predictor.DefaultTrainingConfig()
	if cfg.Predictor.Epochs > 0 {
		training.Epochs = cfg.Predictor.Epochs
	}
	if cfg.Predictor.LearningRate > 0 {
		training.LearningRate = cfg.Predictor.LearningRate
	}
	e.pred = predictor.New(predictor.Config{
		MinSamples:      cfg.Predictor.MinSamples,
		TrainingWindow:  cfg.Predictor.TrainingWindow,
		PredictInterval: cfg.Predictor.PredictInterval,
		TrainEvery:      cfg.Predictor.TrainEvery,
		Training:        training,
	})

	e.qual = quality.NewController()
	if cfg.Quality.InitialProfile != "" {
		if err := e.qual.SetProfile(cfg.Quality.InitialProfile); err != nil {
			return nil, err
		}
	}
	e.prefs = quality.Preferences{
		TargetQuality: int(cfg.Quality.TargetQuality),
		Priority:      quality.PriorityMode(cfg.Quality.Priority),
		Sensitivity:   cfg.Quality.Sensitivity,
	}
	if err := e.prefs.Validate(); err != nil {
		return nil, err
	}

	e.cache, err = cache.New(ctx, cache.Config{
		MaxBytes:         cfg.Cache.MaxBytes,
		MaxEntries:       cfg.Cache.MaxEntries,
		DefaultTTL:       cfg.Cache.DefaultTTL,
		UpgradeThreshold: cfg.Cache.UpgradeThreshold,
		UpgradeWindow:    cfg.Cache.UpgradeWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("building cache: %w", err)
	}

	for _, r := range cfg.Placement.Remotes {
		e.remotes = append(e.remotes, placement.RemoteEndpoint{
			Name:          r.Name,
			URL:           r.URL,
			Healthy:       true,
			RTT:           r.RTT,
			SpeedupFactor: r.SpeedupFactor,
		})
	}

	e.orch, err = orchestrator.New(orchestrator.Config{
		CycleInterval:  cfg.Orchestrator.CycleInterval,
		InterRuleDelay: cfg.Orchestrator.InterRuleDelay,
		HealthyCycles:  cfg.Orchestrator.HealthyCycles,
	}, orchestrator.Sources{
		Snapshot:   e.collector.History().Latest,
		History:    e.collector.History,
		Prediction: e.pred.Latest,
		Anomalies:  e.detectAnomalies,
		CacheStats: e.cache.Stats,
	}, orchestrator.Actuators{
		Quality: e.qual,
		Cache:   e.cache,
	})
	if err != nil {
		return nil, fmt.Errorf("building orchestrator: %w", err)
	}
	if err := e.orch.AddRule(e.qualityLadderRule()); err != nil {
		return nil, err
	}

	e.wireEvents()
	return e, nil
}

// monitoringProfile maps a config name to a collector profile.
func monitoringProfile(name string) (metrics.Profile, error) {
	switch name {
	case "", "default":
		return metrics.DefaultProfile(), nil
	case "aggressive":
		return metrics.AggressiveProfile(), nil
	case "relaxed":
		return metrics.RelaxedProfile(), nil
	default:
		return metrics.Profile{}, fmt.Errorf("%w: unknown monitoring profile %q", config.ErrInvalid, name)
	}
}

// wireEvents bridges component callbacks onto the event bus.
func (e *Engine) wireEvents() {
	e.collector.OnAlert(func(a metrics.Alert) {
		e.bus.Publish(AlertEvent{Alert: a})
	})
	e.qual.OnAdaptation(func(ev quality.AdaptationEvent) {
		e.bus.Publish(AdaptationEvent{Adaptation: ev})
	})
	e.orch.OnFiring(func(f orchestrator.Firing) {
		e.bus.Publish(RuleFiringEvent{Firing: f})
	})
	e.pred.OnPrediction(func(p predictor.Prediction) {
		e.bus.Publish(PredictionEvent{Prediction: p})
		snap, ok := e.collector.History().Latest()
		if !ok {
			return
		}
		if strategies := e.scorer.Score(p, snap); len(strategies) > 0 {
			e.bus.Publish(RecommendationEvent{Strategies: strategies, At: time.Now()})
		}
	})
}

// qualityLadderRule runs the preference-driven quality evaluation inside the
// optimization cycle, below the protective rules.
func (e *Engine) qualityLadderRule() orchestrator.Rule {
	return orchestrator.Rule{
		ID:       "quality-ladder",
		Priority: 7,
		Cooldown: 10 * time.Second,
		Condition: func(cc *orchestrator.CycleContext) bool {
			return cc.HasSnapshot
		},
		Action: func(ctx context.Context, cc *orchestrator.CycleContext, act orchestrator.Actuators) error {
			in := quality.Input{
				Snapshot:     cc.Snapshot,
				PerfMean:     cc.PerfMean,
				PerfVariance: cc.PerfVariance,
				Preferences:  e.Preferences(),
			}
			if cc.HasPrediction {
				in.PredictedTier = cc.Prediction.RecommendedTier
				in.PredictionConfidence = cc.Prediction.Confidence
			}
			if d, ok := e.qual.Evaluate(in); ok {
				e.qual.Apply(d)
			}
			return nil
		},
	}
}

// detectAnomalies refits the baseline on accumulated history and scores the
// latest snapshot against it.
func (e *Engine) detectAnomalies() []predictor.Anomaly {
	snaps := e.collector.History().Snapshots()
	if len(snaps) >= 30 {
		if err := e.detector.Fit(snaps); err != nil {
			log.Debugw("anomaly baseline fit failed", "error", err)
		}
	}
	latest, ok := e.collector.History().Latest()
	if !ok {
		return nil
	}
	if a, found := e.detector.Detect(latest); found {
		return []predictor.Anomaly{a}
	}
	return nil
}

// Start launches the collector, predictor, and orchestrator loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.collector.Start(ctx); err != nil {
		return err
	}
	if err := e.pred.Start(ctx, e.collector.History().Snapshots); err != nil {
		e.collector.Stop()
		return err
	}
	e.orch.Start(ctx)
	log.Info("adaptive engine started")
	return nil
}

// Stop halts the loops in reverse order and closes the event bus.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	e.orch.Stop()
	e.pred.Stop()
	e.collector.Stop()
	if err := e.bus.Close(); err != nil {
		log.Debugw("event bus close", "error", err)
	}
	log.Info("adaptive engine stopped")
}

// Subscribe attaches a consumer to the event stream. Recent events are
// replayed first.
func (e *Engine) Subscribe(id string) (<-chan eventbus.Event, error) {
	return e.bus.Subscribe(id)
}

// Unsubscribe detaches a consumer.
func (e *Engine) Unsubscribe(id string) error {
	return e.bus.Unsubscribe(id)
}

// Decide places a workload using the live device picture and publishes the
// outcome on the bus.
func (e *Engine) Decide(ctx context.Context, w placement.Workload) placement.Decision {
	caps := e.capabilities()
	net := vitals.NetworkState{}
	if snap, ok := e.collector.History().Latest(); ok {
		net = snap.Network
	}
	prefs := placement.Preferences{
		AllowRemote:  e.cfg.Placement.AllowRemote,
		FavorBattery: e.cfg.Placement.FavorBattery,
	}
	d := e.placer.Decide(ctx, w, caps, net, e.remotes, prefs)
	e.bus.Publish(PlacementEvent{Decision: d})
	return d
}

// capabilities merges the static hardware inventory with the latest vitals.
func (e *Engine) capabilities() placement.DeviceCapabilities {
	caps := placement.DeviceCapabilities{
		CPUCores:             e.hw.CPUCores,
		CPUAvailability:      0.5,
		MemoryAvailableBytes: e.hw.MemoryTotalBytes / 2,
		HasGPU:               e.hw.HasGPU,
		GPUAvailability:      0.5,
		HasNPU:               e.hw.HasNPU,
		NPUAvailability:      0.5,
		BatteryLevel:         0.5,
	}
	snap, ok := e.collector.History().Latest()
	if !ok {
		return caps
	}
	avail := 1 - snap.CPUPercent/100
	caps.CPUAvailability = avail
	caps.GPUAvailability = avail
	caps.NPUAvailability = avail
	caps.MemoryAvailableBytes = int64(float64(e.hw.MemoryTotalBytes) * (1 - snap.MemoryPercent/100))
	caps.BatteryLevel = snap.BatteryPercent / 100
	caps.Charging = snap.Charging
	caps.Thermal = snap.Thermal
	return caps
}

// CurrentSettings returns the live quality settings.
func (e *Engine) CurrentSettings() quality.Settings {
	return e.qual.Current()
}

// Preferences returns the active quality preferences.
func (e *Engine) Preferences() quality.Preferences {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.prefs
}

// UpdatePreferences swaps the quality preferences after validation.
func (e *Engine) UpdatePreferences(p quality.Preferences) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.prefs = p
	e.mu.Unlock()
	log.Infow("preferences updated", "target", p.TargetQuality, "priority", p.Priority)
	return nil
}

// SetMonitoringProfile switches the collector's sampling profile by name.
func (e *Engine) SetMonitoringProfile(name string) error {
	p, err := monitoringProfile(name)
	if err != nil {
		return err
	}
	return e.collector.SetProfile(p)
}

// SetQualityProfile jumps the quality controller to a named profile.
func (e *Engine) SetQualityProfile(name string) error {
	return e.qual.SetProfile(name)
}

// SetCacheLimits resizes the predictive cache.
func (e *Engine) SetCacheLimits(maxBytes int64, maxEntries int) error {
	return e.cache.SetLimits(maxBytes, maxEntries)
}

// Cache exposes the predictive cache for pipeline use.
func (e *Engine) Cache() *cache.Cache {
	return e.cache
}

// History exposes the vitals history.
func (e *Engine) History() *vitals.History {
	return e.collector.History()
}

// Prediction returns the most recent forecast, if one has been made.
func (e *Engine) Prediction() (predictor.Prediction, bool) {
	return e.pred.Latest()
}

// State returns the orchestrator's rolling optimization state.
func (e *Engine) State() orchestrator.OptimizationState {
	return e.orch.State()
}

// Alerts returns collector alerts emitted at or after the given time.
func (e *Engine) Alerts(since time.Time) []metrics.Alert {
	return e.collector.AlertHistory(since)
}
