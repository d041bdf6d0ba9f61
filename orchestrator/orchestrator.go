// Package orchestrator runs the periodic optimization cycle that ties the
// collector, predictor, quality controller, and cache together. Each cycle
// builds a context from the latest signals, evaluates prioritized rules, and
// executes the matching ones in descending priority order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thc1006/pose-coach-android-starter-sub004/cache"
	"github.com/thc1006/pose-coach-android-starter-sub004/predictor"
	"github.com/thc1006/pose-coach-android-starter-sub004/quality"
	"github.com/thc1006/pose-coach-android-starter-sub004/vitals"
)

var log = logging.Logger("adaptive/orchestrator")

var (
	// ErrDuplicateRule is returned when a rule ID is already registered.
	ErrDuplicateRule = errors.New("rule already registered")

	// ErrRuleInvalid is returned for rules missing an ID, condition, or
	// action.
	ErrRuleInvalid = errors.New("rule is invalid")
)

// Phase names the stage the cycle state machine is in.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBuildContext
	PhaseEvaluate
	PhaseExecute
	PhaseUpdateState
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBuildContext:
		return "build_context"
	case PhaseEvaluate:
		return "evaluate"
	case PhaseExecute:
		return "execute"
	case PhaseUpdateState:
		return "update_state"
	default:
		return "unknown"
	}
}

// OptimizationState is the cycle's rolling assessment of how well the
// pipeline is doing. Every dimension is clamped to [0,1].
type OptimizationState struct {
	// PerformanceScore blends CPU and memory headroom, 60/40.
	PerformanceScore float64 `json:"performance_score"`
	// Efficiency is delivered quality relative to resource pressure.
	Efficiency float64 `json:"efficiency"`
	// BatteryImpact is the estimated drain cost; higher is worse.
	BatteryImpact float64 `json:"battery_impact"`
	// UserSatisfaction blends delivered quality with responsiveness.
	UserSatisfaction float64 `json:"user_satisfaction"`
	// SystemStability falls with recent CPU volatility.
	SystemStability float64   `json:"system_stability"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CycleContext is everything one cycle's rules evaluate against.
type CycleContext struct {
	Snapshot      vitals.SystemSnapshot
	HasSnapshot   bool
	History       *vitals.History
	Prediction    predictor.Prediction
	HasPrediction bool
	Anomalies     []predictor.Anomaly
	CacheStats    cache.Stats
	Settings      quality.Settings
	State         OptimizationState
	// PerfMean and PerfVariance summarize the rolling window of recent
	// per-cycle performance scores.
	PerfMean      float64
	PerfVariance  float64
	HealthyStreak int
	Now           time.Time
}

// pressure is the blended resource pressure used across rules.
func (cc *CycleContext) pressure() float64 {
	s := cc.Snapshot
	return 0.5*s.CPUPercent/100 + 0.3*s.MemoryPercent/100 + 0.2*(1-s.BatteryPercent/100)
}

// Actuators are the components rules act on.
type Actuators struct {
	Quality *quality.Controller
	Cache   *cache.Cache
}

// Sources supply per-cycle signals. Nil sources are treated as absent.
type Sources struct {
	Snapshot   func() (vitals.SystemSnapshot, bool)
	History    func() *vitals.History
	Prediction func() (predictor.Prediction, bool)
	Anomalies  func() []predictor.Anomaly
	CacheStats func() cache.Stats
}

// Rule is one prioritized optimization behavior. Higher priorities execute
// first; a fired rule is not re-evaluated until its cooldown elapses,
// whether or not its action succeeded.
type Rule struct {
	ID        string
	Priority  int
	Cooldown  time.Duration
	Condition func(cc *CycleContext) bool
	Action    func(ctx context.Context, cc *CycleContext, act Actuators) error
}

// Firing records one rule execution.
type Firing struct {
	ID       string    `json:"id"`
	Rule     string    `json:"rule"`
	Priority int       `json:"priority"`
	At       time.Time `json:"at"`
	Err      string    `json:"err,omitempty"`
}

// Config controls cycle pacing.
type Config struct {
	CycleInterval time.Duration
	// InterRuleDelay spaces rule actions inside one cycle so adaptations do
	// not land on the pipeline simultaneously.
	InterRuleDelay time.Duration
	// HealthyCycles is how many consecutive healthy cycles must pass before
	// the quality-enhancement rule may fire.
	HealthyCycles int
	FiringLog     int
	Registerer    prometheus.Registerer
}

// DefaultConfig returns the default orchestrator pacing.
func DefaultConfig() Config {
	return Config{
		CycleInterval:  2 * time.Second,
		InterRuleDelay: 50 * time.Millisecond,
		HealthyCycles:  3,
		FiringLog:      200,
	}
}

// Orchestrator owns the cycle loop and the rule set.
type Orchestrator struct {
	mu            sync.RWMutex
	cfg           Config
	rules         []Rule
	lastFired     map[string]time.Time
	firings       []Firing
	state         OptimizationState
	perfScores    []float64
	healthyStreak int
	cycles        int64
	phase         Phase

	sources   Sources
	actuators Actuators
	onFiring  func(Firing)

	stateGauge  *prometheus.GaugeVec
	ruleCounter *prometheus.CounterVec
	cycleCount  prometheus.Counter

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates an orchestrator with the default rule set installed.
func New(cfg Config, sources Sources, actuators Actuators) (*Orchestrator, error) {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = DefaultConfig().CycleInterval
	}
	if cfg.HealthyCycles <= 0 {
		cfg.HealthyCycles = DefaultConfig().HealthyCycles
	}
	if cfg.FiringLog <= 0 {
		cfg.FiringLog = DefaultConfig().FiringLog
	}

	o := &Orchestrator{
		cfg:       cfg,
		lastFired: make(map[string]time.Time),
		sources:   sources,
		actuators: actuators,
		stopChan:  make(chan struct{}),
		state: OptimizationState{
			PerformanceScore: 0.5,
			Efficiency:       0.5,
			UserSatisfaction: 0.5,
			SystemStability:  0.5,
			UpdatedAt:        time.Now(),
		},
	}

	if cfg.Registerer != nil {
		o.stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "adaptive_optimization_state",
			Help: "Rolling optimization state dimensions",
		}, []string{"dimension"})
		o.ruleCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptive_rule_firings_total",
			Help: "Optimization rule executions by rule ID",
		}, []string{"rule"})
		o.cycleCount = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adaptive_cycles_total",
			Help: "Completed optimization cycles",
		})
		for _, c := range []prometheus.Collector{o.stateGauge, o.ruleCounter, o.cycleCount} {
			if err := cfg.Registerer.Register(c); err != nil {
				return nil, fmt.Errorf("registering orchestrator metrics: %w", err)
			}
		}
	}

	for _, r := range defaultRules(cfg.HealthyCycles) {
		if err := o.AddRule(r); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// AddRule registers a rule. Rule IDs are unique; the rule set re-sorts by
// descending priority on every addition.
func (o *Orchestrator) AddRule(r Rule) error {
	if r.ID == "" || r.Condition == nil || r.Action == nil {
		return fmt.Errorf("%w: id, condition, and action are required", ErrRuleInvalid)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, existing := range o.rules {
		if existing.ID == r.ID {
			return fmt.Errorf("%w: %q", ErrDuplicateRule, r.ID)
		}
	}
	o.rules = append(o.rules, r)
	sort.SliceStable(o.rules, func(i, j int) bool {
		return o.rules[i].Priority > o.rules[j].Priority
	})
	return nil
}

// RemoveRule unregisters a rule by ID.
func (o *Orchestrator) RemoveRule(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, r := range o.rules {
		if r.ID == id {
			o.rules = append(o.rules[:i], o.rules[i+1:]...)
			return true
		}
	}
	return false
}

// OnFiring registers a callback invoked after every rule execution.
func (o *Orchestrator) OnFiring(fn func(Firing)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onFiring = fn
}

// Start launches the cycle loop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(1)
	go o.loop(ctx)
	log.Infow("orchestrator started", "interval", o.cfg.CycleInterval)
}

// Stop halts the loop and waits for the in-flight cycle.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopChan) })
	o.wg.Wait()
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopChan:
			return
		case <-ticker.C:
			o.RunCycle(ctx)
		}
	}
}

// RunCycle executes one full pass of the cycle state machine.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	o.setPhase(PhaseBuildContext)
	cc := o.buildContext()

	o.setPhase(PhaseEvaluate)
	due := o.dueRules(cc)

	o.setPhase(PhaseExecute)
	o.execute(ctx, cc, due)

	o.setPhase(PhaseUpdateState)
	o.updateState(cc)

	o.setPhase(PhaseIdle)

	o.mu.Lock()
	o.cycles++
	o.mu.Unlock()
	if o.cycleCount != nil {
		o.cycleCount.Inc()
	}
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

// Phase reports the current cycle phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.phase
}

func (o *Orchestrator) buildContext() *CycleContext {
	cc := &CycleContext{Now: time.Now()}

	if o.sources.Snapshot != nil {
		cc.Snapshot, cc.HasSnapshot = o.sources.Snapshot()
	}
	if o.sources.History != nil {
		cc.History = o.sources.History()
	}
	if o.sources.Prediction != nil {
		cc.Prediction, cc.HasPrediction = o.sources.Prediction()
	}
	if o.sources.Anomalies != nil {
		cc.Anomalies = o.sources.Anomalies()
	}
	if o.sources.CacheStats != nil {
		cc.CacheStats = o.sources.CacheStats()
	}
	if o.actuators.Quality != nil {
		cc.Settings = o.actuators.Quality.Current()
	}

	o.mu.RLock()
	cc.State = o.state
	cc.PerfMean, cc.PerfVariance = o.perfStatsLocked()
	cc.HealthyStreak = o.healthyStreak
	o.mu.RUnlock()
	return cc
}

// perfWindow bounds the rolling performance-score history consulted by the
// stability rules.
const perfWindow = 16

// perfStatsLocked summarizes the rolling performance-score window. Callers
// must hold o.mu.
func (o *Orchestrator) perfStatsLocked() (mean, variance float64) {
	n := len(o.perfScores)
	if n == 0 {
		return 0.5, 0
	}
	for _, v := range o.perfScores {
		mean += v
	}
	mean /= float64(n)
	for _, v := range o.perfScores {
		d := v - mean
		variance += d * d
	}
	variance /= float64(n)
	return mean, variance
}

// dueRules returns matching rules whose cooldowns have elapsed, in
// descending priority order.
func (o *Orchestrator) dueRules(cc *CycleContext) []Rule {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var due []Rule
	for _, r := range o.rules {
		if last, ok := o.lastFired[r.ID]; ok && cc.Now.Sub(last) < r.Cooldown {
			continue
		}
		if r.Condition(cc) {
			due = append(due, r)
		}
	}
	return due
}

// execute runs due rules sequentially. A panicking action is contained and
// recorded; the cooldown is stamped either way so a broken rule cannot spin.
func (o *Orchestrator) execute(ctx context.Context, cc *CycleContext, due []Rule) {
	for i, r := range due {
		if ctx.Err() != nil {
			return
		}
		if i > 0 && o.cfg.InterRuleDelay > 0 {
			time.Sleep(o.cfg.InterRuleDelay)
		}

		err := o.runAction(ctx, cc, r)

		o.mu.Lock()
		o.lastFired[r.ID] = cc.Now
		f := Firing{ID: uuid.NewString(), Rule: r.ID, Priority: r.Priority, At: cc.Now}
		if err != nil {
			f.Err = err.Error()
		}
		o.firings = append(o.firings, f)
		if len(o.firings) > o.cfg.FiringLog {
			o.firings = o.firings[len(o.firings)-o.cfg.FiringLog:]
		}
		cb := o.onFiring
		o.mu.Unlock()

		if o.ruleCounter != nil {
			o.ruleCounter.WithLabelValues(r.ID).Inc()
		}
		if err != nil {
			log.Warnw("rule action failed", "rule", r.ID, "error", err)
		} else {
			log.Debugw("rule fired", "rule", r.ID, "priority", r.Priority)
		}
		if cb != nil {
			cb(f)
		}
	}
}

func (o *Orchestrator) runAction(ctx context.Context, cc *CycleContext, r Rule) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("rule %q panicked: %v", r.ID, rec)
		}
	}()
	return r.Action(ctx, cc, o.actuators)
}

// updateState recomputes the optimization state and the healthy-cycle
// streak from this cycle's context.
func (o *Orchestrator) updateState(cc *CycleContext) {
	if !cc.HasSnapshot {
		return
	}
	s := cc.Snapshot

	performance := clamp01(0.6*(1-s.CPUPercent/100) + 0.4*(1-s.MemoryPercent/100))
	qualityScore := cc.Settings.Score()
	efficiency := clamp01(qualityScore / (0.3 + cc.pressure()))

	batteryImpact := 0.0
	stability := 0.7
	if cc.History != nil {
		batteryImpact = clamp01(cc.History.DrainRate() / 10)
		stddev := math.Sqrt(cc.History.Variance(vitals.CPU))
		stability = clamp01(1 - stddev/25)
	}
	satisfaction := clamp01(0.6*qualityScore + 0.4*performance)

	healthy := s.Thermal <= vitals.ThermalLight &&
		s.CPUPercent < 50 &&
		s.MemoryPercent < 70 &&
		len(cc.Anomalies) == 0

	o.mu.Lock()
	o.perfScores = append(o.perfScores, performance)
	if len(o.perfScores) > perfWindow {
		o.perfScores = o.perfScores[len(o.perfScores)-perfWindow:]
	}
	o.state = OptimizationState{
		PerformanceScore: performance,
		Efficiency:       efficiency,
		BatteryImpact:    batteryImpact,
		UserSatisfaction: satisfaction,
		SystemStability:  stability,
		UpdatedAt:        cc.Now,
	}
	if healthy {
		o.healthyStreak++
	} else {
		o.healthyStreak = 0
	}
	o.mu.Unlock()

	if o.stateGauge != nil {
		o.stateGauge.WithLabelValues("performance").Set(performance)
		o.stateGauge.WithLabelValues("efficiency").Set(efficiency)
		o.stateGauge.WithLabelValues("battery_impact").Set(batteryImpact)
		o.stateGauge.WithLabelValues("user_satisfaction").Set(satisfaction)
		o.stateGauge.WithLabelValues("system_stability").Set(stability)
	}
}

// State returns the latest optimization state.
func (o *Orchestrator) State() OptimizationState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// HealthyStreak reports the count of consecutive healthy cycles.
func (o *Orchestrator) HealthyStreak() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.healthyStreak
}

// Firings returns a copy of the bounded firing log, oldest first.
func (o *Orchestrator) Firings() []Firing {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Firing, len(o.firings))
	copy(out, o.firings)
	return out
}

// Cycles reports how many cycles have completed.
func (o *Orchestrator) Cycles() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cycles
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
