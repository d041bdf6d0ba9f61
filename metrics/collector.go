// Package metrics samples device vitals on a fixed interval, maintains a
// bounded snapshot history, and raises rate-limited threshold alerts.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thc1006/pose-coach-android-starter-sub004/vitals"
)

var log = logging.Logger("adaptive/metrics")

var (
	// ErrProfileInvalid is returned when a monitoring profile is rejected at
	// the configuration boundary. The prior profile stays in effect.
	ErrProfileInvalid = errors.New("monitoring profile out of range")

	// ErrAlreadyRunning is returned by Start when the collector loop is live.
	ErrAlreadyRunning = errors.New("collector is already running")
)

// Config controls collector buffering and alert rate limiting.
type Config struct {
	Profile          Profile
	HistorySize      int
	AlertCooldown    time.Duration
	AlertHistorySize int

	// Registerer receives the collector's gauges and counters. Nil disables
	// instrumentation.
	Registerer prometheus.Registerer
}

// DefaultConfig returns the default collector configuration.
func DefaultConfig() Config {
	return Config{
		Profile:          DefaultProfile(),
		HistorySize:      120,
		AlertCooldown:    30 * time.Second,
		AlertHistorySize: 100,
	}
}

// Collector periodically samples vitals through the injected Reader. A failed
// individual sensor read degrades to the previous value for that field; a
// failed cycle backs off and the loop continues until stopped.
type Collector struct {
	reader  vitals.Reader
	history *vitals.History

	mu         sync.RWMutex
	profile    Profile
	cooldown   time.Duration
	lastAlerts map[alertKey]time.Time
	active     map[Category]Alert
	alertLog   []Alert
	maxAlerts  int
	lastGood   vitals.SystemSnapshot
	onSnapshot func(vitals.SystemSnapshot)
	onAlert    func(Alert)
	running    bool
	stopChan   chan struct{}
	ticker     *time.Ticker
	wg         sync.WaitGroup

	cpuGauge     prometheus.Gauge
	memGauge     prometheus.Gauge
	thermalGauge prometheus.Gauge
	batteryGauge prometheus.Gauge
	diskGauge    prometheus.Gauge
	alertCounter *prometheus.CounterVec
}

// NewCollector creates a collector reading from the given vitals source.
func NewCollector(reader vitals.Reader, cfg Config) (*Collector, error) {
	if reader == nil {
		return nil, fmt.Errorf("vitals reader is required")
	}
	if err := cfg.Profile.Validate(); err != nil {
		return nil, err
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = DefaultConfig().AlertCooldown
	}
	if cfg.AlertHistorySize <= 0 {
		cfg.AlertHistorySize = DefaultConfig().AlertHistorySize
	}

	c := &Collector{
		reader:     reader,
		history:    vitals.NewHistory(cfg.HistorySize),
		profile:    cfg.Profile,
		cooldown:   cfg.AlertCooldown,
		lastAlerts: make(map[alertKey]time.Time),
		active:     make(map[Category]Alert),
		maxAlerts:  cfg.AlertHistorySize,
		stopChan:   make(chan struct{}),
	}

	if cfg.Registerer != nil {
		c.cpuGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adaptive_vitals_cpu_percent", Help: "Last sampled CPU usage percent."})
		c.memGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adaptive_vitals_memory_percent", Help: "Last sampled memory usage percent."})
		c.thermalGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adaptive_vitals_thermal_tier", Help: "Last sampled thermal tier (0-6)."})
		c.batteryGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adaptive_vitals_battery_percent", Help: "Last sampled battery percent."})
		c.diskGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adaptive_vitals_disk_percent", Help: "Last sampled disk usage percent."})
		c.alertCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptive_alerts_total", Help: "Alerts emitted by category and severity."},
			[]string{"category", "severity"})
		cfg.Registerer.MustRegister(
			c.cpuGauge, c.memGauge, c.thermalGauge, c.batteryGauge, c.diskGauge, c.alertCounter)
	}

	return c, nil
}

// History exposes the bounded snapshot history.
func (c *Collector) History() *vitals.History {
	return c.history
}

// Profile returns the active monitoring profile.
func (c *Collector) Profile() Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile
}

// SetProfile atomically swaps the active profile. An invalid profile is
// rejected and the prior one stays in effect.
func (c *Collector) SetProfile(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile = p
	if c.running && c.ticker != nil {
		c.ticker.Reset(p.Interval)
	}
	log.Infow("monitoring profile changed", "profile", p.Name, "interval", p.Interval)
	return nil
}

// OnSnapshot registers a callback invoked after each successful sample.
func (c *Collector) OnSnapshot(fn func(vitals.SystemSnapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSnapshot = fn
}

// OnAlert registers a callback invoked for each emitted alert.
func (c *Collector) OnAlert(fn func(Alert)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAlert = fn
}

// AlertHistory returns alerts emitted at or after the given time.
func (c *Collector) AlertHistory(since time.Time) []Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Alert, 0, len(c.alertLog))
	for _, a := range c.alertLog {
		if !a.Timestamp.Before(since) {
			out = append(out, a)
		}
	}
	return out
}

// Start launches the sampling loop. The loop runs until Stop is called or
// the context is cancelled.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.stopChan = make(chan struct{})
	c.ticker = time.NewTicker(c.profile.Interval)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(ctx)
	log.Infow("collector started", "interval", c.profile.Interval)
	return nil
}

// Stop terminates the sampling loop.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	c.mu.Unlock()

	c.wg.Wait()
	log.Info("collector stopped")
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()
	defer c.ticker.Stop()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-c.ticker.C:
			if ok := c.safeSample(ctx); !ok {
				// Failed cycle: back off before the next attempt, but never
				// exit the loop.
				select {
				case <-ctx.Done():
					return
				case <-c.stopChan:
					return
				case <-time.After(backoff):
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second
		}
	}
}

func (c *Collector) safeSample(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("sampling cycle panicked", "panic", r)
			ok = false
		}
	}()
	c.sample(ctx)
	return true
}

// ForceSample performs one sampling cycle immediately.
func (c *Collector) ForceSample(ctx context.Context) {
	c.sample(ctx)
}

// sample reads every sensor, degrading individually failed reads to the last
// known value, then records the snapshot and evaluates thresholds.
func (c *Collector) sample(ctx context.Context) {
	c.mu.RLock()
	last := c.lastGood
	c.mu.RUnlock()

	snap := vitals.SystemSnapshot{Timestamp: time.Now()}

	if v, err := c.reader.CPU(ctx); err == nil {
		snap.CPUPercent = v
	} else {
		snap.CPUPercent = last.CPUPercent
		log.Debugw("cpu read failed, using stale value", "error", err)
	}
	if v, err := c.reader.Memory(ctx); err == nil {
		snap.MemoryPercent = v
	} else {
		snap.MemoryPercent = last.MemoryPercent
		log.Debugw("memory read failed, using stale value", "error", err)
	}
	if v, err := c.reader.Thermal(ctx); err == nil {
		snap.Thermal = v
	} else {
		snap.Thermal = last.Thermal
		log.Debugw("thermal read failed, using stale value", "error", err)
	}
	if v, err := c.reader.Battery(ctx); err == nil {
		snap.BatteryPercent = v.Percent
		snap.Charging = v.Charging
	} else {
		snap.BatteryPercent = last.BatteryPercent
		snap.Charging = last.Charging
		log.Debugw("battery read failed, using stale value", "error", err)
	}
	if v, err := c.reader.Network(ctx); err == nil {
		snap.Network = v
	} else {
		snap.Network = last.Network
		log.Debugw("network read failed, using stale value", "error", err)
	}
	if v, err := c.reader.Disk(ctx); err == nil {
		snap.DiskPercent = v
	} else {
		snap.DiskPercent = last.DiskPercent
		log.Debugw("disk read failed, using stale value", "error", err)
	}

	c.mu.Lock()
	c.lastGood = snap
	onSnapshot := c.onSnapshot
	c.mu.Unlock()

	c.history.Push(snap)
	c.updateGauges(snap)
	c.evaluate(snap)

	if onSnapshot != nil {
		onSnapshot(snap)
	}
}

func (c *Collector) updateGauges(s vitals.SystemSnapshot) {
	if c.cpuGauge == nil {
		return
	}
	c.cpuGauge.Set(s.CPUPercent)
	c.memGauge.Set(s.MemoryPercent)
	c.thermalGauge.Set(float64(s.Thermal))
	c.batteryGauge.Set(s.BatteryPercent)
	c.diskGauge.Set(s.DiskPercent)
}

func (c *Collector) evaluate(s vitals.SystemSnapshot) {
	c.mu.RLock()
	t := c.profile.Thresholds
	c.mu.RUnlock()

	c.check(CategoryCPU, s.CPUPercent, t.CPUWarning, t.CPUCritical, s.Timestamp,
		map[string]float64{"cpu_percent": s.CPUPercent},
		[]string{"reduce processing frequency", "increase frame skip"})
	c.check(CategoryMemory, s.MemoryPercent, t.MemoryWarning, t.MemoryCritical, s.Timestamp,
		map[string]float64{"memory_percent": s.MemoryPercent},
		[]string{"shrink cache", "reduce tracked objects"})
	c.check(CategoryThermal, float64(s.Thermal), float64(t.ThermalWarning), float64(t.ThermalCritical), s.Timestamp,
		map[string]float64{"thermal_tier": float64(s.Thermal)},
		[]string{"switch to low-power profile", "disable GPU path"})
	c.check(CategoryDisk, s.DiskPercent, t.DiskWarning, t.DiskCritical, s.Timestamp,
		map[string]float64{"disk_percent": s.DiskPercent},
		[]string{"evict expired cache entries"})
	c.check(CategoryNetwork, float64(s.Network.Latency), float64(t.LatencyWarning), float64(t.LatencyCritical), s.Timestamp,
		map[string]float64{"latency_ms": float64(s.Network.Latency.Milliseconds())},
		[]string{"prefer local execution"})

	// Battery alerts fire below the threshold, not above, and never while
	// charging.
	if !s.Charging {
		switch {
		case s.BatteryPercent <= t.BatteryCritical:
			c.emit(newAlert(CategoryBattery, SeverityCritical,
				fmt.Sprintf("battery critically low: %.0f%%", s.BatteryPercent),
				map[string]float64{"battery_percent": s.BatteryPercent},
				[]string{"switch to ultra-low profile", "force local-only placement"}, s.Timestamp))
		case s.BatteryPercent <= t.BatteryLow:
			c.emit(newAlert(CategoryBattery, SeverityWarning,
				fmt.Sprintf("battery low: %.0f%%", s.BatteryPercent),
				map[string]float64{"battery_percent": s.BatteryPercent},
				[]string{"reduce processing frequency"}, s.Timestamp))
		}
	}
	if s.Charging || s.BatteryPercent > t.BatteryLow {
		c.resolve(CategoryBattery, s.Timestamp)
	}
}

func (c *Collector) check(cat Category, value, warning, critical float64, at time.Time, values map[string]float64, suggestions []string) {
	switch {
	case value >= critical:
		c.emit(newAlert(cat, SeverityCritical,
			fmt.Sprintf("%s critical: %.1f (threshold %.1f)", cat, value, critical),
			values, suggestions, at))
	case value >= warning:
		c.emit(newAlert(cat, SeverityWarning,
			fmt.Sprintf("%s high: %.1f (threshold %.1f)", cat, value, warning),
			values, suggestions, at))
	default:
		c.resolve(cat, at)
	}
}

// emit updates the active alert for the category, then delivers it unless
// the (category, severity) pair is still in cooldown.
func (c *Collector) emit(a Alert) {
	key := alertKey{cat: a.Category, sev: a.Severity}

	c.mu.Lock()
	if cur, ok := c.active[a.Category]; ok && cur.Severity == a.Severity {
		cur.FireCount++
		cur.Timestamp = a.Timestamp
		c.active[a.Category] = cur
	} else {
		c.active[a.Category] = a
	}
	a = c.active[a.Category]

	if last, ok := c.lastAlerts[key]; ok && a.Timestamp.Sub(last) < c.cooldown {
		c.mu.Unlock()
		return
	}
	c.lastAlerts[key] = a.Timestamp
	c.alertLog = append(c.alertLog, a)
	if len(c.alertLog) > c.maxAlerts {
		c.alertLog = c.alertLog[1:]
	}
	onAlert := c.onAlert
	c.mu.Unlock()

	if c.alertCounter != nil {
		c.alertCounter.WithLabelValues(string(a.Category), string(a.Severity)).Inc()
	}
	log.Warnw("alert", "category", a.Category, "severity", a.Severity, "message", a.Message)

	if onAlert != nil {
		onAlert(a)
	}
}

// resolve closes the active alert for a category once its metric is back
// under the warning threshold. Resolution bypasses the cooldown.
func (c *Collector) resolve(cat Category, at time.Time) {
	c.mu.Lock()
	a, ok := c.active[cat]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.active, cat)
	a.State = StateResolved
	a.Timestamp = at
	c.alertLog = append(c.alertLog, a)
	if len(c.alertLog) > c.maxAlerts {
		c.alertLog = c.alertLog[1:]
	}
	onAlert := c.onAlert
	c.mu.Unlock()

	log.Infow("alert resolved", "category", a.Category, "severity", a.Severity, "fire_count", a.FireCount)

	if onAlert != nil {
		onAlert(a)
	}
}

// ActiveAlerts returns the currently firing alerts.
func (c *Collector) ActiveAlerts() []Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Alert, 0, len(c.active))
	for _, a := range c.active {
		out = append(out, a)
	}
	return out
}
