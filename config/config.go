// Package config holds the serializable engine configuration: one section
// per component, validated as a whole before use. Values load from a YAML
// file and from ADAPTIVE_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full engine configuration.
type Config struct {
	Logging      LoggingConfig      `json:"logging" mapstructure:"logging"`
	Collector    CollectorConfig    `json:"collector" mapstructure:"collector"`
	Predictor    PredictorConfig    `json:"predictor" mapstructure:"predictor"`
	Quality      QualityConfig      `json:"quality" mapstructure:"quality"`
	Cache        CacheConfig        `json:"cache" mapstructure:"cache"`
	Placement    PlacementConfig    `json:"placement" mapstructure:"placement"`
	Orchestrator OrchestratorConfig `json:"orchestrator" mapstructure:"orchestrator"`
	EventBus     EventBusConfig     `json:"event_bus" mapstructure:"event_bus"`
}

// LoggingConfig sets the subsystem log level.
type LoggingConfig struct {
	Level string `json:"level" mapstructure:"level"`
}

// CollectorConfig configures vitals sampling and alerting.
type CollectorConfig struct {
	Profile          string        `json:"profile" mapstructure:"profile"`
	Interval         time.Duration `json:"interval" mapstructure:"interval"`
	HistorySize      int           `json:"history_size" mapstructure:"history_size"`
	AlertCooldown    time.Duration `json:"alert_cooldown" mapstructure:"alert_cooldown"`
	AlertHistorySize int           `json:"alert_history_size" mapstructure:"alert_history_size"`
}

// PredictorConfig configures the resource predictor.
type PredictorConfig struct {
	MinSamples      int           `json:"min_samples" mapstructure:"min_samples"`
	TrainingWindow  int           `json:"training_window" mapstructure:"training_window"`
	PredictInterval time.Duration `json:"predict_interval" mapstructure:"predict_interval"`
	TrainEvery      int           `json:"train_every" mapstructure:"train_every"`
	Epochs          int           `json:"epochs" mapstructure:"epochs"`
	LearningRate    float64       `json:"learning_rate" mapstructure:"learning_rate"`
}

// QualityConfig seeds the quality controller.
type QualityConfig struct {
	InitialProfile string  `json:"initial_profile" mapstructure:"initial_profile"`
	TargetQuality  float64 `json:"target_quality" mapstructure:"target_quality"`
	Priority       string  `json:"priority" mapstructure:"priority"`
	Sensitivity    float64 `json:"sensitivity" mapstructure:"sensitivity"`
}

// CacheConfig sets predictive cache limits.
type CacheConfig struct {
	MaxBytes         int64         `json:"max_bytes" mapstructure:"max_bytes"`
	MaxEntries       int           `json:"max_entries" mapstructure:"max_entries"`
	DefaultTTL       time.Duration `json:"default_ttl" mapstructure:"default_ttl"`
	UpgradeThreshold float64       `json:"upgrade_threshold" mapstructure:"upgrade_threshold"`
	UpgradeWindow    time.Duration `json:"upgrade_window" mapstructure:"upgrade_window"`
}

// RemoteConfig declares one offload endpoint.
type RemoteConfig struct {
	Name          string        `json:"name" mapstructure:"name"`
	URL           string        `json:"url" mapstructure:"url"`
	RTT           time.Duration `json:"rtt" mapstructure:"rtt"`
	SpeedupFactor float64       `json:"speedup_factor" mapstructure:"speedup_factor"`
}

// PlacementConfig configures workload placement.
type PlacementConfig struct {
	AllowRemote  bool           `json:"allow_remote" mapstructure:"allow_remote"`
	FavorBattery bool           `json:"favor_battery" mapstructure:"favor_battery"`
	Remotes      []RemoteConfig `json:"remotes" mapstructure:"remotes"`
}

// OrchestratorConfig paces the optimization cycle.
type OrchestratorConfig struct {
	CycleInterval  time.Duration `json:"cycle_interval" mapstructure:"cycle_interval"`
	InterRuleDelay time.Duration `json:"inter_rule_delay" mapstructure:"inter_rule_delay"`
	HealthyCycles  int           `json:"healthy_cycles" mapstructure:"healthy_cycles"`
}

// EventBusConfig sizes the event bus.
type EventBusConfig struct {
	ReplaySize       int `json:"replay_size" mapstructure:"replay_size"`
	SubscriberBuffer int `json:"subscriber_buffer" mapstructure:"subscriber_buffer"`
}

// Default returns the configuration the engine runs with when nothing is
// overridden.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Collector: CollectorConfig{
			Profile:          "default",
			Interval:         time.Second,
			HistorySize:      120,
			AlertCooldown:    30 * time.Second,
			AlertHistorySize: 100,
		},
		Predictor: PredictorConfig{
			MinSamples:      10,
			TrainingWindow:  100,
			PredictInterval: 2 * time.Second,
			TrainEvery:      15,
			Epochs:          50,
			LearningRate:    0.01,
		},
		Quality: QualityConfig{
			InitialProfile: "medium",
			TargetQuality:  70,
			Priority:       "balanced",
			Sensitivity:    0.5,
		},
		Cache: CacheConfig{
			MaxBytes:         64 << 20,
			MaxEntries:       1024,
			DefaultTTL:       5 * time.Minute,
			UpgradeThreshold: 0.1,
			UpgradeWindow:    time.Minute,
		},
		Placement: PlacementConfig{
			AllowRemote: true,
		},
		Orchestrator: OrchestratorConfig{
			CycleInterval:  2 * time.Second,
			InterRuleDelay: 50 * time.Millisecond,
			HealthyCycles:  3,
		},
		EventBus: EventBusConfig{
			ReplaySize:       64,
			SubscriberBuffer: 16,
		},
	}
}

// Validate checks every section and returns the first failure.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.Logging.Level)
	}

	if c.Collector.Interval <= 0 {
		return fmt.Errorf("%w: collector interval must be positive", ErrInvalid)
	}
	if c.Collector.HistorySize <= 0 {
		return fmt.Errorf("%w: collector history size must be positive", ErrInvalid)
	}

	if c.Predictor.MinSamples <= 0 {
		return fmt.Errorf("%w: predictor min samples must be positive", ErrInvalid)
	}
	if c.Predictor.TrainingWindow < c.Predictor.MinSamples {
		return fmt.Errorf("%w: predictor training window below min samples", ErrInvalid)
	}
	if c.Predictor.LearningRate <= 0 || c.Predictor.LearningRate >= 1 {
		return fmt.Errorf("%w: predictor learning rate must be in (0,1)", ErrInvalid)
	}

	if c.Quality.TargetQuality < 0 || c.Quality.TargetQuality > 100 {
		return fmt.Errorf("%w: quality target must be in [0,100]", ErrInvalid)
	}
	if c.Quality.Sensitivity < 0 || c.Quality.Sensitivity > 1 {
		return fmt.Errorf("%w: quality sensitivity must be in [0,1]", ErrInvalid)
	}

	if c.Cache.MaxBytes <= 0 || c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("%w: cache limits must be positive", ErrInvalid)
	}

	for _, r := range c.Placement.Remotes {
		if r.Name == "" || r.URL == "" {
			return fmt.Errorf("%w: placement remote needs name and url", ErrInvalid)
		}
	}

	if c.Orchestrator.CycleInterval <= 0 {
		return fmt.Errorf("%w: orchestrator cycle interval must be positive", ErrInvalid)
	}
	if c.Orchestrator.HealthyCycles <= 0 {
		return fmt.Errorf("%w: orchestrator healthy cycles must be positive", ErrInvalid)
	}

	if c.EventBus.ReplaySize < 0 || c.EventBus.SubscriberBuffer <= 0 {
		return fmt.Errorf("%w: event bus sizes out of range", ErrInvalid)
	}
	return nil
}

// Load reads configuration from an optional YAML file and the environment.
// Environment variables use the ADAPTIVE_ prefix with underscores for
// nesting, for example ADAPTIVE_CACHE_MAX_BYTES. Missing files are an error
// only when a path was given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ADAPTIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers defaults so environment overrides apply even for
// keys absent from the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logging.level", d.Logging.Level)

	v.SetDefault("collector.profile", d.Collector.Profile)
	v.SetDefault("collector.interval", d.Collector.Interval)
	v.SetDefault("collector.history_size", d.Collector.HistorySize)
	v.SetDefault("collector.alert_cooldown", d.Collector.AlertCooldown)
	v.SetDefault("collector.alert_history_size", d.Collector.AlertHistorySize)

	v.SetDefault("predictor.min_samples", d.Predictor.MinSamples)
	v.SetDefault("predictor.training_window", d.Predictor.TrainingWindow)
	v.SetDefault("predictor.predict_interval", d.Predictor.PredictInterval)
	v.SetDefault("predictor.train_every", d.Predictor.TrainEvery)
	v.SetDefault("predictor.epochs", d.Predictor.Epochs)
	v.SetDefault("predictor.learning_rate", d.Predictor.LearningRate)

	v.SetDefault("quality.initial_profile", d.Quality.InitialProfile)
	v.SetDefault("quality.target_quality", d.Quality.TargetQuality)
	v.SetDefault("quality.priority", d.Quality.Priority)
	v.SetDefault("quality.sensitivity", d.Quality.Sensitivity)

	v.SetDefault("cache.max_bytes", d.Cache.MaxBytes)
	v.SetDefault("cache.max_entries", d.Cache.MaxEntries)
	v.SetDefault("cache.default_ttl", d.Cache.DefaultTTL)
	v.SetDefault("cache.upgrade_threshold", d.Cache.UpgradeThreshold)
	v.SetDefault("cache.upgrade_window", d.Cache.UpgradeWindow)

	v.SetDefault("placement.allow_remote", d.Placement.AllowRemote)
	v.SetDefault("placement.favor_battery", d.Placement.FavorBattery)

	v.SetDefault("orchestrator.cycle_interval", d.Orchestrator.CycleInterval)
	v.SetDefault("orchestrator.inter_rule_delay", d.Orchestrator.InterRuleDelay)
	v.SetDefault("orchestrator.healthy_cycles", d.Orchestrator.HealthyCycles)

	v.SetDefault("event_bus.replay_size", d.EventBus.ReplaySize)
	v.SetDefault("event_bus.subscriber_buffer", d.EventBus.SubscriberBuffer)
}
