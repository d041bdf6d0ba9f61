package adaptive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thc1006/pose-coach-android-starter-sub004/config"
	"github.com/thc1006/pose-coach-android-starter-sub004/eventbus"
	"github.com/thc1006/pose-coach-android-starter-sub004/placement"
	"github.com/thc1006/pose-coach-android-starter-sub004/quality"
	"github.com/thc1006/pose-coach-android-starter-sub004/vitals"
)

// fakeReader serves one mutable snapshot to the collector.
type fakeReader struct {
	mu   sync.Mutex
	snap vitals.SystemSnapshot
}

func newFakeReader() *fakeReader {
	return &fakeReader{snap: vitals.SystemSnapshot{
		CPUPercent:     35,
		MemoryPercent:  45,
		Thermal:        vitals.ThermalNominal,
		BatteryPercent: 75,
		Network:        vitals.NetworkState{BandwidthMbps: 40, Latency: 25 * time.Millisecond},
		DiskPercent:    50,
	}}
}

func (f *fakeReader) set(mutate func(*vitals.SystemSnapshot)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mutate(&f.snap)
}

func (f *fakeReader) get() vitals.SystemSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeReader) CPU(ctx context.Context) (float64, error)    { return f.get().CPUPercent, nil }
func (f *fakeReader) Memory(ctx context.Context) (float64, error) { return f.get().MemoryPercent, nil }
func (f *fakeReader) Thermal(ctx context.Context) (vitals.ThermalTier, error) {
	return f.get().Thermal, nil
}
func (f *fakeReader) Battery(ctx context.Context) (vitals.BatteryState, error) {
	s := f.get()
	return vitals.BatteryState{Percent: s.BatteryPercent, Charging: s.Charging}, nil
}
func (f *fakeReader) Network(ctx context.Context) (vitals.NetworkState, error) {
	return f.get().Network, nil
}
func (f *fakeReader) Disk(ctx context.Context) (float64, error) { return f.get().DiskPercent, nil }

func newTestEngine(t *testing.T, hw Hardware) (*Engine, *fakeReader) {
	t.Helper()
	reader := newFakeReader()
	e, err := New(context.Background(), nil, reader, hw)
	require.NoError(t, err)
	return e, reader
}

func defaultHardware() Hardware {
	return Hardware{CPUCores: 8, MemoryTotalBytes: 4 << 30, HasGPU: true}
}

func TestNewWithDefaults(t *testing.T) {
	e, _ := newTestEngine(t, defaultHardware())

	assert.Equal(t, quality.ProfileFor(quality.TierMedium), e.CurrentSettings())
	assert.Equal(t, 70, e.Preferences().TargetQuality)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.MaxBytes = -1

	_, err := New(context.Background(), cfg, newFakeReader(), defaultHardware())
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestQualityProfileChangePublishesAdaptation(t *testing.T) {
	e, _ := newTestEngine(t, defaultHardware())

	events, err := e.Subscribe("test-consumer")
	require.NoError(t, err)

	require.NoError(t, e.SetQualityProfile("low"))
	assert.Equal(t, quality.ProfileFor(quality.TierLow), e.CurrentSettings())

	select {
	case evt := <-events:
		require.Equal(t, eventbus.KindAdaptation, evt.EventKind())
		adaptation, ok := evt.(AdaptationEvent)
		require.True(t, ok)
		assert.Equal(t, quality.ProfileFor(quality.TierLow), adaptation.Adaptation.After)
	case <-time.After(time.Second):
		t.Fatal("no adaptation event published")
	}
}

func TestDecidePublishesPlacementDecision(t *testing.T) {
	e, _ := newTestEngine(t, defaultHardware())

	events, err := e.Subscribe("placement-consumer")
	require.NoError(t, err)

	w := placement.Workload{
		Name:        "pose-frame",
		ComputeTime: 20 * time.Millisecond,
		Latency:     placement.LatencyRealtime,
		Privacy:     placement.PrivacyPrivate,
	}
	d := e.Decide(context.Background(), w)
	assert.Equal(t, placement.LocationLocalCPU, d.Location)

	select {
	case evt := <-events:
		require.Equal(t, eventbus.KindDecision, evt.EventKind())
		pe, ok := evt.(PlacementEvent)
		require.True(t, ok)
		assert.Equal(t, "pose-frame", pe.Decision.Workload)
	case <-time.After(time.Second):
		t.Fatal("no placement event published")
	}
}

func TestUpdatePreferencesValidation(t *testing.T) {
	e, _ := newTestEngine(t, defaultHardware())

	err := e.UpdatePreferences(quality.Preferences{TargetQuality: 130})
	assert.ErrorIs(t, err, quality.ErrPreferencesInvalid)

	prefs := quality.DefaultPreferences()
	prefs.TargetQuality = 40
	require.NoError(t, e.UpdatePreferences(prefs))
	assert.Equal(t, 40, e.Preferences().TargetQuality)
}

func TestSetCacheLimits(t *testing.T) {
	e, _ := newTestEngine(t, defaultHardware())

	require.NoError(t, e.SetCacheLimits(1<<20, 16))
	assert.Error(t, e.SetCacheLimits(0, 16))
}

func TestSetMonitoringProfile(t *testing.T) {
	e, _ := newTestEngine(t, defaultHardware())

	require.NoError(t, e.SetMonitoringProfile("aggressive"))
	assert.Error(t, e.SetMonitoringProfile("frantic"))
}

func TestEngineStartStop(t *testing.T) {
	cfg := config.Default()
	cfg.Collector.Interval = 10 * time.Millisecond
	cfg.Predictor.PredictInterval = 20 * time.Millisecond
	cfg.Orchestrator.CycleInterval = 20 * time.Millisecond
	cfg.Orchestrator.InterRuleDelay = 0

	reader := newFakeReader()
	e, err := New(context.Background(), cfg, reader, defaultHardware())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.Start(ctx))
	assert.Error(t, e.Start(ctx), "second start must be rejected")

	assert.Eventually(t, func() bool {
		return e.History().Len() >= 3
	}, 2*time.Second, 10*time.Millisecond)

	e.Stop()
	e.Stop() // idempotent
}

func TestCapabilitiesTrackVitals(t *testing.T) {
	e, reader := newTestEngine(t, defaultHardware())
	reader.set(func(s *vitals.SystemSnapshot) {
		s.CPUPercent = 80
		s.MemoryPercent = 50
		s.BatteryPercent = 30
		s.Thermal = vitals.ThermalModerate
	})
	e.collector.ForceSample(context.Background())

	caps := e.capabilities()
	assert.InDelta(t, 0.2, caps.CPUAvailability, 1e-9)
	assert.Equal(t, int64(2<<30), caps.MemoryAvailableBytes)
	assert.InDelta(t, 0.3, caps.BatteryLevel, 1e-9)
	assert.Equal(t, vitals.ThermalModerate, caps.Thermal)
}
