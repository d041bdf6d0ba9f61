package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thc1006/pose-coach-android-starter-sub004/vitals"
)

// fakeReader returns configurable values and per-sensor failures.
type fakeReader struct {
	cpu        float64
	memory     float64
	thermal    vitals.ThermalTier
	battery    vitals.BatteryState
	network    vitals.NetworkState
	disk       float64
	cpuErr     error
	batteryErr error
}

func (f *fakeReader) CPU(context.Context) (float64, error) { return f.cpu, f.cpuErr }
func (f *fakeReader) Memory(context.Context) (float64, error) {
	return f.memory, nil
}
func (f *fakeReader) Thermal(context.Context) (vitals.ThermalTier, error) {
	return f.thermal, nil
}
func (f *fakeReader) Battery(context.Context) (vitals.BatteryState, error) {
	return f.battery, f.batteryErr
}
func (f *fakeReader) Network(context.Context) (vitals.NetworkState, error) {
	return f.network, nil
}
func (f *fakeReader) Disk(context.Context) (float64, error) { return f.disk, nil }

func healthyReader() *fakeReader {
	return &fakeReader{
		cpu:     30,
		memory:  40,
		thermal: vitals.ThermalNominal,
		battery: vitals.BatteryState{Percent: 80, Charging: false},
		network: vitals.NetworkState{BandwidthMbps: 50, Latency: 20 * time.Millisecond},
		disk:    50,
	}
}

func newTestCollector(t *testing.T, r vitals.Reader) *Collector {
	t.Helper()
	c, err := NewCollector(r, DefaultConfig())
	require.NoError(t, err)
	return c
}

func TestSampleRecordsSnapshot(t *testing.T) {
	r := healthyReader()
	c := newTestCollector(t, r)

	c.ForceSample(context.Background())

	snap, ok := c.History().Latest()
	require.True(t, ok)
	assert.Equal(t, 30.0, snap.CPUPercent)
	assert.Equal(t, 40.0, snap.MemoryPercent)
	assert.Equal(t, 80.0, snap.BatteryPercent)
}

func TestFailedSensorDegradesToStaleValue(t *testing.T) {
	r := healthyReader()
	c := newTestCollector(t, r)

	c.ForceSample(context.Background())

	// CPU sensor fails on the next cycle; the field keeps its last value and
	// the cycle still completes for all other sensors.
	r.cpuErr = vitals.ErrSampleUnavailable
	r.memory = 55
	c.ForceSample(context.Background())

	snap, ok := c.History().Latest()
	require.True(t, ok)
	assert.Equal(t, 30.0, snap.CPUPercent, "stale value retained")
	assert.Equal(t, 55.0, snap.MemoryPercent, "other sensors unaffected")
	assert.Equal(t, 2, c.History().Len())
}

func TestThresholdAlerts(t *testing.T) {
	r := healthyReader()
	r.cpu = 95
	c := newTestCollector(t, r)

	var alerts []Alert
	c.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	c.ForceSample(context.Background())

	require.Len(t, alerts, 1)
	assert.Equal(t, CategoryCPU, alerts[0].Category)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.NotEmpty(t, alerts[0].Suggestions)
}

func TestAlertCooldown(t *testing.T) {
	r := healthyReader()
	r.cpu = 95
	c := newTestCollector(t, r)

	var alerts []Alert
	c.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	// Condition stays true across several cycles inside the cooldown window:
	// only the first alert is emitted.
	for i := 0; i < 5; i++ {
		c.ForceSample(context.Background())
	}
	assert.Len(t, alerts, 1)
}

func TestBatteryAlertSuppressedWhileCharging(t *testing.T) {
	r := healthyReader()
	r.battery = vitals.BatteryState{Percent: 5, Charging: true}
	c := newTestCollector(t, r)

	var alerts []Alert
	c.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	c.ForceSample(context.Background())
	assert.Empty(t, alerts)

	r.battery = vitals.BatteryState{Percent: 5, Charging: false}
	c.ForceSample(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, CategoryBattery, alerts[0].Category)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
}

func TestSetProfile(t *testing.T) {
	c := newTestCollector(t, healthyReader())

	require.NoError(t, c.SetProfile(AggressiveProfile()))
	assert.Equal(t, "aggressive", c.Profile().Name)

	// Out-of-range profile rejected; prior profile stays in effect.
	bad := AggressiveProfile()
	bad.Interval = 0
	err := c.SetProfile(bad)
	assert.ErrorIs(t, err, ErrProfileInvalid)
	assert.Equal(t, "aggressive", c.Profile().Name)

	inverted := DefaultProfile()
	inverted.Thresholds.CPUWarning = 95
	inverted.Thresholds.CPUCritical = 70
	assert.ErrorIs(t, c.SetProfile(inverted), ErrProfileInvalid)
}

func TestStartStop(t *testing.T) {
	r := healthyReader()
	cfg := DefaultConfig()
	cfg.Profile.Interval = 10 * time.Millisecond
	c, err := NewCollector(r, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Start(ctx))
	assert.ErrorIs(t, c.Start(ctx), ErrAlreadyRunning)

	assert.Eventually(t, func() bool { return c.History().Len() >= 2 },
		time.Second, 5*time.Millisecond)

	c.Stop()
	n := c.History().Len()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, c.History().Len(), "no samples after stop")
}

func TestAlertLifecycle(t *testing.T) {
	r := healthyReader()
	r.cpu = 95
	c := newTestCollector(t, r)

	var resolved []Alert
	c.OnAlert(func(a Alert) {
		if a.State == StateResolved {
			resolved = append(resolved, a)
		}
	})

	for i := 0; i < 3; i++ {
		c.ForceSample(context.Background())
	}

	active := c.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, StateFiring, active[0].State)
	assert.Equal(t, 3, active[0].FireCount, "repeat crossings accumulate on the active alert")

	// Metric recovers: the alert resolves immediately, bypassing cooldown.
	r.cpu = 30
	c.ForceSample(context.Background())

	assert.Empty(t, c.ActiveAlerts())
	require.Len(t, resolved, 1)
	assert.Equal(t, CategoryCPU, resolved[0].Category)
	assert.Equal(t, 3, resolved[0].FireCount)
}

func TestAlertHistory(t *testing.T) {
	r := healthyReader()
	r.cpu = 95
	c := newTestCollector(t, r)

	before := time.Now().Add(-time.Minute)
	c.ForceSample(context.Background())

	assert.Len(t, c.AlertHistory(before), 1)
	assert.Empty(t, c.AlertHistory(time.Now().Add(time.Minute)))
}
