package placement

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thc1006/pose-coach-android-starter-sub004/vitals"
)

func goodNetwork() vitals.NetworkState {
	return vitals.NetworkState{BandwidthMbps: 50, Latency: 30 * time.Millisecond}
}

func healthyRemote() RemoteEndpoint {
	return RemoteEndpoint{
		Name:          "edge-1",
		URL:           "https://edge-1.example.com/infer",
		Healthy:       true,
		RTT:           40 * time.Millisecond,
		SpeedupFactor: 10,
	}
}

func TestPrivateWorkloadStaysLocal(t *testing.T) {
	o := NewOptimizer()
	w := Workload{
		Name:        "face-landmarks",
		ComputeTime: time.Second,
		Privacy:     PrivacyConfidential,
		Latency:     LatencyBatch,
	}
	caps := DeviceCapabilities{CPUCores: 4, CPUAvailability: 0.2, BatteryLevel: 0.8}

	d := o.Decide(context.Background(), w, caps, goodNetwork(), []RemoteEndpoint{healthyRemote()}, Preferences{AllowRemote: true})

	assert.Equal(t, LocationLocalCPU, d.Location)
	assert.Empty(t, d.Endpoint)
	joined := strings.Join(d.Reasoning, " ")
	assert.Contains(t, joined, "on-device")
}

func TestRemoteWinsForBatchWorkOnSaturatedDevice(t *testing.T) {
	o := NewOptimizer()
	w := Workload{
		Name:         "pose-report",
		PayloadBytes: 100 << 10,
		ComputeTime:  time.Second,
		Latency:      LatencyBatch,
	}
	caps := DeviceCapabilities{
		CPUCores:        4,
		CPUAvailability: 0.2,
		BatteryLevel:    0.9,
		Thermal:         vitals.ThermalSevere,
	}

	d := o.Decide(context.Background(), w, caps, goodNetwork(), []RemoteEndpoint{healthyRemote()}, Preferences{AllowRemote: true})

	require.Equal(t, LocationRemote, d.Location)
	assert.Equal(t, "edge-1", d.Endpoint)
	assert.Less(t, d.ExpectedLatency, 300*time.Millisecond)
	assert.Greater(t, d.Confidence, 0.5)
}

func TestNPUPreferredForRealtimeInference(t *testing.T) {
	o := NewOptimizer()
	w := Workload{
		Name:        "pose-frame",
		ComputeTime: 30 * time.Millisecond,
		Latency:     LatencyRealtime,
	}
	caps := DeviceCapabilities{
		CPUCores:        8,
		CPUAvailability: 0.5,
		HasNPU:          true,
		NPUAvailability: 0.8,
		BatteryLevel:    0.6,
	}

	d := o.Decide(context.Background(), w, caps, vitals.NetworkState{}, nil, Preferences{})

	assert.Equal(t, LocationLocalNPU, d.Location)
	assert.Less(t, d.ExpectedLatency, 10*time.Millisecond)
}

func TestMeteredNetworkTightensLatencyBound(t *testing.T) {
	o := NewOptimizer()
	w := Workload{
		Name:         "bulk-upload",
		PayloadBytes: 2 << 20,
		ComputeTime:  time.Second,
		Latency:      LatencyBatch,
	}
	caps := DeviceCapabilities{CPUCores: 4, CPUAvailability: 0.3, BatteryLevel: 0.8}
	remotes := []RemoteEndpoint{healthyRemote()}

	wifi := vitals.NetworkState{BandwidthMbps: 20, Latency: 300 * time.Millisecond}
	d := o.Decide(context.Background(), w, caps, wifi, remotes, Preferences{AllowRemote: true})
	assert.Equal(t, LocationRemote, d.Location)

	cellular := wifi
	cellular.Metered = true
	d = o.Decide(context.Background(), w, caps, cellular, remotes, Preferences{AllowRemote: true})
	assert.Equal(t, LocationLocalCPU, d.Location)
	assert.Contains(t, strings.Join(d.Reasoning, " "), "network unsuitable")
}

func TestLowBandwidthExcludesRemotes(t *testing.T) {
	o := NewOptimizer()
	w := Workload{Name: "report", ComputeTime: time.Second, Latency: LatencyBatch}
	caps := DeviceCapabilities{CPUCores: 4, CPUAvailability: 0.3, BatteryLevel: 0.8}
	net := vitals.NetworkState{BandwidthMbps: 0.5, Latency: 50 * time.Millisecond}

	d := o.Decide(context.Background(), w, caps, net, []RemoteEndpoint{healthyRemote()}, Preferences{AllowRemote: true})
	assert.Equal(t, LocationLocalCPU, d.Location)
}

func TestRemotePreferenceDisabled(t *testing.T) {
	o := NewOptimizer()
	w := Workload{Name: "report", ComputeTime: time.Second, Latency: LatencyBatch}
	caps := DeviceCapabilities{CPUCores: 4, CPUAvailability: 0.2, BatteryLevel: 0.8}

	d := o.Decide(context.Background(), w, caps, goodNetwork(), []RemoteEndpoint{healthyRemote()}, Preferences{AllowRemote: false})
	assert.Equal(t, LocationLocalCPU, d.Location)
	assert.Contains(t, strings.Join(d.Reasoning, " "), "disabled by preference")
}

func TestHybridEnumeratedForParallelWork(t *testing.T) {
	o := NewOptimizer()
	w := Workload{
		Name:              "multi-person-pose",
		PayloadBytes:      200 << 10,
		ComputeTime:       800 * time.Millisecond,
		MemoryBytes:       64 << 20,
		Parallelizability: 0.8,
		Latency:           LatencyResponsive,
	}
	caps := DeviceCapabilities{
		CPUCores:             8,
		CPUAvailability:      0.6,
		MemoryAvailableBytes: 512 << 20,
		BatteryLevel:         0.9,
	}

	var reasoning []string
	candidates := o.enumerate(w, caps, goodNetwork(), []RemoteEndpoint{healthyRemote()}, true, &reasoning)

	locations := make(map[Location]bool)
	for _, c := range candidates {
		locations[c.location] = true
	}
	assert.True(t, locations[LocationLocalCPU])
	assert.True(t, locations[LocationRemote])
	assert.True(t, locations[LocationHybrid])
}

func TestNoHybridWhenMemoryInsufficient(t *testing.T) {
	o := NewOptimizer()
	w := Workload{
		Name:              "multi-person-pose",
		ComputeTime:       800 * time.Millisecond,
		MemoryBytes:       1 << 30,
		Parallelizability: 0.8,
		Latency:           LatencyResponsive,
	}
	caps := DeviceCapabilities{
		CPUCores:             8,
		CPUAvailability:      0.6,
		MemoryAvailableBytes: 128 << 20,
	}

	var reasoning []string
	candidates := o.enumerate(w, caps, goodNetwork(), []RemoteEndpoint{healthyRemote()}, true, &reasoning)
	for _, c := range candidates {
		assert.NotEqual(t, LocationHybrid, c.location)
	}
}

func TestUnhealthyRemotesIgnored(t *testing.T) {
	o := NewOptimizer()
	w := Workload{Name: "report", ComputeTime: time.Second, Latency: LatencyBatch}
	caps := DeviceCapabilities{CPUCores: 4, CPUAvailability: 0.2, BatteryLevel: 0.8}
	down := healthyRemote()
	down.Healthy = false

	d := o.Decide(context.Background(), w, caps, goodNetwork(), []RemoteEndpoint{down}, Preferences{AllowRemote: true})
	assert.Equal(t, LocationLocalCPU, d.Location)
}

func TestDecisionHistoryBounded(t *testing.T) {
	o := NewOptimizer()
	w := Workload{Name: "frame", ComputeTime: 10 * time.Millisecond, Latency: LatencyRealtime}
	caps := DeviceCapabilities{CPUCores: 4, CPUAvailability: 0.9, BatteryLevel: 0.9}

	for i := 0; i < 150; i++ {
		o.Decide(context.Background(), w, caps, vitals.NetworkState{}, nil, Preferences{})
	}
	h := o.History()
	assert.Len(t, h, 100)
	assert.Equal(t, "frame", h[len(h)-1].Workload)
}

func TestDecisionRecordsFallbackAndEstimates(t *testing.T) {
	o := NewOptimizer()
	w := Workload{
		Name:         "pose-report",
		PayloadBytes: 100 << 10,
		ComputeTime:  time.Second,
		Latency:      LatencyBatch,
	}
	caps := DeviceCapabilities{
		CPUCores:        4,
		CPUAvailability: 0.2,
		HasGPU:          true,
		GPUAvailability: 0.5,
		BatteryLevel:    0.9,
		Thermal:         vitals.ThermalSevere,
	}

	d := o.Decide(context.Background(), w, caps, goodNetwork(), []RemoteEndpoint{healthyRemote()}, Preferences{AllowRemote: true})

	require.Equal(t, LocationRemote, d.Location)
	assert.Equal(t, LocationLocalGPU, d.Fallback, "a failed offload should retry on the best local unit")
	assert.InDelta(t, 0.97, d.EstAccuracy, 1e-9)
	assert.InDelta(t, 0.4, d.EstCost, 1e-9)
}

func TestAccuracyInfluencesScore(t *testing.T) {
	o := NewOptimizer()
	w := Workload{Name: "frame", ComputeTime: 20 * time.Millisecond, Latency: LatencyInteractive}
	caps := DeviceCapabilities{BatteryLevel: 0.8}

	lo := candidate{location: LocationLocalCPU, latency: 40 * time.Millisecond, energy: 0.4, accuracy: 0.8}
	hi := lo
	hi.accuracy = 0.95

	assert.Greater(t, o.score(&hi, w, caps, Preferences{}), o.score(&lo, w, caps, Preferences{}))
}

func TestBatteryPreferenceShiftsAwayFromGPU(t *testing.T) {
	o := NewOptimizer()
	w := Workload{Name: "frame", ComputeTime: 20 * time.Millisecond, Latency: LatencyInteractive}
	caps := DeviceCapabilities{
		CPUCores:        8,
		CPUAvailability: 0.9,
		HasGPU:          true,
		GPUAvailability: 0.9,
		HasNPU:          true,
		NPUAvailability: 0.9,
		BatteryLevel:    0.1,
	}

	d := o.Decide(context.Background(), w, caps, vitals.NetworkState{}, nil, Preferences{FavorBattery: true})
	assert.Equal(t, LocationLocalNPU, d.Location, "energy-efficient unit wins when battery is favored")
}
