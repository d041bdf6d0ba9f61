// Package placement decides where an inference workload should run: on a
// local compute unit, on a remote endpoint, or split across both. Decisions
// never fail; when no candidate is viable the optimizer falls back to the
// local CPU with reduced confidence.
package placement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/thc1006/pose-coach-android-starter-sub004/vitals"
)

var log = logging.Logger("adaptive/placement")

// PrivacyLevel classifies how sensitive a workload's payload is. Private and
// Confidential payloads never leave the device.
type PrivacyLevel int

const (
	PrivacyPublic PrivacyLevel = iota
	PrivacyInternal
	PrivacyPrivate
	PrivacyConfidential
)

func (p PrivacyLevel) String() string {
	switch p {
	case PrivacyPublic:
		return "public"
	case PrivacyInternal:
		return "internal"
	case PrivacyPrivate:
		return "private"
	case PrivacyConfidential:
		return "confidential"
	default:
		return "unknown"
	}
}

// localOnly reports whether the payload must stay on-device.
func (p PrivacyLevel) localOnly() bool {
	return p == PrivacyPrivate || p == PrivacyConfidential
}

// LatencyRequirement classifies how quickly a workload's result is needed.
type LatencyRequirement int

const (
	LatencyRealtime LatencyRequirement = iota
	LatencyInteractive
	LatencyResponsive
	LatencyBatch
)

func (l LatencyRequirement) String() string {
	switch l {
	case LatencyRealtime:
		return "realtime"
	case LatencyInteractive:
		return "interactive"
	case LatencyResponsive:
		return "responsive"
	case LatencyBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// weight is the share of the placement score driven by expected latency.
func (l LatencyRequirement) weight() float64 {
	switch l {
	case LatencyRealtime:
		return 0.5
	case LatencyInteractive:
		return 0.4
	case LatencyResponsive:
		return 0.3
	case LatencyBatch:
		return 0.15
	default:
		return 0.3
	}
}

// deadline is the latency budget candidates are scored against.
func (l LatencyRequirement) deadline() time.Duration {
	switch l {
	case LatencyRealtime:
		return 33 * time.Millisecond
	case LatencyInteractive:
		return 100 * time.Millisecond
	case LatencyResponsive:
		return 300 * time.Millisecond
	case LatencyBatch:
		return 2 * time.Second
	default:
		return 300 * time.Millisecond
	}
}

// Workload describes one unit of work to place.
type Workload struct {
	Name string `json:"name"`
	// PayloadBytes is the input size that would cross the network for a
	// remote placement.
	PayloadBytes int64 `json:"payload_bytes"`
	// ComputeTime is the estimated execution time on one reference CPU core.
	ComputeTime time.Duration `json:"compute_time"`
	MemoryBytes int64         `json:"memory_bytes"`
	// Parallelizability in [0,1]: the fraction of the work that can run
	// concurrently with the rest.
	Parallelizability float64            `json:"parallelizability"`
	Privacy           PrivacyLevel       `json:"privacy"`
	Latency           LatencyRequirement `json:"latency"`
}

// DeviceCapabilities is the local hardware picture at decision time.
type DeviceCapabilities struct {
	CPUCores             int                `json:"cpu_cores"`
	CPUAvailability      float64            `json:"cpu_availability"`
	MemoryAvailableBytes int64              `json:"memory_available_bytes"`
	HasGPU               bool               `json:"has_gpu"`
	GPUAvailability      float64            `json:"gpu_availability"`
	HasNPU               bool               `json:"has_npu"`
	NPUAvailability      float64            `json:"npu_availability"`
	BatteryLevel         float64            `json:"battery_level"`
	Charging             bool               `json:"charging"`
	Thermal              vitals.ThermalTier `json:"thermal"`
}

// RemoteEndpoint is a reachable offload target.
type RemoteEndpoint struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Healthy bool   `json:"healthy"`
	// RTT is the measured round-trip time to the endpoint.
	RTT time.Duration `json:"rtt"`
	// SpeedupFactor is how much faster than one reference core the endpoint
	// executes this class of workload.
	SpeedupFactor float64 `json:"speedup_factor"`
}

// Preferences tune the placement trade-off.
type Preferences struct {
	AllowRemote bool `json:"allow_remote"`
	// FavorBattery shifts weight from latency toward energy cost.
	FavorBattery bool `json:"favor_battery"`
}

// Location names where a workload runs.
type Location string

const (
	LocationLocalCPU Location = "local_cpu"
	LocationLocalGPU Location = "local_gpu"
	LocationLocalNPU Location = "local_npu"
	LocationRemote   Location = "remote"
	LocationHybrid   Location = "hybrid"
)

// Minimum network quality for any remote placement.
const (
	minRemoteBandwidthMbps = 1.0
	maxRemoteLatency       = 500 * time.Millisecond
	// Metered links get a tighter latency bound for payloads over 1 MiB.
	maxMeteredLatency  = 200 * time.Millisecond
	meteredPayloadGate = 1 << 20
)

// Decision is the outcome of one placement evaluation.
type Decision struct {
	ID              string        `json:"id"`
	Workload        string        `json:"workload"`
	Location        Location      `json:"location"`
	Endpoint        string        `json:"endpoint,omitempty"`
	ExpectedLatency time.Duration `json:"expected_latency"`
	// EstAccuracy is the expected model accuracy at this placement in [0,1].
	EstAccuracy float64 `json:"est_accuracy"`
	// EstCost is the normalized resource cost of executing here in [0,1].
	EstCost    float64  `json:"est_cost"`
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	Reasoning  []string `json:"reasoning"`
	// Fallback is where to run if the chosen placement fails mid-flight.
	Fallback  Location  `json:"fallback"`
	DecidedAt time.Time `json:"decided_at"`
}

// candidate is one placement option under evaluation.
type candidate struct {
	location Location
	endpoint string
	latency  time.Duration
	energy   float64
	accuracy float64
	score    float64
}

const decisionHistorySize = 100

// Optimizer evaluates placements and keeps a bounded decision history.
type Optimizer struct {
	mu      sync.RWMutex
	history []Decision
}

// NewOptimizer creates a placement optimizer.
func NewOptimizer() *Optimizer {
	return &Optimizer{}
}

// Decide picks a placement for workload w. It always returns a usable
// decision; ctx cancellation only truncates remote consideration.
func (o *Optimizer) Decide(ctx context.Context, w Workload, caps DeviceCapabilities, net vitals.NetworkState, remotes []RemoteEndpoint, prefs Preferences) Decision {
	reasoning := make([]string, 0, 4)

	remoteAllowed := prefs.AllowRemote && ctx.Err() == nil
	if w.Privacy.localOnly() {
		remoteAllowed = false
		reasoning = append(reasoning, fmt.Sprintf("payload is %s, processing must stay on-device", w.Privacy))
	} else if !prefs.AllowRemote {
		reasoning = append(reasoning, "remote offload disabled by preference")
	}

	candidates := o.enumerate(w, caps, net, remotes, remoteAllowed, &reasoning)

	if len(candidates) == 0 {
		// Local CPU is always enumerable, so this is a pure safety net.
		d := Decision{
			ID:              uuid.NewString(),
			Workload:        w.Name,
			Location:        LocationLocalCPU,
			ExpectedLatency: w.ComputeTime,
			EstAccuracy:     0.9,
			EstCost:         0.6,
			Confidence:      0.3,
			Fallback:        LocationLocalCPU,
			Reasoning:       append(reasoning, "no viable candidate, conservative local fallback"),
			DecidedAt:       time.Now(),
		}
		o.record(d)
		return d
	}

	for i := range candidates {
		candidates[i].score = o.score(&candidates[i], w, caps, prefs)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	best := candidates[0]
	confidence := best.score
	if len(candidates) > 1 {
		// A clear margin over the runner-up raises confidence.
		margin := best.score - candidates[1].score
		confidence = clamp01(0.5*best.score + 0.5*clamp01(margin*4+0.5))
	}
	// The fallback is the best-scoring local unit other than the winner, so a
	// failed remote or hybrid run can retry without another network hop.
	fallback := LocationLocalCPU
	for _, c := range candidates[1:] {
		if c.location == LocationRemote || c.location == LocationHybrid {
			continue
		}
		fallback = c.location
		break
	}
	reasoning = append(reasoning, fmt.Sprintf("%s scored %.2f with expected latency %s", best.location, best.score, best.latency))

	d := Decision{
		ID:              uuid.NewString(),
		Workload:        w.Name,
		Location:        best.location,
		Endpoint:        best.endpoint,
		ExpectedLatency: best.latency,
		EstAccuracy:     best.accuracy,
		EstCost:         clamp01(1 - best.energy),
		Score:           best.score,
		Confidence:      confidence,
		Reasoning:       reasoning,
		Fallback:        fallback,
		DecidedAt:       time.Now(),
	}
	o.record(d)
	log.Debugw("placement decided", "workload", w.Name, "location", d.Location, "endpoint", d.Endpoint, "score", d.Score)
	return d
}

// enumerate builds the candidate set. The local CPU is always present.
func (o *Optimizer) enumerate(w Workload, caps DeviceCapabilities, net vitals.NetworkState, remotes []RemoteEndpoint, remoteAllowed bool, reasoning *[]string) []candidate {
	candidates := []candidate{{
		location: LocationLocalCPU,
		latency:  scaleCompute(w.ComputeTime, caps.CPUAvailability, 1),
		energy:   0.4,
		accuracy: 0.9,
	}}

	if caps.HasGPU {
		candidates = append(candidates, candidate{
			location: LocationLocalGPU,
			latency:  scaleCompute(w.ComputeTime, caps.GPUAvailability, 3),
			energy:   0.3,
			accuracy: 0.92,
		})
	}
	if caps.HasNPU {
		candidates = append(candidates, candidate{
			location: LocationLocalNPU,
			latency:  scaleCompute(w.ComputeTime, caps.NPUAvailability, 5),
			energy:   0.8,
			// Quantized on-device models trade a little accuracy for speed.
			accuracy: 0.86,
		})
	}

	if !remoteAllowed {
		return candidates
	}

	latencyBound := maxRemoteLatency
	if net.Metered && w.PayloadBytes > meteredPayloadGate {
		latencyBound = maxMeteredLatency
	}
	if net.BandwidthMbps < minRemoteBandwidthMbps || net.Latency > latencyBound {
		*reasoning = append(*reasoning, fmt.Sprintf("network unsuitable for offload (%.1f Mbps, %s rtt)", net.BandwidthMbps, net.Latency))
		return candidates
	}

	var bestRemote *candidate
	for _, r := range remotes {
		if !r.Healthy {
			continue
		}
		lat := o.remoteLatency(w, net, r)
		c := candidate{
			location: LocationRemote,
			endpoint: r.Name,
			latency:  lat,
			energy:   0.6,
			// Server-side models run at full size and precision.
			accuracy: 0.97,
		}
		candidates = append(candidates, c)
		if bestRemote == nil || lat < bestRemote.latency {
			last := &candidates[len(candidates)-1]
			bestRemote = last
		}
	}

	// A hybrid split needs a remote partner, meaningful parallelism, and
	// enough local memory for the local share.
	if bestRemote != nil && w.Parallelizability > 0.5 && w.MemoryBytes <= caps.MemoryAvailableBytes {
		localShare := scaleCompute(time.Duration(float64(w.ComputeTime)*(1-w.Parallelizability)), caps.CPUAvailability, 1)
		remoteShare := bestRemote.latency
		lat := localShare
		if remoteShare > lat {
			lat = remoteShare
		}
		candidates = append(candidates, candidate{
			location: LocationHybrid,
			endpoint: bestRemote.endpoint,
			latency:  lat + 20*time.Millisecond,
			energy:   0.5,
			accuracy: 0.93,
		})
	}

	return candidates
}

// scaleCompute estimates execution time on a unit with the given relative
// speedup and current availability.
func scaleCompute(base time.Duration, availability, speedup float64) time.Duration {
	if availability < 0.1 {
		availability = 0.1
	}
	return time.Duration(float64(base) / (availability * speedup))
}

// remoteLatency is round trip plus payload transfer plus remote execution.
func (o *Optimizer) remoteLatency(w Workload, net vitals.NetworkState, r RemoteEndpoint) time.Duration {
	transferSeconds := float64(w.PayloadBytes*8) / (net.BandwidthMbps * 1e6)
	speedup := r.SpeedupFactor
	if speedup < 1 {
		speedup = 1
	}
	execute := time.Duration(float64(w.ComputeTime) / speedup)
	return r.RTT + time.Duration(transferSeconds*float64(time.Second)) + execute
}

// score blends latency fit against the workload deadline with energy cost,
// expected accuracy, and local thermal headroom. Energy weight grows on low
// battery or when the user favors battery life.
func (o *Optimizer) score(c *candidate, w Workload, caps DeviceCapabilities, prefs Preferences) float64 {
	latencyWeight := w.Latency.weight()
	energyWeight := 0.25
	if prefs.FavorBattery || (caps.BatteryLevel < 0.2 && !caps.Charging) {
		energyWeight = 0.45
	}
	residual := 1 - latencyWeight - energyWeight
	accuracyWeight := 0.4 * residual
	thermalWeight := 0.6 * residual

	deadline := w.Latency.deadline()
	latencyScore := clamp01(1 - float64(c.latency)/float64(2*deadline))

	thermalScore := 1.0
	if c.location == LocationLocalCPU || c.location == LocationLocalGPU || c.location == LocationLocalNPU {
		thermalScore = clamp01(1 - float64(caps.Thermal)/float64(vitals.ThermalShutdown))
	}

	return latencyWeight*latencyScore + energyWeight*c.energy + accuracyWeight*c.accuracy + thermalWeight*thermalScore
}

func (o *Optimizer) record(d Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, d)
	if len(o.history) > decisionHistorySize {
		o.history = o.history[len(o.history)-decisionHistorySize:]
	}
}

// History returns a copy of the bounded decision log, newest last.
func (o *Optimizer) History() []Decision {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Decision, len(o.history))
	copy(out, o.history)
	return out
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
