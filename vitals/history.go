package vitals

import (
	"math"
	"sync"
	"time"
)

// TrendDirection classifies the slope of a metric series.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// Selector extracts a single metric from a snapshot for statistics.
type Selector func(SystemSnapshot) float64

// History is a bounded FIFO of snapshots. When full, the oldest entry is
// dropped. Safe for concurrent use by one writer and many readers.
type History struct {
	mu       sync.RWMutex
	buf      []SystemSnapshot
	capacity int
}

// NewHistory creates a history holding at most capacity snapshots.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{
		buf:      make([]SystemSnapshot, 0, capacity),
		capacity: capacity,
	}
}

// Push appends a snapshot, dropping the oldest when at capacity.
func (h *History) Push(s SystemSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf = append(h.buf, s)
	if len(h.buf) > h.capacity {
		h.buf = h.buf[1:]
	}
}

// Len returns the number of stored snapshots.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.buf)
}

// Capacity returns the maximum number of stored snapshots.
func (h *History) Capacity() int {
	return h.capacity
}

// Latest returns the most recent snapshot, if any.
func (h *History) Latest() (SystemSnapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.buf) == 0 {
		return SystemSnapshot{}, false
	}
	return h.buf[len(h.buf)-1], true
}

// Snapshots returns a copy of the stored snapshots, oldest first.
func (h *History) Snapshots() []SystemSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]SystemSnapshot, len(h.buf))
	copy(out, h.buf)
	return out
}

// Last returns up to n most recent snapshots, oldest first.
func (h *History) Last(n int) []SystemSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n > len(h.buf) {
		n = len(h.buf)
	}
	out := make([]SystemSnapshot, n)
	copy(out, h.buf[len(h.buf)-n:])
	return out
}

// Mean computes the mean of the selected metric over the stored snapshots.
func (h *History) Mean(sel Selector) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return mean(h.buf, sel)
}

// Variance computes the population variance of the selected metric.
func (h *History) Variance(sel Selector) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.buf) < 2 {
		return 0
	}
	m := mean(h.buf, sel)
	v := 0.0
	for _, s := range h.buf {
		d := sel(s) - m
		v += d * d
	}
	return v / float64(len(h.buf))
}

// Trend fits a least-squares line to the selected metric and classifies
// the slope. Slopes below the stability epsilon count as stable.
func (h *History) Trend(sel Selector) (TrendDirection, float64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.buf) < 2 {
		return TrendStable, 0
	}

	n := float64(len(h.buf))
	sumX, sumY, sumXY, sumX2 := 0.0, 0.0, 0.0, 0.0
	for i, s := range h.buf {
		x := float64(i)
		y := sel(s)
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}
	slope := (n*sumXY - sumX*sumY) / (n*sumX2 - sumX*sumX)

	switch {
	case math.Abs(slope) < 0.001:
		return TrendStable, slope
	case slope > 0:
		return TrendIncreasing, slope
	default:
		return TrendDecreasing, slope
	}
}

func mean(buf []SystemSnapshot, sel Selector) float64 {
	if len(buf) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range buf {
		sum += sel(s)
	}
	return sum / float64(len(buf))
}

// Common selectors.
var (
	CPU     Selector = func(s SystemSnapshot) float64 { return s.CPUPercent }
	Memory  Selector = func(s SystemSnapshot) float64 { return s.MemoryPercent }
	Battery Selector = func(s SystemSnapshot) float64 { return s.BatteryPercent }
	Disk    Selector = func(s SystemSnapshot) float64 { return s.DiskPercent }
	Heat    Selector = func(s SystemSnapshot) float64 { return float64(s.Thermal) }
)

// DrainRate estimates battery drain in percent per hour from the stored
// snapshots. Charging intervals are skipped. Returns 0 when there is not
// enough history to measure.
func (h *History) DrainRate() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.buf) < 2 {
		return 0
	}

	var drained float64
	var elapsed time.Duration
	for i := 1; i < len(h.buf); i++ {
		prev, cur := h.buf[i-1], h.buf[i]
		if prev.Charging || cur.Charging {
			continue
		}
		d := prev.BatteryPercent - cur.BatteryPercent
		if d < 0 {
			continue
		}
		drained += d
		elapsed += cur.Timestamp.Sub(prev.Timestamp)
	}
	if elapsed <= 0 {
		return 0
	}
	return drained / elapsed.Hours()
}
