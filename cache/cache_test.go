package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock drives the cache's time source deterministically.
type testClock struct {
	current time.Time
}

func (tc *testClock) now() time.Time { return tc.current }

func (tc *testClock) advance(d time.Duration) { tc.current = tc.current.Add(d) }

func newTestCache(t *testing.T, cfg Config) (*Cache, *testClock) {
	t.Helper()
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	clock := &testClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c.now = clock.now
	return c, clock
}

func TestPutGetRoundtrip(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())

	require.NoError(t, c.Put("pose/frame/1", []byte("payload"), PutOptions{}))

	v, ok := c.Get("pose/frame/1")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 1e-9)
	assert.Equal(t, 1, st.Entries)
}

func TestBytesNeverExceedLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBytes = 64 << 20
	c, clock := newTestCache(t, cfg)

	payload := make([]byte, 1<<20)
	for i := 0; i < 200; i++ {
		err := c.Put(fmt.Sprintf("seg/%d", i), payload, PutOptions{})
		require.NoError(t, err)
		assert.LessOrEqual(t, c.Bytes(), cfg.MaxBytes)
		clock.advance(time.Second)
	}
	st := c.Stats()
	assert.LessOrEqual(t, st.Entries, cfg.MaxEntries)
	assert.Greater(t, st.Evictions, int64(0))
}

func TestOversizedEntryRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBytes = 1 << 20
	c, _ := newTestCache(t, cfg)

	err := c.Put("huge", make([]byte, 2<<20), PutOptions{})
	require.ErrorIs(t, err, ErrInsufficientSpace)
	assert.Zero(t, c.Bytes())
}

func TestCriticalEntriesSurvivePressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBytes = 4 << 20
	c, _ := newTestCache(t, cfg)

	require.NoError(t, c.Put("model/weights", make([]byte, 1<<20), PutOptions{Priority: PriorityCritical}))
	require.NoError(t, c.Put("frame/a", make([]byte, 1<<20), PutOptions{Priority: PriorityLow}))
	require.NoError(t, c.Put("frame/b", make([]byte, 1<<20), PutOptions{Priority: PriorityLow}))

	removed := c.AdaptiveEvict(0.97)
	assert.Greater(t, removed, 0)

	_, ok := c.Get("model/weights")
	assert.True(t, ok, "critical entry must survive pressure eviction")
}

func TestPutFailsWhenOnlyCriticalRemain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBytes = 2 << 20
	c, _ := newTestCache(t, cfg)

	require.NoError(t, c.Put("model/a", make([]byte, 1<<20), PutOptions{Priority: PriorityCritical}))
	require.NoError(t, c.Put("model/b", make([]byte, 1<<20), PutOptions{Priority: PriorityCritical}))

	before := c.Bytes()
	err := c.Put("frame", make([]byte, 1<<20), PutOptions{})
	require.ErrorIs(t, err, ErrInsufficientSpace)
	assert.Equal(t, before, c.Bytes())

	_, okA := c.Get("model/a")
	_, okB := c.Get("model/b")
	assert.True(t, okA)
	assert.True(t, okB)
}

func TestHotEntryPromotedOneTierPerWindow(t *testing.T) {
	c, clock := newTestCache(t, DefaultConfig())
	require.NoError(t, c.Put("skeleton", []byte("x"), PutOptions{Priority: PriorityLow}))

	// Ten accesses inside one window clear the 0.1/s threshold but promote
	// only a single tier.
	for i := 0; i < 10; i++ {
		clock.advance(time.Second)
		_, ok := c.Get("skeleton")
		require.True(t, ok)
	}
	p, ok := c.Priority("skeleton")
	require.True(t, ok)
	assert.Equal(t, PriorityMedium, p)

	// A fresh window allows one further promotion, after which High is
	// never auto-adjusted.
	clock.advance(2 * time.Minute)
	for i := 0; i < 10; i++ {
		clock.advance(time.Second)
		_, ok := c.Get("skeleton")
		require.True(t, ok)
	}
	p, _ = c.Priority("skeleton")
	assert.Equal(t, PriorityHigh, p)

	clock.advance(2 * time.Minute)
	for i := 0; i < 10; i++ {
		clock.advance(time.Second)
		c.Get("skeleton")
	}
	p, _ = c.Priority("skeleton")
	assert.Equal(t, PriorityHigh, p, "high priority entries are not auto-adjusted")
}

func TestEvictExpiredIsIdempotent(t *testing.T) {
	c, clock := newTestCache(t, DefaultConfig())
	require.NoError(t, c.Put("short", "a", PutOptions{TTL: time.Minute}))
	require.NoError(t, c.Put("long", "b", PutOptions{TTL: time.Hour}))

	clock.advance(2 * time.Minute)

	assert.Equal(t, 1, c.EvictExpired())
	assert.Equal(t, 0, c.EvictExpired())

	_, ok := c.Get("short")
	assert.False(t, ok)
	_, ok = c.Get("long")
	assert.True(t, ok)
}

func TestExpiredEntryMissesOnGet(t *testing.T) {
	c, clock := newTestCache(t, DefaultConfig())
	require.NoError(t, c.Put("stale", "v", PutOptions{TTL: time.Second}))

	clock.advance(2 * time.Second)

	_, ok := c.Get("stale")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Expired)
}

func TestGetTyped(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	require.NoError(t, c.Put("landmarks", []float64{0.1, 0.2}, PutOptions{}))

	got, err := GetTyped[[]float64](c, "landmarks")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2}, got)

	_, err = GetTyped[string](c, "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetTypedMismatchRemovesCorruptEntry(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	require.NoError(t, c.Put("landmarks", "not-a-slice", PutOptions{}))

	missesBefore := c.Stats().Misses
	_, err := GetTyped[[]float64](c, "landmarks")
	require.ErrorIs(t, err, ErrTypeMismatch)

	_, ok := c.Get("landmarks")
	assert.False(t, ok, "corrupt entry must be removed")
	assert.Greater(t, c.Stats().Misses, missesBefore)
}

func TestAdaptiveEvictTiers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBytes = 32 << 20
	c, clock := newTestCache(t, cfg)

	for i := 0; i < 16; i++ {
		require.NoError(t, c.Put(fmt.Sprintf("frame/%d", i), make([]byte, 1<<20), PutOptions{Priority: PriorityLow}))
		clock.advance(time.Second)
	}

	assert.Equal(t, 0, c.AdaptiveEvict(0.5), "no eviction below the pressure floor")

	before := c.Bytes()
	c.AdaptiveEvict(0.96)
	freed := before - c.Bytes()
	assert.GreaterOrEqual(t, float64(freed), 0.40*float64(before))
}

func TestColdLowPriorityEvictedBeforeHotHigh(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBytes = 2 << 20
	c, clock := newTestCache(t, cfg)

	require.NoError(t, c.Put("hot", make([]byte, 1<<20), PutOptions{Priority: PriorityHigh}))
	require.NoError(t, c.Put("cold", make([]byte, 1<<20), PutOptions{Priority: PriorityPreload}))

	for i := 0; i < 5; i++ {
		clock.advance(time.Second)
		c.Get("hot")
	}
	clock.advance(30 * time.Second)

	require.NoError(t, c.Put("new", make([]byte, 1<<20), PutOptions{}))

	_, hotOK := c.Get("hot")
	_, coldOK := c.Get("cold")
	assert.True(t, hotOK)
	assert.False(t, coldOK)
}

func TestPreloadGateAndPriority(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	require.NoError(t, c.Put("cached", "v", PutOptions{}))

	loads := 0
	loader := func(key string) (any, PutOptions, error) {
		loads++
		if key == "broken" {
			return nil, PutOptions{}, errors.New("asset unavailable")
		}
		return "preloaded:" + key, PutOptions{}, nil
	}

	keys := []string{"cached", "weak", "strong", "broken"}
	confidences := []float64{0.9, 0.3, 0.8, 0.9}

	loaded := c.Preload(keys, confidences, loader)
	assert.Equal(t, 1, loaded)
	assert.Equal(t, 2, loads, "loader runs only for uncached keys above the gate")

	p, ok := c.Priority("strong")
	require.True(t, ok)
	assert.Equal(t, PriorityPreload, p)

	_, ok = c.Get("weak")
	assert.False(t, ok)
}

func TestSetLimitsShrinkEnforcesInvariant(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBytes = 8 << 20
	c, clock := newTestCache(t, cfg)

	for i := 0; i < 8; i++ {
		require.NoError(t, c.Put(fmt.Sprintf("k/%d", i), make([]byte, 1<<20), PutOptions{}))
		clock.advance(time.Second)
	}

	require.NoError(t, c.SetLimits(2<<20, 2))
	assert.LessOrEqual(t, c.Bytes(), int64(2<<20))
	assert.LessOrEqual(t, c.Stats().Entries, 2)

	err := c.SetLimits(0, 10)
	assert.ErrorIs(t, err, ErrLimitsInvalid)
}

func TestPreloadConfidenceGrowsWithAccesses(t *testing.T) {
	c, clock := newTestCache(t, DefaultConfig())
	require.NoError(t, c.Put("warm", "v", PutOptions{}))
	require.NoError(t, c.Put("idle", "v", PutOptions{}))

	c.GetWithContext("idle", "session")
	for i := 0; i < 12; i++ {
		clock.advance(time.Second)
		c.GetWithContext("warm", "session")
	}

	assert.Zero(t, c.PreloadConfidence("never-seen", "session"))
	warm := c.PreloadConfidence("warm", "session")
	idle := c.PreloadConfidence("idle", "session")
	assert.Greater(t, warm, idle)
	assert.LessOrEqual(t, warm, 1.0)
}

func TestTransitionProbability(t *testing.T) {
	tracker := newPatternTracker(20)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// a -> b twice, a -> c once.
	tracker.recordAccess("a", "", base)
	tracker.recordAccess("b", "", base.Add(time.Second))
	tracker.recordAccess("a", "", base.Add(2*time.Second))
	tracker.recordAccess("b", "", base.Add(3*time.Second))
	tracker.recordAccess("a", "", base.Add(4*time.Second))
	tracker.recordAccess("c", "", base.Add(5*time.Second))

	assert.InDelta(t, 2.0/3.0, tracker.transitionProbability("a", "b"), 1e-9)
	assert.InDelta(t, 1.0/3.0, tracker.transitionProbability("a", "c"), 1e-9)
	assert.Zero(t, tracker.transitionProbability("b", "z"))
}

func TestClearResetsBytes(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	require.NoError(t, c.Put("k", make([]byte, 1024), PutOptions{}))
	c.Clear()
	assert.Zero(t, c.Bytes())
	assert.Zero(t, c.Stats().Entries)
}
