// Package cache implements the predictive cache with value-aware eviction.
//
// Entries carry priorities; under space pressure the lowest-scoring
// non-Critical entries are evicted first. An access-pattern tracker feeds
// preload confidence and automatic priority upgrades for hot keys.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	metrics "github.com/ipfs/go-metrics-interface"
)

var log = logging.Logger("adaptive/cache")

var (
	// ErrNotFound is returned by typed lookups for absent keys.
	ErrNotFound = errors.New("cache entry not found")

	// ErrTypeMismatch is returned when a stored value does not match the
	// requested type. The corrupt entry is removed and counted as a miss;
	// the error surfaces only to the calling reader.
	ErrTypeMismatch = errors.New("cache entry type mismatch")

	// ErrInsufficientSpace is returned when an entry cannot fit even after
	// evicting every non-Critical entry.
	ErrInsufficientSpace = errors.New("entry cannot fit within cache limits")

	// ErrLimitsInvalid is returned when configured limits are rejected at
	// the boundary.
	ErrLimitsInvalid = errors.New("cache limits out of range")
)

// Priority ranks how valuable an entry is. Higher priorities survive
// pressure eviction longer; Critical entries are exempt from it entirely.
type Priority int

const (
	PriorityPreload Priority = iota + 1
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityPreload:
		return "preload"
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (p Priority) weight() float64 {
	switch p {
	case PriorityPreload:
		return 0.5
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 3
	case PriorityHigh:
		return 5
	case PriorityCritical:
		return 10
	default:
		return 1
	}
}

// defaultEntrySize is the size estimate for values of unknown type.
const defaultEntrySize = 1024

// preloadConfidenceGate is the minimum predicted confidence for a preload put.
const preloadConfidenceGate = 0.7

// Config controls capacity and upgrade behavior.
type Config struct {
	MaxBytes   int64
	MaxEntries int
	// DefaultTTL applies when a put specifies no TTL.
	DefaultTTL time.Duration
	// UpgradeThreshold is the access rate (per second, within UpgradeWindow)
	// above which a hot entry is promoted one priority tier.
	UpgradeThreshold float64
	UpgradeWindow    time.Duration
	// PatternWindow bounds the per-key access sample buffer.
	PatternWindow int
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		MaxBytes:         64 << 20,
		MaxEntries:       1024,
		DefaultTTL:       5 * time.Minute,
		UpgradeThreshold: 0.1,
		UpgradeWindow:    time.Minute,
		PatternWindow:    20,
	}
}

// Validate rejects non-positive limits.
func (c Config) Validate() error {
	if c.MaxBytes <= 0 {
		return fmt.Errorf("%w: max bytes must be positive", ErrLimitsInvalid)
	}
	if c.MaxEntries <= 0 {
		return fmt.Errorf("%w: max entries must be positive", ErrLimitsInvalid)
	}
	return nil
}

// PutOptions carries per-entry placement hints.
type PutOptions struct {
	// Size overrides estimation when the caller knows the payload size.
	Size int64
	// Priority defaults to Medium when unset.
	Priority Priority
	// TTL defaults to the configured DefaultTTL when zero.
	TTL time.Duration
	// Context tags the access pattern sample (for example "warmup" or a
	// pose-session phase name).
	Context  string
	Metadata map[string]string
}

type entry struct {
	key         string
	value       any
	size        int64
	createdAt   time.Time
	lastAccess  time.Time
	accessCount int64
	priority    Priority
	expiresAt   time.Time
	metadata    map[string]string

	windowStart time.Time
	windowCount int
	lastUpgrade time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries    int              `json:"entries"`
	Bytes      int64            `json:"bytes"`
	Hits       int64            `json:"hits"`
	Misses     int64            `json:"misses"`
	HitRate    float64          `json:"hit_rate"`
	Evictions  int64            `json:"evictions"`
	Expired    int64            `json:"expired"`
	ByPriority map[Priority]int `json:"by_priority"`
}

// Cache is the predictive cache. The entry map has a single owning writer;
// limit changes are whole-value swaps that immediately re-enforce capacity.
type Cache struct {
	mu       sync.Mutex
	cfg      Config
	entries  map[string]*entry
	bytes    int64
	patterns *patternTracker

	hits      int64
	misses    int64
	evictions int64
	expired   int64

	now func() time.Time

	hitsCounter     metrics.Counter
	missesCounter   metrics.Counter
	evictionCounter metrics.Counter
	bytesGauge      metrics.Gauge
}

// New creates a cache. Instrumentation is registered through the
// metrics-interface scope carried by ctx, when active.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if cfg.UpgradeThreshold <= 0 {
		cfg.UpgradeThreshold = DefaultConfig().UpgradeThreshold
	}
	if cfg.UpgradeWindow <= 0 {
		cfg.UpgradeWindow = DefaultConfig().UpgradeWindow
	}
	if cfg.PatternWindow <= 0 {
		cfg.PatternWindow = DefaultConfig().PatternWindow
	}

	c := &Cache{
		cfg:      cfg,
		entries:  make(map[string]*entry),
		patterns: newPatternTracker(cfg.PatternWindow),
		now:      time.Now,
	}

	if metrics.Active() {
		c.hitsCounter = metrics.NewCtx(ctx, "cache_hits_total",
			"Total number of cache hits").Counter()
		c.missesCounter = metrics.NewCtx(ctx, "cache_misses_total",
			"Total number of cache misses").Counter()
		c.evictionCounter = metrics.NewCtx(ctx, "cache_evictions_total",
			"Total number of entries evicted under pressure").Counter()
		c.bytesGauge = metrics.NewCtx(ctx, "cache_bytes",
			"Current cached payload bytes").Gauge()
	}

	return c, nil
}

// estimateSize guesses a payload's footprint. Unknown types fall back to a
// fixed default.
func estimateSize(v any) int64 {
	switch val := v.(type) {
	case []byte:
		return int64(len(val))
	case string:
		return int64(len(val))
	case []float64:
		return int64(len(val) * 8)
	case []float32:
		return int64(len(val) * 4)
	case int, int64, uint64, float64:
		return 8
	case int32, uint32, float32:
		return 4
	case bool:
		return 1
	default:
		return defaultEntrySize
	}
}

// Put inserts or replaces an entry, evicting lowest-scoring non-Critical
// entries first when the insertion would exceed the byte or entry limits.
// Total cached bytes never exceed MaxBytes after Put returns.
func (c *Cache) Put(key string, value any, opts PutOptions) error {
	size := opts.Size
	if size <= 0 {
		size = estimateSize(value)
	}
	priority := opts.Priority
	if priority == 0 {
		priority = PriorityMedium
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	// Replacing an existing entry frees its bytes first.
	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}

	if err := c.makeRoomLocked(size); err != nil {
		return err
	}

	e := &entry{
		key:         key,
		value:       value,
		size:        size,
		createdAt:   now,
		lastAccess:  now,
		priority:    priority,
		expiresAt:   now.Add(ttl),
		metadata:    opts.Metadata,
		windowStart: now,
	}
	c.entries[key] = e
	c.bytes += size
	c.updateBytesGauge()
	return nil
}

// makeRoomLocked evicts ascending-score non-Critical entries until size fits
// within both limits.
func (c *Cache) makeRoomLocked(size int64) error {
	if size > c.cfg.MaxBytes {
		return fmt.Errorf("%w: entry of %d bytes exceeds limit %d", ErrInsufficientSpace, size, c.cfg.MaxBytes)
	}
	if c.bytes+size <= c.cfg.MaxBytes && len(c.entries)+1 <= c.cfg.MaxEntries {
		return nil
	}

	victims := c.rankedVictimsLocked()
	for _, v := range victims {
		if c.bytes+size <= c.cfg.MaxBytes && len(c.entries)+1 <= c.cfg.MaxEntries {
			break
		}
		c.removeLocked(v)
		c.evictions++
		if c.evictionCounter != nil {
			c.evictionCounter.Inc()
		}
	}
	if c.bytes+size > c.cfg.MaxBytes || len(c.entries)+1 > c.cfg.MaxEntries {
		return fmt.Errorf("%w: %d bytes needed, only critical entries remain", ErrInsufficientSpace, size)
	}
	return nil
}

// rankedVictimsLocked returns non-Critical entries by ascending eviction
// score, tie-broken by older last access then by key for determinism.
func (c *Cache) rankedVictimsLocked() []*entry {
	now := c.now()
	victims := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.priority == PriorityCritical {
			continue
		}
		victims = append(victims, e)
	}
	sort.Slice(victims, func(i, j int) bool {
		si, sj := c.evictionScoreLocked(victims[i], now), c.evictionScoreLocked(victims[j], now)
		if si != sj {
			return si < sj
		}
		if !victims[i].lastAccess.Equal(victims[j].lastAccess) {
			return victims[i].lastAccess.Before(victims[j].lastAccess)
		}
		return victims[i].key < victims[j].key
	})
	return victims
}

// evictionScoreLocked ranks an entry's retention value; lower evicts first.
// Score = accessFrequency x priorityWeight / (sizeWeight x (1 + idleSeconds)).
func (c *Cache) evictionScoreLocked(e *entry, now time.Time) float64 {
	ageSeconds := now.Sub(e.createdAt).Seconds()
	if ageSeconds < 1 {
		ageSeconds = 1
	}
	frequency := float64(e.accessCount) / ageSeconds
	sizeWeight := 1 + float64(e.size)/float64(64<<10)
	idle := now.Sub(e.lastAccess).Seconds()
	if idle < 0 {
		idle = 0
	}
	return frequency * e.priority.weight() / (sizeWeight * (1 + idle))
}

// Get returns the cached value. A hit updates access statistics, records a
// pattern sample, and may promote a hot entry one priority tier.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.liveEntryLocked(key)
	if !ok {
		c.recordMissLocked(key)
		return nil, false
	}
	c.recordHitLocked(e, "")
	return e.value, true
}

// GetWithContext is Get with an access-pattern context tag.
func (c *Cache) GetWithContext(key, accessContext string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.liveEntryLocked(key)
	if !ok {
		c.recordMissLocked(key)
		return nil, false
	}
	c.recordHitLocked(e, accessContext)
	return e.value, true
}

// GetTyped returns the value for key asserted to T. A stored value of the
// wrong type is removed as corrupt, counted as a miss, and reported only to
// this caller.
func GetTyped[T any](c *Cache, key string) (T, error) {
	var zero T

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.liveEntryLocked(key)
	if !ok {
		c.recordMissLocked(key)
		return zero, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	v, good := e.value.(T)
	if !good {
		c.removeLocked(e)
		c.recordMissLocked(key)
		log.Warnw("removed corrupt cache entry", "key", key)
		return zero, fmt.Errorf("%w: key %q holds %T", ErrTypeMismatch, key, e.value)
	}
	c.recordHitLocked(e, "")
	return v, nil
}

// liveEntryLocked resolves key, expiring the entry inline when its TTL has
// lapsed.
func (c *Cache) liveEntryLocked(key string) (*entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.removeLocked(e)
		c.expired++
		return nil, false
	}
	return e, true
}

func (c *Cache) recordHitLocked(e *entry, accessContext string) {
	now := c.now()
	e.accessCount++
	e.lastAccess = now
	c.hits++
	if c.hitsCounter != nil {
		c.hitsCounter.Inc()
	}
	c.patterns.recordAccess(e.key, accessContext, now)
	c.maybeUpgradeLocked(e, now)
}

func (c *Cache) recordMissLocked(key string) {
	c.misses++
	if c.missesCounter != nil {
		c.missesCounter.Inc()
	}
	c.patterns.recordMiss(key)
}

// maybeUpgradeLocked promotes an entry one tier when its access rate within
// the rolling window exceeds the threshold. High and Critical are never
// auto-adjusted, and promotion happens at most once per window. Promotions
// never decay automatically.
func (c *Cache) maybeUpgradeLocked(e *entry, now time.Time) {
	if now.Sub(e.windowStart) > c.cfg.UpgradeWindow {
		e.windowStart = now
		e.windowCount = 1
	} else {
		e.windowCount++
	}

	if e.priority >= PriorityHigh {
		return
	}
	if now.Sub(e.lastUpgrade) < c.cfg.UpgradeWindow {
		return
	}
	needed := c.cfg.UpgradeThreshold * c.cfg.UpgradeWindow.Seconds()
	if float64(e.windowCount) >= needed {
		e.priority++
		e.lastUpgrade = now
		log.Debugw("cache entry promoted", "key", e.key, "priority", e.priority)
	}
}

// Preload issues Preload-priority puts for uncached keys whose predicted
// confidence exceeds the gate. It returns how many entries were loaded.
func (c *Cache) Preload(keys []string, confidences []float64, loader func(key string) (any, PutOptions, error)) int {
	loaded := 0
	for i, key := range keys {
		if i >= len(confidences) || confidences[i] <= preloadConfidenceGate {
			continue
		}
		c.mu.Lock()
		_, cached := c.entries[key]
		c.mu.Unlock()
		if cached {
			continue
		}

		value, opts, err := loader(key)
		if err != nil {
			log.Debugw("preload loader failed", "key", key, "error", err)
			continue
		}
		opts.Priority = PriorityPreload
		if err := c.Put(key, value, opts); err != nil {
			log.Debugw("preload put rejected", "key", key, "error", err)
			continue
		}
		loaded++
	}
	return loaded
}

// EvictExpired removes TTL-lapsed entries independent of pressure and
// returns how many were removed. Calling it again with no intervening puts
// removes nothing further.
func (c *Cache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			c.removeLocked(e)
			c.expired++
			removed++
		}
	}
	return removed
}

// AdaptiveEvict frees a pressure-dependent fraction of cached bytes by
// ascending eviction score. Critical entries are exempt. Returns the number
// of entries removed.
func (c *Cache) AdaptiveEvict(pressure float64) int {
	var fraction float64
	switch {
	case pressure >= 0.95:
		fraction = 0.40
	case pressure >= 0.85:
		fraction = 0.25
	case pressure >= 0.75:
		fraction = 0.10
	default:
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	target := int64(float64(c.bytes) * fraction)
	removed := 0
	var freed int64
	for _, v := range c.rankedVictimsLocked() {
		if freed >= target {
			break
		}
		freed += v.size
		c.removeLocked(v)
		c.evictions++
		removed++
		if c.evictionCounter != nil {
			c.evictionCounter.Inc()
		}
	}
	if removed > 0 {
		log.Infow("adaptive eviction", "pressure", pressure, "removed", removed, "freed_bytes", freed)
	}
	return removed
}

// Invalidate removes an entry regardless of priority.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(e)
	return true
}

// Clear removes everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	c.bytes = 0
	c.updateBytesGauge()
}

// SetLimits swaps capacity limits atomically; a shrink immediately
// re-enforces the byte and entry invariants.
func (c *Cache) SetLimits(maxBytes int64, maxEntries int) error {
	next := Config{MaxBytes: maxBytes, MaxEntries: maxEntries}
	if err := next.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg.MaxBytes = maxBytes
	c.cfg.MaxEntries = maxEntries

	if c.bytes > maxBytes || len(c.entries) > maxEntries {
		for _, v := range c.rankedVictimsLocked() {
			if c.bytes <= maxBytes && len(c.entries) <= maxEntries {
				break
			}
			c.removeLocked(v)
			c.evictions++
		}
	}
	return nil
}

// PreloadConfidence exposes the blended pattern confidence for a key.
func (c *Cache) PreloadConfidence(key, accessContext string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.patterns.confidence(key, accessContext, c.now())
}

// Priority reports an entry's current priority.
func (c *Cache) Priority(key string) (Priority, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	return e.priority, true
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	byPriority := make(map[Priority]int)
	for _, e := range c.entries {
		byPriority[e.priority]++
	}
	var hitRate float64
	if lookups := c.hits + c.misses; lookups > 0 {
		hitRate = float64(c.hits) / float64(lookups)
	}
	return Stats{
		Entries:    len(c.entries),
		Bytes:      c.bytes,
		Hits:       c.hits,
		Misses:     c.misses,
		HitRate:    hitRate,
		Evictions:  c.evictions,
		Expired:    c.expired,
		ByPriority: byPriority,
	}
}

// Bytes returns the current cached payload bytes.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *Cache) removeLocked(e *entry) {
	if _, ok := c.entries[e.key]; !ok {
		return
	}
	delete(c.entries, e.key)
	c.bytes -= e.size
	c.updateBytesGauge()
}

func (c *Cache) updateBytesGauge() {
	if c.bytesGauge != nil {
		c.bytesGauge.Set(float64(c.bytes))
	}
}
