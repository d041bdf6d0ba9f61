package cache

import "time"

// accessSample is one observed read of a key.
type accessSample struct {
	at      time.Time
	context string
}

// patternTracker learns per-key access behavior: a bounded window of recent
// reads, miss counts, and a first-order key transition table. The cache lock
// guards all access.
type patternTracker struct {
	window      int
	accesses    map[string][]accessSample
	misses      map[string]int
	transitions map[string]map[string]int
	lastKey     string
}

func newPatternTracker(window int) *patternTracker {
	return &patternTracker{
		window:      window,
		accesses:    make(map[string][]accessSample),
		misses:      make(map[string]int),
		transitions: make(map[string]map[string]int),
	}
}

func (p *patternTracker) recordAccess(key, accessContext string, at time.Time) {
	samples := append(p.accesses[key], accessSample{at: at, context: accessContext})
	if len(samples) > p.window {
		samples = samples[len(samples)-p.window:]
	}
	p.accesses[key] = samples

	if p.lastKey != "" && p.lastKey != key {
		next, ok := p.transitions[p.lastKey]
		if !ok {
			next = make(map[string]int)
			p.transitions[p.lastKey] = next
		}
		next[key]++
	}
	p.lastKey = key
}

func (p *patternTracker) recordMiss(key string) {
	p.misses[key]++
}

// confidence blends frequency, context similarity, recency, and the
// transition probability from the most recently accessed key:
// 0.4*frequency + 0.3*similarity + 0.2*recency + 0.1*transition.
func (p *patternTracker) confidence(key, accessContext string, now time.Time) float64 {
	samples := p.accesses[key]
	if len(samples) == 0 {
		return 0
	}

	score := 0.4*p.frequencyScore(samples, now) +
		0.3*p.contextSimilarity(samples, accessContext) +
		0.2*p.recencyScore(samples, now) +
		0.1*p.transitionProbability(p.lastKey, key)
	if score > 1 {
		score = 1
	}
	return score
}

// frequencyScore normalizes the recent access rate so one access per second
// saturates at 1.
func (p *patternTracker) frequencyScore(samples []accessSample, now time.Time) float64 {
	window := time.Minute
	cutoff := now.Add(-window)
	count := 0
	for _, s := range samples {
		if s.at.After(cutoff) {
			count++
		}
	}
	rate := float64(count) / window.Seconds()
	if rate > 1 {
		rate = 1
	}
	return rate
}

// contextSimilarity is the fraction of recent samples sharing the requested
// context tag. An empty tag is neutral.
func (p *patternTracker) contextSimilarity(samples []accessSample, accessContext string) float64 {
	if accessContext == "" {
		return 0.5
	}
	matched := 0
	for _, s := range samples {
		if s.context == accessContext {
			matched++
		}
	}
	return float64(matched) / float64(len(samples))
}

// recencyScore decays with time since the last access, halving at one minute.
func (p *patternTracker) recencyScore(samples []accessSample, now time.Time) float64 {
	last := samples[len(samples)-1].at
	idle := now.Sub(last).Seconds()
	if idle < 0 {
		idle = 0
	}
	return 1 / (1 + idle/60)
}

// transitionProbability estimates P(next=to | current=from) from observed
// key successions.
func (p *patternTracker) transitionProbability(from, to string) float64 {
	if from == "" || from == to {
		return 0
	}
	next, ok := p.transitions[from]
	if !ok {
		return 0
	}
	total := 0
	for _, n := range next {
		total += n
	}
	if total == 0 {
		return 0
	}
	return float64(next[to]) / float64(total)
}
