// Package eventbus provides non-blocking fan-out of engine events to multiple
// subscribers.
//
// Events published to the bus are delivered to every subscriber over a
// buffered channel. When a subscriber's buffer is full the oldest queued
// event is dropped to make room, so a slow consumer can never block a
// producer. New subscribers receive a bounded replay of recent events.
package eventbus

import (
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("adaptive/eventbus")

var (
	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id.
	ErrSubscriberExists = errors.New("subscriber id already exists")

	// ErrSubscriberNotFound is returned when Unsubscribe is called with an unknown id.
	ErrSubscriberNotFound = errors.New("subscriber id not found")

	// ErrBusClosed is returned when operations are attempted on a closed bus.
	ErrBusClosed = errors.New("event bus is closed")
)

// Kind identifies the event category carried on the bus.
type Kind string

const (
	KindAlert          Kind = "alert"
	KindPrediction     Kind = "prediction"
	KindAdaptation     Kind = "adaptation"
	KindDecision       Kind = "decision"
	KindRecommendation Kind = "recommendation"
)

// Event is anything distributable on the bus. Consumers switch on EventKind
// and assert to the concrete type.
type Event interface {
	EventKind() Kind
	OccurredAt() time.Time
}

// Config controls bus buffering behavior.
type Config struct {
	// ReplaySize is the number of recent events replayed to new subscribers.
	ReplaySize int
	// SubscriberBuffer is the per-subscriber channel capacity.
	SubscriberBuffer int
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		ReplaySize:       64,
		SubscriberBuffer: 16,
	}
}

// Stats contains delivery counters for the bus.
type Stats struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

type subscriber struct {
	id string
	ch chan Event
}

// Bus distributes events to subscribers with drop-oldest overflow handling.
type Bus struct {
	mu     sync.Mutex
	cfg    Config
	subs   map[string]*subscriber
	replay []Event
	stats  Stats
	closed bool
}

// New creates an event bus with the given configuration.
func New(cfg Config) *Bus {
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = DefaultConfig().ReplaySize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	return &Bus{
		cfg:    cfg,
		subs:   make(map[string]*subscriber),
		replay: make([]Event, 0, cfg.ReplaySize),
	}
}

// Subscribe registers a subscriber and returns its delivery channel. Recent
// events are replayed into the channel before live delivery begins.
func (b *Bus) Subscribe(id string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, ok := b.subs[id]; ok {
		return nil, ErrSubscriberExists
	}

	buffer := b.cfg.SubscriberBuffer
	if buffer < b.cfg.ReplaySize {
		buffer = b.cfg.ReplaySize
	}
	sub := &subscriber{id: id, ch: make(chan Event, buffer)}
	for _, evt := range b.replay {
		sub.ch <- evt
	}
	b.subs[id] = sub
	return sub.ch, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	sub, ok := b.subs[id]
	if !ok {
		return ErrSubscriberNotFound
	}
	delete(b.subs, id)
	close(sub.ch)
	return nil
}

// Publish delivers the event to every subscriber without blocking. For a
// subscriber with a full buffer, the oldest queued event is discarded.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.stats.Published++
	b.replay = append(b.replay, evt)
	if len(b.replay) > b.cfg.ReplaySize {
		b.replay = b.replay[1:]
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
			b.stats.Delivered++
		default:
			// Full buffer: drop the oldest queued event, then retry once.
			select {
			case <-sub.ch:
				b.stats.Dropped++
			default:
			}
			select {
			case sub.ch <- evt:
				b.stats.Delivered++
			default:
				b.stats.Dropped++
			}
		}
	}
}

// Stats returns a snapshot of delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.Subscribers = len(b.subs)
	return s
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	log.Debug("event bus closed")
	return nil
}
