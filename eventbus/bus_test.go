package eventbus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	seq int
	at  time.Time
}

func (e testEvent) EventKind() Kind       { return KindAlert }
func (e testEvent) OccurredAt() time.Time { return e.at }

func TestSubscribeAndPublish(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()

	ch, err := b.Subscribe("worker")
	require.NoError(t, err)

	b.Publish(testEvent{seq: 1, at: time.Now()})

	select {
	case evt := <-ch:
		assert.Equal(t, 1, evt.(testEvent).seq)
	default:
		t.Fatal("expected event delivery")
	}
}

func TestDuplicateSubscriber(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()

	_, err := b.Subscribe("a")
	require.NoError(t, err)
	_, err = b.Subscribe("a")
	assert.ErrorIs(t, err, ErrSubscriberExists)
}

func TestUnsubscribe(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()

	ch, err := b.Subscribe("a")
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe("a"))

	_, open := <-ch
	assert.False(t, open)

	assert.ErrorIs(t, b.Unsubscribe("a"), ErrSubscriberNotFound)
}

func TestDropOldestOnOverflow(t *testing.T) {
	b := New(Config{ReplaySize: 1, SubscriberBuffer: 2})
	defer b.Close()

	ch, err := b.Subscribe("slow")
	require.NoError(t, err)

	// Never drained: buffer of 2 overflows on the third publish.
	for i := 1; i <= 4; i++ {
		b.Publish(testEvent{seq: i, at: time.Now()})
	}

	// Oldest events were discarded; the most recent two remain in order.
	first := <-ch
	second := <-ch
	assert.Equal(t, 3, first.(testEvent).seq)
	assert.Equal(t, 4, second.(testEvent).seq)

	stats := b.Stats()
	assert.Equal(t, uint64(4), stats.Published)
	assert.NotZero(t, stats.Dropped)
}

func TestReplayToNewSubscriber(t *testing.T) {
	b := New(Config{ReplaySize: 3, SubscriberBuffer: 8})
	defer b.Close()

	for i := 1; i <= 5; i++ {
		b.Publish(testEvent{seq: i, at: time.Now()})
	}

	ch, err := b.Subscribe("late")
	require.NoError(t, err)

	// Only the replay window is delivered, oldest first.
	for _, want := range []int{3, 4, 5} {
		select {
		case evt := <-ch:
			assert.Equal(t, want, evt.(testEvent).seq)
		default:
			t.Fatalf("missing replayed event %d", want)
		}
	}
	select {
	case evt := <-ch:
		t.Fatalf("unexpected extra event %v", evt)
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New(Config{ReplaySize: 1, SubscriberBuffer: 1})
	defer b.Close()

	for i := 0; i < 8; i++ {
		_, err := b.Subscribe(fmt.Sprintf("sub-%d", i))
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(testEvent{seq: i, at: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on slow subscribers")
	}
}

func TestClosedBus(t *testing.T) {
	b := New(DefaultConfig())
	require.NoError(t, b.Close())

	_, err := b.Subscribe("a")
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.ErrorIs(t, b.Close(), ErrBusClosed)

	// Publish on a closed bus is a no-op, not a panic.
	b.Publish(testEvent{at: time.Now()})
}
