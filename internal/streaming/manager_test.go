package streaming

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	mgr := NewManager(16)
	ch := mgr.Subscribe("run-1", 8)
	defer mgr.Unsubscribe("run-1", ch)

	mgr.Publish("run-1", Event{Type: TypeTaskOutput, Message: "hello"})

	select {
	case evt := <-ch:
		assert.Equal(t, "run-1", evt.RunID)
		assert.Equal(t, "hello", evt.Message)
		assert.Equal(t, uint64(1), evt.Seq)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSequenceNumbersAreMonotonicPerRun(t *testing.T) {
	mgr := NewManager(16)
	for i := 0; i < 3; i++ {
		mgr.Publish("run-1", Event{Type: TypeTaskOutput})
	}
	mgr.Publish("run-2", Event{Type: TypeTaskOutput})

	events := mgr.ReplaySince("run-1", 0)
	require.Len(t, events, 3)
	for i, evt := range events {
		assert.Equal(t, uint64(i+1), evt.Seq)
	}

	other := mgr.ReplaySince("run-2", 0)
	require.Len(t, other, 1)
	assert.Equal(t, uint64(1), other[0].Seq)
}

func TestReplaySinceSkipsSeenEvents(t *testing.T) {
	mgr := NewManager(16)
	for i := 0; i < 5; i++ {
		mgr.Publish("run-1", Event{Type: TypeTaskOutput})
	}

	events := mgr.ReplaySince("run-1", 3)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(4), events[0].Seq)
	assert.Equal(t, uint64(5), events[1].Seq)
}

func TestRingDropsOldestBeyondCapacity(t *testing.T) {
	mgr := NewManager(3)
	for i := 0; i < 5; i++ {
		mgr.Publish("run-1", Event{Type: TypeTaskOutput})
	}

	events := mgr.ReplaySince("run-1", 0)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, uint64(5), events[2].Seq)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	mgr := NewManager(16)
	ch := mgr.Subscribe("run-1", 1)
	defer mgr.Unsubscribe("run-1", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			mgr.Publish("run-1", Event{Type: TypeTaskOutput})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}

	// The dropped events remain recoverable from the ring.
	assert.Len(t, mgr.ReplaySince("run-1", 0), 10)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	mgr := NewManager(16)
	ch := mgr.Subscribe("run-1", 1)
	mgr.Unsubscribe("run-1", ch)

	_, open := <-ch
	assert.False(t, open)

	// Double unsubscribe must not panic.
	mgr.Unsubscribe("run-1", ch)
}

func TestDropDiscardsHistory(t *testing.T) {
	mgr := NewManager(16)
	mgr.Publish("run-1", Event{Type: TypeTaskOutput})
	mgr.Drop("run-1")
	assert.Empty(t, mgr.ReplaySince("run-1", 0))
}

func TestDropAfterDiscardsHistory(t *testing.T) {
	mgr := NewManager(16)
	mgr.Publish("run-1", Event{Type: TypeRunCompleted})
	mgr.DropAfter("run-1", 10*time.Millisecond)

	// The terminal event stays replayable until the grace period elapses.
	require.Len(t, mgr.ReplaySince("run-1", 0), 1)
	assert.Eventually(t, func() bool {
		return len(mgr.ReplaySince("run-1", 0)) == 0
	}, time.Second, 5*time.Millisecond)
}

// Publishing while subscribers come and go on the same run must neither race
// on the subscriber map nor send on a closed channel.
func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	mgr := NewManager(64)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				ch := mgr.Subscribe("run-1", 1)
				mgr.Unsubscribe("run-1", ch)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				mgr.Publish("run-1", Event{Type: TypeTaskOutput})
			}
		}()
	}
	wg.Wait()

	// Every publish landed in the ring regardless of subscriber churn.
	events := mgr.ReplaySince("run-1", 0)
	require.NotEmpty(t, events)
	assert.Equal(t, uint64(800), events[len(events)-1].Seq)
}
