// ABOUTME: Tests for the thread event broadcaster
// ABOUTME: Covers per-thread isolation, all-thread subscribers, cancellation, and slow consumers

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_SubscriberReceivesThreadEvent(t *testing.T) {
	b := newBroadcaster(testLogger())
	defer b.close()

	ch := b.subscribe(t.Context(), "th-1")
	b.publish(Event{Kind: EventBusyChanged, ThreadID: "th-1", Busy: true})

	select {
	case ev := <-ch:
		assert.Equal(t, EventBusyChanged, ev.Kind)
		assert.True(t, ev.Busy)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_ThreadsAreIsolated(t *testing.T) {
	b := newBroadcaster(testLogger())
	defer b.close()

	ch1 := b.subscribe(t.Context(), "th-1")
	ch2 := b.subscribe(t.Context(), "th-2")

	b.publish(Event{Kind: EventDraftUpdated, ThreadID: "th-1", Draft: "Hel"})

	select {
	case ev := <-ch1:
		assert.Equal(t, "Hel", ev.Draft)
	case <-time.After(time.Second):
		t.Fatal("subscriber for th-1 timed out")
	}

	select {
	case <-ch2:
		t.Fatal("subscriber for th-2 should not receive events for th-1")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_AllThreadSubscriber(t *testing.T) {
	b := newBroadcaster(testLogger())
	defer b.close()

	all := b.subscribe(t.Context(), allThreads)
	b.publish(Event{Kind: EventThreadCreated, ThreadID: "th-1"})
	b.publish(Event{Kind: EventThreadCreated, ThreadID: "th-2"})

	var got []string
	for range 2 {
		select {
		case ev := <-all:
			got = append(got, ev.ThreadID)
		case <-time.After(time.Second):
			t.Fatal("all-thread subscriber timed out")
		}
	}
	assert.Equal(t, []string{"th-1", "th-2"}, got)
}

func TestBroadcaster_CancelClosesChannel(t *testing.T) {
	b := newBroadcaster(testLogger())
	defer b.close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.subscribe(ctx, "th-1")
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	// Publishing after unsubscribe must not panic.
	b.publish(Event{Kind: EventBusyChanged, ThreadID: "th-1"})
}

func TestBroadcaster_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := newBroadcaster(testLogger())
	defer b.close()

	_ = b.subscribe(t.Context(), "th-1")

	done := make(chan struct{})
	go func() {
		for range subscriberBufferSize * 2 {
			b.publish(Event{Kind: EventDraftUpdated, ThreadID: "th-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBroadcaster_ConcurrentPublishAndSubscribe(t *testing.T) {
	b := newBroadcaster(testLogger())
	defer b.close()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			_ = b.subscribe(ctx, "th-1")
			cancel()
		}()
		go func() {
			defer wg.Done()
			b.publish(Event{Kind: EventMessageAppended, ThreadID: "th-1", Draft: string(rune('a' + i))})
		}()
	}
	wg.Wait()
}

func TestBroadcaster_CloseClosesAll(t *testing.T) {
	b := newBroadcaster(testLogger())

	ch1 := b.subscribe(t.Context(), "th-1")
	ch2 := b.subscribe(t.Context(), allThreads)
	b.close()

	_, ok := <-ch1
	assert.False(t, ok)
	_, ok = <-ch2
	assert.False(t, ok)
}
