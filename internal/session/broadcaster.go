// ABOUTME: In-memory fan-out of thread events to presentation-layer subscribers
// ABOUTME: Subscribers watch one thread or, with an empty key, every thread

package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// allThreads is the key of subscribers that want every event.
	allThreads = ""
)

// broadcaster provides in-memory pub/sub for thread events. Slow subscribers
// lose events rather than stall the publisher.
type broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // threadID -> subID -> ch
	logger      *slog.Logger
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// subscribe registers for events on threadID until ctx is canceled.
func (b *broadcaster) subscribe(ctx context.Context, threadID string) <-chan Event {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[threadID]; !ok {
		b.subscribers[threadID] = make(map[string]chan Event)
	}
	b.subscribers[threadID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "thread_id", threadID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.unsubscribe(threadID, subID)
	}()
	return ch
}

// publish delivers ev to the thread's subscribers and to the all-thread ones.
// The read lock is held across the non-blocking sends so unsubscribe cannot
// close a channel mid-send.
func (b *broadcaster) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := []string{allThreads}
	if ev.ThreadID != allThreads {
		keys = append(keys, ev.ThreadID)
	}
	for _, key := range keys {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- ev:
			default:
				b.logger.Debug("dropped event for slow subscriber", "thread_id", ev.ThreadID, "kind", ev.Kind)
			}
		}
	}
}

func (b *broadcaster) unsubscribe(threadID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[threadID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, threadID)
	}
}

// close closes every subscriber channel.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
}
