package realtime

import (
	"log/slog"
	"sync"
)

// Handler receives events published on a topic. Handlers run synchronously
// during Publish and must not block; anything slow belongs on the
// consumer's own goroutine.
type Handler func(RealtimeEvent)

// Bus is the in-process publish/subscribe dispatcher connecting the sync
// components to consumers. Publishes are serialized: every subscriber sees
// the same total order of events, and a publish completes its fan-out
// before the next one starts.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[Topic]map[int]Handler
	nextID int

	// pubMu serializes fan-out. Separate from mu so handlers may call
	// Subscribe/Unsubscribe without deadlocking.
	pubMu sync.Mutex
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[Topic]map[int]Handler),
	}
}

// Subscribe registers a handler for a topic and returns a subscription id
// for later removal.
func (b *Bus) Subscribe(topic Topic, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}

	b.subs[topic][id] = h

	return id
}

// Unsubscribe removes a previously registered handler. Unknown ids are
// ignored.
func (b *Bus) Unsubscribe(topic Topic, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs[topic], id)
}

// Publish delivers the event to all current subscribers of the topic,
// in subscription order, before returning.
func (b *Bus) Publish(topic Topic, ev RealtimeEvent) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.RLock()
	handlers := make([]subscriber, 0, len(b.subs[topic]))
	for id, h := range b.subs[topic] {
		handlers = append(handlers, subscriber{id: id, fn: h})
	}
	b.mu.RUnlock()

	sortSubscribers(handlers)

	for _, s := range handlers {
		s.fn(ev)
	}

	b.logger.Debug("event published",
		slog.String("topic", string(topic)),
		slog.String("event_id", ev.ID),
		slog.Int("subscribers", len(handlers)),
	)
}

type subscriber struct {
	fn Handler
	id int
}

// sortSubscribers orders handlers by subscription id. Insertion sort:
// subscriber counts are small (UI consumers), no need for sort.Slice
// allocation overhead.
func sortSubscribers(subs []subscriber) {
	for i := 1; i < len(subs); i++ {
		for j := i; j > 0 && subs[j].id < subs[j-1].id; j-- {
			subs[j], subs[j-1] = subs[j-1], subs[j]
		}
	}
}
