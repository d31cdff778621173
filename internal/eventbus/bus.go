package eventbus

import (
	"log/slog"
	"sync"
)

// Handler is a callback for events. A returned error is logged and does not
// affect other handlers.
type Handler func(Event) error

type subscription struct {
	key string
	fn  Handler
}

// Bus is a synchronous pub/sub hub. Handlers are invoked in registration
// order on the emitting goroutine; an erroring or panicking handler never
// prevents the remaining handlers from running.
type Bus struct {
	mu     sync.Mutex
	subs   map[Kind][]subscription
	logger *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[Kind][]subscription),
		logger: logger.With("component", "eventbus"),
	}
}

// Subscribe registers a handler for one event kind under a subscriber key.
// The key is used later for bulk removal when the owning object is torn down.
func (b *Bus) Subscribe(kind Kind, key string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], subscription{key: key, fn: fn})
}

// Emit invokes every handler registered for the event's kind, in
// registration order, isolating each handler's failures.
func (b *Bus) Emit(event Event) {
	kind := event.EventKind()
	b.mu.Lock()
	handlers := make([]subscription, len(b.subs[kind]))
	copy(handlers, b.subs[kind])
	b.mu.Unlock()

	for _, sub := range handlers {
		b.invoke(kind, sub, event)
	}
}

func (b *Bus) invoke(kind Kind, sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "kind", string(kind), "subscriber", sub.key, "panic", r)
		}
	}()
	if err := sub.fn(event); err != nil {
		b.logger.Error("event handler failed", "kind", string(kind), "subscriber", sub.key, "err", err)
	}
}

// RemoveAll detaches every handler registered under the given subscriber key.
func (b *Bus) RemoveAll(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for kind, subs := range b.subs {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.key != key {
				kept = append(kept, sub)
			}
		}
		if len(kept) == 0 {
			delete(b.subs, kind)
			continue
		}
		b.subs[kind] = kept
	}
}
