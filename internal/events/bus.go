// Package events provides the synchronous, typed publish/subscribe bus used
// for orchestration lifecycle notifications.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/countygis/agentcore/api/schemas"
	"go.uber.org/zap"
)

// Handler receives an event. A returned error or a panic is logged and does not
// affect delivery to other handlers.
type Handler func(ctx context.Context, evt schemas.Event) error

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers events synchronously, in subscription order, to the handlers of
// the event's type followed by wildcard handlers.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	nextID   uint64
	byType   map[schemas.EventType][]subscription
	wildcard []subscription
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger.Named("event_bus"),
		byType: make(map[schemas.EventType][]subscription),
	}
}

// Subscribe registers h for one event type and returns its unsubscribe function.
func (b *Bus) Subscribe(eventType schemas.EventType, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.byType[eventType] = append(b.byType[eventType], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byType[eventType] = removeSubscription(b.byType[eventType], id)
		if len(b.byType[eventType]) == 0 {
			delete(b.byType, eventType)
		}
	}
}

// SubscribeAll registers h for every event type.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.wildcard = append(b.wildcard, subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard = removeSubscription(b.wildcard, id)
	}
}

// Publish delivers evt to every matching handler and returns how many of them
// failed. It never aborts early.
func (b *Bus) Publish(ctx context.Context, evt schemas.Event) int {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	// Copy under the read lock so handlers may (un)subscribe without deadlocking.
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.byType[evt.Type])+len(b.wildcard))
	subs = append(subs, b.byType[evt.Type]...)
	subs = append(subs, b.wildcard...)
	b.mu.RUnlock()

	failed := 0
	for _, sub := range subs {
		if err := b.deliver(ctx, sub, evt); err != nil {
			failed++
			b.logger.Error("Event handler failed",
				zap.String("event_type", string(evt.Type)),
				zap.Uint64("subscription", sub.id),
				zap.Error(err))
		}
	}
	return failed
}

// HandlerCount returns the number of handlers that would receive an event of the given type.
func (b *Bus) HandlerCount(eventType schemas.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byType[eventType]) + len(b.wildcard)
}

func (b *Bus) deliver(ctx context.Context, sub subscription, evt schemas.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return sub.handler(ctx, evt)
}

func removeSubscription(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			out := make([]subscription, 0, len(subs)-1)
			out = append(out, subs[:i]...)
			return append(out, subs[i+1:]...)
		}
	}
	return subs
}
