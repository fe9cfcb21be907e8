package eventbus

import (
	"context"
	"sync"

	"github.com/nrednav/cuid2"
	"github.com/sourcegraph/conc/pool"
)

// Bus fans events out to subscribers. Events are dispatched one at a time in
// publish order; the handlers of one event run concurrently.
type Bus[T any] struct {
	queue     []T
	queueLock sync.Mutex
	notify    chan struct{}

	eventHandlers     map[string]func(context.Context, T)
	eventHandlersLock sync.RWMutex
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{
		notify:        make(chan struct{}, 1),
		eventHandlers: make(map[string]func(context.Context, T)),
	}
}

// PublishEvent queues the event and returns without waiting for handlers.
func (b *Bus[T]) PublishEvent(event T) {
	b.queueLock.Lock()
	b.queue = append(b.queue, event)
	b.queueLock.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Bus[T]) SubscribeToEvents(handler func(context.Context, T)) func() {
	b.eventHandlersLock.Lock()
	defer b.eventHandlersLock.Unlock()
	subscriptionID := cuid2.Generate()
	b.eventHandlers[subscriptionID] = handler

	return func() {
		b.eventHandlersLock.Lock()
		defer b.eventHandlersLock.Unlock()
		delete(b.eventHandlers, subscriptionID)
	}
}

// Subscribers returns the number of registered handlers.
func (b *Bus[T]) Subscribers() int {
	b.eventHandlersLock.RLock()
	defer b.eventHandlersLock.RUnlock()
	return len(b.eventHandlers)
}

// StartDispatcher delivers queued events until ctx is done.
func (b *Bus[T]) StartDispatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.notify:
			for {
				event, ok := b.pop()
				if !ok {
					break
				}
				b.dispatchEvent(ctx, event)
			}
		}
	}
}

func (b *Bus[T]) pop() (T, bool) {
	b.queueLock.Lock()
	defer b.queueLock.Unlock()
	var zero T
	if len(b.queue) == 0 {
		return zero, false
	}
	event := b.queue[0]
	b.queue[0] = zero
	b.queue = b.queue[1:]
	return event, true
}

func (b *Bus[T]) dispatchEvent(ctx context.Context, event T) {
	// Handlers may unsubscribe themselves, so they run without the lock.
	b.eventHandlersLock.RLock()
	handlers := make([]func(context.Context, T), 0, len(b.eventHandlers))
	for _, handler := range b.eventHandlers {
		handlers = append(handlers, handler)
	}
	b.eventHandlersLock.RUnlock()

	p := pool.New().WithContext(ctx)
	for _, handler := range handlers {
		p.Go(func(ctx context.Context) error {
			handler(ctx, event)
			return nil
		})
	}
	_ = p.Wait()
}
