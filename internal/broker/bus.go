package broker

import (
	"context"
	"sync"

	"checkout-core/internal/models"
)

// Subscriber receives state events synchronously on the publisher's
// goroutine. Slow work belongs in a goroutine of the subscriber's own.
type Subscriber func(ctx context.Context, event *models.StateEvent)

// Bus is the in-process observable for checkout state. Each service graph
// owns its own Bus; there is no package-level instance.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]Subscriber)}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers event to every current subscriber. A nil Bus drops it.
func (b *Bus) Publish(ctx context.Context, event *models.StateEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s(ctx, event)
	}
}
