package events

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

// Bus is an in-process Transport. It is used when every client shares one
// process (memory store driver) and as the transport in tests.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID atomic.Uint64
	buffer int
}

func NewBus() *Bus {
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: 64,
	}
}

func (b *Bus) Subscribe(_ context.Context, f Filter) (*Subscription, error) {
	id := b.nextID.Add(1)
	sub := newSubscription(f, b.buffer, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	})

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	return sub, nil
}

// Publish delivers e to every matching subscription in subscription order.
// Subscribers are snapshotted first so delivery happens outside the lock.
func (b *Bus) Publish(ctx context.Context, e ChangeEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	subs := make([]*Subscription, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, b.subs[id])
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(ctx, e)
	}
	return ctx.Err()
}

// Disconnect fails every live subscription with a TransportError, as a real
// transport does when its connection drops.
func (b *Bus) Disconnect(err error) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.stop(&TransportError{Op: "receive", Err: err})
	}
}

func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
