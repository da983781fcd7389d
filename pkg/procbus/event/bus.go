package event

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
)

// Handler processes one event delivered by the bus.
// An error returned by a handler propagates to the publisher's caller;
// the bus does not swallow subscriber failures.
type Handler func(ctx context.Context, evt *Event) error

// Bus is an in-memory publish/subscribe channel registry.
//
// Delivery is synchronous: Publish invokes every subscriber registered on
// the event's channel, in registration order, before returning. There is
// no ordering guarantee across channels or across concurrent Publish
// calls on the same channel.
type Bus struct {
	mu        sync.RWMutex
	channels  map[string][]*Subscription
	wildcards []*Subscription
	nextID    atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		channels: make(map[string][]*Subscription),
	}
}

// Subscription is a handle to an active subscription.
// Unsubscribe removes exactly this subscription and is idempotent.
type Subscription struct {
	id       string
	channel  string
	wildcard bool
	handler  Handler
	bus      *Bus
}

// Subscribe registers handler on channel and returns a disposer handle.
func (b *Bus) Subscribe(channel string, handler Handler) *Subscription {
	sub := &Subscription{
		id:      strconv.FormatInt(b.nextID.Add(1), 10),
		channel: channel,
		handler: handler,
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels[channel] = append(b.channels[channel], sub)
	return sub
}

// SubscribeAll registers handler for every channel.
// Wildcard subscribers run after channel subscribers, in registration order.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	sub := &Subscription{
		id:       strconv.FormatInt(b.nextID.Add(1), 10),
		wildcard: true,
		handler:  handler,
		bus:      b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcards = append(b.wildcards, sub)
	return sub
}

// Publish delivers evt to every subscriber on the channel named by
// evt.Type. Publishing to a channel with no subscribers is a no-op.
// The first handler error aborts delivery and is returned to the caller.
func (b *Bus) Publish(ctx context.Context, evt *Event) error {
	if evt == nil {
		return fmt.Errorf("event: publish nil event")
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.channels[evt.Type])+len(b.wildcards))
	subs = append(subs, b.channels[evt.Type]...)
	subs = append(subs, b.wildcards...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sub.handler(ctx, evt); err != nil {
			return fmt.Errorf("event %s on %q: %w", evt.ID, evt.Type, err)
		}
	}
	return nil
}

// SubscriberCount returns the number of subscribers on a channel,
// not counting wildcards. Useful for testing.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

// Unsubscribe removes the subscription from the bus.
// Calling it more than once is safe.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.wildcard {
		s.bus.wildcards = removeSub(s.bus.wildcards, s.id)
		return
	}

	remaining := removeSub(s.bus.channels[s.channel], s.id)
	if len(remaining) == 0 {
		delete(s.bus.channels, s.channel)
	} else {
		s.bus.channels[s.channel] = remaining
	}
}

func removeSub(subs []*Subscription, id string) []*Subscription {
	for i, sub := range subs {
		if sub.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
