package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes turn-engine events to registered subscribers in a
	// synchronous fan-out pattern (spec §4.6.1 "Events").
	//
	// Grounded verbatim on runtime/agent/hooks/bus.go: subscribers are
	// invoked on the publisher's goroutine, in no defined order (they are
	// kept in a map, not in registration order); iteration stops at the
	// first subscriber error so a critical subscriber (e.g. the rollout
	// writer) can halt a turn on unrecoverable failure.
	Bus interface {
		// Publish delivers event to every currently registered subscriber.
		Publish(ctx context.Context, event Event) error
		// Register adds a subscriber and returns a Subscription that
		// unregisters it on Close.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to Subscriber.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration; Close is idempotent.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error { return f(ctx, event) }

// NewBus constructs an in-memory event bus.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("hooks: subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.mu.Unlock()
	return s, nil
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}
