// Package events carries persisted-mutation notifications between processes.
//
// Delivery is at-least-once and may reorder across aggregates. Consumers
// deduplicate by comparing NewVersion against what they already applied.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

type Kind string

const (
	KindQuoteCreated      Kind = "quote.created"
	KindQuoteUpdated      Kind = "quote.updated"
	KindQuoteTransitioned Kind = "quote.transitioned"
	KindPresenceChanged   Kind = "presence.changed"
	// KindResync is synthesized by a transport after it reconnects. Anything
	// published while it was down may have been missed.
	KindResync Kind = "transport.resync"
)

func (k Kind) valid() bool {
	switch k {
	case KindQuoteCreated, KindQuoteUpdated, KindQuoteTransitioned, KindPresenceChanged, KindResync:
		return true
	}
	return false
}

// ChangeEvent is the fixed wire record for every notification.
type ChangeEvent struct {
	AggregateID string    `json:"aggregate_id"`
	NewVersion  int       `json:"new_version"`
	PerformedBy string    `json:"performed_by"`
	Kind        Kind      `json:"kind"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Mutation reports whether the event describes a persisted quote write.
func (e ChangeEvent) Mutation() bool {
	switch e.Kind {
	case KindQuoteCreated, KindQuoteUpdated, KindQuoteTransitioned:
		return true
	}
	return false
}

var ErrInvalidEvent = errors.New("invalid change event")

func (e ChangeEvent) Validate() error {
	if !e.Kind.valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.Kind == KindResync {
		return nil
	}
	if e.AggregateID == "" {
		return fmt.Errorf("%w: missing aggregate id", ErrInvalidEvent)
	}
	if e.Mutation() {
		if e.NewVersion < 1 {
			return fmt.Errorf("%w: version %d", ErrInvalidEvent, e.NewVersion)
		}
		if e.PerformedBy == "" {
			return fmt.Errorf("%w: missing performed_by", ErrInvalidEvent)
		}
	}
	return nil
}

// Decode parses and validates a wire payload.
func Decode(payload []byte) (ChangeEvent, error) {
	var e ChangeEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return ChangeEvent{}, err
	}
	return e, nil
}

// Filter scopes a subscription. An empty AggregateID subscribes to the whole
// quote collection.
type Filter struct {
	AggregateID string
}

func (f Filter) Matches(e ChangeEvent) bool {
	if e.Kind == KindResync || f.AggregateID == "" {
		return true
	}
	return f.AggregateID == e.AggregateID
}

type Publisher interface {
	Publish(ctx context.Context, e ChangeEvent) error
}

type Transport interface {
	Publisher
	Subscribe(ctx context.Context, f Filter) (*Subscription, error)
}

var ErrTransport = errors.New("transport error")

// TransportError reports a network or subscription failure. It is
// recoverable: the subscriber reconnects and resubscribes.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Subscription is a scoped handle on a stream of events. Close is idempotent
// and guarantees no further deliveries once it returns.
type Subscription struct {
	filter Filter
	events chan ChangeEvent
	errc   chan error
	done   chan struct{}
	once   sync.Once
	onStop func()
}

func newSubscription(f Filter, buffer int, onStop func()) *Subscription {
	return &Subscription{
		filter: f,
		events: make(chan ChangeEvent, buffer),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
		onStop: onStop,
	}
}

func (s *Subscription) Filter() Filter { return s.filter }

// Events yields matching events until the subscription is closed or fails.
func (s *Subscription) Events() <-chan ChangeEvent { return s.events }

// Err yields at most one TransportError when the subscription dies on its own.
func (s *Subscription) Err() <-chan error { return s.errc }

// Done is closed once the subscription stops for any reason.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Close() {
	s.stop(nil)
}

func (s *Subscription) stop(err error) {
	s.once.Do(func() {
		if err != nil {
			s.errc <- err
		}
		close(s.done)
		if s.onStop != nil {
			s.onStop()
		}
	})
}

// deliver blocks until the event is accepted, the subscription stops or ctx
// ends. It reports whether the event was delivered.
func (s *Subscription) deliver(ctx context.Context, e ChangeEvent) bool {
	if !s.filter.Matches(e) {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- e:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}
