package events

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/cubent/usagemeter/internal/logging"
	"github.com/cubent/usagemeter/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSubscriberExists   = errors.New("subscriber already registered")
	ErrSubscriberNotFound = errors.New("subscriber not found")
)

// Subscriber receives published events. OnEvent runs on the publisher's
// goroutine and must not block.
type Subscriber interface {
	OnEvent(ctx context.Context, event models.Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, event models.Event)

// OnEvent calls f.
func (f SubscriberFunc) OnEvent(ctx context.Context, event models.Event) { f(ctx, event) }

type subscription struct {
	sub   Subscriber
	types map[models.EventType]bool
}

// Bus fans events out to named subscribers. It satisfies Repository so the
// Log helpers can target it directly.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]subscription
	logger zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[string]subscription),
		logger: logging.Component("events"),
	}
}

// Subscribe registers sub under id. When types is non-empty only those event
// types are delivered.
func (b *Bus) Subscribe(id string, sub Subscriber, types ...models.EventType) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; ok {
		return ErrSubscriberExists
	}
	s := subscription{sub: sub}
	if len(types) > 0 {
		s.types = make(map[models.EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	b.subs[id] = s
	return nil
}

// Unsubscribe removes the subscriber registered under id.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return ErrSubscriberNotFound
	}
	delete(b.subs, id)
	return nil
}

// Subscribers returns the registered subscriber IDs in sorted order.
func (b *Bus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Create publishes event. It assigns an ID when missing and never fails
// for a valid event.
func (b *Bus) Create(ctx context.Context, event *models.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	b.Publish(ctx, *event)
	return nil
}

// Publish delivers event to every matching subscriber.
func (b *Bus) Publish(ctx context.Context, event models.Event) {
	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.types == nil || s.types[event.Type] {
			targets = append(targets, s.sub)
		}
	}
	b.mu.RUnlock()

	b.logger.Debug().
		Str("type", string(event.Type)).
		Str("entity_id", event.EntityID).
		Int("subscribers", len(targets)).
		Msg("publishing event")

	for _, sub := range targets {
		sub.OnEvent(ctx, event)
	}
}
