// Package events is the in-process domain event bus. Handlers run
// synchronously on the publishing goroutine, in subscription order.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/observability"
)

type Kind string

const (
	RideRequestCreated  Kind = "ride_request.created"
	RideRequestAccepted Kind = "ride_request.accepted"
	RideRequestRejected Kind = "ride_request.rejected"
	RideRequestExpired  Kind = "ride_request.expired"
	TripCreated         Kind = "trip.created"
	TripCompleted       Kind = "trip.completed"
	ReviewCreated       Kind = "review.created"
)

type Event struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	AggregateID string          `json:"aggregateId"`
	OccurredAt  time.Time       `json:"occurredAt"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// New builds an event with payload marshalled to JSON. A payload that cannot
// be marshalled is dropped rather than failing the caller.
func New(kind Kind, aggregateID string, payload any) Event {
	ev := Event{ID: uuid.NewString(), Kind: kind, AggregateID: aggregateID, OccurredAt: time.Now().UTC()}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Payload = b
		}
	}
	return ev
}

// Handler processes one event. Returned errors are logged by the bus and
// handed back to the publisher.
type Handler func(ctx context.Context, ev Event) error

type Bus struct {
	mu       sync.RWMutex
	byKind   map[Kind][]Handler
	wildcard []Handler
	logger   *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{byKind: make(map[Kind][]Handler), logger: logger}
}

func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byKind[kind] = append(b.byKind[kind], h)
}

// SubscribeAll registers h for every kind.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, h)
}

// Publish runs every matching handler and returns the first error. All
// handlers run even if an earlier one fails.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byKind[ev.Kind])+len(b.wildcard))
	handlers = append(handlers, b.byKind[ev.Kind]...)
	handlers = append(handlers, b.wildcard...)
	b.mu.RUnlock()

	observability.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	var first error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			b.logger.Error("event handler failed", "kind", ev.Kind, "aggregate_id", ev.AggregateID, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
