package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateEvent is returned by stores that already hold a transition
// event for the aggregate.
var ErrDuplicateEvent = errors.New("events: duplicate event")

// Event is a persisted domain event.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Topic       string          `json:"topic"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// EventStore persists events.
type EventStore interface {
	InsertEvent(ctx context.Context, ev Event) (Event, error)
}

// DeliveryScheduler schedules downstream deliveries for emitted events.
type DeliveryScheduler interface {
	Schedule(ctx context.Context, event Event) error
}

// Notifier observes stored events, e.g. a broker publisher.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Bus is the single path by which payment transitions leave the ledger.
type Bus struct {
	Store     EventStore
	Scheduler DeliveryScheduler
	Notifiers []Notifier
	Now       func() time.Time
}

// Emit persists one event, then hands it to the scheduler and every
// notifier. Fan-out failures do not undo the write: they are joined and
// returned with the stored event.
func (b *Bus) Emit(ctx context.Context, topic, aggregateID string, payload any) (Event, error) {
	if b == nil || b.Store == nil {
		return Event{}, errors.New("events: store not configured")
	}
	ev := Event{
		ID:          uuid.New(),
		Topic:       strings.TrimSpace(topic),
		AggregateID: strings.TrimSpace(aggregateID),
	}
	switch {
	case ev.Topic == "":
		return Event{}, errors.New("events: topic is required")
	case ev.AggregateID == "":
		return Event{}, errors.New("events: aggregate id is required")
	}
	var err error
	if ev.Payload, err = encodePayload(payload); err != nil {
		return Event{}, fmt.Errorf("events: encode payload: %w", err)
	}
	if b.Now != nil {
		ev.OccurredAt = b.Now().UTC()
	} else {
		ev.OccurredAt = time.Now().UTC()
	}

	stored, err := b.Store.InsertEvent(ctx, ev)
	if err != nil {
		return Event{}, fmt.Errorf("events: persist event: %w", err)
	}
	return stored, b.fanOut(ctx, stored)
}

func (b *Bus) fanOut(ctx context.Context, ev Event) error {
	var errs []error
	if b.Scheduler != nil {
		if err := b.Scheduler.Schedule(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("events: schedule deliveries: %w", err))
		}
	}
	for _, n := range b.Notifiers {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("events: notifier: %w", err))
		}
	}
	return errors.Join(errs...)
}

// encodePayload accepts pre-encoded JSON as []byte, json.RawMessage or
// string, and marshals anything else. Empty input becomes {}.
func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch v := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	case string:
		raw = []byte(strings.TrimSpace(v))
	default:
		return json.Marshal(v)
	}
	if len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid json")
	}
	return append(json.RawMessage(nil), raw...), nil
}
