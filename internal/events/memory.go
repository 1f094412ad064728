package events

import (
	"context"
	"sync"
)

// MemoryStore keeps events in process and enforces the same single
// transition per aggregate rule as the domain_events unique index.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

// InsertEvent implements EventStore.
func (m *MemoryStore) InsertEvent(_ context.Context, ev Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if isTransition(ev.Topic) {
		for _, existing := range m.events {
			if existing.AggregateID == ev.AggregateID && isTransition(existing.Topic) {
				return Event{}, ErrDuplicateEvent
			}
		}
	}
	m.events = append(m.events, ev)
	return ev, nil
}

// Events returns the stored events for an aggregate, or all events when id is empty.
func (m *MemoryStore) Events(aggregateID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if aggregateID == "" || ev.AggregateID == aggregateID {
			out = append(out, ev)
		}
	}
	return out
}

// Transitions returns only terminal transition events for an aggregate.
func (m *MemoryStore) Transitions(aggregateID string) []Event {
	var out []Event
	for _, ev := range m.Events(aggregateID) {
		if isTransition(ev.Topic) {
			out = append(out, ev)
		}
	}
	return out
}

func isTransition(topic string) bool {
	for _, t := range TransitionTopics() {
		if t == topic {
			return true
		}
	}
	return false
}
