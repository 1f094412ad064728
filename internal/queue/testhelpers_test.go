package queue_test

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/payment-orchestrator/internal/queue"
)

// memoryStore keeps dead letters newest first.
type memoryStore struct {
	mu   sync.Mutex
	rows []queue.DLQEntry
}

func newMemoryStore() *memoryStore { return &memoryStore{} }

func (m *memoryStore) InsertQueueDlq(_ context.Context, e queue.DLQEntry) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.rows = append(m.rows, e)
	slices.SortStableFunc(m.rows, func(a, b queue.DLQEntry) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return e.ID, nil
}

func (m *memoryStore) find(id uuid.UUID) int {
	return slices.IndexFunc(m.rows, func(e queue.DLQEntry) bool { return e.ID == id })
}

func (m *memoryStore) DeleteQueueDlq(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(id)
	if i < 0 {
		return queue.ErrDLQNotFound
	}
	m.rows = slices.Delete(m.rows, i, i+1)
	return nil
}

func (m *memoryStore) GetQueueDlq(_ context.Context, id uuid.UUID) (queue.DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(id)
	if i < 0 {
		return queue.DLQEntry{}, queue.ErrDLQNotFound
	}
	return m.rows[i], nil
}

func (m *memoryStore) matching(f queue.DLQFilter) []queue.DLQEntry {
	var out []queue.DLQEntry
	for _, e := range m.rows {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func (m *memoryStore) ListQueueDlq(_ context.Context, f queue.DLQFilter) ([]queue.DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.matching(f)
	if f.Offset >= len(rows) {
		return []queue.DLQEntry{}, nil
	}
	rows = rows[f.Offset:]
	if f.Limit > 0 && f.Limit < len(rows) {
		rows = rows[:f.Limit]
	}
	return slices.Clone(rows), nil
}

func (m *memoryStore) CountQueueDlq(_ context.Context, f queue.DLQFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.matching(f))), nil
}

func (m *memoryStore) QueueDlqSizeByKind(context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := map[string]int64{}
	for _, e := range m.rows {
		sizes[e.Kind]++
	}
	return sizes, nil
}

func (m *memoryStore) snapshot() []queue.DLQEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rows)
}
