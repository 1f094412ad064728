package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/payment-orchestrator/internal/payment"
)

// MemoryStore is an in-process Store with the same compare-and-swap
// semantics as the Postgres store. It backs tests and local runs without a
// database.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	logs    []LogEntry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (m *MemoryStore) Insert(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.TransactionID]; exists {
		return Record{}, ErrDuplicate
	}
	m.records[rec.TransactionID] = cloneRecord(rec)
	return cloneRecord(rec), nil
}

func (m *MemoryStore) AppendLog(_ context.Context, entry LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.Request = append(Body(nil), entry.Request...)
	entry.Response = append(Body(nil), entry.Response...)
	m.logs = append(m.logs, entry)
	return nil
}

func (m *MemoryStore) TransitionFromPending(_ context.Context, transactionID string, status payment.Status, failureReason string, at time.Time) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[transactionID]
	if !ok {
		return Record{}, false, ErrNotFound
	}
	if rec.Status != payment.StatusPending {
		return cloneRecord(rec), false, nil
	}
	rec.Status = status
	if failureReason != "" {
		rec.FailureReason = failureReason
	}
	rec.UpdatedAt = at
	completed := at
	rec.CompletedAt = &completed
	m.records[transactionID] = rec
	return cloneRecord(rec), true, nil
}

func (m *MemoryStore) SetReference(_ context.Context, transactionID, reference string, at time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[transactionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.ProviderReference == "" {
		rec.ProviderReference = reference
		rec.UpdatedAt = at
		m.records[transactionID] = rec
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) MarkReconciled(_ context.Context, transactionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[transactionID]
	if !ok {
		return ErrNotFound
	}
	stamp := at
	rec.LastReconciledAt = &stamp
	m.records[transactionID] = rec
	return nil
}

func (m *MemoryStore) Get(_ context.Context, transactionID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[transactionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) FindByReference(_ context.Context, provider, reference string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reference == "" {
		return Record{}, ErrNotFound
	}
	var (
		found Record
		ok    bool
	)
	for _, rec := range m.records {
		if rec.ProviderReference != reference || (provider != "" && rec.Provider != provider) {
			continue
		}
		if !ok || rec.CreatedAt.After(found.CreatedAt) {
			found, ok = rec, true
		}
	}
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(found), nil
}

func (m *MemoryStore) ListStalePending(_ context.Context, before time.Time, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.Status == payment.StatusPending && rec.CreatedAt.Before(before) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastReconciledAt, out[j].LastReconciledAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TransactionID < out[j].TransactionID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []Record
	for _, rec := range m.records {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.Provider != "" && rec.Provider != filter.Provider {
			continue
		}
		if filter.OrderID != "" && rec.OrderID != filter.OrderID {
			continue
		}
		matched = append(matched, cloneRecord(rec))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	if filter.Offset >= total {
		return []Record{}, total, nil
	}
	end := total
	if filter.Limit > 0 && filter.Offset+filter.Limit < end {
		end = filter.Offset + filter.Limit
	}
	return matched[filter.Offset:end], total, nil
}

func (m *MemoryStore) Logs(_ context.Context, transactionID string) ([]LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LogEntry
	for _, entry := range m.logs {
		if entry.TransactionID == transactionID {
			out = append(out, entry)
		}
	}
	return out, nil
}

// AllLogs returns every appended entry, including uncorrelated ones.
func (m *MemoryStore) AllLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogEntry(nil), m.logs...)
}

func cloneRecord(rec Record) Record {
	if rec.Metadata != nil {
		meta := make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			meta[k] = v
		}
		rec.Metadata = meta
	}
	if rec.CompletedAt != nil {
		at := *rec.CompletedAt
		rec.CompletedAt = &at
	}
	if rec.LastReconciledAt != nil {
		at := *rec.LastReconciledAt
		rec.LastReconciledAt = &at
	}
	return rec
}
