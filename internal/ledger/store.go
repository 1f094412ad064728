package ledger

import (
	"context"
	"time"

	"github.com/noah-isme/payment-orchestrator/internal/payment"
)

// Store is the persistence contract behind the ledger.
type Store interface {
	Insert(ctx context.Context, rec Record) (Record, error)
	AppendLog(ctx context.Context, entry LogEntry) error
	// TransitionFromPending moves the record to status only while it is still
	// PENDING. applied is false when another writer got there first; the
	// returned record is the current row either way.
	TransitionFromPending(ctx context.Context, transactionID string, status payment.Status, failureReason string, at time.Time) (rec Record, applied bool, err error)
	// SetReference records the provider reference of an attempt that was
	// stored without one. A reference already present is kept.
	SetReference(ctx context.Context, transactionID, reference string, at time.Time) (Record, error)
	// MarkReconciled stamps last_reconciled_at so the next sweep starts with
	// records that have waited longest.
	MarkReconciled(ctx context.Context, transactionID string, at time.Time) error
	Get(ctx context.Context, transactionID string) (Record, error)
	FindByReference(ctx context.Context, provider, reference string) (Record, error)
	// ListStalePending returns PENDING records created before the cutoff,
	// never-reconciled first, then least recently reconciled.
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]Record, error)
	List(ctx context.Context, filter Filter) ([]Record, int, error)
	Logs(ctx context.Context, transactionID string) ([]LogEntry, error)
}
