package queue

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrStoreUnavailable indicates the DLQ store dependency is not configured.
	ErrStoreUnavailable = errors.New("queue: store unavailable")
	// ErrDLQNotFound is returned when a dead-lettered task does not exist.
	ErrDLQNotFound = errors.New("queue: dlq entry not found")
)

// DLQFilter narrows dead-letter listings. Key matches the task idempotency
// key, which is the transaction id for reconcile tasks.
type DLQFilter struct {
	Kind   string
	Key    string
	Limit  int
	Offset int
}

// Store persists reconcile and notify tasks that exhausted their retries.
type Store interface {
	InsertQueueDlq(ctx context.Context, entry DLQEntry) (uuid.UUID, error)
	DeleteQueueDlq(ctx context.Context, id uuid.UUID) error
	GetQueueDlq(ctx context.Context, id uuid.UUID) (DLQEntry, error)
	ListQueueDlq(ctx context.Context, filter DLQFilter) ([]DLQEntry, error)
	CountQueueDlq(ctx context.Context, filter DLQFilter) (int64, error)
	QueueDlqSizeByKind(ctx context.Context) (map[string]int64, error)
}

// DLQEntry represents an item stored in the DLQ table.
type DLQEntry struct {
	ID             uuid.UUID
	Kind           string
	IdempotencyKey string
	Payload        []byte
	Attempts       int
	LastError      *string
	CreatedAt      time.Time
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

const dlqColumns = `id, kind, idem_key, payload, attempts, last_error, created_at`

func (s *pgStore) InsertQueueDlq(ctx context.Context, entry DLQEntry) (uuid.UUID, error) {
	if s == nil || s.pool == nil {
		return uuid.Nil, ErrStoreUnavailable
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `INSERT INTO queue_dlq (kind, idem_key, payload, attempts, last_error)
VALUES ($1, $2, $3, $4, $5) RETURNING id`, entry.Kind, entry.IdempotencyKey, entry.Payload, entry.Attempts, entry.LastError).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *pgStore) DeleteQueueDlq(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM queue_dlq WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDLQNotFound
	}
	return nil
}

func (s *pgStore) GetQueueDlq(ctx context.Context, id uuid.UUID) (DLQEntry, error) {
	if s == nil || s.pool == nil {
		return DLQEntry{}, ErrStoreUnavailable
	}
	entry, err := scanDLQ(s.pool.QueryRow(ctx, `SELECT `+dlqColumns+` FROM queue_dlq WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return DLQEntry{}, ErrDLQNotFound
	}
	return entry, err
}

func (s *pgStore) ListQueueDlq(ctx context.Context, filter DLQFilter) ([]DLQEntry, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	filter = filter.normalised()
	where, args := filter.where()
	args = append(args, filter.Limit, filter.Offset)
	rows, err := s.pool.Query(ctx, `SELECT `+dlqColumns+` FROM queue_dlq`+where+
		` ORDER BY created_at DESC LIMIT $`+strconv.Itoa(len(args)-1)+` OFFSET $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]DLQEntry, 0, filter.Limit)
	for rows.Next() {
		entry, err := scanDLQ(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *pgStore) CountQueueDlq(ctx context.Context, filter DLQFilter) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	where, args := filter.normalised().where()
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_dlq`+where, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *pgStore) QueueDlqSizeByKind(ctx context.Context) (map[string]int64, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT kind, COUNT(*) FROM queue_dlq GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var (
			kind  string
			total int64
		)
		if err := rows.Scan(&kind, &total); err != nil {
			return nil, err
		}
		result[kind] = total
	}
	return result, rows.Err()
}

func scanDLQ(row pgx.Row) (DLQEntry, error) {
	var entry DLQEntry
	err := row.Scan(&entry.ID, &entry.Kind, &entry.IdempotencyKey, &entry.Payload, &entry.Attempts, &entry.LastError, &entry.CreatedAt)
	return entry, err
}

func (f DLQFilter) normalised() DLQFilter {
	f.Kind = sanitizeKind(strings.TrimSpace(f.Kind))
	f.Key = strings.TrimSpace(f.Key)
	if f.Limit < 1 {
		f.Limit = 1
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches applies the filter to an in-memory entry.
func (f DLQFilter) Matches(e DLQEntry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	return f.Key == "" || e.IdempotencyKey == f.Key
}

func (f DLQFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Kind != "" {
		args = append(args, f.Kind)
		clauses = append(clauses, "kind = $"+strconv.Itoa(len(args)))
	}
	if f.Key != "" {
		args = append(args, f.Key)
		clauses = append(clauses, "idem_key = $"+strconv.Itoa(len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
