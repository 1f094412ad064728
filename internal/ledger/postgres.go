package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/payment-orchestrator/internal/payment"
)

// ErrStoreUnavailable indicates the database pool is not configured.
var ErrStoreUnavailable = errors.New("ledger: store unavailable")

const recordColumns = `transaction_id, provider, provider_reference, order_id, amount::text, currency,
status, checkout_url, customer_name, customer_email, customer_phone, metadata, failure_reason,
created_at, updated_at, completed_at, last_reconciled_at`

// transitionSQL is the single statement that moves a record out of PENDING.
// Concurrent writers race on the row lock; only one sees a returned row.
const transitionSQL = `UPDATE payment_transactions
SET status = $2,
    failure_reason = CASE WHEN $3 = '' THEN failure_reason ELSE $3 END,
    updated_at = $4,
    completed_at = $4
WHERE transaction_id = $1 AND status = 'PENDING'
RETURNING ` + recordColumns

const setReferenceSQL = `UPDATE payment_transactions
SET provider_reference = $2, updated_at = $3
WHERE transaction_id = $1 AND provider_reference = ''
RETURNING ` + recordColumns

const stalePendingSQL = `SELECT ` + recordColumns + ` FROM payment_transactions
WHERE status = 'PENDING' AND created_at < $1
ORDER BY last_reconciled_at ASC NULLS FIRST, created_at ASC, transaction_id ASC
LIMIT $2`

// provider bytes are stored verbatim; the jsonb copies exist for querying
const appendLogSQL = `INSERT INTO provider_logs
(id, transaction_id, provider, interaction, request, response, request_json, response_json, signature_valid, note, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// NewPGStore constructs a Store backed by a pgx connection pool.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

func (s *pgStore) ready() error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	return nil
}

// Insert persists a new record.
func (s *pgStore) Insert(ctx context.Context, rec Record) (Record, error) {
	if err := s.ready(); err != nil {
		return Record{}, err
	}
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return Record{}, err
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO payment_transactions
(transaction_id, provider, provider_reference, order_id, amount, currency, status, checkout_url,
 customer_name, customer_email, customer_phone, metadata, failure_reason, created_at, updated_at, completed_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14, $15)
RETURNING `+recordColumns,
		rec.TransactionID, rec.Provider, rec.ProviderReference, rec.OrderID, rec.Amount.String(), rec.Currency,
		string(rec.Status), rec.CheckoutURL, rec.CustomerName, rec.CustomerEmail, rec.CustomerPhone, meta,
		rec.FailureReason, rec.CreatedAt, rec.CompletedAt)
	stored, err := scanRecord(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicate
		}
		return Record{}, err
	}
	return stored, nil
}

// AppendLog inserts a provider log row. Rows are never updated.
func (s *pgStore) AppendLog(ctx context.Context, entry LogEntry) error {
	if err := s.ready(); err != nil {
		return err
	}
	var txID any
	if strings.TrimSpace(entry.TransactionID) != "" {
		txID = entry.TransactionID
	}
	_, err := s.pool.Exec(ctx, appendLogSQL,
		entry.ID, txID, entry.Provider, string(entry.Interaction),
		bytesOrNil(entry.Request), bytesOrNil(entry.Response), jsonOrNil(entry.Request), jsonOrNil(entry.Response),
		entry.SignatureValid, entry.Note, entry.CreatedAt)
	return err
}

// TransitionFromPending performs the compare-and-swap on status.
func (s *pgStore) TransitionFromPending(ctx context.Context, transactionID string, status payment.Status, failureReason string, at time.Time) (Record, bool, error) {
	if err := s.ready(); err != nil {
		return Record{}, false, err
	}
	rec, err := scanRecord(s.pool.QueryRow(ctx, transitionSQL, transactionID, string(status), failureReason, at))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, err
	}
	current, err := s.Get(ctx, transactionID)
	if err != nil {
		return Record{}, false, err
	}
	return current, false, nil
}

// SetReference fills provider_reference while it is still empty.
func (s *pgStore) SetReference(ctx context.Context, transactionID, reference string, at time.Time) (Record, error) {
	if err := s.ready(); err != nil {
		return Record{}, err
	}
	rec, err := scanRecord(s.pool.QueryRow(ctx, setReferenceSQL, transactionID, reference, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return s.Get(ctx, transactionID)
	}
	return rec, err
}

// MarkReconciled stamps last_reconciled_at.
func (s *pgStore) MarkReconciled(ctx context.Context, transactionID string, at time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE payment_transactions SET last_reconciled_at = $2 WHERE transaction_id = $1`, transactionID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads a record by transaction id.
func (s *pgStore) Get(ctx context.Context, transactionID string) (Record, error) {
	if err := s.ready(); err != nil {
		return Record{}, err
	}
	rec, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM payment_transactions WHERE transaction_id = $1`, transactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// FindByReference loads the most recent record for a provider reference.
func (s *pgStore) FindByReference(ctx context.Context, provider, reference string) (Record, error) {
	if err := s.ready(); err != nil {
		return Record{}, err
	}
	if reference == "" {
		return Record{}, ErrNotFound
	}
	var row pgx.Row
	if provider == "" {
		row = s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM payment_transactions WHERE provider_reference = $1 ORDER BY created_at DESC LIMIT 1`, reference)
	} else {
		row = s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM payment_transactions WHERE provider = $1 AND provider_reference = $2 ORDER BY created_at DESC LIMIT 1`, provider, reference)
	}
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// ListStalePending returns PENDING records created before the cutoff.
func (s *pgStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]Record, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, stalePendingSQL, before, limit)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows, limit)
}

// List returns a filtered page of records, newest first, and the total count.
func (s *pgStore) List(ctx context.Context, filter Filter) ([]Record, int, error) {
	if err := s.ready(); err != nil {
		return nil, 0, err
	}
	where, args := filterClause(filter)
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM payment_transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM payment_transactions%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		recordColumns, where, len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	recs, err := collectRecords(rows, filter.Limit)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// Logs returns the provider log for a transaction ordered by creation time.
func (s *pgStore) Logs(ctx context.Context, transactionID string) ([]LogEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT id, coalesce(transaction_id, ''), provider, interaction, request, response, signature_valid, note, created_at
FROM provider_logs WHERE transaction_id = $1 ORDER BY created_at ASC, id ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LogEntry
	for rows.Next() {
		var (
			entry       LogEntry
			interaction string
			req, resp   []byte
		)
		if err := rows.Scan(&entry.ID, &entry.TransactionID, &entry.Provider, &interaction, &req, &resp, &entry.SignatureValid, &entry.Note, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Interaction = Source(interaction)
		entry.Request = req
		entry.Response = resp
		out = append(out, entry)
	}
	return out, rows.Err()
}

func filterClause(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Provider != "" {
		args = append(args, f.Provider)
		conds = append(conds, fmt.Sprintf("provider = $%d", len(args)))
	}
	if f.OrderID != "" {
		args = append(args, f.OrderID)
		conds = append(conds, fmt.Sprintf("order_id = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func collectRecords(rows pgx.Rows, capacity int) ([]Record, error) {
	defer rows.Close()
	out := make([]Record, 0, capacity)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec    Record
		amount string
		status string
		meta   []byte
	)
	err := row.Scan(&rec.TransactionID, &rec.Provider, &rec.ProviderReference, &rec.OrderID, &amount, &rec.Currency,
		&status, &rec.CheckoutURL, &rec.CustomerName, &rec.CustomerEmail, &rec.CustomerPhone, &meta, &rec.FailureReason,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.CompletedAt, &rec.LastReconciledAt)
	if err != nil {
		return Record{}, err
	}
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return Record{}, fmt.Errorf("ledger: decode amount: %w", err)
	}
	rec.Currency = strings.TrimSpace(rec.Currency)
	rec.Status = payment.Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("ledger: decode metadata: %w", err)
		}
	}
	return rec, nil
}

func encodeMetadata(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(meta)
}

func bytesOrNil(b Body) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// jsonOrNil feeds the jsonb query column; non-JSON bodies only live in bytea.
func jsonOrNil(b Body) any {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return string(b)
}
