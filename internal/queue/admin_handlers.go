package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payment-orchestrator/internal/common"
)

// AdminHandler exposes operator endpoints for reconcile and notify DLQ
// inspection and replay.
type AdminHandler struct {
	Store             Store
	Queue             Enqueuer
	PageSize          int
	Logger            zerolog.Logger
	VisibilityTimeout time.Duration
}

type dlqItem struct {
	ID             uuid.UUID       `json:"id"`
	Kind           string          `json:"kind"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	LastError      *string         `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type replayRequest struct {
	IDs   []string `json:"ids"`
	Kind  string   `json:"kind"`
	Key   string   `json:"key"`
	Limit int      `json:"limit"`
}

type kindStats struct {
	Kind        string  `json:"kind"`
	Ready       int64   `json:"ready"`
	Processing  int64   `json:"processing"`
	DLQ         int64   `json:"dlq"`
	OldestLagMs int64   `json:"oldestLagMs"`
	Visibility  float64 `json:"visibilityTimeoutSeconds"`
}

// ListDLQ returns dead-lettered tasks. ?kind= and ?key= (transaction id for
// reconcile tasks) narrow the listing.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "QUEUE_NOT_CONFIGURED", "queue store unavailable", nil)
		return
	}
	ctx := r.Context()
	page := common.ParsePage(r, h.pageSize(), 200)
	filter := DLQFilter{
		Kind:   r.URL.Query().Get("kind"),
		Key:    r.URL.Query().Get("key"),
		Limit:  page.Limit,
		Offset: page.Offset,
	}.normalised()

	entries, err := h.Store.ListQueueDlq(ctx, filter)
	if err != nil {
		h.Logger.Error().Err(err).Msg("queue_dlq_list_failed")
		common.JSONError(w, http.StatusInternalServerError, "QUEUE_QUERY_FAILED", "unable to list dead letters", nil)
		return
	}
	total, err := h.Store.CountQueueDlq(ctx, filter)
	if err != nil {
		h.Logger.Error().Err(err).Msg("queue_dlq_count_failed")
		common.JSONError(w, http.StatusInternalServerError, "QUEUE_QUERY_FAILED", "unable to count dead letters", nil)
		return
	}

	items := make([]dlqItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, toItem(entry))
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       items,
		"pagination": common.Pagination{Page: page.Page, Limit: page.Limit, TotalItems: int(total)},
	})
}

// ReplayDLQ re-enqueues dead letters by id, or a batch selected by kind/key.
func (h *AdminHandler) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil || h.Queue.R == nil {
		common.JSONError(w, http.StatusInternalServerError, "QUEUE_NOT_CONFIGURED", "queue dependencies unavailable", nil)
		return
	}
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	ctx := r.Context()
	ids := uniqueStrings(req.IDs)
	filter := DLQFilter{Kind: req.Kind, Key: req.Key, Limit: req.Limit}
	if filter.Limit <= 0 {
		filter.Limit = h.pageSize()
	}
	filter = filter.normalised()
	if len(ids) == 0 && filter.Kind == "" && filter.Key == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "ids, kind or key required", nil)
		return
	}

	var entries []DLQEntry
	failed := make(map[string]string)
	if len(ids) > 0 {
		for _, raw := range ids {
			id, err := uuid.Parse(raw)
			if err != nil {
				failed[raw] = "invalid uuid"
				continue
			}
			entry, err := h.Store.GetQueueDlq(ctx, id)
			if errors.Is(err, ErrDLQNotFound) {
				failed[raw] = "not found"
				continue
			}
			if err != nil {
				failed[raw] = "lookup failed"
				h.Logger.Error().Err(err).Str("dlq_id", raw).Msg("queue_dlq_lookup_failed")
				continue
			}
			entries = append(entries, entry)
		}
	} else {
		batch, err := h.Store.ListQueueDlq(ctx, filter)
		if err != nil {
			h.Logger.Error().Err(err).Msg("queue_dlq_list_failed")
			common.JSONError(w, http.StatusInternalServerError, "QUEUE_QUERY_FAILED", "unable to list dead letters", nil)
			return
		}
		entries = batch
	}

	replayed := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		if err := h.requeueEntry(ctx, entry); err != nil {
			failed[entry.ID.String()] = err.Error()
			continue
		}
		replayed = append(replayed, entry.ID)
	}

	operator, _ := common.Operator(ctx)
	h.Logger.Info().
		Str("operator", operator).
		Int("replayed", len(replayed)).
		Int("failed", len(failed)).
		Str("kind", filter.Kind).
		Str("key", filter.Key).
		Msg("queue_dlq_replayed")
	resp := map[string]any{"replayed": replayed}
	if len(failed) > 0 {
		resp["failed"] = failed
	}
	common.JSON(w, http.StatusOK, resp)
}

// Stats reports ready, in-flight and dead-lettered counts. Without ?kind= it
// covers both reconcile and notify queues.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Queue.R == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "QUEUE_NOT_CONFIGURED", "queue dependencies unavailable", nil)
		return
	}
	ctx := r.Context()
	kinds := []string{KindReconcile, KindNotify}
	if k := sanitizeKind(strings.TrimSpace(r.URL.Query().Get("kind"))); k != "" {
		kinds = []string{k}
	}
	dlqSizes, err := h.Store.QueueDlqSizeByKind(ctx)
	if err != nil {
		h.Logger.Error().Err(err).Msg("queue_dlq_size_failed")
		common.JSONError(w, http.StatusInternalServerError, "QUEUE_QUERY_FAILED", "unable to read dead letters", nil)
		return
	}

	out := make([]kindStats, 0, len(kinds))
	for _, kind := range kinds {
		stats, err := h.kindStats(ctx, kind, dlqSizes[kind])
		if err != nil {
			h.Logger.Error().Err(err).Str("kind", kind).Msg("queue_stats_failed")
			common.JSONError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "unable to read queue", nil)
			return
		}
		QueueDepth.WithLabelValues(queueLabel(kind)).Set(float64(stats.Ready))
		QueueDLQSize.WithLabelValues(queueLabel(kind)).Set(float64(stats.DLQ))
		out = append(out, stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	common.JSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *AdminHandler) kindStats(ctx context.Context, kind string, dlq int64) (kindStats, error) {
	worker := Worker{R: h.Queue.R, Prefix: h.Queue.Prefix}
	queueKey := h.Queue.queueKey(kind)
	stats := kindStats{Kind: kind, DLQ: dlq, Visibility: h.visibility().Seconds()}

	var err error
	if stats.Ready, err = h.Queue.R.ZCard(ctx, queueKey).Result(); err != nil && !errors.Is(err, redis.Nil) {
		return kindStats{}, err
	}
	if stats.Processing, err = h.Queue.R.ZCard(ctx, worker.processingKey(kind)).Result(); err != nil && !errors.Is(err, redis.Nil) {
		return kindStats{}, err
	}
	oldest, err := h.Queue.R.ZRangeWithScores(ctx, queueKey, 0, 0).Result()
	if err == nil && len(oldest) > 0 {
		if ts := time.Unix(0, int64(oldest[0].Score)); ts.Before(time.Now()) {
			stats.OldestLagMs = time.Since(ts).Milliseconds()
		}
	}
	return stats, nil
}

// requeueEntry gives the task one more attempt and removes the dead letter.
// The dedup marker was cleared on dead-lettering so Enqueue accepts the key.
func (h *AdminHandler) requeueEntry(ctx context.Context, entry DLQEntry) error {
	msg, err := decodeMessage(string(entry.Payload))
	if err != nil {
		return err
	}
	attempt := msg.Attempt
	if attempt > 0 {
		attempt--
	}
	if err := h.Queue.Enqueue(ctx, Task{
		Kind:           msg.Kind,
		Payload:        msg.Payload,
		IdempotencyKey: msg.Key,
		MaxAttempts:    msg.MaxAttempts,
		Attempt:        attempt,
	}); err != nil {
		return err
	}
	if err := h.Store.DeleteQueueDlq(ctx, entry.ID); err != nil && !errors.Is(err, ErrDLQNotFound) {
		return err
	}
	return nil
}

func toItem(entry DLQEntry) dlqItem {
	item := dlqItem{
		ID:             entry.ID,
		Kind:           entry.Kind,
		IdempotencyKey: entry.IdempotencyKey,
		Attempts:       entry.Attempts,
		LastError:      entry.LastError,
		CreatedAt:      entry.CreatedAt,
	}
	if msg, err := decodeMessage(string(entry.Payload)); err == nil {
		item.MaxAttempts = msg.MaxAttempts
		if json.Valid(msg.Payload) {
			item.Payload = json.RawMessage(msg.Payload)
		}
	}
	return item
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize <= 0 {
		return 50
	}
	return h.PageSize
}

func (h *AdminHandler) visibility() time.Duration {
	if h.VisibilityTimeout <= 0 {
		return 60 * time.Second
	}
	return h.VisibilityTimeout
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}
