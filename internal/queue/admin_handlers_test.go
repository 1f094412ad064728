package queue_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-orchestrator/internal/queue"
)

func newAdmin(t *testing.T) (*queue.AdminHandler, *memoryStore, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newMemoryStore()
	return &queue.AdminHandler{
		Store:             store,
		Queue:             queue.Enqueuer{R: client, Prefix: "adm", DedupTTL: time.Minute, MaxAttempts: 5},
		PageSize:          10,
		VisibilityTimeout: 60 * time.Second,
	}, store, client
}

func deadLetter(t *testing.T, store *memoryStore, kind, key string, payload []byte) queue.DLQEntry {
	t.Helper()
	raw, err := json.Marshal(struct {
		Kind        string `json:"kind"`
		Key         string `json:"key"`
		Payload     []byte `json:"payload"`
		Attempt     int    `json:"attempt"`
		MaxAttempts int    `json:"max_attempts"`
		AvailableAt int64  `json:"available_at"`
	}{
		Kind:        kind,
		Key:         key,
		Payload:     payload,
		Attempt:     3,
		MaxAttempts: 3,
		AvailableAt: time.Now().UnixNano(),
	})
	require.NoError(t, err)
	entry := queue.DLQEntry{Kind: kind, IdempotencyKey: key, Payload: raw, Attempts: 3, CreatedAt: time.Now()}
	entry.ID, err = store.InsertQueueDlq(context.Background(), entry)
	require.NoError(t, err)
	return entry
}

func TestDLQReplay(t *testing.T) {
	handler, store, client := newAdmin(t)
	entry := deadLetter(t, store, queue.KindNotify, "ep1:evt-1", []byte(`{"eventId":"evt-1"}`))

	body := bytes.NewBufferString(`{"ids":["` + entry.ID.String() + `","not-a-uuid"]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/queue/dlq/replay", body)
	rr := httptest.NewRecorder()
	handler.ReplayDLQ(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Replayed []string          `json:"replayed"`
		Failed   map[string]string `json:"failed"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Equal(t, []string{entry.ID.String()}, resp.Replayed)
	require.Equal(t, "invalid uuid", resp.Failed["not-a-uuid"])

	depth, err := client.ZCard(context.Background(), "adm:queue:notify").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	_, err = store.GetQueueDlq(context.Background(), entry.ID)
	require.ErrorIs(t, err, queue.ErrDLQNotFound)
}

func TestDLQReplayByTransactionKey(t *testing.T) {
	handler, store, client := newAdmin(t)
	deadLetter(t, store, queue.KindReconcile, "tx-1", []byte(`{"transactionId":"tx-1"}`))
	other := deadLetter(t, store, queue.KindReconcile, "tx-2", []byte(`{"transactionId":"tx-2"}`))

	rr := httptest.NewRecorder()
	handler.ReplayDLQ(rr, httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"key":"tx-1"}`)))
	require.Equal(t, http.StatusOK, rr.Code)

	depth, err := client.ZCard(context.Background(), "adm:queue:reconcile").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
	left := store.snapshot()
	require.Len(t, left, 1)
	require.Equal(t, other.ID, left[0].ID)

	rr = httptest.NewRecorder()
	handler.ReplayDLQ(rr, httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{}`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListDLQDecodesPayload(t *testing.T) {
	handler, store, _ := newAdmin(t)
	deadLetter(t, store, queue.KindReconcile, "tx-9", []byte(`{"transactionId":"tx-9"}`))
	deadLetter(t, store, queue.KindNotify, "ep:evt", []byte(`{"eventId":"evt"}`))

	rr := httptest.NewRecorder()
	handler.ListDLQ(rr, httptest.NewRequest(http.MethodGet, "/?kind=reconcile", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Data []struct {
			Kind        string          `json:"kind"`
			MaxAttempts int             `json:"maxAttempts"`
			Payload     json.RawMessage `json:"payload"`
		} `json:"data"`
		Pagination struct {
			TotalItems int `json:"totalItems"`
		} `json:"pagination"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.Data, 1)
	require.Equal(t, 1, resp.Pagination.TotalItems)
	require.Equal(t, 3, resp.Data[0].MaxAttempts)
	require.JSONEq(t, `{"transactionId":"tx-9"}`, string(resp.Data[0].Payload))
}

func TestStatsCoversBothKinds(t *testing.T) {
	handler, store, _ := newAdmin(t)
	deadLetter(t, store, queue.KindNotify, "ep:evt", []byte(`{}`))
	require.NoError(t, handler.Queue.Enqueue(context.Background(), queue.Task{Kind: queue.KindReconcile, Payload: []byte(`{}`), IdempotencyKey: "tx-3"}))

	rr := httptest.NewRecorder()
	handler.Stats(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Data []struct {
			Kind  string `json:"kind"`
			Ready int64  `json:"ready"`
			DLQ   int64  `json:"dlq"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.Data, 2)
	require.Equal(t, "notify", resp.Data[0].Kind)
	require.Equal(t, int64(1), resp.Data[0].DLQ)
	require.Equal(t, "reconcile", resp.Data[1].Kind)
	require.Equal(t, int64(1), resp.Data[1].Ready)
}
