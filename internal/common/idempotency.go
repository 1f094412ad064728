package common

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// IdempotencyHeader carries the caller-chosen key on write requests.
const IdempotencyHeader = "Idempotency-Key"

const (
	idemPending = "pending"
	idemDone    = "done"
)

var (
	errIdemInFlight = NewAppError("IDEMPOTENCY_IN_PROGRESS", "a request with this idempotency key is still running", http.StatusConflict, nil)
	errIdemReused   = NewAppError("IDEMPOTENCY_KEY_REUSED", "idempotency key was used with a different request", http.StatusUnprocessableEntity, nil)
)

// Idem replays the stored response for a repeated Idempotency-Key instead of
// running the handler again. Keys are scoped to operator, method and path.
type Idem struct {
	R   *redis.Client
	TTL time.Duration
}

type idemRecord struct {
	State       string          `json:"state"`
	Fingerprint string          `json:"fingerprint"`
	Status      int             `json:"status,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

func (i Idem) ttl() time.Duration {
	if i.TTL <= 0 {
		return 24 * time.Hour
	}
	return i.TTL
}

func idemKey(r *http.Request, key string) string {
	operator, _ := Operator(r.Context())
	return "idem:" + Sha256Hex(strings.Join([]string{operator, r.Method, r.URL.Path, key}, "\x00"))
}

// Middleware enforces idempotency semantics for write endpoints.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read body", nil)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ctx := r.Context()
		key := idemKey(r, header)
		fingerprint := Sha256Hex(string(body))
		pending, _ := json.Marshal(idemRecord{State: idemPending, Fingerprint: fingerprint})

		ok, err := i.R.SetNX(ctx, key, pending, i.ttl()).Result()
		if err != nil {
			JSONError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "idempotency store error", nil)
			return
		}
		if !ok {
			i.replay(ctx, w, key, fingerprint)
			return
		}

		rec := &captureWriter{ResponseWriter: w}
		completed := false
		defer func() {
			if !completed {
				_ = i.R.Del(context.WithoutCancel(ctx), key).Err()
			}
		}()
		next.ServeHTTP(rec, r)

		// 5xx responses release the key so the caller can retry.
		if rec.Status() >= http.StatusInternalServerError {
			return
		}
		done, err := json.Marshal(idemRecord{
			State:       idemDone,
			Fingerprint: fingerprint,
			Status:      rec.Status(),
			Body:        json.RawMessage(rec.body.Bytes()),
		})
		if err != nil {
			return
		}
		if err := i.R.Set(context.WithoutCancel(ctx), key, done, i.ttl()).Err(); err == nil {
			completed = true
		}
	})
}

func (i Idem) replay(ctx context.Context, w http.ResponseWriter, key, fingerprint string) {
	raw, err := i.R.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		WriteAppError(w, errIdemInFlight)
		return
	}
	if err != nil {
		JSONError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "idempotency store error", nil)
		return
	}
	var stored idemRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		WriteAppError(w, errIdemInFlight)
		return
	}
	switch {
	case stored.Fingerprint != fingerprint:
		WriteAppError(w, errIdemReused)
	case stored.State != idemDone:
		WriteAppError(w, errIdemInFlight)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(stored.Status)
		_, _ = w.Write(stored.Body)
	}
}

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func (c *captureWriter) Status() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}
