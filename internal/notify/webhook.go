// Package notify delivers payment events to downstream HTTP subscribers.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/payment-orchestrator/internal/events"
	"github.com/noah-isme/payment-orchestrator/internal/obs"
	"github.com/noah-isme/payment-orchestrator/internal/queue"
	"github.com/noah-isme/payment-orchestrator/internal/resilience"
)

// Enqueuer is the queue publishing contract.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// Dispatcher fans events out to endpoints. With a Queue configured each
// delivery becomes a notify task; without one deliveries run inline.
type Dispatcher struct {
	Endpoints   []Endpoint
	HTTP        *resilience.HTTPClient
	Queue       Enqueuer
	MaxAttempts int
	Enabled     bool
	Marks       DeliveryMarks
	MarkTTL     time.Duration
	Logger      zerolog.Logger
}

type deliveryTask struct {
	EndpointID string       `json:"endpointId"`
	Event      events.Event `json:"event"`
}

// Schedule implements events.DeliveryScheduler.
func (d *Dispatcher) Schedule(ctx context.Context, ev events.Event) error {
	if d == nil || !d.Enabled {
		return nil
	}
	var joined error
	for _, ep := range d.Endpoints {
		if !ep.Subscribed(ev.Topic) {
			continue
		}
		if d.Queue == nil {
			if _, err := d.Deliver(ctx, ep, ev); err != nil {
				joined = errors.Join(joined, fmt.Errorf("deliver to %s: %w", ep.ID, err))
			}
			continue
		}
		payload, err := json.Marshal(deliveryTask{EndpointID: ep.ID, Event: ev})
		if err != nil {
			return err
		}
		maxAttempts := d.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 6
		}
		if err := d.Queue.Enqueue(ctx, queue.Task{
			Kind:           queue.KindNotify,
			Payload:        payload,
			IdempotencyKey: deliveryKey(ep.ID, ev),
			MaxAttempts:    maxAttempts,
		}); err != nil {
			joined = errors.Join(joined, fmt.Errorf("enqueue delivery for %s: %w", ep.ID, err))
		}
	}
	return joined
}

// Handle is the queue handler for notify tasks. A failed attempt returns an
// error so the queue retries it with backoff.
func (d *Dispatcher) Handle(ctx context.Context, task queue.Task) error {
	if d == nil {
		return errors.New("notify: dispatcher not configured")
	}
	var t deliveryTask
	if err := json.Unmarshal(task.Payload, &t); err != nil {
		return fmt.Errorf("decode notify task: %w", err)
	}
	ep, ok := d.endpoint(t.EndpointID)
	if !ok {
		// endpoint removed from configuration since the task was queued
		d.Logger.Warn().Str("endpoint_id", t.EndpointID).Str("event_id", t.Event.ID.String()).Msg("notify_endpoint_gone")
		return nil
	}
	if obs.WebhookDispatchAttempts != nil {
		obs.WebhookDispatchAttempts.Inc()
	}
	_, err := d.Deliver(ctx, ep, t.Event)
	if err != nil && task.MaxAttempts > 0 && task.Attempt+1 >= task.MaxAttempts {
		if obs.WebhookDispatchDLQ != nil {
			obs.WebhookDispatchDLQ.Inc()
		}
		d.Logger.Error().Err(err).Str("endpoint_id", ep.ID).Str("event_id", t.Event.ID.String()).Msg("notify_delivery_exhausted")
	}
	return err
}

func (d *Dispatcher) endpoint(id string) (Endpoint, bool) {
	for _, ep := range d.Endpoints {
		if ep.ID == id {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// Deliver posts one signed event to one endpoint. Non-2xx answers are errors.
func (d *Dispatcher) Deliver(ctx context.Context, ep Endpoint, ev events.Event) (int, error) {
	ctx, span := otel.Tracer("notify.Dispatcher").Start(ctx, "Dispatcher.Deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.endpoint_id", ep.ID),
		attribute.String("webhook.event_id", ev.ID.String()),
		attribute.String("webhook.topic", ev.Topic),
	)
	if err := validateURL(ep.URL); err != nil {
		span.RecordError(err)
		return 0, err
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	payload := struct {
		EventID     string          `json:"eventId"`
		Topic       string          `json:"topic"`
		AggregateID string          `json:"aggregateId"`
		Data        json.RawMessage `json:"data"`
		OccurredAt  time.Time       `json:"occurredAt"`
	}{
		EventID:     ev.ID.String(),
		Topic:       ev.Topic,
		AggregateID: ev.AggregateID,
		Data:        ev.Payload,
		OccurredAt:  occurred,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	key := deliveryKey(ep.ID, ev)
	marked := d.Marks != nil && d.MarkTTL > 0
	if marked {
		ok, err := d.Marks.Claim(ctx, key, d.claimHold())
		if err != nil {
			span.RecordError(err)
			return 0, err
		}
		if !ok {
			span.AddEvent("delivery already claimed")
			countDelivery("replayed", 0)
			return http.StatusOK, nil
		}
	}

	start := time.Now()
	status, err := d.post(ctx, ep, ev, body)
	if err == nil && (status < 200 || status >= 300) {
		err = fmt.Errorf("notify: endpoint responded %d", status)
	}
	if err != nil {
		span.RecordError(err)
		countDelivery("failed", time.Since(start))
		if marked {
			_ = d.Marks.Abandon(context.WithoutCancel(ctx), key)
		}
		return status, err
	}
	if marked {
		if err := d.Marks.Confirm(context.WithoutCancel(ctx), key, d.MarkTTL); err != nil {
			d.Logger.Warn().Err(err).Str("endpoint_id", ep.ID).Str("event_id", ev.ID.String()).Msg("notify_mark_confirm_failed")
		}
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	countDelivery("delivered", time.Since(start))
	return status, nil
}

func (d *Dispatcher) post(ctx context.Context, ep Endpoint, ev events.Event, body []byte) (int, error) {
	client := d.HTTP
	if client == nil {
		client = &resilience.HTTPClient{Client: HttpClient(5000, false), MaxAttempts: 1, Target: "notify"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	ts := time.Now().Unix()
	eventID := ev.ID.String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "payment-orchestrator-webhooks/1.0")
	req.Header.Set("X-Event-ID", eventID)
	req.Header.Set("X-Event-Type", ev.Topic)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Idempotency-Key", deliveryKey(ep.ID, ev))
	req.Header.Set("X-Signature", ComputeSignature(ep.Secret, ts, eventID, body))
	resp, err := client.Do(ctx, req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func countDelivery(result string, took time.Duration) {
	if obs.WebhookDeliveriesTotal != nil {
		obs.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
	}
	if obs.WebhookAttemptLatency != nil && took > 0 {
		obs.WebhookAttemptLatency.WithLabelValues(result).Observe(obs.DurationMillis(took))
	}
}

// ComputeSignature calculates the webhook signature for the provided payload. The
// format is HMAC-SHA256 over "<ts>.<eventID>.<body>" using the endpoint secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HttpClient returns an HTTP client configured for webhook delivery.
func HttpClient(timeoutMs int, insecure bool) *http.Client {
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	transport := &http.Transport{}
	if insecure {
		transport.TLSClientConfig = insecureTLSConfig
	}
	return &http.Client{
		Timeout:   time.Duration(timeoutMs) * time.Millisecond,
		Transport: otelhttp.NewTransport(transport),
	}
}

var insecureTLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec

// claimHold bounds how long an in-flight claim blocks other attempts if
// this process dies mid-delivery.
func (d *Dispatcher) claimHold() time.Duration {
	if d.HTTP != nil && d.HTTP.Timeout > 0 {
		return 2 * d.HTTP.Timeout
	}
	return 30 * time.Second
}

func deliveryKey(endpointID string, ev events.Event) string {
	return endpointID + ":" + ev.ID.String()
}
