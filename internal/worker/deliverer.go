package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/casevault/outbound-delivery/internal/domain"
	"github.com/casevault/outbound-delivery/internal/engine"
	"github.com/casevault/outbound-delivery/internal/observability"
	"github.com/casevault/outbound-delivery/internal/store"
	ws "github.com/casevault/outbound-delivery/internal/websocket"
)

// Doer performs one HTTP exchange. Satisfied by *http.Client; tests inject a
// deterministic fake instead of intercepting the real network call.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// AttemptLog is the durable delivery bookkeeping the worker appends to.
// Satisfied by *store.PostgresStore.
type AttemptLog interface {
	RecordDeliveryAttempt(ctx context.Context, rec store.DeliveryAttemptRecord) error
	InsertDeadLetter(ctx context.Context, rec store.DeadLetterRecord) error
}

// outcome is the classification of one finished attempt.
type outcome struct {
	status       string // domain.Outcome*
	failureClass string // domain.Failure*, empty on success
	httpStatus   *int
	responseBody string
	errMsg       string
	retryHint    time.Duration // server-supplied delay (429 Retry-After)
}

// Deliverer performs single delivery attempts: circuit gate, signed HTTP
// POST, outcome classification, log append, breaker report, retry scheduling.
type Deliverer struct {
	transport Doer
	log       AttemptLog
	queue     *engine.Queue
	breaker   *engine.CircuitBreaker
	limiter   *engine.RateLimiter
	hub       *ws.Hub
	metrics   *observability.Metrics
	logger    *slog.Logger
	timeout   time.Duration
}

// NewDeliverer creates a deliverer with a bounded-timeout HTTP client.
func NewDeliverer(log AttemptLog, queue *engine.Queue, breaker *engine.CircuitBreaker, limiter *engine.RateLimiter, hub *ws.Hub, metrics *observability.Metrics, timeout time.Duration, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		transport: &http.Client{Timeout: timeout},
		log:       log,
		queue:     queue,
		breaker:   breaker,
		limiter:   limiter,
		hub:       hub,
		metrics:   metrics,
		logger:    logger,
		timeout:   timeout,
	}
}

// Deliver performs one attempt for the job. Exactly one delivery-log row is
// appended per attempt; a rate-limit deferral is the one path that records
// nothing, because no attempt was made and no attempt number was consumed.
func (d *Deliverer) Deliver(ctx context.Context, job engine.DeliveryJob) {
	if job.FirstAttemptAt.IsZero() {
		job.FirstAttemptAt = time.Now().UTC()
	}

	// Engine shutdown may cancel ctx mid-attempt. The HTTP exchange honors
	// that, but the bookkeeping must not: losing the log row or the retry
	// enqueue would lose the delivery across a restart.
	opCtx := context.WithoutCancel(ctx)

	// Local send-rate gate. Deferral keeps the attempt number unchanged.
	if d.limiter != nil && !d.limiter.Allow(opCtx, job.SubscriptionID, job.RateLimitPerSecond) {
		if err := d.queue.Enqueue(opCtx, job, time.Now().Add(time.Second)); err != nil {
			d.logger.Error("failed to requeue rate-limited job",
				"error", err,
				"event_id", job.EventID,
				"subscription_id", job.SubscriptionID,
			)
		}
		return
	}

	// Circuit gate: while open (or while a half-open trial is in flight) the
	// attempt is rejected without a network call and recorded terminal.
	state, allowed := d.breaker.Allow(opCtx, job.SubscriptionID, job.Breaker)
	if !allowed {
		d.logger.Warn("delivery short-circuited",
			"event_id", job.EventID,
			"subscription_id", job.SubscriptionID,
			"attempt", job.Attempt,
			"breaker_state", state,
		)
		d.finish(opCtx, job, 0, outcome{
			status:       domain.OutcomeFailedTerminal,
			failureClass: domain.FailureCircuitOpen,
			errMsg:       "circuit breaker open",
		})
		return
	}

	start := time.Now()
	out := d.send(ctx, job)
	elapsed := time.Since(start)

	// Every real attempt feeds the breaker; short-circuited ones above do
	// not, since they say nothing about the partner.
	if out.status == domain.OutcomeSuccess {
		d.breaker.RecordSuccess(opCtx, job.SubscriptionID, job.Breaker)
	} else {
		d.breaker.RecordFailure(opCtx, job.SubscriptionID, job.Breaker)
	}

	d.finish(opCtx, job, elapsed, out)
}

// send builds the signed request, performs the HTTP call and classifies the
// result per the delivery taxonomy.
func (d *Deliverer) send(ctx context.Context, job engine.DeliveryJob) outcome {
	ts := time.Now().UTC()
	signature := engine.Sign(job.Payload, job.Secret, ts)

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, job.EndpointURL, bytes.NewReader(job.Payload))
	if err != nil {
		return outcome{
			status:       domain.OutcomeFailedTerminal,
			failureClass: domain.FailureClient,
			errMsg:       fmt.Sprintf("building request: %v", err),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Timestamp", ts.Format(time.RFC3339))
	req.Header.Set("X-Webhook-Event", job.EventType)
	req.Header.Set("X-Webhook-ID", job.EventID)
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(job.Attempt))

	resp, err := d.transport.Do(req)
	if err != nil {
		// Timeout, connection refused, DNS failure: all retryable.
		return outcome{
			status:       domain.OutcomeFailedRetryable,
			failureClass: domain.FailureTransport,
			errMsg:       fmt.Sprintf("request failed: %v", err),
		}
	}
	defer resp.Body.Close()

	// Limit stored response bodies to 1KB.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	status := resp.StatusCode

	switch {
	case status >= 200 && status < 300:
		return outcome{status: domain.OutcomeSuccess, httpStatus: &status, responseBody: string(body)}

	case status == http.StatusTooManyRequests:
		return outcome{
			status:       domain.OutcomeFailedRetryable,
			failureClass: domain.FailureRateLimited,
			httpStatus:   &status,
			responseBody: string(body),
			retryHint:    parseRetryAfter(resp.Header.Get("Retry-After")),
		}

	case status >= 500:
		return outcome{
			status:       domain.OutcomeFailedRetryable,
			failureClass: domain.FailureServer,
			httpStatus:   &status,
			responseBody: string(body),
		}

	default:
		// Remaining 4xx: the request itself was rejected; retrying an
		// identical request cannot help.
		return outcome{
			status:       domain.OutcomeFailedTerminal,
			failureClass: domain.FailureClient,
			httpStatus:   &status,
			responseBody: string(body),
		}
	}
}

// finish applies retry policy, appends the log row, and emits feed and
// metrics updates. The row is written before any retry is enqueued so that
// attempt N+1 can never run ahead of attempt N's record.
func (d *Deliverer) finish(ctx context.Context, job engine.DeliveryJob, elapsed time.Duration, out outcome) {
	var nextRetryAt *time.Time

	if out.status == domain.OutcomeFailedRetryable {
		at, ok := engine.NextRetry(job.Retry, job.Attempt+1, job.FirstAttemptAt, out.retryHint, time.Now())
		if ok {
			nextRetryAt = &at
		} else {
			// Budget exhausted: terminal for audit, distinguished from a
			// rejected-outright delivery by the gave_up class.
			out.status = domain.OutcomeFailedTerminal
			out.failureClass = domain.FailureGaveUp
		}
	}

	rec := store.DeliveryAttemptRecord{
		EventID:        job.EventID,
		SubscriptionID: job.SubscriptionID,
		AttemptNumber:  job.Attempt,
		Outcome:        out.status,
		FailureClass:   out.failureClass,
		HTTPStatusCode: out.httpStatus,
		ResponseBody:   out.responseBody,
		LatencyMs:      int(elapsed.Milliseconds()),
		ErrorMessage:   out.errMsg,
		NextRetryAt:    nextRetryAt,
	}
	if err := d.log.RecordDeliveryAttempt(ctx, rec); err != nil {
		d.logger.Error("failed to record delivery attempt",
			"error", err,
			"event_id", job.EventID,
			"subscription_id", job.SubscriptionID,
		)
	}

	switch {
	case nextRetryAt != nil:
		retry := job
		retry.Attempt = job.Attempt + 1
		if err := d.queue.Enqueue(ctx, retry, *nextRetryAt); err != nil {
			d.logger.Error("failed to schedule retry",
				"error", err,
				"event_id", job.EventID,
				"subscription_id", job.SubscriptionID,
				"attempt", retry.Attempt,
			)
		}

	case out.failureClass == domain.FailureGaveUp:
		err := d.log.InsertDeadLetter(ctx, store.DeadLetterRecord{
			EventID:        job.EventID,
			SubscriptionID: job.SubscriptionID,
			TotalAttempts:  job.Attempt,
			LastHTTPStatus: out.httpStatus,
			LastError:      out.errMsg,
		})
		if err != nil {
			d.logger.Error("failed to insert dead letter",
				"error", err,
				"event_id", job.EventID,
				"subscription_id", job.SubscriptionID,
			)
		}
	}

	d.metrics.ObserveAttempt(out.status, out.failureClass, elapsed.Seconds())

	if d.hub != nil {
		d.hub.Broadcast(ws.AttemptEvent{
			EventID:        job.EventID,
			SubscriptionID: job.SubscriptionID,
			EndpointURL:    job.EndpointURL,
			EventType:      job.EventType,
			Attempt:        job.Attempt,
			Outcome:        out.status,
			FailureClass:   out.failureClass,
			StatusCode:     out.httpStatus,
			LatencyMs:      elapsed.Milliseconds(),
			Error:          out.errMsg,
			Timestamp:      time.Now().UTC(),
		})
	}

	if out.status == domain.OutcomeSuccess {
		d.logger.Info("delivery successful",
			"event_id", job.EventID,
			"subscription_id", job.SubscriptionID,
			"attempt", job.Attempt,
			"status_code", out.httpStatus,
			"latency_ms", elapsed.Milliseconds(),
		)
	} else {
		d.logger.Warn("delivery failed",
			"event_id", job.EventID,
			"subscription_id", job.SubscriptionID,
			"attempt", job.Attempt,
			"outcome", out.status,
			"failure_class", out.failureClass,
			"status_code", out.httpStatus,
			"error", out.errMsg,
			"latency_ms", elapsed.Milliseconds(),
			"will_retry", nextRetryAt != nil,
		)
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
