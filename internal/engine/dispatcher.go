package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/casevault/outbound-delivery/internal/domain"
)

// SubscriptionSource resolves the enabled subscriptions matching an event
// type. Implemented by the Postgres store; tests substitute an in-memory one.
type SubscriptionSource interface {
	FindMatchingSubscriptions(ctx context.Context, eventType string) ([]domain.Subscription, error)
}

// Dispatcher fans a domain event out into one delivery job per matching
// subscription. Dispatch is fire-and-forget with respect to delivery: it
// returns once jobs are enqueued, and only enqueue failures surface to the
// caller. Partner-side failures never do — they are the delivery log's and
// circuit breaker's business.
type Dispatcher struct {
	source         SubscriptionSource
	queue          *Queue
	logger         *slog.Logger
	defaultBreaker domain.BreakerConfig
	defaultRetry   domain.RetryPolicy
}

func NewDispatcher(source SubscriptionSource, queue *Queue, defaultBreaker domain.BreakerConfig, defaultRetry domain.RetryPolicy, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		source:         source,
		queue:          queue,
		logger:         logger,
		defaultBreaker: defaultBreaker,
		defaultRetry:   defaultRetry,
	}
}

// Dispatch enqueues one delivery job per enabled subscription whose
// event-type set matches. Returns the number of jobs queued.
func (d *Dispatcher) Dispatch(ctx context.Context, event *domain.Event) (int, error) {
	subscriptions, err := d.source.FindMatchingSubscriptions(ctx, event.EventType)
	if err != nil {
		return 0, fmt.Errorf("finding matching subscriptions: %w", err)
	}

	if len(subscriptions) == 0 {
		d.logger.Info("no matching subscriptions", "event_id", event.ID, "event_type", event.EventType)
		return 0, nil
	}

	now := time.Now()
	queued := 0
	for _, sub := range subscriptions {
		job := DeliveryJob{
			ID:                 uuid.NewString(),
			EventID:            event.ID,
			SubscriptionID:     sub.ID,
			EndpointURL:        sub.EndpointURL,
			Payload:            event.Payload,
			Secret:             sub.Secret,
			EventType:          event.EventType,
			Attempt:            1,
			RateLimitPerSecond: sub.RateLimitPerSecond,
			Breaker:            sub.Overrides.Breaker(d.defaultBreaker),
			Retry:              sub.Overrides.Retry(d.defaultRetry),
		}

		if err := d.queue.Enqueue(ctx, job, now); err != nil {
			// Silently dropping an event is a correctness violation; the
			// caller decides how to recover the remainder.
			return queued, fmt.Errorf("enqueuing delivery for subscription %s: %w", sub.ID, err)
		}
		queued++
	}

	d.logger.Info("dispatch complete",
		"event_id", event.ID,
		"event_type", event.EventType,
		"deliveries_queued", queued,
	)

	return queued, nil
}

// QueueDepth exposes the queue backlog for the dashboard.
func (d *Dispatcher) QueueDepth(ctx context.Context) (int64, error) {
	return d.queue.Depth(ctx)
}
