package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casevault/outbound-delivery/internal/domain"
)

// DeliveryQueueKey is the Redis sorted set holding pending delivery jobs,
// scored by due time in microseconds. Keeping not-yet-due retries here (and
// not in process memory) is what lets them survive a restart.
const DeliveryQueueKey = "delivery_queue"

// DeliveryJob is one delivery task for one (subscription, event) pair. The
// effective breaker and retry policies are resolved at fan-out time and
// carried with the job so retries do not re-read the subscription.
type DeliveryJob struct {
	ID                 string               `json:"id"`
	EventID            string               `json:"event_id"`
	SubscriptionID     string               `json:"subscription_id"`
	EndpointURL        string               `json:"endpoint_url"`
	Payload            json.RawMessage      `json:"payload"`
	Secret             string               `json:"secret"`
	EventType          string               `json:"event_type"`
	Attempt            int                  `json:"attempt"`
	FirstAttemptAt     time.Time            `json:"first_attempt_at,omitzero"`
	RateLimitPerSecond int                  `json:"rate_limit_per_second"`
	Breaker            domain.BreakerConfig `json:"breaker"`
	Retry              domain.RetryPolicy   `json:"retry"`
}

// Queue is the scored Redis delivery queue shared by the fan-out dispatcher
// (initial jobs) and the delivery worker (retries).
type Queue struct {
	redisClient *redis.Client
}

func NewQueue(redisClient *redis.Client) *Queue {
	return &Queue{redisClient: redisClient}
}

// Enqueue adds one job due at the given time.
func (q *Queue) Enqueue(ctx context.Context, job DeliveryJob, due time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	err = q.redisClient.ZAdd(ctx, DeliveryQueueKey, redis.Z{
		Score:  float64(due.UnixMicro()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("queuing delivery job: %w", err)
	}
	return nil
}

// Depth returns the number of jobs currently waiting, due or not.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.redisClient.ZCard(ctx, DeliveryQueueKey).Result()
}

func (q *Queue) Client() *redis.Client {
	return q.redisClient
}
