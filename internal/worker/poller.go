package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casevault/outbound-delivery/internal/engine"
	"github.com/casevault/outbound-delivery/internal/observability"
)

// Poller continuously pulls due jobs from the Redis delivery queue and feeds
// them to the worker pool. Jobs with a future score (scheduled retries) stay
// in the queue until their due time; nothing sleeps holding a worker.
type Poller struct {
	redisClient  *redis.Client
	pool         *Pool
	metrics      *observability.Metrics
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
	done         chan struct{}
}

// NewPoller creates a poller reading from the Redis sorted set.
func NewPoller(redisClient *redis.Client, pool *Pool, metrics *observability.Metrics, logger *slog.Logger) *Poller {
	return &Poller{
		redisClient:  redisClient,
		pool:         pool,
		metrics:      metrics,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
		done:         make(chan struct{}),
	}
}

// Start begins the polling loop. It runs until the context is cancelled.
func (p *Poller) Start(ctx context.Context) {
	defer close(p.done)
	p.logger.Info("queue poller started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("queue poller stopping")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// Wait blocks until the polling loop has exited. Shutdown must wait here
// before stopping the pool, or a poll in progress could submit a claimed job
// to a closed channel.
func (p *Poller) Wait() {
	<-p.done
}

// poll fetches a batch of due jobs from Redis and sends them to workers.
func (p *Poller) poll(ctx context.Context) {
	now := float64(time.Now().UnixMicro())

	results, err := p.redisClient.ZRangeByScoreWithScores(ctx, engine.DeliveryQueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   formatFloat(now),
		Count: p.batchSize,
	}).Result()
	if err != nil {
		p.logger.Error("failed to poll delivery queue", "error", err)
		return
	}

	if depth, err := p.redisClient.ZCard(ctx, engine.DeliveryQueueKey).Result(); err == nil && p.metrics != nil {
		p.metrics.QueueDepth.Set(float64(depth))
	}

	for _, z := range results {
		member := z.Member.(string)

		// Claim the job by removing it — if another poller instance already
		// took it, ZRem returns 0.
		removed, err := p.redisClient.ZRem(ctx, engine.DeliveryQueueKey, member).Result()
		if err != nil {
			p.logger.Error("failed to remove job from queue", "error", err)
			continue
		}
		if removed == 0 {
			continue
		}

		var job engine.DeliveryJob
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			p.logger.Error("failed to unmarshal job", "error", err)
			continue
		}

		p.pool.Submit(job)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
