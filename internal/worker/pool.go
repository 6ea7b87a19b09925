package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/casevault/outbound-delivery/internal/engine"
)

// Pool manages a fixed number of worker goroutines that process delivery
// jobs. Jobs for different subscriptions run concurrently; the queue only
// releases a (subscription, event) job once its previous attempt is recorded,
// so the pool never needs per-pair locking.
type Pool struct {
	numWorkers int
	jobs       chan engine.DeliveryJob
	deliverer  *Deliverer
	queue      *engine.Queue
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewPool creates a worker pool with the given number of workers.
func NewPool(numWorkers int, deliverer *Deliverer, queue *engine.Queue, logger *slog.Logger) *Pool {
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan engine.DeliveryJob, numWorkers*2),
		deliverer:  deliverer,
		queue:      queue,
		logger:     logger,
	}
}

// Start launches all worker goroutines. They read from the jobs channel
// until it is closed or the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit sends a job to the worker pool via the jobs channel.
func (p *Pool) Submit(job engine.DeliveryJob) {
	p.jobs <- job
}

// Stop closes the jobs channel and waits for in-flight deliveries to finish
// or time out. Jobs still buffered after cancellation are returned to the
// Redis queue rather than dropped.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// worker is a single goroutine that processes jobs from the channel.
func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for job := range p.jobs {
		select {
		case <-ctx.Done():
			// The job was already claimed off the Redis queue; dropping it
			// here would lose it across the restart. Put it back.
			p.requeue(job)
		default:
			p.deliverer.Deliver(ctx, job)
		}
	}
}

// requeue returns a claimed but undelivered job to the queue, due
// immediately, so the next poll (or the next process) picks it up.
func (p *Pool) requeue(job engine.DeliveryJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.queue.Enqueue(ctx, job, time.Now()); err != nil {
		p.logger.Error("failed to return claimed job to queue",
			"error", err,
			"event_id", job.EventID,
			"subscription_id", job.SubscriptionID,
			"attempt", job.Attempt,
		)
	}
}
