package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_ProcessesJobs(t *testing.T) {
	var processed atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		processed.Add(1)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer server.Close()

	h := setupTestDeliverer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := NewPool(3, h.deliverer, h.queue, testLogger())
	pool.Start(ctx)

	for i := 0; i < 5; i++ {
		job := testJob(server.URL)
		job.ID = fmt.Sprintf("job-%d", i)
		job.EventID = fmt.Sprintf("evt-%d", i)
		pool.Submit(job)
	}

	deadline := time.Now().Add(2 * time.Second)
	for processed.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	pool.Stop()

	if processed.Load() != 5 {
		t.Errorf("expected 5 jobs processed, got %d", processed.Load())
	}
	if recs := h.log.records(); len(recs) != 5 {
		t.Errorf("expected 5 attempt records, got %d", len(recs))
	}
}

func TestPoller_DeliversDueJobsAndHoldsFutureOnes(t *testing.T) {
	var delivered atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := setupTestDeliverer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One job due now, one scheduled well into the future.
	due := testJob(server.URL)
	due.EventID = "evt-due"
	if err := h.queue.Enqueue(ctx, due, time.Now()); err != nil {
		t.Fatalf("enqueuing due job: %v", err)
	}
	future := testJob(server.URL)
	future.EventID = "evt-future"
	if err := h.queue.Enqueue(ctx, future, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("enqueuing future job: %v", err)
	}

	pool := NewPool(2, h.deliverer, h.queue, testLogger())
	pool.Start(ctx)

	poller := NewPoller(h.client, pool, nil, testLogger())
	go poller.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for delivered.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	poller.Wait()
	pool.Stop()

	if delivered.Load() != 1 {
		t.Fatalf("expected exactly the due job delivered, got %d", delivered.Load())
	}

	// The future retry must remain queued, untouched.
	jobs := queuedJobs(t, h.client)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job still queued, got %d", len(jobs))
	}
	if job := decodeJob(t, jobs[0]); job.EventID != "evt-future" {
		t.Errorf("wrong job left in queue: %s", job.EventID)
	}
}

func TestPool_ShutdownRequeuesClaimedJobs(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		started <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := setupTestDeliverer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(1, h.deliverer, h.queue, testLogger())
	pool.Start(ctx)

	inFlight := testJob(server.URL)
	inFlight.EventID = "evt-inflight"
	pool.Submit(inFlight)
	<-started // the single worker is now blocked inside the attempt

	cancel()

	// These were claimed off Redis by a poller; they sit in the pool buffer
	// behind the in-flight job and must not be dropped.
	for i := 0; i < 2; i++ {
		job := testJob(server.URL)
		job.EventID = fmt.Sprintf("evt-buffered-%d", i)
		pool.Submit(job)
	}

	close(release)
	pool.Stop()

	// The in-flight attempt was aborted by the cancellation, classified as a
	// transport failure, and its retry was still scheduled.
	recs := h.log.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 attempt record, got %d", len(recs))
	}
	if recs[0].Outcome != "failed_retryable" {
		t.Errorf("aborted in-flight attempt should be retryable, got %s", recs[0].Outcome)
	}

	jobs := queuedJobs(t, h.client)
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs back in the queue (1 retry + 2 requeued), got %d", len(jobs))
	}
	byEvent := map[string]int{}
	for _, z := range jobs {
		job := decodeJob(t, z)
		byEvent[job.EventID] = job.Attempt
	}
	if byEvent["evt-inflight"] != 2 {
		t.Errorf("in-flight job should be requeued as attempt 2, got %d", byEvent["evt-inflight"])
	}
	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("evt-buffered-%d", i)
		if byEvent[id] != 1 {
			t.Errorf("%s should be returned to the queue as attempt 1, got %d", id, byEvent[id])
		}
	}
}

func TestDeliver_CancelledContextStillRecordsAndRequeues(t *testing.T) {
	h := setupTestDeliverer(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.deliverer.Deliver(ctx, testJob(server.URL))

	recs := h.log.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 attempt record despite cancellation, got %d", len(recs))
	}
	if recs[0].Outcome != "failed_retryable" || recs[0].FailureClass != "transport_error" {
		t.Errorf("expected retryable/transport_error, got %s/%s", recs[0].Outcome, recs[0].FailureClass)
	}

	jobs := queuedJobs(t, h.client)
	if len(jobs) != 1 {
		t.Fatalf("expected the retry to be enqueued, got %d jobs", len(jobs))
	}
	if job := decodeJob(t, jobs[0]); job.Attempt != 2 {
		t.Errorf("expected retry attempt 2, got %d", job.Attempt)
	}
}

func TestPoller_WaitReturnsAfterCancel(t *testing.T) {
	h := setupTestDeliverer(t)
	ctx, cancel := context.WithCancel(context.Background())

	pool := NewPool(1, h.deliverer, h.queue, testLogger())
	pool.Start(ctx)

	poller := NewPoller(h.client, pool, nil, testLogger())
	go poller.Start(ctx)

	cancel()

	done := make(chan struct{})
	go func() {
		poller.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not exit after cancellation")
	}

	// Only now is it safe to close the pool's channel.
	pool.Stop()
}

func TestPoller_RetryFlowEndToEnd(t *testing.T) {
	// The endpoint fails once, then succeeds: attempt 1 must be recorded as
	// retryable, attempt 2 as success, in order.
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := setupTestDeliverer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := testJob(server.URL)
	job.Retry.BaseDelay = 50 * time.Millisecond
	if err := h.queue.Enqueue(ctx, job, time.Now()); err != nil {
		t.Fatalf("enqueuing job: %v", err)
	}

	pool := NewPool(2, h.deliverer, h.queue, testLogger())
	pool.Start(ctx)

	poller := NewPoller(h.client, pool, nil, testLogger())
	go poller.Start(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for len(h.log.records()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	poller.Wait()
	pool.Stop()

	recs := h.log.records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 attempt records, got %d", len(recs))
	}
	if recs[0].AttemptNumber != 1 || recs[0].Outcome != "failed_retryable" {
		t.Errorf("attempt 1: expected failed_retryable, got #%d %s", recs[0].AttemptNumber, recs[0].Outcome)
	}
	if recs[1].AttemptNumber != 2 || recs[1].Outcome != "success" {
		t.Errorf("attempt 2: expected success, got #%d %s", recs[1].AttemptNumber, recs[1].Outcome)
	}
}
