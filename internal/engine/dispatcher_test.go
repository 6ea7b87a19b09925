package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/casevault/outbound-delivery/internal/domain"
)

// fakeSubscriptionSource filters an in-memory subscription list the way the
// Postgres store does: enabled, and event type in the set (empty set = all).
type fakeSubscriptionSource struct {
	subscriptions []domain.Subscription
	err           error
}

func (f *fakeSubscriptionSource) FindMatchingSubscriptions(_ context.Context, eventType string) ([]domain.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	var matched []domain.Subscription
	for _, sub := range f.subscriptions {
		if !sub.Enabled {
			continue
		}
		if len(sub.EventTypes) == 0 || slices.Contains(sub.EventTypes, eventType) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

func setupTestDispatcher(t *testing.T, source SubscriptionSource) (*Dispatcher, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	d := NewDispatcher(source, NewQueue(client), testBreakerConfig(), testRetryPolicy(), logger)
	return d, client
}

func drainJobs(t *testing.T, client *redis.Client) []DeliveryJob {
	t.Helper()
	members, err := client.ZRange(context.Background(), DeliveryQueueKey, 0, -1).Result()
	if err != nil {
		t.Fatalf("reading queue: %v", err)
	}
	jobs := make([]DeliveryJob, 0, len(members))
	for _, m := range members {
		var job DeliveryJob
		if err := json.Unmarshal([]byte(m), &job); err != nil {
			t.Fatalf("unmarshaling job: %v", err)
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func TestDispatch_FansOutToMatchingSubscriptionsOnly(t *testing.T) {
	source := &fakeSubscriptionSource{subscriptions: []domain.Subscription{
		{ID: "sub-cases", EndpointURL: "https://a.example/hook", Secret: "whsec_a", Enabled: true, EventTypes: []string{"case.created"}},
		{ID: "sub-evidence", EndpointURL: "https://b.example/hook", Secret: "whsec_b", Enabled: true, EventTypes: []string{"evidence.added"}},
	}}
	d, client := setupTestDispatcher(t, source)

	event := &domain.Event{
		ID:        "evt-1",
		EventType: "case.created",
		Payload:   json.RawMessage(`{"case_id":"c-1"}`),
	}

	queued, err := d.Dispatch(context.Background(), event)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if queued != 1 {
		t.Fatalf("expected 1 job queued, got %d", queued)
	}

	jobs := drainJobs(t, client)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job in queue, got %d", len(jobs))
	}
	job := jobs[0]
	if job.SubscriptionID != "sub-cases" {
		t.Errorf("job routed to wrong subscription: %s", job.SubscriptionID)
	}
	if job.EventID != "evt-1" || job.EventType != "case.created" {
		t.Errorf("job carries wrong event: %s/%s", job.EventID, job.EventType)
	}
	if job.Attempt != 1 {
		t.Errorf("initial job should be attempt 1, got %d", job.Attempt)
	}
	if job.Secret != "whsec_a" {
		t.Error("job should carry the matched subscription's secret")
	}
	if job.ID == "" {
		t.Error("job should get a unique delivery id")
	}
}

func TestDispatch_EmptyEventTypeSetMatchesEverything(t *testing.T) {
	source := &fakeSubscriptionSource{subscriptions: []domain.Subscription{
		{ID: "sub-all", EndpointURL: "https://all.example/hook", Enabled: true, EventTypes: nil},
		{ID: "sub-narrow", EndpointURL: "https://narrow.example/hook", Enabled: true, EventTypes: []string{"case.closed"}},
	}}
	d, client := setupTestDispatcher(t, source)

	queued, err := d.Dispatch(context.Background(), &domain.Event{
		ID: "evt-1", EventType: "custody.transferred", Payload: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if queued != 1 {
		t.Fatalf("expected only the wildcard subscription, got %d jobs", queued)
	}
	if jobs := drainJobs(t, client); jobs[0].SubscriptionID != "sub-all" {
		t.Errorf("expected sub-all, got %s", jobs[0].SubscriptionID)
	}
}

func TestDispatch_SkipsDisabledSubscriptions(t *testing.T) {
	source := &fakeSubscriptionSource{subscriptions: []domain.Subscription{
		{ID: "sub-off", EndpointURL: "https://off.example/hook", Enabled: false, EventTypes: nil},
	}}
	d, _ := setupTestDispatcher(t, source)

	queued, err := d.Dispatch(context.Background(), &domain.Event{
		ID: "evt-1", EventType: "case.created", Payload: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if queued != 0 {
		t.Errorf("disabled subscriptions must not receive jobs, got %d", queued)
	}
}

func TestDispatch_ResolvesPolicyOverridesIntoJob(t *testing.T) {
	threshold := 10
	baseMs := int64(500)
	source := &fakeSubscriptionSource{subscriptions: []domain.Subscription{
		{
			ID: "sub-tuned", EndpointURL: "https://t.example/hook", Enabled: true,
			Overrides: domain.PolicyOverrides{
				BreakerThreshold: &threshold,
				RetryBaseMs:      &baseMs,
			},
		},
	}}
	d, client := setupTestDispatcher(t, source)

	if _, err := d.Dispatch(context.Background(), &domain.Event{
		ID: "evt-1", EventType: "case.created", Payload: json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	job := drainJobs(t, client)[0]
	if job.Breaker.Threshold != 10 {
		t.Errorf("expected overridden threshold 10, got %d", job.Breaker.Threshold)
	}
	if job.Breaker.Cooldown != testBreakerConfig().Cooldown {
		t.Errorf("unset override should keep default cooldown, got %v", job.Breaker.Cooldown)
	}
	if job.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("expected overridden base delay 500ms, got %v", job.Retry.BaseDelay)
	}
	if job.Retry.MaxAttempts != testRetryPolicy().MaxAttempts {
		t.Errorf("unset override should keep default max attempts, got %d", job.Retry.MaxAttempts)
	}
}

func TestDispatch_SourceErrorSurfaces(t *testing.T) {
	source := &fakeSubscriptionSource{err: errors.New("connection refused")}
	d, _ := setupTestDispatcher(t, source)

	if _, err := d.Dispatch(context.Background(), &domain.Event{
		ID: "evt-1", EventType: "case.created", Payload: json.RawMessage(`{}`),
	}); err == nil {
		t.Fatal("expected error when subscription lookup fails")
	}
}
