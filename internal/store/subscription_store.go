package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/casevault/outbound-delivery/internal/domain"
)

const subscriptionColumns = `id, name, endpoint_url, secret, event_types, enabled, rate_limit_per_second,
	breaker_threshold, breaker_cooldown_ms, breaker_enabled,
	retry_base_ms, retry_ceiling_ms, max_attempts, retry_window_ms,
	created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID, &sub.Name, &sub.EndpointURL, &sub.Secret, &sub.EventTypes,
		&sub.Enabled, &sub.RateLimitPerSecond,
		&sub.Overrides.BreakerThreshold, &sub.Overrides.BreakerCooldownMs, &sub.Overrides.BreakerEnabled,
		&sub.Overrides.RetryBaseMs, &sub.Overrides.RetryCeilingMs, &sub.Overrides.MaxAttempts, &sub.Overrides.RetryWindowMs,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sub.EventTypes == nil {
		sub.EventTypes = []string{}
	}
	return &sub, nil
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}

	eventTypes := req.EventTypes
	if eventTypes == nil {
		eventTypes = []string{}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (name, endpoint_url, secret, event_types, rate_limit_per_second,
			breaker_threshold, breaker_cooldown_ms, breaker_enabled,
			retry_base_ms, retry_ceiling_ms, max_attempts, retry_window_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+subscriptionColumns,
		req.Name, req.EndpointURL, secret, eventTypes, req.RateLimitPerSecond,
		req.Overrides.BreakerThreshold, req.Overrides.BreakerCooldownMs, req.Overrides.BreakerEnabled,
		req.Overrides.RetryBaseMs, req.Overrides.RetryCeilingMs, req.Overrides.MaxAttempts, req.Overrides.RetryWindowMs,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("inserting subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	subscriptions := []domain.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		sub.Secret = ""
		subscriptions = append(subscriptions, *sub)
	}

	return subscriptions, nil
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, id string, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error) {
	setClauses := []string{}
	args := []interface{}{}
	argIdx := 1

	add := func(column string, value interface{}) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}

	if req.Name != nil {
		add("name", *req.Name)
	}
	if req.EndpointURL != nil {
		add("endpoint_url", *req.EndpointURL)
	}
	if req.EventTypes != nil {
		add("event_types", *req.EventTypes)
	}
	if req.Enabled != nil {
		add("enabled", *req.Enabled)
	}
	if req.RateLimitPerSecond != nil {
		add("rate_limit_per_second", *req.RateLimitPerSecond)
	}
	if req.Overrides != nil {
		add("breaker_threshold", req.Overrides.BreakerThreshold)
		add("breaker_cooldown_ms", req.Overrides.BreakerCooldownMs)
		add("breaker_enabled", req.Overrides.BreakerEnabled)
		add("retry_base_ms", req.Overrides.RetryBaseMs)
		add("retry_ceiling_ms", req.Overrides.RetryCeilingMs)
		add("max_attempts", req.Overrides.MaxAttempts)
		add("retry_window_ms", req.Overrides.RetryWindowMs)
	}

	if len(setClauses) == 0 {
		return s.GetSubscription(ctx, id)
	}

	setClauses = append(setClauses, "updated_at = NOW()")

	query := fmt.Sprintf(`
		UPDATE subscriptions SET %s
		WHERE id = $%d
		RETURNING `+subscriptionColumns,
		strings.Join(setClauses, ", "), argIdx)
	args = append(args, id)

	sub, err := scanSubscription(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("updating subscription: %w", err)
	}
	return sub, nil
}

// SetSubscriptionEnabled flips the enabled flag without touching anything else.
func (s *PostgresStore) SetSubscriptionEnabled(ctx context.Context, id string, enabled bool) (*domain.Subscription, error) {
	return s.UpdateSubscription(ctx, id, domain.UpdateSubscriptionRequest{Enabled: &enabled})
}

// DeleteSubscription removes a subscription. Delivery attempts referencing it
// are kept: the log is an audit trail and outlives the endpoint.
func (s *PostgresStore) DeleteSubscription(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// RotateSubscriptionSecret replaces the shared secret and returns the new
// plaintext value. In-flight deliveries signed with the old secret are not
// re-signed.
func (s *PostgresStore) RotateSubscriptionSecret(ctx context.Context, id string) (string, error) {
	secret, err := generateSecret()
	if err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET secret = $2, updated_at = NOW() WHERE id = $1
	`, id, secret)
	if err != nil {
		return "", fmt.Errorf("rotating secret: %w", err)
	}
	if result.RowsAffected() == 0 {
		return "", pgx.ErrNoRows
	}
	return secret, nil
}

// FindMatchingSubscriptions returns all enabled subscriptions whose event-type
// set contains the given type. An empty set subscribes to every event type.
func (s *PostgresStore) FindMatchingSubscriptions(ctx context.Context, eventType string) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE enabled = true
		  AND (cardinality(event_types) = 0 OR $1 = ANY(event_types))
	`, eventType)
	if err != nil {
		return nil, fmt.Errorf("finding matching subscriptions: %w", err)
	}
	defer rows.Close()

	subscriptions := []domain.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subscriptions = append(subscriptions, *sub)
	}

	return subscriptions, nil
}

func generateSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(bytes), nil
}
