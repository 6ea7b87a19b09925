package store

import (
	"context"
	"fmt"

	"github.com/casevault/outbound-delivery/internal/domain"
)

// DeliveryMetrics holds aggregated delivery statistics for the dashboard.
type DeliveryMetrics struct {
	TotalAttempts        int     `json:"total_attempts"`
	SuccessCount         int     `json:"success_count"`
	RetryableCount       int     `json:"retryable_count"`
	TerminalCount        int     `json:"terminal_count"`
	SuccessRate          float64 `json:"success_rate"`
	AvgLatencyMs         float64 `json:"avg_latency_ms"`
	DeadLetterCount      int     `json:"dead_letter_count"`
	EnabledSubscriptions int     `json:"enabled_subscriptions"`
	TotalEvents          int     `json:"total_events"`
}

// GetDeliveryMetrics returns aggregated delivery statistics from the database.
func (s *PostgresStore) GetDeliveryMetrics(ctx context.Context) (*DeliveryMetrics, error) {
	var m DeliveryMetrics

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE outcome = $1) AS success,
			COUNT(*) FILTER (WHERE outcome = $2) AS retryable,
			COUNT(*) FILTER (WHERE outcome = $3) AS terminal,
			COALESCE(AVG(latency_ms) FILTER (WHERE latency_ms > 0), 0) AS avg_latency_ms
		FROM delivery_attempts
	`, domain.OutcomeSuccess, domain.OutcomeFailedRetryable, domain.OutcomeFailedTerminal).Scan(
		&m.TotalAttempts, &m.SuccessCount, &m.RetryableCount, &m.TerminalCount, &m.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying delivery metrics: %w", err)
	}

	if m.TotalAttempts > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalAttempts) * 100
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM dead_letters WHERE resolved_at IS NULL
	`).Scan(&m.DeadLetterCount)
	if err != nil {
		return nil, fmt.Errorf("querying dead letter count: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM subscriptions WHERE enabled = true
	`).Scan(&m.EnabledSubscriptions)
	if err != nil {
		return nil, fmt.Errorf("querying enabled subscriptions: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM events
	`).Scan(&m.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("querying total events: %w", err)
	}

	return &m, nil
}
