package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/casevault/outbound-delivery/internal/domain"
)

// DeliveryAttemptRecord holds data for appending one attempt to the log.
type DeliveryAttemptRecord struct {
	EventID        string
	SubscriptionID string
	AttemptNumber  int
	Outcome        string
	FailureClass   string
	HTTPStatusCode *int
	ResponseBody   string
	LatencyMs      int
	ErrorMessage   string
	NextRetryAt    *time.Time
}

// AttemptQuery filters the delivery log. Zero-valued fields are ignored.
type AttemptQuery struct {
	EventID        string
	SubscriptionID string
	Outcome        string
	Since          time.Time
	Until          time.Time
	Limit          int
}

// RecordDeliveryAttempt appends one attempt to the delivery log. Rows are
// never updated afterwards.
func (s *PostgresStore) RecordDeliveryAttempt(ctx context.Context, rec DeliveryAttemptRecord) error {
	var failureClass *string
	if rec.FailureClass != "" {
		failureClass = &rec.FailureClass
	}

	var respBody *string
	if rec.ResponseBody != "" {
		respBody = &rec.ResponseBody
	}

	var errMsg *string
	if rec.ErrorMessage != "" {
		errMsg = &rec.ErrorMessage
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_attempts (event_id, subscription_id, attempt_number, outcome, failure_class, http_status_code, response_body, latency_ms, error_message, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.EventID, rec.SubscriptionID, rec.AttemptNumber, rec.Outcome, failureClass, rec.HTTPStatusCode, respBody, rec.LatencyMs, errMsg, rec.NextRetryAt)
	if err != nil {
		return fmt.Errorf("inserting delivery attempt: %w", err)
	}
	return nil
}

// ListDeliveryAttempts returns log entries matching the query, newest first.
// For a fixed (subscription, event) pair the rows order by attempt number.
func (s *PostgresStore) ListDeliveryAttempts(ctx context.Context, q AttemptQuery) ([]domain.DeliveryAttempt, error) {
	query := `SELECT id, event_id, subscription_id, attempt_number, outcome, failure_class, http_status_code, response_body, latency_ms, error_message, next_retry_at, created_at FROM delivery_attempts`
	args := []interface{}{}
	conditions := []string{}

	addCond := func(cond string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if q.EventID != "" {
		addCond("event_id = $%d", q.EventID)
	}
	if q.SubscriptionID != "" {
		addCond("subscription_id = $%d", q.SubscriptionID)
	}
	if q.Outcome != "" {
		addCond("outcome = $%d", q.Outcome)
	}
	if !q.Since.IsZero() {
		addCond("created_at >= $%d", q.Since)
	}
	if !q.Until.IsZero() {
		addCond("created_at < $%d", q.Until)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC, attempt_number DESC"

	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying delivery attempts: %w", err)
	}
	defer rows.Close()

	attempts := []domain.DeliveryAttempt{}
	for rows.Next() {
		var a domain.DeliveryAttempt
		err := rows.Scan(
			&a.ID, &a.EventID, &a.SubscriptionID, &a.AttemptNumber,
			&a.Outcome, &a.FailureClass, &a.HTTPStatusCode, &a.ResponseBody,
			&a.LatencyMs, &a.ErrorMessage, &a.NextRetryAt, &a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	return attempts, nil
}

// GetDeliveryAttempt returns a single delivery attempt by ID.
func (s *PostgresStore) GetDeliveryAttempt(ctx context.Context, id string) (*domain.DeliveryAttempt, error) {
	var a domain.DeliveryAttempt
	err := s.pool.QueryRow(ctx, `
		SELECT id, event_id, subscription_id, attempt_number, outcome, failure_class, http_status_code, response_body, latency_ms, error_message, next_retry_at, created_at
		FROM delivery_attempts WHERE id = $1
	`, id).Scan(
		&a.ID, &a.EventID, &a.SubscriptionID, &a.AttemptNumber,
		&a.Outcome, &a.FailureClass, &a.HTTPStatusCode, &a.ResponseBody,
		&a.LatencyMs, &a.ErrorMessage, &a.NextRetryAt, &a.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying delivery attempt: %w", err)
	}
	return &a, nil
}

// PruneDeliveryAttempts deletes log entries older than the cutoff. Retention
// is a policy decision; callers pass a zero cutoff to keep everything.
func (s *PostgresStore) PruneDeliveryAttempts(ctx context.Context, before time.Time) (int64, error) {
	if before.IsZero() {
		return 0, nil
	}
	result, err := s.pool.Exec(ctx, `DELETE FROM delivery_attempts WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("pruning delivery attempts: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeadLetterRecord holds data for inserting a dead letter entry.
type DeadLetterRecord struct {
	EventID        string
	SubscriptionID string
	TotalAttempts  int
	LastHTTPStatus *int
	LastError      string
}

// InsertDeadLetter adds a permanently failed delivery to the dead letter queue.
func (s *PostgresStore) InsertDeadLetter(ctx context.Context, rec DeadLetterRecord) error {
	var lastErr *string
	if rec.LastError != "" {
		lastErr = &rec.LastError
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (event_id, subscription_id, total_attempts, last_http_status, last_error)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.EventID, rec.SubscriptionID, rec.TotalAttempts, rec.LastHTTPStatus, lastErr)
	if err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead letter entries with optional filtering.
func (s *PostgresStore) ListDeadLetters(ctx context.Context, subscriptionID string, resolved bool, limit int) ([]domain.DeadLetter, error) {
	query := `SELECT id, event_id, subscription_id, total_attempts, last_error, last_http_status, created_at, resolved_at, resolved_by FROM dead_letters`
	args := []interface{}{}
	conditions := []string{}

	if subscriptionID != "" {
		args = append(args, subscriptionID)
		conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", len(args)))
	}

	if resolved {
		conditions = append(conditions, "resolved_at IS NOT NULL")
	} else {
		conditions = append(conditions, "resolved_at IS NULL")
	}

	query += " WHERE " + strings.Join(conditions, " AND ")
	query += " ORDER BY created_at DESC"

	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	letters := []domain.DeadLetter{}
	for rows.Next() {
		var dl domain.DeadLetter
		err := rows.Scan(
			&dl.ID, &dl.EventID, &dl.SubscriptionID, &dl.TotalAttempts,
			&dl.LastError, &dl.LastHTTPStatus, &dl.CreatedAt,
			&dl.ResolvedAt, &dl.ResolvedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		letters = append(letters, dl)
	}

	return letters, nil
}

// GetDeadLetter returns a single dead letter by ID.
func (s *PostgresStore) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error) {
	var dl domain.DeadLetter
	err := s.pool.QueryRow(ctx, `
		SELECT id, event_id, subscription_id, total_attempts, last_error, last_http_status, created_at, resolved_at, resolved_by
		FROM dead_letters WHERE id = $1
	`, id).Scan(
		&dl.ID, &dl.EventID, &dl.SubscriptionID, &dl.TotalAttempts,
		&dl.LastError, &dl.LastHTTPStatus, &dl.CreatedAt,
		&dl.ResolvedAt, &dl.ResolvedBy,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying dead letter: %w", err)
	}
	return &dl, nil
}

// ResolveDeadLetter marks a dead letter as resolved.
func (s *PostgresStore) ResolveDeadLetter(ctx context.Context, id string, resolvedBy string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE dead_letters SET resolved_at = NOW(), resolved_by = $2
		WHERE id = $1 AND resolved_at IS NULL
	`, id, resolvedBy)
	if err != nil {
		return fmt.Errorf("resolving dead letter: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("dead letter not found or already resolved")
	}
	return nil
}
