package domain

import (
	"time"
)

// Attempt outcomes recorded in the delivery log.
const (
	OutcomeSuccess         = "success"
	OutcomeFailedRetryable = "failed_retryable"
	OutcomeFailedTerminal  = "failed_terminal"
)

// Failure classes refine a failed outcome for audit queries.
const (
	FailureTransport   = "transport_error" // network-level error, retryable
	FailureServer      = "server_error"    // 5xx, retryable
	FailureRateLimited = "rate_limited"    // 429, retryable with hint
	FailureClient      = "client_error"    // other 4xx, terminal
	FailureCircuitOpen = "circuit_open"    // short-circuited, no network call
	FailureGaveUp      = "gave_up"         // retry budget exhausted
)

// DeliveryAttempt is one append-only row per try. Attempt numbers for a
// (subscription, event) pair are strictly increasing with no gaps.
type DeliveryAttempt struct {
	ID             string     `json:"id"`
	EventID        string     `json:"event_id"`
	SubscriptionID string     `json:"subscription_id"`
	AttemptNumber  int        `json:"attempt_number"`
	Outcome        string     `json:"outcome"`
	FailureClass   *string    `json:"failure_class,omitempty"`
	HTTPStatusCode *int       `json:"http_status_code,omitempty"`
	ResponseBody   *string    `json:"response_body,omitempty"`
	LatencyMs      int        `json:"latency_ms"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DeadLetter records a delivery whose retry budget ran out, for operator
// review and acknowledgement.
type DeadLetter struct {
	ID             string     `json:"id"`
	EventID        string     `json:"event_id"`
	SubscriptionID string     `json:"subscription_id"`
	TotalAttempts  int        `json:"total_attempts"`
	LastError      *string    `json:"last_error,omitempty"`
	LastHTTPStatus *int       `json:"last_http_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     *string    `json:"resolved_by,omitempty"`
}
