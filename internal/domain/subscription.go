package domain

import "time"

// Subscription is a partner endpoint registered to receive event deliveries.
// EventTypes is the subscribed set; an empty set means every event type.
type Subscription struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	EndpointURL        string          `json:"endpoint_url"`
	Secret             string          `json:"secret,omitempty"`
	EventTypes         []string        `json:"event_types"`
	Enabled            bool            `json:"enabled"`
	RateLimitPerSecond int             `json:"rate_limit_per_second"`
	Overrides          PolicyOverrides `json:"overrides"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// PolicyOverrides holds per-subscription settings that override the system
// defaults when set. Durations are carried as milliseconds so they survive
// JSON and SQL round-trips unambiguously.
type PolicyOverrides struct {
	BreakerThreshold  *int   `json:"breaker_threshold,omitempty"`
	BreakerCooldownMs *int64 `json:"breaker_cooldown_ms,omitempty"`
	BreakerEnabled    *bool  `json:"breaker_enabled,omitempty"`
	RetryBaseMs       *int64 `json:"retry_base_ms,omitempty"`
	RetryCeilingMs    *int64 `json:"retry_ceiling_ms,omitempty"`
	MaxAttempts       *int   `json:"max_attempts,omitempty"`
	RetryWindowMs     *int64 `json:"retry_window_ms,omitempty"`
}

type CreateSubscriptionRequest struct {
	Name               string          `json:"name"`
	EndpointURL        string          `json:"endpoint_url"`
	EventTypes         []string        `json:"event_types"`
	RateLimitPerSecond int             `json:"rate_limit_per_second"`
	Overrides          PolicyOverrides `json:"overrides"`
}

type UpdateSubscriptionRequest struct {
	Name               *string          `json:"name,omitempty"`
	EndpointURL        *string          `json:"endpoint_url,omitempty"`
	EventTypes         *[]string        `json:"event_types,omitempty"`
	Enabled            *bool            `json:"enabled,omitempty"`
	RateLimitPerSecond *int             `json:"rate_limit_per_second,omitempty"`
	Overrides          *PolicyOverrides `json:"overrides,omitempty"`
}

// CreateSubscriptionResponse is the only place the plaintext secret is
// returned after creation; subsequent reads omit it.
type CreateSubscriptionResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

type RotateSecretResponse struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}
