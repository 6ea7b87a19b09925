package domain

import "time"

// BreakerConfig is the effective circuit-breaker configuration for one
// subscription. Enabled=false forces the circuit closed regardless of
// recorded history (operator override for a known-recovered partner).
type BreakerConfig struct {
	Enabled   bool          `json:"enabled"`
	Threshold int           `json:"threshold"`
	Cooldown  time.Duration `json:"cooldown"`
}

// RetryPolicy is the effective retry configuration for one subscription.
// A retry is abandoned once either MaxAttempts is reached or MaxElapsed has
// passed since the first attempt.
type RetryPolicy struct {
	BaseDelay   time.Duration `json:"base_delay"`
	Ceiling     time.Duration `json:"ceiling"`
	MaxAttempts int           `json:"max_attempts"`
	MaxElapsed  time.Duration `json:"max_elapsed"`
}

// Breaker resolves the effective breaker config from system defaults plus
// this subscription's overrides.
func (o PolicyOverrides) Breaker(def BreakerConfig) BreakerConfig {
	cfg := def
	if o.BreakerEnabled != nil {
		cfg.Enabled = *o.BreakerEnabled
	}
	if o.BreakerThreshold != nil {
		cfg.Threshold = *o.BreakerThreshold
	}
	if o.BreakerCooldownMs != nil {
		cfg.Cooldown = time.Duration(*o.BreakerCooldownMs) * time.Millisecond
	}
	return cfg
}

// Retry resolves the effective retry policy from system defaults plus this
// subscription's overrides.
func (o PolicyOverrides) Retry(def RetryPolicy) RetryPolicy {
	p := def
	if o.RetryBaseMs != nil {
		p.BaseDelay = time.Duration(*o.RetryBaseMs) * time.Millisecond
	}
	if o.RetryCeilingMs != nil {
		p.Ceiling = time.Duration(*o.RetryCeilingMs) * time.Millisecond
	}
	if o.MaxAttempts != nil {
		p.MaxAttempts = *o.MaxAttempts
	}
	if o.RetryWindowMs != nil {
		p.MaxElapsed = time.Duration(*o.RetryWindowMs) * time.Millisecond
	}
	return p
}
