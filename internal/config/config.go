// Package config provides environment configuration for the delivery engine.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/casevault/outbound-delivery/internal/domain"
)

// Config holds all configuration for the application. Breaker and retry
// settings are system-wide defaults; each subscription may override them.
type Config struct {
	Port        string `env:"PORT"         envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`

	NumWorkers      int           `env:"NUM_WORKERS"       envDefault:"50"`
	DeliveryTimeout time.Duration `env:"DELIVERY_TIMEOUT"  envDefault:"10s"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1s"`

	BreakerEnabled   bool          `env:"BREAKER_ENABLED"           envDefault:"true"`
	BreakerThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerCooldown  time.Duration `env:"BREAKER_COOLDOWN"          envDefault:"60s"`

	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY"   envDefault:"2s"`
	RetryCeiling     time.Duration `env:"RETRY_CEILING"      envDefault:"5m"`
	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryWindow      time.Duration `env:"RETRY_WINDOW"       envDefault:"1h"`

	// DeliveryLogRetention bounds how long attempt rows are kept; zero keeps
	// them forever.
	DeliveryLogRetention time.Duration `env:"DELIVERY_LOG_RETENTION" envDefault:"0"`
}

// Load parses environment variables into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultBreaker returns the system-wide breaker defaults.
func (c *Config) DefaultBreaker() domain.BreakerConfig {
	return domain.BreakerConfig{
		Enabled:   c.BreakerEnabled,
		Threshold: c.BreakerThreshold,
		Cooldown:  c.BreakerCooldown,
	}
}

// DefaultRetry returns the system-wide retry defaults.
func (c *Config) DefaultRetry() domain.RetryPolicy {
	return domain.RetryPolicy{
		BaseDelay:   c.RetryBaseDelay,
		Ceiling:     c.RetryCeiling,
		MaxAttempts: c.RetryMaxAttempts,
		MaxElapsed:  c.RetryWindow,
	}
}
