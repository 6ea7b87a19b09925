package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casevault/outbound-delivery/internal/domain"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CircuitBreaker implements a per-subscription circuit breaker backed by a
// Redis hash. State transitions: closed → open → half-open → closed.
//
//   - Closed: normal operation, consecutive failures are counted.
//   - Open: all deliveries are short-circuited until the cooldown since
//     opened_at elapses, then the circuit moves to half-open.
//   - Half-open: exactly one in-flight trial delivery is admitted (claimed
//     via a trial flag). Success → closed, failure → open with a fresh
//     opened_at.
//
// Every read-modify-write runs inside a Lua script so that concurrent workers
// for the same subscription cannot double-count failures or race past the
// threshold.
type CircuitBreaker struct {
	redisClient *redis.Client
	logger      *slog.Logger

	// onTransition, when set, is invoked with the subscription id and the new
	// state after open/closed transitions (used for metrics).
	onTransition func(subscriptionID, state string)
}

// CircuitState is the operator-visible snapshot of one subscription's circuit.
type CircuitState struct {
	State         string `json:"state"`
	Failures      int    `json:"failures"`
	OpenedAt      string `json:"opened_at,omitempty"`
	LastFailureAt string `json:"last_failure_at,omitempty"`
}

// allowScript gates one delivery attempt. Returns {state, allowed}.
var allowScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state or state == '' then state = 'closed' end
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])

if state == 'closed' then
    return {state, 1}
end

if state == 'open' then
    local opened = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')
    if now - opened >= cooldown then
        redis.call('HSET', KEYS[1], 'state', 'half-open', 'trial', 1)
        return {'half-open', 1}
    end
    return {'open', 0}
end

-- half-open: admit exactly one trial at a time
local trial = tonumber(redis.call('HGET', KEYS[1], 'trial') or '0')
if trial == 0 then
    redis.call('HSET', KEYS[1], 'trial', 1)
    return {'half-open', 1}
end
return {'half-open', 0}
`)

// failureScript records one delivery failure. Returns the resulting state.
var failureScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state or state == '' then state = 'closed' end
local now = ARGV[1]
local threshold = tonumber(ARGV[2])

redis.call('HSET', KEYS[1], 'last_failure_at', now)

if state == 'half-open' then
    redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', now, 'trial', 0)
    return 'open'
end

local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
if failures >= threshold then
    redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', now)
    return 'open'
end

redis.call('HSET', KEYS[1], 'state', 'closed')
return 'closed'
`)

// successScript records one successful delivery: circuit closes and the
// consecutive-failure counter resets.
var successScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state or state == '' then state = 'closed' end
redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0, 'trial', 0)
redis.call('HDEL', KEYS[1], 'opened_at')
return state
`)

func NewCircuitBreaker(redisClient *redis.Client, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		redisClient: redisClient,
		logger:      logger,
	}
}

// OnTransition registers a callback fired after open/re-open/close
// transitions.
func (cb *CircuitBreaker) OnTransition(fn func(subscriptionID, state string)) {
	cb.onTransition = fn
}

func cbKey(subscriptionID string) string {
	return fmt.Sprintf("cb:%s", subscriptionID)
}

// Allow checks if a delivery to this subscription may proceed, performing the
// open → half-open transition when the cooldown has elapsed. Returns the
// current state and whether the attempt is admitted.
//
// A disabled breaker is forced closed regardless of recorded history.
func (cb *CircuitBreaker) Allow(ctx context.Context, subscriptionID string, cfg domain.BreakerConfig) (string, bool) {
	if !cfg.Enabled {
		return StateClosed, true
	}

	res, err := allowScript.Run(ctx, cb.redisClient, []string{cbKey(subscriptionID)},
		time.Now().Unix(), int64(cfg.Cooldown.Seconds()),
	).Slice()
	if err != nil || len(res) != 2 {
		if err != nil {
			cb.logger.Error("circuit breaker allow failed", "error", err, "subscription_id", subscriptionID)
		}
		// Fail open: a broken breaker must not stop every delivery.
		return StateClosed, true
	}

	state, _ := res[0].(string)
	allowed, _ := res[1].(int64)

	if state == StateHalfOpen && allowed == 1 {
		cb.logger.Info("circuit breaker half-open trial admitted",
			"subscription_id", subscriptionID,
		)
	}

	return state, allowed == 1
}

// RecordSuccess records a successful delivery. The circuit closes and the
// consecutive-failure counter resets to zero.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, subscriptionID string, cfg domain.BreakerConfig) {
	if !cfg.Enabled {
		return
	}

	prev, err := successScript.Run(ctx, cb.redisClient, []string{cbKey(subscriptionID)}).Text()
	if err != nil {
		cb.logger.Error("circuit breaker success record failed", "error", err, "subscription_id", subscriptionID)
		return
	}

	if prev == StateHalfOpen {
		cb.logger.Info("circuit breaker closed (recovered)",
			"subscription_id", subscriptionID,
		)
		cb.transition(subscriptionID, StateClosed)
	}
}

// RecordFailure records a failed delivery. Reaching the threshold of
// consecutive failures opens the circuit; a failed half-open trial re-opens
// it with a fresh opened_at.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, subscriptionID string, cfg domain.BreakerConfig) {
	if !cfg.Enabled {
		return
	}

	state, err := failureScript.Run(ctx, cb.redisClient, []string{cbKey(subscriptionID)},
		time.Now().Unix(), cfg.Threshold,
	).Text()
	if err != nil {
		cb.logger.Error("circuit breaker failure record failed", "error", err, "subscription_id", subscriptionID)
		return
	}

	if state == StateOpen {
		cb.logger.Warn("circuit breaker open",
			"subscription_id", subscriptionID,
			"threshold", cfg.Threshold,
		)
		cb.transition(subscriptionID, StateOpen)
	}
}

// ForceClose resets the circuit to closed, discarding all failure history.
// Operator action for a partner confirmed to have recovered.
func (cb *CircuitBreaker) ForceClose(ctx context.Context, subscriptionID string) error {
	if err := cb.redisClient.Del(ctx, cbKey(subscriptionID)).Err(); err != nil {
		return fmt.Errorf("resetting circuit state: %w", err)
	}
	cb.logger.Info("circuit breaker force-closed", "subscription_id", subscriptionID)
	cb.transition(subscriptionID, StateClosed)
	return nil
}

// State returns the current circuit state for operational visibility. The
// open → half-open cooldown transition is reflected without being performed.
func (cb *CircuitBreaker) State(ctx context.Context, subscriptionID string, cfg domain.BreakerConfig) CircuitState {
	if !cfg.Enabled {
		return CircuitState{State: StateClosed}
	}

	data, err := cb.redisClient.HGetAll(ctx, cbKey(subscriptionID)).Result()
	if err != nil || len(data) == 0 {
		return CircuitState{State: StateClosed}
	}

	state := data["state"]
	if state == "" {
		state = StateClosed
	}
	failures, _ := strconv.Atoi(data["failures"])

	result := CircuitState{State: state, Failures: failures}

	if openedAt, _ := strconv.ParseInt(data["opened_at"], 10, 64); openedAt > 0 {
		result.OpenedAt = time.Unix(openedAt, 0).UTC().Format(time.RFC3339)
		if state == StateOpen && time.Now().Unix()-openedAt >= int64(cfg.Cooldown.Seconds()) {
			result.State = StateHalfOpen
		}
	}

	if lastFailed, _ := strconv.ParseInt(data["last_failure_at"], 10, 64); lastFailed > 0 {
		result.LastFailureAt = time.Unix(lastFailed, 0).UTC().Format(time.RFC3339)
	}

	return result
}

func (cb *CircuitBreaker) transition(subscriptionID, state string) {
	if cb.onTransition != nil {
		cb.onTransition(subscriptionID, state)
	}
}
