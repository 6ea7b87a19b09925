package engine

import (
	"math/rand"
	"time"

	"github.com/casevault/outbound-delivery/internal/domain"
)

// jitterFraction bounds the randomization added to each backoff delay:
// the scheduled delay lies in [d, d*(1+jitterFraction)). The jitter keeps
// retries for many events to the same partner from synchronizing into bursts.
const jitterFraction = 0.2

// BackoffDelay returns the unjittered delay before the given attempt number
// (attempt >= 2): base * 2^(attempt-2), clipped to the policy ceiling.
func BackoffDelay(p domain.RetryPolicy, attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	shift := uint(attempt - 2)
	if shift > 32 {
		return p.Ceiling
	}
	d := p.BaseDelay << shift
	if d <= 0 || d > p.Ceiling {
		d = p.Ceiling
	}
	return d
}

// NextRetry decides whether the given attempt number should be scheduled and
// when. It returns false once either the attempt budget or the total elapsed
// window since the first attempt is exhausted; the caller then records the
// delivery as terminal (gave up).
//
// hint carries a server-supplied delay (429 Retry-After); when it exceeds the
// computed backoff it takes precedence.
func NextRetry(p domain.RetryPolicy, attempt int, firstAttemptAt time.Time, hint time.Duration, now time.Time) (time.Time, bool) {
	if attempt > p.MaxAttempts {
		return time.Time{}, false
	}

	delay := BackoffDelay(p, attempt)
	if hint > delay {
		delay = hint
	}
	if jitter := int64(float64(delay) * jitterFraction); jitter > 0 {
		delay += time.Duration(rand.Int63n(jitter))
	}

	at := now.Add(delay)
	if p.MaxElapsed > 0 && !firstAttemptAt.IsZero() && at.Sub(firstAttemptAt) > p.MaxElapsed {
		return time.Time{}, false
	}

	return at, true
}
