package tasks

import (
	"math/rand/v2"
	"time"

	"kbforge/internal/services"
)

// Backoff returns the delay before retry number retry (1-based) using
// exponential growth from base capped at limit, with full jitter: the result is
// uniform in [0, min(limit, base*2^(retry-1))]. rnd yields values in [0,1).
func Backoff(base, limit time.Duration, retry int, rnd func() float64) time.Duration {
	if base <= 0 || retry <= 0 {
		return 0
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	ceiling := base
	for i := 1; i < retry; i++ {
		ceiling *= 2
		if limit > 0 && ceiling >= limit {
			ceiling = limit
			break
		}
		if ceiling <= 0 {
			ceiling = limit
			break
		}
	}
	if limit > 0 && ceiling > limit {
		ceiling = limit
	}
	return time.Duration(rnd() * float64(ceiling))
}

// retryDelay picks the delay for the next attempt. A server supplied
// Retry-After hint is honoured when it asks for more time than the jittered
// backoff.
func retryDelay(kind Kind, retry int, err error, rnd func() float64) time.Duration {
	delay := Backoff(kind.BackoffBase, kind.BackoffMax, retry, rnd)
	if hint, ok := services.RetryAfter(err); ok && hint > delay {
		delay = hint
	}
	return delay
}
