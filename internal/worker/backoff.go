package worker

import (
	"hash/fnv"
	"strconv"
	"time"
)

const (
	defaultRetryBaseDelay = 2 * time.Second
	defaultRetryMaxDelay  = 5 * time.Minute
)

// retryDelay is exponential backoff from base, capped at maxDelay, plus up to
// 50% jitter derived from (taskID, attempt) so replays of the same failure
// schedule identically.
func retryDelay(taskID string, attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = defaultRetryBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	jitterMax := delay / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(taskID + ":" + strconv.Itoa(attempt)))
	jitter := time.Duration(h.Sum64() % uint64(jitterMax))
	delay += jitter
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
