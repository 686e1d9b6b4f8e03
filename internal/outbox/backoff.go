package outbox

import (
	"math/rand"
	"time"
)

// backoffDelay returns the delay before the given attempt number, starting
// at base and doubling per attempt, with up to 25% jitter, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	delay += jitter
	if delay > max {
		delay = max
	}
	return delay
}
