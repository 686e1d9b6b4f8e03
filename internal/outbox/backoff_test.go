package outbox

import (
	"testing"
	"time"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	previousFloor := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		delay := backoffDelay(attempt, base, max)
		if delay < base {
			t.Fatalf("attempt %d delay = %v, want at least %v", attempt, delay, base)
		}
		if delay > max {
			t.Fatalf("attempt %d delay = %v, want at most %v", attempt, delay, max)
		}
		floor := base << (attempt - 1)
		if floor > max {
			floor = max
		}
		if floor < previousFloor {
			t.Fatalf("attempt %d floor shrank", attempt)
		}
		previousFloor = floor
	}

	if delay := backoffDelay(0, base, max); delay < base || delay > max {
		t.Fatalf("attempt 0 delay = %v, want within [%v, %v]", delay, base, max)
	}
}
