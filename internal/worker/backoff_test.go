package worker

import (
	"testing"
	"time"
)

func TestRetryDelay_Deterministic(t *testing.T) {
	a := retryDelay("task-1", 2, time.Second, time.Minute)
	b := retryDelay("task-1", 2, time.Second, time.Minute)
	if a != b {
		t.Fatalf("expected same delay for same task and attempt, got %v and %v", a, b)
	}
}

func TestRetryDelay_GrowsAndCaps(t *testing.T) {
	base := time.Second
	maxDelay := 20 * time.Second
	prevFloor := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay("task-x", attempt, base, maxDelay)
		if d > maxDelay {
			t.Fatalf("attempt %d: delay %v exceeds cap %v", attempt, d, maxDelay)
		}
		floor := base << uint(attempt-1)
		if floor > maxDelay {
			floor = maxDelay
		}
		if d < floor {
			t.Fatalf("attempt %d: delay %v below exponential floor %v", attempt, d, floor)
		}
		if floor < prevFloor {
			t.Fatalf("attempt %d: floor went backwards", attempt)
		}
		prevFloor = floor
	}
}

func TestRetryDelay_Defaults(t *testing.T) {
	d := retryDelay("t", 0, 0, 0)
	if d < defaultRetryBaseDelay || d > defaultRetryBaseDelay*3/2 {
		t.Fatalf("expected default base with jitter, got %v", d)
	}
}
