package worker

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > 4*base {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("backoff should be capped at max: %s", b10)
	}

	if got := backoffWithJitter(0, 0, 4); got != 0 {
		t.Fatalf("zero base should not panic or wait, got %s", got)
	}
}
