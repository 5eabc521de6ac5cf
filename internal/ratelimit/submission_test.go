package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, capacity int, refill float64) (*SubmissionBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSubmissionBucket(client, capacity, refill), mr
}

func TestSubmissionBucketPerUserCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newTestBucket(t, 2, 0.001)

	for i := 0; i < 2; i++ {
		d, err := bucket.Take(ctx, 42)
		if err != nil || !d.Allowed {
			t.Fatalf("submission %d: expected allowed got %+v err=%v", i+1, d, err)
		}
		if d.Remaining != 1-i {
			t.Fatalf("submission %d: expected %d remaining, got %d", i+1, 1-i, d.Remaining)
		}
	}
	d, err := bucket.Take(ctx, 42)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected third submission to be rejected")
	}

	d, _ = bucket.Take(ctx, 7)
	if !d.Allowed {
		t.Fatalf("expected a different user to have its own budget")
	}
}

func TestSubmissionBucketRetryAfter(t *testing.T) {
	ctx := context.Background()
	// One token per second.
	bucket, _ := newTestBucket(t, 1, 1)

	if d, err := bucket.Take(ctx, 1); err != nil || !d.Allowed || d.RetryAfter != 0 {
		t.Fatalf("expected first submission allowed without delay, got %+v err=%v", d, err)
	}
	d, err := bucket.Take(ctx, 1)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if d.Allowed || d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("expected rejection with retry within a second, got %+v", d)
	}
}

func TestSubmissionBucketExpiresWhenRefilled(t *testing.T) {
	bucket, mr := newTestBucket(t, 3, 0.001)
	if _, err := bucket.Take(context.Background(), 5); err != nil {
		t.Fatalf("take: %v", err)
	}
	// One spent token at 0.001/s takes 1000s to regain, plus one second of slack.
	ttl := mr.TTL("submit:5")
	if ttl < 1000*time.Second || ttl > 1002*time.Second {
		t.Fatalf("expected key to live until the bucket refills, got %s", ttl)
	}
}
