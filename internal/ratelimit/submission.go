package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SubmissionBucket caps how fast one user may submit transfer requests.
// State lives in Redis so API replicas share a single budget per user.
type SubmissionBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	prefix   string
}

// SubmitDecision is the outcome of one submission attempt.
type SubmitDecision struct {
	Allowed bool
	// Remaining is the whole number of submissions left right now.
	Remaining int
	// RetryAfter is how long until the next token; zero when allowed or when
	// the bucket never refills.
	RetryAfter time.Duration
}

// NewSubmissionBucket builds a per-user bucket holding capacity submissions
// and regaining refillPerSecond of them each second.
func NewSubmissionBucket(client *redis.Client, capacity int, refillPerSecond float64) *SubmissionBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &SubmissionBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		prefix:   "submit",
	}
}

func (b *SubmissionBucket) key(userID int64) string {
	return fmt.Sprintf("%s:%d", b.prefix, userID)
}

// Take spends one submission token for userID.
func (b *SubmissionBucket) Take(ctx context.Context, userID int64) (SubmitDecision, error) {
	now := time.Now().UnixMilli()
	res, err := submitScript.Run(ctx, b.client, []string{b.key(userID)}, b.capacity, b.refill, now).Int64Slice()
	if err != nil {
		return SubmitDecision{}, fmt.Errorf("submission bucket for user %d: %w", userID, err)
	}
	if len(res) != 3 {
		return SubmitDecision{}, fmt.Errorf("submission bucket for user %d: unexpected reply %v", userID, res)
	}
	return SubmitDecision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// The key expires once a drained bucket would be full again, at which point
// a missing key and a full bucket mean the same thing.
var submitScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local per_ms = tonumber(ARGV[2]) / 1000
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'tokens', 'updated_ms')
local tokens = tonumber(state[1]) or capacity
local updated = tonumber(state[2]) or now
if per_ms > 0 and now > updated then
  tokens = math.min(capacity, tokens + (now - updated) * per_ms)
end

local allowed = 0
local retry_ms = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif per_ms > 0 then
  retry_ms = math.ceil((1 - tokens) / per_ms)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'updated_ms', now)
if per_ms > 0 then
  redis.call('PEXPIRE', key, math.ceil((capacity - tokens) / per_ms) + 1000)
end
return {allowed, math.floor(tokens), retry_ms}
`)
