package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// The bucket lives in one hash per key. Refill uses the redis clock so that
// every gateway replica sees the same time.
//
// KEYS[1] bucket key; ARGV rate per second, burst, idle ttl in ms.
// Returns {allowed 0|1, remaining tokens as string}.
const tokenBucketScript = `
local rate  = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])

local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now
local elapsed = math.max(0, now - last)
tokens = math.min(burst, tokens + elapsed * rate / 1000)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return {allowed, tostring(tokens)}
`

var (
	ErrLimiterNotConfigured = errors.New("rate limiter not configured")
	ErrInvalidLimiterKey    = errors.New("rate limiter key is empty")
	ErrInvalidLimiterRate   = errors.New("rate limiter rate and burst must be positive")
	ErrInvalidScriptReply   = errors.New("invalid rate limit script response")
)

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client, script: redis.NewScript(tokenBucketScript)}
}

// Allow takes one token from the bucket at key.
func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*Result, error) {
	switch {
	case t == nil || t.client == nil:
		return nil, ErrLimiterNotConfigured
	case key == "":
		return nil, ErrInvalidLimiterKey
	case rate <= 0 || burst <= 0:
		return nil, ErrInvalidLimiterRate
	}

	reply, err := t.script.Run(ctx, t.client, []string{key}, rate, burst, bucketTTL(rate, burst).Milliseconds()).Slice()
	if err != nil {
		return nil, err
	}
	if len(reply) != 2 {
		return nil, ErrInvalidScriptReply
	}
	allowed, ok := reply[0].(int64)
	if !ok {
		return nil, ErrInvalidScriptReply
	}
	remaining, err := replyFloat(reply[1])
	if err != nil {
		return nil, ErrInvalidScriptReply
	}
	return buildResult(allowed == 1, remaining, rate, burst), nil
}

func buildResult(allowed bool, remaining, rate float64, burst int) *Result {
	res := &Result{
		Allowed:   allowed,
		Limit:     burst,
		Remaining: max(0, int(math.Floor(remaining))),
	}
	if !allowed && remaining < 1 {
		res.RetryAfter = time.Duration((1 - remaining) / rate * float64(time.Second))
	}
	return res
}

// bucketTTL keeps an idle bucket for twice its full refill time.
func bucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := max(1, math.Ceil(2*float64(burst)/rate))
	return time.Duration(seconds) * time.Second
}

func replyFloat(v any) (float64, error) {
	switch val := v.(type) {
	case string:
		return strconv.ParseFloat(val, 64)
	case int64:
		return float64(val), nil
	}
	return 0, ErrInvalidScriptReply
}
