package cache

import (
	"context"
	"math"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/storefront/pkg/httpmiddleware"
)

// tokenBucketScript refills and takes one token atomically. It returns
// {allowed, tokens, ts_ms}. Redis truncates the token count to an integer.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = (t[1] * 1000) + math.floor(t[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
else
  local delta = math.max(now - ts, 0)
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
end
ts = now

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tokens, ts}
`

const rateLimitKeyPrefix = "storefront:ratelimit:"

var _ httpmiddleware.Limiter = (*TokenBucket)(nil)

// TokenBucket is a rate limiter shared by every API instance. Each key gets
// burst tokens refilled at rate per second.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
	rate   float64
	burst  int
	ttl    time.Duration
}

// NewTokenBucket returns a TokenBucket limiter.
func NewTokenBucket(client *redis.Client, rate float64, burst int) (*TokenBucket, error) {
	if rate <= 0 {
		return nil, errors.New("rate must be positive")
	}
	if burst <= 0 {
		return nil, errors.New("burst must be positive")
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		rate:   rate,
		burst:  burst,
		ttl:    bucketTTL(rate, burst),
	}, nil
}

// bucketTTL keeps an idle bucket around for twice the time a full refill takes.
func bucketTTL(rate float64, burst int) time.Duration {
	seconds := max(math.Ceil(float64(burst)/rate*2), 1)
	return time.Duration(seconds) * time.Second
}

// Allow implements httpmiddleware.Limiter.
func (b *TokenBucket) Allow(ctx context.Context, key string) (httpmiddleware.Decision, error) {
	res, err := b.script.Run(ctx, b.client,
		[]string{rateLimitKeyPrefix + key},
		b.rate, b.burst, b.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return httpmiddleware.Decision{}, errors.Wrap(err, "run token bucket")
	}
	if len(res) < 3 {
		return httpmiddleware.Decision{}, errors.Errorf("unexpected token bucket reply %v", res)
	}

	d := httpmiddleware.Decision{
		Allowed:   res[0] == 1,
		Limit:     b.burst,
		Remaining: int(res[1]),
	}
	now := time.UnixMilli(res[2])
	if !d.Allowed {
		d.RetryAfter = time.Duration((1 - float64(res[1])) / b.rate * float64(time.Second))
	}
	// Time until the bucket is full again.
	missing := float64(b.burst - d.Remaining)
	d.ResetAt = now.Add(time.Duration(missing / b.rate * float64(time.Second)))
	return d, nil
}
