package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the window counter and starts the window on first use.
// Returns {count, ttl_ms}.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// RedisRateLimitStore implements RateLimitStore with a fixed window counter in Redis,
// so every API replica shares the same budget per key.
// When Redis is unreachable requests are allowed and the failure is counted.
type RedisRateLimitStore struct {
	client  redis.UniversalClient
	prefix  string
	metrics *Metrics
	logger  *slog.Logger
}

// NewRedisRateLimitStore creates a store keeping counters under "ratelimit:<prefix>:".
func NewRedisRateLimitStore(client redis.UniversalClient, prefix string, metrics *Metrics, logger *slog.Logger) *RedisRateLimitStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRateLimitStore{
		client:  client,
		prefix:  "ratelimit:" + prefix + ":",
		metrics: metrics,
		logger:  logger,
	}
}

// Allow implements RateLimitStore.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int) {
	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key}, config.WindowDuration.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		s.metrics.IncRateLimitRedisErrors()
		s.logger.WarnContext(ctx, "rate limit store unavailable, allowing request", "error", err)
		return true, 0
	}

	count, ttl := res[0], time.Duration(res[1])*time.Millisecond
	if count <= int64(config.RequestsPerWindow) {
		return true, 0
	}

	retryAfter := int(ttl.Round(time.Second) / time.Second)
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, retryAfter
}
