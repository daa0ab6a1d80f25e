package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"fieldsync/internal/service"
	"fieldsync/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	rateLimitKeyPrefix = "fieldsync:ratelimit:"
	redisBudget        = 100 * time.Millisecond
	localIdleTTL       = 10 * time.Minute
)

// tokenBucketScript refills capacity tokens at rate per second.
// ARGV: rate, capacity, now (seconds), requested. Returns {allowed, remaining, reset_after}.
var tokenBucketScript = redis.NewScript(`
local tokens_key = KEYS[1]
local ts_key = KEYS[2]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local ttl = math.ceil((capacity / rate) * 2)

local last_tokens = tonumber(redis.call("get", tokens_key))
if last_tokens == nil then last_tokens = capacity end
local last_ts = tonumber(redis.call("get", ts_key))
if last_ts == nil then last_ts = now end

local filled = math.min(capacity, last_tokens + (math.max(0, now - last_ts) * rate))
if filled < requested then
    return { 0, tostring(filled), tostring((requested - filled) / rate) }
end

filled = filled - requested
redis.call("set", tokens_key, filled, "EX", ttl)
redis.call("set", ts_key, now, "EX", ttl)
return { 1, tostring(filled), "0" }
`)

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles write endpoints per operator (or per IP when
// anonymous). Redis holds the shared bucket; if redis is unreachable the
// limiter fails open onto an in-process bucket.
type RateLimiter struct {
	rdb   *redis.Client
	limit int
	burst int

	mu    sync.Mutex
	local map[string]*localBucket
	swept time.Time
}

func NewRateLimiter(rdb *redis.Client, requestsPerSecond int) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	return &RateLimiter{
		rdb:   rdb,
		limit: requestsPerSecond,
		burst: requestsPerSecond,
		local: make(map[string]*localBucket),
	}
}

// RateLimitMiddleware is shorthand for NewRateLimiter(...).Handler().
func RateLimitMiddleware(rdb *redis.Client, requestsPerSecond int) gin.HandlerFunc {
	return NewRateLimiter(rdb, requestsPerSecond).Handler()
}

func (l *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := rateSubject(c)
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", l.limit))

		allowed, remaining, resetAfter, err := l.allowRedis(subject)
		if err != nil {
			logger.Warn("redis rate limit failed, using local bucket",
				zap.Error(err),
				zap.String("subject", subject),
			)
			limiter := l.localLimiter(subject)
			if !limiter.Allow() {
				c.Header("X-RateLimit-Remaining", "0")
				c.Header("X-RateLimit-Reset", "1")
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too Many Requests"})
				return
			}
			c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", int(limiter.Tokens())))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", int(remaining)))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(resetAfter).Unix()))
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too Many Requests"})
			return
		}
		c.Next()
	}
}

func (l *RateLimiter) allowRedis(subject string) (bool, float64, time.Duration, error) {
	if l.rdb == nil {
		return false, 0, 0, redis.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisBudget)
	defer cancel()

	key := rateLimitKeyPrefix + subject
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.rdb,
		[]string{key + ":tokens", key + ":ts"},
		float64(l.limit), float64(l.burst), now, 1,
	).Slice()
	if err != nil {
		return false, 0, 0, err
	}
	if len(res) != 3 {
		return false, 0, 0, fmt.Errorf("unexpected rate limit reply: %v", res)
	}

	allowed := toFloat(res[0]) == 1
	remaining := toFloat(res[1])
	resetAfter := time.Duration(toFloat(res[2]) * float64(time.Second))
	return allowed, remaining, resetAfter, nil
}

func (l *RateLimiter) localLimiter(subject string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.swept) > localIdleTTL {
		for k, b := range l.local {
			if now.Sub(b.lastSeen) > localIdleTTL {
				delete(l.local, k)
			}
		}
		l.swept = now
	}

	b, ok := l.local[subject]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(rate.Limit(l.limit), l.burst)}
		l.local[subject] = b
	}
	b.lastSeen = now
	return b.limiter
}

func rateSubject(c *gin.Context) string {
	if op := service.GetOperatorInfo(c.Request.Context()); op != nil && op.UserID != "" {
		return "op:" + op.UserID
	}
	return "ip:" + c.ClientIP()
}

func toFloat(v any) float64 {
	switch val := v.(type) {
	case int64:
		return float64(val)
	case float64:
		return val
	case string:
		var f float64
		fmt.Sscanf(val, "%g", &f)
		return f
	default:
		return 0
	}
}
