package server

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pushit-labs/pushit/backend/internal/auth"
)

// RateLimitConfig describes the redis token bucket applied to mutating
// endpoints. A nil client disables limiting.
type RateLimitConfig struct {
	Client          *redis.Client
	Capacity        int
	RefillPerSecond int
	Logger          *zap.Logger
}

// Buckets refill continuously; state lives in a redis hash per subject so the
// limit holds across replicas. The script runs atomically, and on any redis
// error the middleware fails open — the limiter protects against abuse, it is
// not a correctness gate.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local refill_per_sec = tonumber(ARGV[3])
	local ttl_seconds = tonumber(ARGV[4])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	local elapsed = math.max(0, now_ms - last_refill)
	tokens = math.min(capacity, tokens + (elapsed / 1000) * refill_per_sec)

	local allowed = 0
	local retry_after_ms = 0
	if tokens >= 1 then
		allowed = 1
		tokens = tokens - 1
	else
		retry_after_ms = math.ceil(((1 - tokens) / refill_per_sec) * 1000)
	end

	redis.call('HMSET', key, 'tokens', tokens, 'last_refill_ms', now_ms)
	redis.call('EXPIRE', key, ttl_seconds)

	return { allowed, retry_after_ms }
`)

// NewRateLimiter builds the gin middleware. Returns nil when no client is
// configured, so callers can wire it conditionally.
func NewRateLimiter(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.Client == nil {
		return nil
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 20
	}
	refill := cfg.RefillPerSecond
	if refill <= 0 {
		refill = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttlSeconds := int64(math.Ceil(float64(capacity)/float64(refill))) + 60

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet {
			c.Next()
			return
		}

		key := "ratelimit:" + limiterSubject(c)
		now := time.Now()
		result, err := tokenBucketScript.Run(c.Request.Context(), cfg.Client,
			[]string{key}, now.UnixMilli(), capacity, refill, ttlSeconds).Int64Slice()
		if err != nil || len(result) != 2 {
			logger.Warn("rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}

		if result[0] != 1 {
			retrySeconds := int(math.Ceil(float64(result[1]) / 1000))
			c.Header("Retry-After", strconv.Itoa(retrySeconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too_many_requests",
				"retry_after": retrySeconds,
			})
			return
		}
		c.Next()
	}
}

func limiterSubject(c *gin.Context) string {
	if value, ok := c.Get(identityContextKey); ok {
		if identity, ok := value.(auth.Identity); ok && identity.Subject != "" {
			return identity.Subject
		}
	}
	if ip := c.ClientIP(); ip != "" {
		return "ip:" + ip
	}
	return "anon"
}
