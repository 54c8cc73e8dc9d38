package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	RateLimitHeader          = "X-RateLimit-Limit"
	RateLimitRemainingHeader = "X-RateLimit-Remaining"
)

// RateLimiter throttles mutating requests per user (falling back to client
// IP). Counts live in Redis so limits hold across instances; without Redis it
// degrades to per-process counting.
type RateLimiter struct {
	redis    *redis.Client
	requests int
	window   time.Duration

	mu       sync.Mutex
	localMap map[string]*localEntry
}

type localEntry struct {
	count   int
	resetAt time.Time
}

func NewRateLimiter(client *redis.Client, requests int, window time.Duration) *RateLimiter {
	if requests <= 0 {
		requests = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		redis:    client,
		requests: requests,
		window:   window,
		localMap: make(map[string]*localEntry),
	}
}

// Limit is the gin middleware.
func (r *RateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := UserID(c)
		if key == "" {
			key = c.ClientIP()
		}

		count, err := r.increment(c, key)
		if err != nil {
			// Rate limiting is best effort; an unavailable backend does
			// not block traffic.
			c.Next()
			return
		}

		remaining := r.requests - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header(RateLimitHeader, strconv.Itoa(r.requests))
		c.Header(RateLimitRemainingHeader, strconv.Itoa(remaining))

		if count > r.requests {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"status": "error",
				"error":  "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func (r *RateLimiter) increment(c *gin.Context, key string) (int, error) {
	if r.redis != nil {
		redisKey := fmt.Sprintf("autopilot:ratelimit:%s", key)
		count, err := r.redis.Incr(c.Request.Context(), redisKey).Result()
		if err != nil {
			return 0, err
		}
		if count == 1 {
			r.redis.Expire(c.Request.Context(), redisKey, r.window)
		}
		return int(count), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	entry, ok := r.localMap[key]
	if !ok || now.After(entry.resetAt) {
		entry = &localEntry{resetAt: now.Add(r.window)}
		r.localMap[key] = entry
	}
	entry.count++
	return entry.count, nil
}
