package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func rateLimitRouter(limiter *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) { c.Set(userIDKey, "user-1") })
	router.Use(limiter.Limit())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func doPing(router *gin.Engine) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimiterRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	router := rateLimitRouter(NewRateLimiter(client, 3, time.Minute))

	for i := 0; i < 3; i++ {
		w := doPing(router)
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "3", w.Header().Get(RateLimitHeader))
	}

	w := doPing(router)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get(RateLimitRemainingHeader))
}

func TestRateLimiterWindowReset(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	router := rateLimitRouter(NewRateLimiter(client, 1, time.Minute))

	assert.Equal(t, http.StatusOK, doPing(router).Code)
	assert.Equal(t, http.StatusTooManyRequests, doPing(router).Code)

	mr.FastForward(2 * time.Minute)
	assert.Equal(t, http.StatusOK, doPing(router).Code)
}

func TestRateLimiterLocalFallback(t *testing.T) {
	router := rateLimitRouter(NewRateLimiter(nil, 2, time.Minute))

	assert.Equal(t, http.StatusOK, doPing(router).Code)
	assert.Equal(t, http.StatusOK, doPing(router).Code)
	assert.Equal(t, http.StatusTooManyRequests, doPing(router).Code)
}

func TestRateLimiterBackendOutageAllows(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	router := rateLimitRouter(NewRateLimiter(client, 1, time.Minute))
	mr.Close()

	// Rate limiting is best effort: an unreachable backend never blocks.
	assert.Equal(t, http.StatusOK, doPing(router).Code)
	assert.Equal(t, http.StatusOK, doPing(router).Code)
}
