package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-proctor/internal/ratelimit"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// RateLimiter limits requests per client IP in fixed windows.
type RateLimiter struct {
	limiter *ratelimit.Limiter
}

// NewRateLimiter creates a RateLimiter (e.g., 60 upgrades per minute).
func NewRateLimiter(rate int, interval time.Duration) *RateLimiter {
	rl := &RateLimiter{limiter: ratelimit.New(rate, interval)}

	// Cleanup stale visitors every minute.
	go func() {
		for range time.Tick(time.Minute) {
			rl.limiter.Cleanup()
		}
	}()

	return rl
}

// Middleware returns a Gin middleware that rate-limits requests by IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.limiter.Allow(c.ClientIP()) {
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}
