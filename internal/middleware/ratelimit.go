package middleware

import (
	"strconv"
	"sync"

	"github.com/GoPolymarket/polyexec/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware throttles the control API per admin key, falling back
// to the client IP. It does not touch the exchange buckets.
func RateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	get := func(id string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[id]
		if !ok {
			l = rate.NewLimiter(rate.Limit(rps), burst)
			limiters[id] = l
		}
		return l
	}

	return func(c *gin.Context) {
		id := c.GetString(ContextAdminKey)
		if id == "" {
			id = "ip:" + c.ClientIP()
		}
		l := get(id)
		if !l.Allow() {
			r := l.Reserve()
			delay := r.Delay()
			r.Cancel()
			c.Header("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
			abortWith(c, apperrors.New(apperrors.ErrRateLimited, "rate limit exceeded", nil))
			return
		}
		c.Next()
	}
}
