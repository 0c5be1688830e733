package middleware

import (
	"time"

	"github.com/GoPolymarket/polyexec/internal/pkg/metrics"
	"github.com/gin-gonic/gin"
)

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// route template keeps label cardinality bounded
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.LatencyBucket.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
