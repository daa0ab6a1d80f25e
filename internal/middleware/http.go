package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var httpDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "fieldsync_http_duration_seconds",
		Help:    "Duration of HTTP requests served by the agent.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"path", "method", "status"},
)

// HttpMiddleware records request latency by route template, not raw path,
// so entry ids do not explode label cardinality.
func HttpMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpDuration.WithLabelValues(path, c.Request.Method, status).Observe(time.Since(start).Seconds())
	}
}
