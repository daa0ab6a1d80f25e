package middleware

import (
	"fieldsync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const HeaderTraceID = "X-Trace-ID"

// TraceMiddleware puts the trace id on the request context; it is stamped
// on queued entries and forwarded to the backend when they are replayed.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(HeaderTraceID)
		if traceID == "" || len(traceID) > 64 {
			traceID = uuid.New().String()
		}
		c.Request = c.Request.WithContext(service.WithTraceID(c.Request.Context(), traceID))
		c.Writer.Header().Set(HeaderTraceID, traceID)
		c.Next()
	}
}
