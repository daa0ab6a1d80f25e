package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"fieldsync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHttpMiddleware_LabelsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HttpMiddleware())
	r.GET("/v1/outbox/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for _, id := range []string{"a", "b", "c"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/outbox/"+id, nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}

	// one series for the template, none per id
	assert.Equal(t, 1, testutil.CollectAndCount(httpDuration, "fieldsync_http_duration_seconds"))
}

func TestTraceMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TraceMiddleware())
	var seen string
	r.GET("/t", func(c *gin.Context) {
		seen = service.GetTraceID(c.Request.Context())
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/t", nil)
	req.Header.Set(HeaderTraceID, "trace-42")
	r.ServeHTTP(w, req)
	assert.Equal(t, "trace-42", seen)
	assert.Equal(t, "trace-42", w.Header().Get(HeaderTraceID))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/t", nil))
	assert.NotEmpty(t, w.Header().Get(HeaderTraceID))
}
