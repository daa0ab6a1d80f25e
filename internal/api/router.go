package api

import (
	"fieldsync/internal/metrics"
	"fieldsync/internal/middleware"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type RouterConfig struct {
	RequestsPerSecond int
	DevMode           bool
	AllowOrigins      []string
}

func RegisterRoutes(outboxHandler *OutboxHandler, writeHandler *WriteHandler, streamHandler *StreamHandler, authHandler *AuthHandler, verifier middleware.TokenVerifier, rdb *redis.Client, cfg RouterConfig) *gin.Engine {
	r := gin.New()

	// Global Middleware
	r.Use(
		middleware.CorsMiddleware(cfg.AllowOrigins),
		middleware.RequestID(),
		middleware.TraceMiddleware(),
		middleware.GinZapLogger(),
		middleware.GinZapRecovery(),
		middleware.HttpMiddleware(),
		// event streams must flush unbuffered
		gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/v1/outbox/stream"})),
	)
	r.SetTrustedProxies(nil)

	// Public Routes
	r.GET("/health", outboxHandler.HealthCheck)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	auth := r.Group("/v1/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
	}

	jwtAuth := middleware.JWTMiddleware(verifier, cfg.DevMode)

	authProtected := r.Group("/v1/auth")
	authProtected.Use(jwtAuth)
	{
		authProtected.GET("/me", authHandler.GetProfile)
		authProtected.POST("/logout", authHandler.Logout)
	}

	protected := r.Group("/v1")
	protected.Use(jwtAuth)

	// Rate Limiter for Write Operations
	writeLimiter := middleware.RateLimitMiddleware(rdb, cfg.RequestsPerSecond)

	{
		protected.POST("/timesheets", writeLimiter, writeHandler.SubmitTimesheet)
		protected.POST("/attendance", writeLimiter, writeHandler.SubmitAttendance)

		protected.GET("/outbox", outboxHandler.ListEntries)
		protected.GET("/outbox/depth", outboxHandler.GetDepth)
		protected.GET("/outbox/stream", streamHandler.WatchOutbox)
		protected.GET("/outbox/:id", outboxHandler.GetEntry)
		protected.POST("/outbox/:id/retry", writeLimiter, outboxHandler.RetryEntry)
		protected.DELETE("/outbox/:id", writeLimiter, outboxHandler.DiscardEntry)

		protected.GET("/audit", outboxHandler.ListAudit)
	}
	return r
}
