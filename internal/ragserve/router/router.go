// Package router wires the HTTP routes.
package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/candor-ai/ragserve/internal/ragserve/handler"
)

// New builds the gin engine with middleware and routes registered.
func New(h *handler.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")
	{
		v1.POST("/query", h.Query)
		v1.POST("/ingest", h.Ingest)
		v1.POST("/conversations", h.NewConversation)
		v1.GET("/tenants", h.Tenants)
		v1.GET("/stats", h.Stats)
	}

	return r
}

// requestLogger logs one line per request through the structured
// logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Infow("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}
