// Package api exposes analytics queries and job triggers over HTTP.
package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"market-pipeline/api/handler"
	"market-pipeline/api/middleware"
)

// SetupRouter wires the v1 routes onto a fresh engine.
func SetupRouter(h *handler.Handler, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(logger), middleware.RequestLogger(logger))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/analytics", h.Analytics)
		v1.POST("/crawl/:source", h.Crawl)
		v1.POST("/pipeline", h.Pipeline)
		v1.POST("/ingest", h.Ingest)
	}
	r.GET("/health", handler.Health)

	return r
}
