package api

import (
	"v360batch/batch"
	"v360batch/config"
	"v360batch/events"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func SetupRouter(o *batch.Orchestrator, bus *events.Bus, cfg *config.Config, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(RequestLogger(logger), gin.Recovery())
	h := NewHandler(o, bus, cfg, logger)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/batches", h.handleCreateBatch)
		v1.GET("/batches/current", h.handleGetCurrentBatch)
		v1.PATCH("/batches/current/cancel", h.handleCancelBatch)

		v1.POST("/previews", h.handleCreatePreview)
		v1.GET("/events", h.handleListEvents)

		// Preview stills and the extracted first frame, out of the temp dir.
		v1.GET("/files/:filename", h.handleGetFile)
	}
	return r
}
