package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// Router wires all routes onto a gin engine. mediaDir, when non-empty, is
// served statically so stored inbound media is reachable at its saved URL.
func Router(h *Handler, mediaDir string, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), requestLog(logger))

	r.GET("/v1/health", h.Health)

	r.GET("/v1/webhook", h.VerifyWebhook)
	r.POST("/v1/webhook", h.ReceiveWebhook)

	r.GET("/v1/conversations/:id/window", h.WindowStatus)
	r.POST("/v1/queue", h.Enqueue)
	r.POST("/v1/templates/send", h.SendTemplate)

	r.GET("/v1/worker/status", h.WorkerStatus)
	r.POST("/v1/worker/start", h.WorkerStart)
	r.POST("/v1/worker/stop", h.WorkerStop)

	if mediaDir != "" {
		r.Static("/media", mediaDir)
	}

	return r
}

func requestLog(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
