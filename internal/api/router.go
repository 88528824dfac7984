package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/solwatch/watchtower/internal/api/handlers"
	"github.com/solwatch/watchtower/internal/api/middleware"
	"github.com/solwatch/watchtower/internal/config"
	"github.com/solwatch/watchtower/internal/metrics"
)

// NewRouter wires the dashboard-facing surface: the alerts API, the
// status and metrics endpoints, and the push stream.
func NewRouter(cfg *config.Config, h *handlers.Handlers, collector *metrics.Collector, logger *logrus.Logger) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logging(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
	}))

	router.GET("/health", h.Health)
	if cfg.Metrics.Enabled {
		router.GET("/metrics", gin.WrapH(collector.Handler()))
	}
	router.GET("/ws", h.WebSocket)

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/alerts", h.ListAlerts)
		apiGroup.GET("/alerts/stats", h.AlertStats)
		apiGroup.GET("/status", h.Status)
		apiGroup.GET("/metrics", h.Metrics)

		mutating := apiGroup.Group("")
		mutating.Use(middleware.Auth(cfg.Auth.Enabled, cfg.Auth.JWTSecret))
		{
			mutating.POST("/alerts/:id/acknowledge", h.AcknowledgeAlert)
			mutating.POST("/alerts/:id/resolve", h.ResolveAlert)
		}
	}

	return router
}
