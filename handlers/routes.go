package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chorus/script-presence/config"
	"chorus/script-presence/metrics"
	"chorus/script-presence/middleware"
	"chorus/script-presence/services"
	"chorus/script-presence/utils"
)

// RouterDeps carries what SetupRouter wires together. Metrics and Gatherer
// are optional; /metrics is only mounted when Gatherer is set.
type RouterDeps struct {
	Config   *config.Config
	Logger   *utils.Logger
	Service  *services.PresenceService
	Store    Pinger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

func SetupRouter(deps RouterDeps) *gin.Engine {
	cfg := deps.Config

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(deps.Logger, deps.Metrics))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	router.GET("/health", HealthCheck(deps.Store, cfg.StoreTimeout))

	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	presenceHandler := NewPresenceHandler(deps.Service, deps.Logger, cfg.StoreTimeout, cfg.IsDevelopment())

	api := router.Group("/api")
	{
		api.POST("/register", presenceHandler.Register)
		api.POST("/heartbeat", presenceHandler.Heartbeat)
		api.POST("/unregister", presenceHandler.Unregister)
		api.GET("/status", presenceHandler.GetStatus)
		api.GET("/all-status", presenceHandler.AllStatus)
	}

	return router
}
