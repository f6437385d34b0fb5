package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"waconnector/internal/config"
	"waconnector/pkg/health"
	"waconnector/pkg/middleware"
	"waconnector/pkg/ratelimit"
	"waconnector/pkg/tracing"
)

type RouterOptions struct {
	Server      config.ServerConfig
	Tracing     bool
	ServiceName string
	Health      *health.CheckerRegistry
}

// NewRouter builds the HTTP surface. ctx bounds background work of the middleware.
func NewRouter(ctx context.Context, opts RouterOptions, h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if opts.Tracing {
		router.Use(tracing.GinMiddleware(opts.ServiceName, "/health", "/metrics"))
	}
	router.Use(middleware.RecoveryMiddleware(h.Logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(h.Logger, "/health", "/metrics"))

	var eventMiddleware []gin.HandlerFunc
	if opts.Server.RateLimit.Enabled {
		rl := ratelimit.FromSettings(opts.Server.RateLimit)
		eventMiddleware = append(eventMiddleware, ratelimit.Middleware(ctx, rl))
		h.Logger.InfowCtx(ctx, "Rate limiting enabled", "rps", rl.RPS, "burst", rl.Burst)
	}

	registry := opts.Health
	if registry == nil {
		registry = health.NewCheckerRegistry()
	}
	router.GET("/health", func(c *gin.Context) {
		result := registry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if result.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, result)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	h.RegisterRoutes(router, eventMiddleware...)
	return router
}
