package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterConfig holds the router's settings.
type RouterConfig struct {
	GinMode       string
	ServiceAPIKey string
	Logger        *zap.Logger
}

// SetupRouter configures the Gin router with all routes.
func SetupRouter(handler *PaymentHandler, cfg RouterConfig) *gin.Engine {
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ServiceAPIKey == "" {
		cfg.Logger.Warn("SERVICE_API_KEY is empty, service authentication is disabled")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(LoggerMiddleware(cfg.Logger.Named("access")))
	router.Use(CORSMiddleware())

	// Health check (public)
	router.GET("/health", handler.Health)

	v1 := router.Group("/api/v1")
	{
		payments := v1.Group("/payments")

		// Gateway callbacks (public, validated by signature)
		payments.POST("/callback", handler.Callback)

		// Backend calls (requires Bearer auth)
		authed := payments.Group("")
		authed.Use(ServiceAuthMiddleware(cfg.ServiceAPIKey))
		{
			authed.POST("/initiate", handler.Initiate)
			authed.GET("/:id/status", handler.Status)
			authed.POST("/:id/verify", handler.Verify)
		}
	}

	return router
}
