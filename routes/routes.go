package routes

import (
	"time"

	"github.com/gin-gonic/gin"

	"marketdata_engine/controllers"
	"marketdata_engine/middleware"
)

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, marketController *controllers.MarketController) {
	apiLimiter := middleware.NewRateLimiter(300, time.Minute)

	// API v1 group
	api := router.Group("/api/v1")
	api.Use(middleware.APIRateLimitMiddleware(apiLimiter))
	{
		api.GET("/candles", marketController.GetCandles)
		api.GET("/trade-bars", marketController.GetTradeBars)
		api.GET("/price/:symbol", marketController.GetLivePrice)
		api.GET("/status", marketController.GetStatus)
	}

	// Live price stream
	router.GET("/ws", marketController.HandleWebSocket)
}
