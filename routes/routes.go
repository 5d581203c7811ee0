package routes

import (
	"github.com/LovationAdmin/household-budget/handlers"
	"github.com/LovationAdmin/household-budget/middleware"

	"github.com/gin-gonic/gin"
)

// SetupRevolutRoutes sets up the protected Revolut connection and sync routes.
func SetupRevolutRoutes(rg *gin.RouterGroup, h *handlers.RevolutHandler, syncLimiter *middleware.RateLimiter) {
	household := rg.Group("/households/:id/revolut")
	household.Use(middleware.RequireHouseholdMember())

	household.GET("/authorize", h.Authorize)
	household.POST("/callback", h.Callback)
	household.GET("/connection", h.GetConnection)
	household.DELETE("/connection", h.DeleteConnection)
	household.POST("/sync", syncLimiter.ByHousehold(), h.Sync)
	household.GET("/sync-logs", h.GetSyncLogs)
}

// SetupWSRoutes sets up the household notification socket.
func SetupWSRoutes(rg *gin.RouterGroup, ws *handlers.WSHandler) {
	rg.GET("/ws/households/:id", middleware.RequireHouseholdMember(), ws.HandleWS)
}
