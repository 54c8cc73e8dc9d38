// Package api wires HTTP routes onto their handlers.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/irfndi/autopilot/internal/api/handlers"
	"github.com/irfndi/autopilot/internal/middleware"
)

// Dependencies carries everything route setup needs. RateLimiter may be nil
// when throttling is disabled.
type Dependencies struct {
	Health      *handlers.HealthHandler
	Actions     *handlers.ActionHandler
	Auth        *middleware.AuthMiddleware
	RateLimiter *middleware.RateLimiter
}

// SetupRoutes registers all endpoints on the router. Health probes are
// unauthenticated; everything under /api/v1 requires a bearer token.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", deps.Health.Health)
	router.GET("/live", deps.Health.Live)
	router.GET("/ready", deps.Health.Ready)

	v1 := router.Group("/api/v1")
	v1.Use(deps.Auth.RequireUser())
	if deps.RateLimiter != nil {
		v1.Use(deps.RateLimiter.Limit())
	}

	actions := v1.Group("/actions")
	{
		actions.POST("", deps.Actions.Create)
		actions.GET("", deps.Actions.List)
		actions.GET("/:id", deps.Actions.Get)
		actions.PATCH("/:id", deps.Actions.Update)
		actions.POST("/:id/pause", deps.Actions.Pause)
		actions.POST("/:id/resume", deps.Actions.Resume)
		actions.POST("/:id/cancel", deps.Actions.Cancel)
		actions.POST("/:id/execute", deps.Actions.ExecuteNow)
		actions.POST("/:id/simulate", deps.Actions.Simulate)
		actions.GET("/:id/executions", deps.Actions.ListExecutions)
	}
}
