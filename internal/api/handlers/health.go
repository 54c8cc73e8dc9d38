package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/irfndi/autopilot/internal/database"
)

type HealthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Services  ServicesStatus `json:"services"`
}

type ServicesStatus struct {
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

// HealthHandler reports process and dependency health. Redis is optional at
// runtime, so an absent client reports "disabled" rather than degrading the
// overall status.
type HealthHandler struct {
	db    *database.PostgresDB
	redis *database.RedisClient
}

func NewHealthHandler(db *database.PostgresDB, redis *database.RedisClient) *HealthHandler {
	return &HealthHandler{db: db, redis: redis}
}

func (h *HealthHandler) Health(c *gin.Context) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Services:  ServicesStatus{Database: "healthy", Redis: "healthy"},
	}
	code := http.StatusOK

	if err := h.db.HealthCheck(c.Request.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Services.Database = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	if h.redis == nil {
		resp.Services.Redis = "disabled"
	} else if err := h.redis.HealthCheck(c.Request.Context()); err != nil {
		resp.Services.Redis = "unhealthy"
	}

	c.JSON(code, resp)
}

func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HealthHandler) Ready(c *gin.Context) {
	if err := h.db.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": "database unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
