package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/irfndi/autopilot/internal/api/handlers"
	"github.com/irfndi/autopilot/internal/database"
	"github.com/irfndi/autopilot/internal/middleware"
	"github.com/irfndi/autopilot/internal/services"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupRoutes(router, Dependencies{
		Health:  handlers.NewHealthHandler(&database.PostgresDB{}, nil),
		Actions: handlers.NewActionHandler(&services.ActionService{}),
		Auth:    middleware.NewAuthMiddleware("test-secret"),
	})
	return router
}

func TestLivenessProbe(t *testing.T) {
	router := newRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthReportsDatabaseOutage(t *testing.T) {
	router := newRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"unhealthy"`)
	assert.Contains(t, w.Body.String(), `"redis":"disabled"`)
}

func TestActionsRequireAuth(t *testing.T) {
	router := newRouter()

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/actions"},
		{http.MethodPost, "/api/v1/actions"},
		{http.MethodGet, "/api/v1/actions/act-1"},
		{http.MethodPost, "/api/v1/actions/act-1/pause"},
	}
	for _, p := range paths {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(p.method, p.path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", p.method, p.path)
	}
}
