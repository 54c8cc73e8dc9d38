package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/irfndi/autopilot/internal/database"
	"github.com/irfndi/autopilot/internal/marketdata"
	"github.com/irfndi/autopilot/internal/middleware"
	"github.com/irfndi/autopilot/internal/models"
	"github.com/irfndi/autopilot/internal/services"
)

// ActionHandler exposes the action CRUD and control surface. The user id
// always comes from the authenticated request, never from the payload.
type ActionHandler struct {
	actions *services.ActionService
}

func NewActionHandler(actions *services.ActionService) *ActionHandler {
	return &ActionHandler{actions: actions}
}

type CreateActionRequest struct {
	PortfolioID     string               `json:"portfolio_id"`
	Kind            models.ActionKind    `json:"kind" binding:"required"`
	Symbol          string               `json:"symbol"`
	Quantity        *decimal.Decimal     `json:"quantity"`
	CashAmount      *decimal.Decimal     `json:"cash_amount"`
	Note            string               `json:"note"`
	Trigger         models.TriggerKind   `json:"trigger" binding:"required"`
	Params          models.TriggerParams `json:"params"`
	ValidFrom       *time.Time           `json:"valid_from"`
	ValidUntil      *time.Time           `json:"valid_until"`
	MaxExecutions   int                  `json:"max_executions"`
	CooldownSeconds int                  `json:"cooldown_seconds"`
}

func (h *ActionHandler) Create(c *gin.Context) {
	var req CreateActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request payload")
		return
	}

	action, err := h.actions.Create(c.Request.Context(), services.ActionSpec{
		UserID:        middleware.UserID(c),
		PortfolioID:   req.PortfolioID,
		Kind:          req.Kind,
		Symbol:        req.Symbol,
		Quantity:      req.Quantity,
		CashAmount:    req.CashAmount,
		Note:          req.Note,
		Trigger:       req.Trigger,
		Params:        req.Params,
		ValidFrom:     req.ValidFrom,
		ValidUntil:    req.ValidUntil,
		MaxExecutions: req.MaxExecutions,
		Cooldown:      time.Duration(req.CooldownSeconds) * time.Second,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "ok", "action": action})
}

func (h *ActionHandler) List(c *gin.Context) {
	filter := database.ListFilter{
		Status: models.ActionStatus(c.Query("status")),
		Symbol: c.Query("symbol"),
		Kind:   models.ActionKind(c.Query("kind")),
	}

	actions, err := h.actions.List(c.Request.Context(), middleware.UserID(c), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "actions": actions})
}

func (h *ActionHandler) Get(c *gin.Context) {
	action, err := h.actions.Get(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "action": action})
}

type UpdateActionRequest struct {
	Quantity        *decimal.Decimal      `json:"quantity"`
	CashAmount      *decimal.Decimal      `json:"cash_amount"`
	Note            *string               `json:"note"`
	Params          *models.TriggerParams `json:"params"`
	ValidFrom       *time.Time            `json:"valid_from"`
	ValidUntil      *time.Time            `json:"valid_until"`
	MaxExecutions   *int                  `json:"max_executions"`
	CooldownSeconds *int                  `json:"cooldown_seconds"`
}

func (h *ActionHandler) Update(c *gin.Context) {
	var req UpdateActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request payload")
		return
	}

	patch := models.ActionPatch{
		Quantity:      req.Quantity,
		CashAmount:    req.CashAmount,
		Note:          req.Note,
		Params:        req.Params,
		ValidFrom:     req.ValidFrom,
		ValidUntil:    req.ValidUntil,
		MaxExecutions: req.MaxExecutions,
	}
	if req.CooldownSeconds != nil {
		cooldown := time.Duration(*req.CooldownSeconds) * time.Second
		patch.Cooldown = &cooldown
	}

	action, err := h.actions.Update(c.Request.Context(), middleware.UserID(c), c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "action": action})
}

func (h *ActionHandler) Pause(c *gin.Context) {
	h.transition(c, h.actions.Pause)
}

func (h *ActionHandler) Resume(c *gin.Context) {
	h.transition(c, h.actions.Resume)
}

func (h *ActionHandler) Cancel(c *gin.Context) {
	h.transition(c, h.actions.Cancel)
}

func (h *ActionHandler) transition(c *gin.Context, op func(ctx context.Context, userID, id string) error) {
	if err := op(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *ActionHandler) ExecuteNow(c *gin.Context) {
	exec, err := h.actions.ExecuteNow(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if exec == nil {
		// Idempotency guard: already executed inside the lease window.
		c.JSON(http.StatusOK, gin.H{"status": "ok", "execution": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "execution": exec})
}

type SimulateRequest struct {
	Price decimal.Decimal `json:"price" binding:"required"`
	AsOf  *time.Time      `json:"as_of"`
}

func (h *ActionHandler) Simulate(c *gin.Context) {
	var req SimulateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request payload")
		return
	}

	action, err := h.actions.Get(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	asOf := time.Now().UTC()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}
	quote := marketdata.Quote{Symbol: action.Symbol, Price: req.Price, AsOf: asOf}

	eval, err := h.actions.Simulate(c.Request.Context(), middleware.UserID(c), c.Param("id"), quote)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"fired":          eval.Fired,
		"observed_value": eval.ObservedValue,
	})
}

func (h *ActionHandler) ListExecutions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	execs, err := h.actions.ListExecutions(c.Request.Context(), middleware.UserID(c), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "executions": execs})
}

func respondBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": msg})
}

// respondError maps domain errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case models.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "action not found"})
	case errors.Is(err, models.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"status": "error", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "internal error"})
	}
}
