package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/irfndi/autopilot/internal/database"
	"github.com/irfndi/autopilot/internal/logging"
	"github.com/irfndi/autopilot/internal/marketdata"
	"github.com/irfndi/autopilot/internal/models"
)

// ActionSpec is the rule-creation contract consumed by the CRUD API and by
// the chat/NLP collaborator. The engine has no knowledge of how the spec was
// produced.
type ActionSpec struct {
	UserID      string            `json:"-"`
	PortfolioID string            `json:"portfolio_id,omitempty"`
	Kind        models.ActionKind `json:"kind"`
	Symbol      string            `json:"symbol,omitempty"`
	Quantity    *decimal.Decimal  `json:"quantity,omitempty"`
	CashAmount  *decimal.Decimal  `json:"cash_amount,omitempty"`
	Note        string            `json:"note,omitempty"`

	Trigger models.TriggerKind   `json:"trigger"`
	Params  models.TriggerParams `json:"params"`

	ValidFrom     *time.Time    `json:"valid_from,omitempty"`
	ValidUntil    *time.Time    `json:"valid_until,omitempty"`
	MaxExecutions int           `json:"max_executions,omitempty"`
	Cooldown      time.Duration `json:"cooldown,omitempty"`
}

// ActionService is the synchronous surface for managing actions. All
// operations are scoped to the owning user.
type ActionService struct {
	store     *database.ActionStore
	market    marketdata.Service
	evaluator *TriggerEvaluator
	executor  *ActionExecutor
	logger    *logging.Logger
}

func NewActionService(store *database.ActionStore, market marketdata.Service, evaluator *TriggerEvaluator, executor *ActionExecutor, logger *logging.Logger) *ActionService {
	return &ActionService{
		store:     store,
		market:    market,
		evaluator: evaluator,
		executor:  executor,
		logger:    logger,
	}
}

// Create validates and persists a new active action. Malformed specs are
// rejected before anything is stored.
func (s *ActionService) Create(ctx context.Context, spec ActionSpec) (*models.Action, error) {
	now := time.Now().UTC()

	maxExecutions := spec.MaxExecutions
	if maxExecutions == 0 {
		maxExecutions = 1
	}

	action := &models.Action{
		ID:            uuid.NewString(),
		UserID:        spec.UserID,
		PortfolioID:   spec.PortfolioID,
		Status:        models.ActionStatusActive,
		Kind:          spec.Kind,
		Symbol:        spec.Symbol,
		Quantity:      spec.Quantity,
		CashAmount:    spec.CashAmount,
		Note:          spec.Note,
		Trigger:       spec.Trigger,
		Params:        spec.Params,
		ValidFrom:     spec.ValidFrom,
		ValidUntil:    spec.ValidUntil,
		MaxExecutions: maxExecutions,
		Cooldown:      spec.Cooldown,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := action.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, action); err != nil {
		return nil, err
	}

	s.logger.Info("action created",
		"action_id", action.ID,
		"user_id", action.UserID,
		"kind", action.Kind,
		"trigger", action.Trigger,
		"symbol", action.Symbol)
	return action, nil
}

func (s *ActionService) Get(ctx context.Context, userID, id string) (*models.Action, error) {
	return s.store.Get(ctx, userID, id)
}

func (s *ActionService) List(ctx context.Context, userID string, filter database.ListFilter) ([]*models.Action, error) {
	return s.store.List(ctx, userID, filter)
}

func (s *ActionService) Update(ctx context.Context, userID, id string, patch models.ActionPatch) (*models.Action, error) {
	return s.store.Update(ctx, userID, id, patch)
}

// Pause suspends evaluation. Takes effect on the next lease attempt.
func (s *ActionService) Pause(ctx context.Context, userID, id string) error {
	return s.store.SetStatus(ctx, userID, id, models.ActionStatusPaused, models.ActionStatusActive)
}

// Resume reactivates a paused action and clears its failure streak.
func (s *ActionService) Resume(ctx context.Context, userID, id string) error {
	return s.store.SetStatus(ctx, userID, id, models.ActionStatusActive, models.ActionStatusPaused)
}

// Cancel is the soft delete. An in-flight evaluation may still complete; its
// effect is not rolled back (eventual-consistency window bounded by the lease
// duration).
func (s *ActionService) Cancel(ctx context.Context, userID, id string) error {
	return s.store.SetStatus(ctx, userID, id, models.ActionStatusCancelled,
		models.ActionStatusActive, models.ActionStatusPaused)
}

func (s *ActionService) ListExecutions(ctx context.Context, userID, id string, limit int) ([]*models.ActionExecution, error) {
	// Ownership check first so an unknown action surfaces as NotFound
	// rather than an empty trail.
	if _, err := s.store.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.store.ListExecutions(ctx, userID, id, limit)
}

// ExecuteNow bypasses the trigger and routes the action straight to the
// executor at the current market price.
func (s *ActionService) ExecuteNow(ctx context.Context, userID, id string) (*models.ActionExecution, error) {
	action, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if action.Status.Terminal() {
		return nil, models.ErrInvalidState
	}

	snapshot := models.Snapshot{Symbol: action.Symbol, AsOf: time.Now().UTC()}
	if action.RequiresSymbol() {
		quotes, err := s.market.GetQuotes(ctx, []string{action.Symbol})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch quote: %w", err)
		}
		quote, ok := quotes[action.Symbol]
		if !ok {
			return nil, fmt.Errorf("no quote available for %s", action.Symbol)
		}
		snapshot.Price = quote.Price
		snapshot.ObservedValue = quote.Price
		snapshot.AsOf = quote.AsOf
	}

	return s.executor.Execute(ctx, action, snapshot)
}

// Simulate dry-runs the trigger evaluation against a caller-supplied quote.
// Nothing is persisted and the executor is never invoked.
func (s *ActionService) Simulate(ctx context.Context, userID, id string, quote marketdata.Quote) (*Evaluation, error) {
	action, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	eval := s.evaluator.Evaluate(action, &quote, time.Now().UTC())
	return &eval, nil
}
