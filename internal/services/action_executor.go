package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/irfndi/autopilot/internal/database"
	"github.com/irfndi/autopilot/internal/logging"
	"github.com/irfndi/autopilot/internal/models"
	"github.com/irfndi/autopilot/internal/portfolio"
)

// ActionExecutor translates a fired action into a portfolio operation or a
// notification, enforces idempotency, and records the outcome as an
// append-only ActionExecution.
type ActionExecutor struct {
	store         *database.ActionStore
	portfolio     portfolio.Service
	notifier      Notifier
	logger        *logging.Logger
	leaseDuration time.Duration
}

func NewActionExecutor(store *database.ActionStore, portfolioSvc portfolio.Service, notifier Notifier, leaseDuration time.Duration, logger *logging.Logger) *ActionExecutor {
	return &ActionExecutor{
		store:         store,
		portfolio:     portfolioSvc,
		notifier:      notifier,
		logger:        logger,
		leaseDuration: leaseDuration,
	}
}

// Execute performs one firing attempt. It returns the recorded execution, or
// (nil, nil) when the idempotency guard found the action already executed
// inside the current lease window.
func (x *ActionExecutor) Execute(ctx context.Context, action *models.Action, snapshot models.Snapshot) (*models.ActionExecution, error) {
	// Idempotency: if an execution already exists inside the lease window,
	// a double dispatch slipped through and this attempt is a no-op.
	since := time.Now().UTC().Add(-x.leaseDuration)
	existing, err := x.store.CountExecutionsSince(ctx, action.ID, since)
	if err != nil {
		return nil, fmt.Errorf("idempotency check failed: %w", err)
	}
	if existing > 0 {
		x.logger.Warn("skipping duplicate dispatch", "action_id", action.ID)
		return nil, nil
	}

	switch action.Kind {
	case models.ActionKindBuy, models.ActionKindSell:
		return x.executeTrade(ctx, action, snapshot)
	case models.ActionKindNotify:
		return x.executeNotify(ctx, action, snapshot)
	}
	return nil, fmt.Errorf("unknown action kind %q", action.Kind)
}

func (x *ActionExecutor) executeTrade(ctx context.Context, action *models.Action, snapshot models.Snapshot) (*models.ActionExecution, error) {
	if snapshot.Price.IsZero() {
		return x.recordFailure(ctx, action, snapshot, "observed price is zero", true)
	}

	quantity, err := resolveQuantity(action, snapshot.Price)
	if err != nil {
		return x.recordFailure(ctx, action, snapshot, err.Error(), true)
	}

	side := portfolio.SideBuy
	if action.Kind == models.ActionKindSell {
		side = portfolio.SideSell

		// Holdings may have changed since the rule was created; validate at
		// execution time. Insufficient shares pauses the action so the user
		// can adjust and resume.
		held, err := x.portfolio.GetHoldingQuantity(ctx, action.PortfolioID, action.Symbol)
		if err != nil {
			return x.recordFailure(ctx, action, snapshot, fmt.Sprintf("holdings check failed: %v", err), true)
		}
		if held.LessThan(quantity) {
			msg := fmt.Sprintf("insufficient shares: have %s, need %s", held.String(), quantity.String())
			return x.recordFailure(ctx, action, snapshot, msg, true)
		}
	}

	operationID, err := x.portfolio.ExecuteTrade(ctx, portfolio.TradeRequest{
		PortfolioID: action.PortfolioID,
		UserID:      action.UserID,
		Symbol:      action.Symbol,
		Side:        side,
		Quantity:    quantity,
		Price:       snapshot.Price,
	})
	if err != nil {
		pause := true
		if errors.Is(err, portfolio.ErrInvalidSymbol) {
			// A symbol the portfolio cannot trade will never succeed.
			if markErr := x.store.MarkFailed(ctx, action.ID, err.Error()); markErr != nil {
				x.logger.WithError(markErr).Error("failed to mark action failed", "action_id", action.ID)
			}
			pause = false
		}
		return x.recordFailure(ctx, action, snapshot, err.Error(), pause)
	}

	return x.recordSuccess(ctx, action, snapshot, operationID)
}

func (x *ActionExecutor) executeNotify(ctx context.Context, action *models.Action, snapshot models.Snapshot) (*models.ActionExecution, error) {
	title := "Portfolio alert"
	message := action.Note
	if message == "" {
		message = fmt.Sprintf("Action %s triggered", action.ID)
	}
	if action.Symbol != "" {
		message = fmt.Sprintf("%s (%s at %s)", message, action.Symbol, snapshot.Price.String())
	}

	if err := x.notifier.Send(ctx, action.UserID, title, message); err != nil {
		// A failed send never consumes executions_count; the action stays
		// active and the next cycle retries.
		return x.recordFailure(ctx, action, snapshot, fmt.Sprintf("notification failed: %v", err), false)
	}

	return x.recordSuccess(ctx, action, snapshot, "")
}

func (x *ActionExecutor) recordSuccess(ctx context.Context, action *models.Action, snapshot models.Snapshot, operationID string) (*models.ActionExecution, error) {
	now := time.Now().UTC()
	exec := &models.ActionExecution{
		ID:          newExecutionID(),
		ActionID:    action.ID,
		Outcome:     models.OutcomeSuccess,
		Snapshot:    snapshot,
		OperationID: operationID,
		CreatedAt:   now,
	}
	if err := x.store.RecordExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}

	committed, err := x.store.CommitFiring(ctx, action, now)
	if err != nil {
		return exec, fmt.Errorf("failed to commit firing: %w", err)
	}
	if !committed {
		// A concurrent user edit changed the row since lease time. The
		// execution is recorded; the action is left active for
		// re-evaluation instead of being silently lost.
		x.logger.Warn("firing commit lost to concurrent edit", "action_id", action.ID)
	}

	x.logger.Info("action executed",
		"action_id", action.ID,
		"kind", action.Kind,
		"symbol", action.Symbol,
		"operation_id", operationID)
	return exec, nil
}

func (x *ActionExecutor) recordFailure(ctx context.Context, action *models.Action, snapshot models.Snapshot, errMsg string, pause bool) (*models.ActionExecution, error) {
	exec := &models.ActionExecution{
		ID:        newExecutionID(),
		ActionID:  action.ID,
		Outcome:   models.OutcomeFailed,
		Snapshot:  snapshot,
		Error:     errMsg,
		CreatedAt: time.Now().UTC(),
	}
	if err := x.store.RecordExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to record failed execution: %w", err)
	}
	if err := x.store.RecordFailure(ctx, action.ID, errMsg, pause); err != nil {
		return exec, fmt.Errorf("failed to update action after failure: %w", err)
	}

	x.logger.Warn("action execution failed",
		"action_id", action.ID,
		"kind", action.Kind,
		"error", errMsg,
		"paused", pause)
	return exec, nil
}

func newExecutionID() string { return uuid.NewString() }

// resolveQuantity converts the action's size into a share quantity at the
// observed price.
func resolveQuantity(action *models.Action, price decimal.Decimal) (decimal.Decimal, error) {
	if action.Quantity != nil {
		return *action.Quantity, nil
	}
	if action.CashAmount != nil {
		return action.CashAmount.DivRound(price, 8), nil
	}
	return decimal.Zero, fmt.Errorf("action has neither quantity nor cash amount")
}
