package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/irfndi/autopilot/internal/config"
	"github.com/irfndi/autopilot/internal/database"
	"github.com/irfndi/autopilot/internal/logging"
	"github.com/irfndi/autopilot/internal/marketdata"
	"github.com/irfndi/autopilot/internal/models"
	"github.com/irfndi/autopilot/internal/services/distributedlock"
)

const sweepLockKey = "autopilot:actions:sweep"

// ActionScheduler is the background loop that leases due actions, evaluates
// their triggers against batched quotes, and dispatches fired actions to the
// executor. Multiple instances may run concurrently; correctness relies
// entirely on the store's atomic lease grant.
type ActionScheduler struct {
	cfg       config.SchedulerConfig
	store     *database.ActionStore
	market    marketdata.Service
	evaluator *TriggerEvaluator
	executor  *ActionExecutor
	locker    *distributedlock.Locker // nil disables the sweep lock
	logger    *logging.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewActionScheduler(
	cfg config.SchedulerConfig,
	store *database.ActionStore,
	market marketdata.Service,
	evaluator *TriggerEvaluator,
	executor *ActionExecutor,
	locker *distributedlock.Locker,
	logger *logging.Logger,
) *ActionScheduler {
	return &ActionScheduler{
		cfg:       cfg,
		store:     store,
		market:    market,
		evaluator: evaluator,
		executor:  executor,
		locker:    locker,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the scheduler loop.
func (s *ActionScheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info("action scheduler started",
		"open_interval", s.cfg.OpenInterval,
		"closed_interval", s.cfg.ClosedInterval,
		"batch_size", s.cfg.BatchSize)
}

// Stop signals the loop to exit and waits for the current cycle to finish.
func (s *ActionScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("action scheduler stopped")
}

func (s *ActionScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(s.interval(ctx))
	defer timer.Stop()

	lastSweep := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.C:
			s.safeCycle(ctx)

			if time.Since(lastSweep) >= s.cfg.SweepInterval {
				s.runSweep(ctx)
				lastSweep = time.Now()
			}

			timer.Reset(s.interval(ctx))
		}
	}
}

// safeCycle runs one cycle and contains any panic or systemic error: the
// scheduler process must outlive every kind of cycle failure.
func (s *ActionScheduler) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler cycle panicked", "panic", r)
		}
	}()

	if err := s.RunCycle(ctx); err != nil {
		s.logger.WithError(err).Warn("scheduler cycle aborted, retrying next tick")
	}
}

// RunCycle executes one Leasing → Evaluating → Dispatching → Releasing pass.
// Exported so tests and the execute-now path can drive cycles directly.
func (s *ActionScheduler) RunCycle(ctx context.Context) error {
	leased, err := s.store.LeaseDue(ctx, s.cfg.BatchSize, s.cfg.LeaseDuration)
	if err != nil {
		return fmt.Errorf("leasing failed: %w", err)
	}
	if len(leased) == 0 {
		return nil
	}

	ids := make([]string, 0, len(leased))
	for _, a := range leased {
		ids = append(ids, a.ID)
	}

	// Whatever happens mid-cycle the batch gets released; if even this is
	// skipped (crash), the lease TTL recovers the actions.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.Release(releaseCtx, ids); err != nil {
			s.logger.WithError(err).Warn("failed to release leased actions, leases will expire")
		}
	}()

	quotes, err := s.fetchQuotes(ctx, leased)
	if err != nil {
		// Systemic: no quotes for the whole cycle. Abort and retry next tick.
		return fmt.Errorf("quote fetch failed: %w", err)
	}

	now := time.Now().UTC()
	for _, action := range leased {
		s.evaluateOne(ctx, action, quotes, now)
	}

	if err := s.store.Touch(ctx, ids, now); err != nil {
		s.logger.WithError(err).Warn("failed to update last_evaluated_at")
	}
	return nil
}

// fetchQuotes batches one market-data call for all distinct symbols in the
// leased set.
func (s *ActionScheduler) fetchQuotes(ctx context.Context, leased []*models.Action) (map[string]marketdata.Quote, error) {
	seen := make(map[string]struct{})
	symbols := make([]string, 0, len(leased))
	for _, a := range leased {
		if !a.RequiresSymbol() {
			continue
		}
		if _, ok := seen[a.Symbol]; ok {
			continue
		}
		seen[a.Symbol] = struct{}{}
		symbols = append(symbols, a.Symbol)
	}
	if len(symbols) == 0 {
		return map[string]marketdata.Quote{}, nil
	}

	quoteCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return s.market.GetQuotes(quoteCtx, symbols)
}

// evaluateOne evaluates and, when fired, dispatches a single action. Errors
// here never abort the rest of the batch.
func (s *ActionScheduler) evaluateOne(ctx context.Context, action *models.Action, quotes map[string]marketdata.Quote, now time.Time) {
	var quote *marketdata.Quote
	if q, ok := quotes[action.Symbol]; ok {
		quote = &q
	}

	eval := s.evaluator.Evaluate(action, quote, now)

	if eval.Err != nil {
		s.recordEvaluationError(ctx, action, quote, eval.Err)
		return
	}

	if !eval.Fired {
		if eval.StateChanged {
			if err := s.store.SaveRuntimeState(ctx, action.ID, eval.State); err != nil {
				s.logger.WithError(err).Warn("failed to save runtime state", "action_id", action.ID)
			}
		}
		return
	}

	action.State = eval.State
	snapshot := models.Snapshot{
		Symbol:        action.Symbol,
		ObservedValue: eval.ObservedValue,
		AsOf:          now,
	}
	if quote != nil {
		snapshot.Price = quote.Price
		snapshot.AsOf = quote.AsOf
	}

	if _, err := s.executor.Execute(ctx, action, snapshot); err != nil {
		s.logger.WithError(err).Error("dispatch failed", "action_id", action.ID)
	}
}

// recordEvaluationError handles configuration errors (bad timezone, zero
// reference price): the failure is recorded on the audit trail and the action
// escalates to failed.
func (s *ActionScheduler) recordEvaluationError(ctx context.Context, action *models.Action, quote *marketdata.Quote, evalErr error) {
	snapshot := models.Snapshot{Symbol: action.Symbol, AsOf: time.Now().UTC()}
	if quote != nil {
		snapshot.Price = quote.Price
		snapshot.AsOf = quote.AsOf
	}

	exec := &models.ActionExecution{
		ID:        newExecutionID(),
		ActionID:  action.ID,
		Outcome:   models.OutcomeFailed,
		Snapshot:  snapshot,
		Error:     evalErr.Error(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.RecordExecution(ctx, exec); err != nil {
		s.logger.WithError(err).Error("failed to record evaluation error", "action_id", action.ID)
	}
	if err := s.store.MarkFailed(ctx, action.ID, evalErr.Error()); err != nil {
		s.logger.WithError(err).Error("failed to mark action failed", "action_id", action.ID)
	}

	s.logger.Warn("action failed during evaluation", "action_id", action.ID, "error", evalErr)
}

// runSweep cancels actions whose validity window has passed. The redis lock
// keeps concurrent instances from sweeping at once; sweeping is idempotent,
// so a lost lock is only wasted work.
func (s *ActionScheduler) runSweep(ctx context.Context) {
	if s.locker != nil {
		lock, err := s.locker.TryLock(ctx, sweepLockKey, time.Minute)
		if err != nil {
			s.logger.Debug("expiry sweep skipped", "reason", err)
			return
		}
		defer func() {
			if err := s.locker.Unlock(ctx, lock); err != nil {
				s.logger.WithError(err).Debug("failed to unlock sweep lock")
			}
		}()
	}

	swept, err := s.store.SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.WithError(err).Warn("expiry sweep failed")
		return
	}
	if swept > 0 {
		s.logger.Info("expired actions cancelled", "count", swept)
	}
}

// interval picks the cycle interval for the current market phase. When the
// market-data collaborator is unreachable the slower closed-market cadence
// applies.
func (s *ActionScheduler) interval(ctx context.Context) time.Duration {
	statusCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	open, err := s.market.IsMarketOpen(statusCtx)
	if err != nil {
		s.logger.Debug("market status unavailable", "error", err)
		return s.cfg.ClosedInterval
	}
	if open {
		return s.cfg.OpenInterval
	}
	return s.cfg.ClosedInterval
}
