package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/irfndi/autopilot/internal/models"
)

// ActionStore persists Action and ActionExecution records. It owns no
// business logic beyond status-transition guards and the atomic lease grant.
type ActionStore struct {
	db DBPool
}

func NewActionStore(db DBPool) *ActionStore {
	return &ActionStore{db: db}
}

// FailureThreshold is the number of consecutive failed executions after which
// an action is escalated to the failed status.
const FailureThreshold = 3

// InitSchema creates the actions and action_executions relations.
func (s *ActionStore) InitSchema(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS actions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			portfolio_id TEXT,
			status TEXT NOT NULL,
			kind TEXT NOT NULL,
			symbol TEXT,
			quantity NUMERIC,
			cash_amount NUMERIC,
			note TEXT NOT NULL DEFAULT '',
			trigger_kind TEXT NOT NULL,
			trigger_params JSONB NOT NULL,
			trigger_state JSONB NOT NULL DEFAULT '{}',
			valid_from TIMESTAMPTZ,
			valid_until TIMESTAMPTZ,
			max_executions INTEGER NOT NULL DEFAULT 1,
			executions_count INTEGER NOT NULL DEFAULT 0,
			cooldown_seconds BIGINT NOT NULL DEFAULT 0,
			last_triggered_at TIMESTAMPTZ,
			last_evaluated_at TIMESTAMPTZ,
			lease_expires_at TIMESTAMPTZ,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT executions_within_limit CHECK (executions_count <= max_executions)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create actions table: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS action_executions (
			id TEXT PRIMARY KEY,
			action_id TEXT NOT NULL REFERENCES actions(id),
			outcome TEXT NOT NULL,
			symbol TEXT,
			price NUMERIC NOT NULL,
			observed_value NUMERIC NOT NULL,
			as_of TIMESTAMPTZ NOT NULL,
			operation_id TEXT,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create action_executions table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_actions_user ON actions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_due ON actions(status, lease_expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_action ON action_executions(action_id, created_at)`,
	} {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

const actionColumns = `id, user_id, portfolio_id, status, kind, symbol, quantity, cash_amount, note,
	trigger_kind, trigger_params, trigger_state, valid_from, valid_until,
	max_executions, executions_count, cooldown_seconds,
	last_triggered_at, last_evaluated_at, lease_expires_at,
	failure_count, last_error, created_at, updated_at`

// Create inserts a new action row.
func (s *ActionStore) Create(ctx context.Context, action *models.Action) error {
	paramsJSON, err := json.Marshal(action.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger params: %w", err)
	}
	stateJSON, err := json.Marshal(action.State)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger state: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO actions (`+actionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`,
		action.ID, action.UserID, nullString(action.PortfolioID), action.Status, action.Kind,
		nullString(action.Symbol), nullDecimal(action.Quantity), nullDecimal(action.CashAmount), action.Note,
		action.Trigger, paramsJSON, stateJSON, action.ValidFrom, action.ValidUntil,
		action.MaxExecutions, action.ExecutionsCount, int64(action.Cooldown/time.Second),
		action.LastTriggeredAt, action.LastEvaluatedAt, action.LeaseExpiresAt,
		action.FailureCount, action.LastError, action.CreatedAt, action.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// Get fetches an action scoped to its owning user. Actions belonging to other
// users surface as ErrNotFound.
func (s *ActionStore) Get(ctx context.Context, userID, id string) (*models.Action, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+actionColumns+` FROM actions WHERE id = $1 AND user_id = $2
	`, id, userID)

	action, err := scanAction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return action, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status models.ActionStatus
	Symbol string
	Kind   models.ActionKind
}

// List returns the user's actions, newest first.
func (s *ActionStore) List(ctx context.Context, userID string, filter ListFilter) ([]*models.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE user_id = $1`
	args := []any{userID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		query += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var actions []*models.Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

// Update applies a user edit to a non-terminal action and returns the updated
// row. Terminal states are terminal: edits yield ErrInvalidState.
func (s *ActionStore) Update(ctx context.Context, userID, id string, patch models.ActionPatch) (*models.Action, error) {
	current, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, models.ErrInvalidState
	}

	patch.Apply(current)
	current.UpdatedAt = time.Now().UTC()
	if err := current.Validate(); err != nil {
		return nil, err
	}

	paramsJSON, err := json.Marshal(current.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trigger params: %w", err)
	}

	res, err := s.db.Exec(ctx, `
		UPDATE actions SET
			quantity = $3, cash_amount = $4, note = $5, trigger_params = $6,
			valid_from = $7, valid_until = $8, max_executions = $9,
			cooldown_seconds = $10, updated_at = $11
		WHERE id = $1 AND user_id = $2 AND status NOT IN ('completed', 'cancelled', 'failed')
	`, id, userID,
		nullDecimal(current.Quantity), nullDecimal(current.CashAmount), current.Note, paramsJSON,
		current.ValidFrom, current.ValidUntil, current.MaxExecutions,
		int64(current.Cooldown/time.Second), current.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Status changed between read and write.
		return nil, models.ErrInvalidState
	}
	return current, nil
}

// SetStatus transitions an action between statuses, enforcing allowed source
// states. Used for pause/resume/cancel.
func (s *ActionStore) SetStatus(ctx context.Context, userID, id string, to models.ActionStatus, from ...models.ActionStatus) error {
	fromSet := make([]string, 0, len(from))
	for _, st := range from {
		fromSet = append(fromSet, string(st))
	}

	res, err := s.db.Exec(ctx, `
		UPDATE actions SET status = $3, updated_at = $4
		WHERE id = $1 AND user_id = $2 AND status = ANY($5)
	`, id, userID, to, time.Now().UTC(), fromSet)
	if err != nil {
		return fmt.Errorf("failed to set action status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish an unknown action from a disallowed transition.
		if _, getErr := s.Get(ctx, userID, id); getErr != nil {
			return getErr
		}
		return models.ErrInvalidState
	}
	return nil
}

// LeaseDue atomically selects due actions and stamps a lease on them. This
// single conditional update-and-return is the only place duplicate evaluation
// is prevented: concurrent callers skip rows locked by each other and can
// never lease the same action twice.
func (s *ActionStore) LeaseDue(ctx context.Context, limit int, leaseDuration time.Duration) ([]*models.Action, error) {
	now := time.Now().UTC()

	rows, err := s.db.Query(ctx, `
		UPDATE actions SET lease_expires_at = $1
		WHERE id IN (
			SELECT id FROM actions
			WHERE status = 'active'
				AND (valid_from IS NULL OR valid_from <= $2)
				AND (valid_until IS NULL OR valid_until >= $2)
				AND (lease_expires_at IS NULL OR lease_expires_at < $2)
				AND (last_triggered_at IS NULL
					OR last_triggered_at + make_interval(secs => cooldown_seconds) <= $2)
			ORDER BY last_evaluated_at ASC NULLS FIRST
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+actionColumns+`
	`, now.Add(leaseDuration), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to lease due actions: %w", err)
	}
	defer rows.Close()

	var leased []*models.Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan leased action: %w", err)
		}
		leased = append(leased, action)
	}
	return leased, rows.Err()
}

// Release clears the lease on the given actions. Missing rows are ignored;
// lease expiry is the backstop when release is never reached.
func (s *ActionStore) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE actions SET lease_expires_at = NULL WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to release actions: %w", err)
	}
	return nil
}

// Touch records that the given actions were evaluated, so staleness stays
// observable even when nothing fires.
func (s *ActionStore) Touch(ctx context.Context, ids []string, evaluatedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE actions SET last_evaluated_at = $1 WHERE id = ANY($2)
	`, evaluatedAt.UTC(), ids)
	if err != nil {
		return fmt.Errorf("failed to touch actions: %w", err)
	}
	return nil
}

// SaveRuntimeState persists evaluator runtime state (trailing peak, change
// reference) so any scheduler instance can continue evaluation.
func (s *ActionStore) SaveRuntimeState(ctx context.Context, id string, state models.TriggerState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger state: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		UPDATE actions SET trigger_state = $2 WHERE id = $1
	`, id, stateJSON)
	if err != nil {
		return fmt.Errorf("failed to save runtime state: %w", err)
	}
	return nil
}

// CommitFiring applies the effects of a successful execution: increments the
// count, stamps last_triggered_at, stores runtime state, and completes the
// action when the limit is reached. The update is conditioned on the
// updated_at value observed at lease time; on a conflicting concurrent user
// edit it reports committed=false and the action stays active for
// re-evaluation.
func (s *ActionStore) CommitFiring(ctx context.Context, action *models.Action, firedAt time.Time) (bool, error) {
	stateJSON, err := json.Marshal(action.State)
	if err != nil {
		return false, fmt.Errorf("failed to marshal trigger state: %w", err)
	}

	res, err := s.db.Exec(ctx, `
		UPDATE actions SET
			executions_count = executions_count + 1,
			last_triggered_at = $2,
			status = CASE WHEN executions_count + 1 >= max_executions THEN 'completed' ELSE status END,
			trigger_state = $3,
			failure_count = 0,
			last_error = '',
			updated_at = $4
		WHERE id = $1 AND updated_at = $5 AND executions_count < max_executions
	`, action.ID, firedAt.UTC(), stateJSON, firedAt.UTC(), action.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to commit firing: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RecordFailure notes a failed execution on the action. pause moves the
// action to paused (trade failures); otherwise it stays active for retry.
// Reaching FailureThreshold consecutive failures escalates to failed.
func (s *ActionStore) RecordFailure(ctx context.Context, id, errMsg string, pause bool) error {
	status := "active"
	if pause {
		status = "paused"
	}
	_, err := s.db.Exec(ctx, `
		UPDATE actions SET
			failure_count = failure_count + 1,
			last_error = $2,
			status = CASE
				WHEN failure_count + 1 >= $3 THEN 'failed'
				WHEN status = 'active' THEN $4
				ELSE status
			END,
			updated_at = $5
		WHERE id = $1
	`, id, errMsg, FailureThreshold, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// MarkFailed transitions an action straight to failed with a reason.
// Used for configuration errors discovered during evaluation.
func (s *ActionStore) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE actions SET status = 'failed', last_error = $2, updated_at = $3
		WHERE id = $1
	`, id, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark action failed: %w", err)
	}
	return nil
}

// RecordExecution appends an immutable audit row.
func (s *ActionStore) RecordExecution(ctx context.Context, exec *models.ActionExecution) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO action_executions (id, action_id, outcome, symbol, price, observed_value, as_of, operation_id, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, exec.ID, exec.ActionID, exec.Outcome,
		nullString(exec.Snapshot.Symbol), exec.Snapshot.Price, exec.Snapshot.ObservedValue, exec.Snapshot.AsOf.UTC(),
		nullString(exec.OperationID), exec.Error, exec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// CountExecutionsSince returns the number of executions recorded for the
// action after the given instant. The executor uses this as its idempotency
// guard within the lease window.
func (s *ActionStore) CountExecutionsSince(ctx context.Context, actionID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM action_executions WHERE action_id = $1 AND created_at >= $2
	`, actionID, since.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

// ListExecutions returns the audit trail for a user's action, newest first.
func (s *ActionStore) ListExecutions(ctx context.Context, userID, actionID string, limit int) ([]*models.ActionExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT e.id, e.action_id, e.outcome, e.symbol, e.price, e.observed_value, e.as_of, e.operation_id, e.error, e.created_at
		FROM action_executions e
		JOIN actions a ON a.id = e.action_id
		WHERE e.action_id = $1 AND a.user_id = $2
		ORDER BY e.created_at DESC
		LIMIT $3
	`, actionID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var execs []*models.ActionExecution
	for rows.Next() {
		var (
			exec        models.ActionExecution
			symbol      *string
			operationID *string
		)
		if err := rows.Scan(&exec.ID, &exec.ActionID, &exec.Outcome, &symbol,
			&exec.Snapshot.Price, &exec.Snapshot.ObservedValue, &exec.Snapshot.AsOf,
			&operationID, &exec.Error, &exec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		if symbol != nil {
			exec.Snapshot.Symbol = *symbol
		}
		if operationID != nil {
			exec.OperationID = *operationID
		}
		execs = append(execs, &exec)
	}
	return execs, rows.Err()
}

// SweepExpired cancels actions whose validity window has passed. Returns the
// number of actions cancelled.
func (s *ActionStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.Exec(ctx, `
		UPDATE actions SET status = 'cancelled', updated_at = $1
		WHERE status IN ('active', 'paused') AND valid_until IS NOT NULL AND valid_until < $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired actions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(s scanner) (*models.Action, error) {
	var (
		action          models.Action
		portfolioID     *string
		symbol          *string
		quantity        decimal.NullDecimal
		cashAmount      decimal.NullDecimal
		paramsJSON      []byte
		stateJSON       []byte
		cooldownSeconds int64
	)

	err := s.Scan(&action.ID, &action.UserID, &portfolioID, &action.Status, &action.Kind,
		&symbol, &quantity, &cashAmount, &action.Note,
		&action.Trigger, &paramsJSON, &stateJSON, &action.ValidFrom, &action.ValidUntil,
		&action.MaxExecutions, &action.ExecutionsCount, &cooldownSeconds,
		&action.LastTriggeredAt, &action.LastEvaluatedAt, &action.LeaseExpiresAt,
		&action.FailureCount, &action.LastError, &action.CreatedAt, &action.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if portfolioID != nil {
		action.PortfolioID = *portfolioID
	}
	if symbol != nil {
		action.Symbol = *symbol
	}
	if quantity.Valid {
		q := quantity.Decimal
		action.Quantity = &q
	}
	if cashAmount.Valid {
		c := cashAmount.Decimal
		action.CashAmount = &c
	}
	action.Cooldown = time.Duration(cooldownSeconds) * time.Second

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &action.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger params: %w", err)
		}
	}
	if len(stateJSON) > 0 {
		if err := json.Unmarshal(stateJSON, &action.State); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger state: %w", err)
		}
	}

	return &action, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
