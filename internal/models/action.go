package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ActionStatus represents the lifecycle state of an action.
type ActionStatus string

const (
	ActionStatusActive    ActionStatus = "active"
	ActionStatusPaused    ActionStatus = "paused"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusCancelled ActionStatus = "cancelled"
	ActionStatusFailed    ActionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionStatusCompleted, ActionStatusCancelled, ActionStatusFailed:
		return true
	}
	return false
}

// ActionKind is the operation performed when an action fires.
type ActionKind string

const (
	ActionKindBuy    ActionKind = "BUY"
	ActionKindSell   ActionKind = "SELL"
	ActionKindNotify ActionKind = "NOTIFY"
)

// TriggerKind identifies the condition evaluated against market data.
type TriggerKind string

const (
	TriggerPriceAbove   TriggerKind = "price_above"
	TriggerPriceBelow   TriggerKind = "price_below"
	TriggerChangePct    TriggerKind = "change_pct"
	TriggerTimeOfDay    TriggerKind = "time_of_day"
	TriggerTrailingStop TriggerKind = "trailing_stop"
)

// ChangeDirection constrains which way a change_pct trigger may fire.
type ChangeDirection string

const (
	DirectionUp     ChangeDirection = "up"
	DirectionDown   ChangeDirection = "down"
	DirectionEither ChangeDirection = "either"
)

// TriggerParams is the kind-specific trigger configuration. Only the fields
// relevant to the action's trigger kind are set; the rest stay nil/empty.
// Persisted as a JSON column.
type TriggerParams struct {
	// price_above / price_below
	Threshold *decimal.Decimal `json:"threshold,omitempty"`

	// change_pct: magnitude in percent, direction, and lookback window.
	ChangePct *decimal.Decimal `json:"change_pct,omitempty"`
	Direction ChangeDirection  `json:"direction,omitempty"`
	Window    string           `json:"window,omitempty"` // e.g. "1d", "4h"

	// time_of_day: HH:MM wall clock (optional exclusive end) in an IANA zone.
	At       string `json:"at,omitempty"`
	Until    string `json:"until,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// trailing_stop: percent drop from the running peak.
	DropPct *decimal.Decimal `json:"drop_pct,omitempty"`
}

// TriggerState is the per-action runtime state the evaluator maintains.
// It lives in the action row (not in process memory) so any scheduler
// instance can continue evaluation after a crash or handoff.
type TriggerState struct {
	// Peak is the highest price seen since the action became active
	// (trailing_stop). Monotonic non-decreasing.
	Peak *decimal.Decimal `json:"peak,omitempty"`

	// ReferencePrice and WindowStart anchor change_pct comparisons; the
	// reference refreshes once per window.
	ReferencePrice *decimal.Decimal `json:"reference_price,omitempty"`
	WindowStart    *time.Time       `json:"window_start,omitempty"`

	// LastFiredDay (YYYY-MM-DD in the trigger's zone) blocks same-day
	// refires of time_of_day triggers.
	LastFiredDay string `json:"last_fired_day,omitempty"`
}

// Action is a persistent automation rule: a trigger condition plus the
// operation to perform when it fires.
type Action struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	PortfolioID string       `json:"portfolio_id,omitempty"`
	Status      ActionStatus `json:"status"`

	Kind       ActionKind       `json:"kind"`
	Symbol     string           `json:"symbol,omitempty"`
	Quantity   *decimal.Decimal `json:"quantity,omitempty"`
	CashAmount *decimal.Decimal `json:"cash_amount,omitempty"`
	Note       string           `json:"note,omitempty"`

	Trigger TriggerKind   `json:"trigger"`
	Params  TriggerParams `json:"params"`
	State   TriggerState  `json:"state"`

	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`

	MaxExecutions   int           `json:"max_executions"`
	ExecutionsCount int           `json:"executions_count"`
	Cooldown        time.Duration `json:"cooldown"`

	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	LastEvaluatedAt *time.Time `json:"last_evaluated_at,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`

	FailureCount int    `json:"failure_count"`
	LastError    string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RequiresSymbol reports whether the action needs a market quote to evaluate.
func (a *Action) RequiresSymbol() bool {
	return a.Symbol != ""
}

// WithinValidity reports whether now falls inside the action's validity window.
func (a *Action) WithinValidity(now time.Time) bool {
	if a.ValidFrom != nil && now.Before(*a.ValidFrom) {
		return false
	}
	if a.ValidUntil != nil && now.After(*a.ValidUntil) {
		return false
	}
	return true
}

// Validate checks the spec-level invariants of a newly created action.
func (a *Action) Validate() error {
	if a.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}

	switch a.Kind {
	case ActionKindBuy, ActionKindSell:
		if a.Symbol == "" {
			return &ValidationError{Field: "symbol", Reason: "required for BUY/SELL"}
		}
		hasQty := a.Quantity != nil && a.Quantity.IsPositive()
		hasCash := a.CashAmount != nil && a.CashAmount.IsPositive()
		if hasQty == hasCash {
			return &ValidationError{Field: "quantity", Reason: "exactly one of quantity or cash_amount must be set"}
		}
	case ActionKindNotify:
		if a.Quantity != nil || a.CashAmount != nil {
			return &ValidationError{Field: "quantity", Reason: "not applicable to NOTIFY"}
		}
	default:
		return &ValidationError{Field: "kind", Reason: "must be BUY, SELL or NOTIFY"}
	}

	if a.MaxExecutions < 1 {
		return &ValidationError{Field: "max_executions", Reason: "must be at least 1"}
	}
	if a.Cooldown < 0 {
		return &ValidationError{Field: "cooldown", Reason: "must not be negative"}
	}
	if a.ValidFrom != nil && a.ValidUntil != nil && a.ValidUntil.Before(*a.ValidFrom) {
		return &ValidationError{Field: "valid_until", Reason: "must not precede valid_from"}
	}

	return a.validateTrigger()
}

func (a *Action) validateTrigger() error {
	switch a.Trigger {
	case TriggerPriceAbove, TriggerPriceBelow:
		if a.Params.Threshold == nil || !a.Params.Threshold.IsPositive() {
			return &ValidationError{Field: "params.threshold", Reason: "positive threshold required"}
		}
		if !a.RequiresSymbol() {
			return &ValidationError{Field: "symbol", Reason: "required for price triggers"}
		}
	case TriggerChangePct:
		if a.Params.ChangePct == nil || !a.Params.ChangePct.IsPositive() {
			return &ValidationError{Field: "params.change_pct", Reason: "positive percent required"}
		}
		switch a.Params.Direction {
		case DirectionUp, DirectionDown, DirectionEither:
		default:
			return &ValidationError{Field: "params.direction", Reason: "must be up, down or either"}
		}
		if _, err := ParseWindow(a.Params.Window); err != nil {
			return &ValidationError{Field: "params.window", Reason: err.Error()}
		}
		if !a.RequiresSymbol() {
			return &ValidationError{Field: "symbol", Reason: "required for change_pct triggers"}
		}
	case TriggerTimeOfDay:
		if _, err := ParseClock(a.Params.At); err != nil {
			return &ValidationError{Field: "params.at", Reason: err.Error()}
		}
		if a.Params.Until != "" {
			if _, err := ParseClock(a.Params.Until); err != nil {
				return &ValidationError{Field: "params.until", Reason: err.Error()}
			}
		}
		if _, err := time.LoadLocation(a.Params.Timezone); err != nil {
			return &ValidationError{Field: "params.timezone", Reason: "unknown IANA timezone"}
		}
	case TriggerTrailingStop:
		if a.Params.DropPct == nil || !a.Params.DropPct.IsPositive() {
			return &ValidationError{Field: "params.drop_pct", Reason: "positive percent required"}
		}
		if !a.RequiresSymbol() {
			return &ValidationError{Field: "symbol", Reason: "required for trailing_stop triggers"}
		}
	default:
		return &ValidationError{Field: "trigger", Reason: "unknown trigger kind"}
	}
	return nil
}

// ParseWindow parses a lookback window like "1d", "4h" or "30m".
func ParseWindow(window string) (time.Duration, error) {
	w := strings.TrimSpace(window)
	if w == "" {
		return 24 * time.Hour, nil // default one trading day
	}
	if strings.HasSuffix(w, "d") {
		days, err := time.ParseDuration(strings.TrimSuffix(w, "d") + "h")
		if err != nil {
			return 0, &ValidationError{Field: "window", Reason: "malformed window"}
		}
		return days * 24, nil
	}
	d, err := time.ParseDuration(w)
	if err != nil || d <= 0 {
		return 0, &ValidationError{Field: "window", Reason: "malformed window"}
	}
	return d, nil
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour, Minute int
}

// Minutes returns the clock as minutes past midnight.
func (c Clock) Minutes() int { return c.Hour*60 + c.Minute }

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return Clock{}, &ValidationError{Field: "at", Reason: "expected HH:MM"}
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}
