package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionOutcome is the result of a single firing attempt.
type ExecutionOutcome string

const (
	OutcomeSuccess ExecutionOutcome = "success"
	OutcomeFailed  ExecutionOutcome = "failed"
)

// Snapshot captures the evaluation inputs at the moment an action fired.
type Snapshot struct {
	Symbol        string          `json:"symbol,omitempty"`
	Price         decimal.Decimal `json:"price"`
	ObservedValue decimal.Decimal `json:"observed_value"`
	AsOf          time.Time       `json:"as_of"`
}

// ActionExecution is one immutable audit record of a firing attempt.
// Rows are append-only and never mutated.
type ActionExecution struct {
	ID          string           `json:"id"`
	ActionID    string           `json:"action_id"`
	Outcome     ExecutionOutcome `json:"outcome"`
	Snapshot    Snapshot         `json:"snapshot"`
	OperationID string           `json:"operation_id,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}
