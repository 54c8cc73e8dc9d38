package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionPatch is a partial user edit of an action. Nil fields are left
// unchanged. Setting a size field switches the action to that sizing mode.
type ActionPatch struct {
	Quantity      *decimal.Decimal `json:"quantity,omitempty"`
	CashAmount    *decimal.Decimal `json:"cash_amount,omitempty"`
	Note          *string          `json:"note,omitempty"`
	Params        *TriggerParams   `json:"params,omitempty"`
	ValidFrom     *time.Time       `json:"valid_from,omitempty"`
	ValidUntil    *time.Time       `json:"valid_until,omitempty"`
	MaxExecutions *int             `json:"max_executions,omitempty"`
	Cooldown      *time.Duration   `json:"cooldown,omitempty"`
}

// Apply merges the patch into the action. The result must still pass
// Validate before being persisted.
func (p ActionPatch) Apply(a *Action) {
	if p.Quantity != nil {
		a.Quantity = p.Quantity
		a.CashAmount = nil
	}
	if p.CashAmount != nil {
		a.CashAmount = p.CashAmount
		a.Quantity = nil
	}
	if p.Note != nil {
		a.Note = *p.Note
	}
	if p.Params != nil {
		a.Params = *p.Params
	}
	if p.ValidFrom != nil {
		a.ValidFrom = p.ValidFrom
	}
	if p.ValidUntil != nil {
		a.ValidUntil = p.ValidUntil
	}
	if p.MaxExecutions != nil {
		a.MaxExecutions = *p.MaxExecutions
	}
	if p.Cooldown != nil {
		a.Cooldown = *p.Cooldown
	}
}
