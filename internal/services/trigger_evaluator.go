package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/irfndi/autopilot/internal/marketdata"
	"github.com/irfndi/autopilot/internal/models"
)

// ErrZeroReference marks a percentage computation against a zero reference
// price. This is a configuration error: the action is escalated to failed
// rather than retried.
var ErrZeroReference = errors.New("zero reference price in percentage computation")

var hundred = decimal.NewFromInt(100)

// Evaluation is the outcome of evaluating one action against a market
// snapshot.
type Evaluation struct {
	Fired bool
	// ObservedValue is the quantity the trigger compared: the price for
	// threshold triggers, the percent change or drawdown for percentage
	// triggers.
	ObservedValue decimal.Decimal
	// State is the runtime state to persist back to the action row.
	State        models.TriggerState
	StateChanged bool
	// Err is set for configuration errors discovered during evaluation.
	Err error
}

// TriggerEvaluator decides whether an action's trigger condition holds.
// It is pure: all state it needs arrives with the action and the quote, and
// updated state is returned rather than written anywhere.
type TriggerEvaluator struct {
	maxQuoteAge time.Duration
}

func NewTriggerEvaluator(maxQuoteAge time.Duration) *TriggerEvaluator {
	if maxQuoteAge <= 0 {
		maxQuoteAge = 5 * time.Minute
	}
	return &TriggerEvaluator{maxQuoteAge: maxQuoteAge}
}

// Evaluate returns whether the action fires given the current quote. quote
// may be nil for triggers that do not need market data (time_of_day) or when
// no quote was available; a missing or stale quote never fires and never
// mutates runtime state.
func (e *TriggerEvaluator) Evaluate(action *models.Action, quote *marketdata.Quote, now time.Time) Evaluation {
	if action.Trigger == models.TriggerTimeOfDay {
		return e.evaluateTimeOfDay(action, now)
	}

	if quote == nil || now.Sub(quote.AsOf) > e.maxQuoteAge {
		return Evaluation{State: action.State}
	}

	switch action.Trigger {
	case models.TriggerPriceAbove:
		return Evaluation{
			Fired:         quote.Price.GreaterThanOrEqual(*action.Params.Threshold),
			ObservedValue: quote.Price,
			State:         action.State,
		}
	case models.TriggerPriceBelow:
		return Evaluation{
			Fired:         quote.Price.LessThanOrEqual(*action.Params.Threshold),
			ObservedValue: quote.Price,
			State:         action.State,
		}
	case models.TriggerChangePct:
		return e.evaluateChangePct(action, quote, now)
	case models.TriggerTrailingStop:
		return e.evaluateTrailingStop(action, quote)
	}

	return Evaluation{
		State: action.State,
		Err:   fmt.Errorf("unknown trigger kind %q", action.Trigger),
	}
}

// evaluateChangePct compares the quote against a reference price recorded at
// window start and refreshed once per window.
func (e *TriggerEvaluator) evaluateChangePct(action *models.Action, quote *marketdata.Quote, now time.Time) Evaluation {
	window, err := models.ParseWindow(action.Params.Window)
	if err != nil {
		return Evaluation{State: action.State, Err: err}
	}

	state := action.State
	if state.ReferencePrice == nil || state.WindowStart == nil || now.Sub(*state.WindowStart) >= window {
		// New window: capture the reference, nothing to compare yet.
		ref := quote.Price
		start := now
		state.ReferencePrice = &ref
		state.WindowStart = &start
		return Evaluation{ObservedValue: decimal.Zero, State: state, StateChanged: true}
	}

	if state.ReferencePrice.IsZero() {
		return Evaluation{State: state, Err: ErrZeroReference}
	}

	change := quote.Price.Sub(*state.ReferencePrice).Div(*state.ReferencePrice).Mul(hundred)

	var fired bool
	switch action.Params.Direction {
	case models.DirectionUp:
		fired = change.GreaterThanOrEqual(*action.Params.ChangePct)
	case models.DirectionDown:
		fired = change.LessThanOrEqual(action.Params.ChangePct.Neg())
	case models.DirectionEither:
		fired = change.Abs().GreaterThanOrEqual(*action.Params.ChangePct)
	}

	return Evaluation{Fired: fired, ObservedValue: change, State: state}
}

// evaluateTrailingStop maintains the running peak (monotonic non-decreasing,
// updated on every evaluation regardless of firing) and fires on a configured
// percentage drop from it.
func (e *TriggerEvaluator) evaluateTrailingStop(action *models.Action, quote *marketdata.Quote) Evaluation {
	state := action.State
	changed := false

	if state.Peak == nil || quote.Price.GreaterThan(*state.Peak) {
		peak := quote.Price
		state.Peak = &peak
		changed = true
	}

	if state.Peak.IsZero() {
		return Evaluation{State: state, StateChanged: changed, Err: ErrZeroReference}
	}

	drop := state.Peak.Sub(quote.Price).Div(*state.Peak).Mul(hundred)
	fired := drop.GreaterThanOrEqual(*action.Params.DropPct)

	return Evaluation{Fired: fired, ObservedValue: drop, State: state, StateChanged: changed}
}

// evaluateTimeOfDay fires once per calendar day when the wall clock in the
// configured zone is inside [at, until).
func (e *TriggerEvaluator) evaluateTimeOfDay(action *models.Action, now time.Time) Evaluation {
	loc, err := time.LoadLocation(action.Params.Timezone)
	if err != nil {
		return Evaluation{State: action.State, Err: fmt.Errorf("unknown timezone %q", action.Params.Timezone)}
	}
	start, err := models.ParseClock(action.Params.At)
	if err != nil {
		return Evaluation{State: action.State, Err: err}
	}

	endMinutes := 24 * 60 // default: window runs to end of day
	if action.Params.Until != "" {
		end, err := models.ParseClock(action.Params.Until)
		if err != nil {
			return Evaluation{State: action.State, Err: err}
		}
		endMinutes = end.Minutes()
	}

	local := now.In(loc)
	today := local.Format("2006-01-02")

	// Same-day refires are blocked both by the stored runtime state and by
	// the last_triggered_at date, so a state loss cannot double-fire.
	if action.State.LastFiredDay == today {
		return Evaluation{State: action.State}
	}
	if action.LastTriggeredAt != nil && action.LastTriggeredAt.In(loc).Format("2006-01-02") == today {
		return Evaluation{State: action.State}
	}

	nowMinutes := local.Hour()*60 + local.Minute()
	if nowMinutes < start.Minutes() || nowMinutes >= endMinutes {
		return Evaluation{State: action.State}
	}

	state := action.State
	state.LastFiredDay = today
	return Evaluation{
		Fired:         true,
		ObservedValue: decimal.NewFromInt(int64(nowMinutes)),
		State:         state,
		StateChanged:  true,
	}
}
