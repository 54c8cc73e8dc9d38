package services

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/autopilot/internal/marketdata"
	"github.com/irfndi/autopilot/internal/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func quoteAt(price string, asOf time.Time) *marketdata.Quote {
	return &marketdata.Quote{Symbol: "AAPL", Price: dec(price), AsOf: asOf}
}

func TestEvaluatePriceAbove(t *testing.T) {
	e := NewTriggerEvaluator(5 * time.Minute)
	now := time.Now().UTC()
	action := &models.Action{
		Trigger: models.TriggerPriceAbove,
		Params:  models.TriggerParams{Threshold: decPtr("150")},
	}

	tests := []struct {
		price string
		fired bool
	}{
		{"149.99", false},
		{"150.00", true}, // threshold is inclusive
		{"150.01", true},
	}
	for _, tt := range tests {
		eval := e.Evaluate(action, quoteAt(tt.price, now), now)
		assert.Equal(t, tt.fired, eval.Fired, "price %s", tt.price)
		assert.True(t, eval.ObservedValue.Equal(dec(tt.price)))
	}
}

func TestEvaluatePriceBelow(t *testing.T) {
	e := NewTriggerEvaluator(5 * time.Minute)
	now := time.Now().UTC()
	action := &models.Action{
		Trigger: models.TriggerPriceBelow,
		Params:  models.TriggerParams{Threshold: decPtr("150")},
	}

	assert.False(t, e.Evaluate(action, quoteAt("150.01", now), now).Fired)
	assert.True(t, e.Evaluate(action, quoteAt("150.00", now), now).Fired)
	assert.True(t, e.Evaluate(action, quoteAt("149.99", now), now).Fired)
}

func TestEvaluateStaleQuoteNeverFires(t *testing.T) {
	e := NewTriggerEvaluator(5 * time.Minute)
	now := time.Now().UTC()

	peak := dec("110")
	action := &models.Action{
		Trigger: models.TriggerTrailingStop,
		Params:  models.TriggerParams{DropPct: decPtr("5")},
		State:   models.TriggerState{Peak: &peak},
	}

	stale := quoteAt("90", now.Add(-10*time.Minute))
	eval := e.Evaluate(action, stale, now)
	assert.False(t, eval.Fired)
	assert.False(t, eval.StateChanged)
	require.NotNil(t, eval.State.Peak)
	assert.True(t, eval.State.Peak.Equal(peak), "stale quote must not touch runtime state")

	eval = e.Evaluate(action, nil, now)
	assert.False(t, eval.Fired)
	assert.NoError(t, eval.Err)
}

func TestEvaluateChangePct(t *testing.T) {
	e := NewTriggerEvaluator(5 * time.Minute)
	now := time.Now().UTC()

	action := &models.Action{
		Trigger: models.TriggerChangePct,
		Params: models.TriggerParams{
			ChangePct: decPtr("3"),
			Direction: models.DirectionUp,
			Window:    "1d",
		},
	}

	// First evaluation of a window only captures the reference.
	eval := e.Evaluate(action, quoteAt("100", now), now)
	assert.False(t, eval.Fired)
	assert.True(t, eval.StateChanged)
	require.NotNil(t, eval.State.ReferencePrice)
	assert.True(t, eval.State.ReferencePrice.Equal(dec("100")))

	action.State = eval.State
	later := now.Add(time.Minute)

	eval = e.Evaluate(action, quoteAt("102.99", later), later)
	assert.False(t, eval.Fired)

	eval = e.Evaluate(action, quoteAt("103.00", later), later)
	assert.True(t, eval.Fired)
	assert.True(t, eval.ObservedValue.Equal(dec("3")))
}

func TestEvaluateChangePctDown(t *testing.T) {
	e := NewTriggerEvaluator(5 * time.Minute)
	now := time.Now().UTC()
	ref := dec("200")
	start := now.Add(-time.Hour)

	action := &models.Action{
		Trigger: models.TriggerChangePct,
		Params: models.TriggerParams{
			ChangePct: decPtr("2"),
			Direction: models.DirectionDown,
			Window:    "1d",
		},
		State: models.TriggerState{ReferencePrice: &ref, WindowStart: &start},
	}

	assert.False(t, e.Evaluate(action, quoteAt("197", now), now).Fired)  // -1.5%
	assert.True(t, e.Evaluate(action, quoteAt("196", now), now).Fired)   // -2%
	assert.False(t, e.Evaluate(action, quoteAt("204", now), now).Fired)  // +2%, wrong direction
}

func TestEvaluateChangePctWindowRollover(t *testing.T) {
	e := NewTriggerEvaluator(5 * time.Minute)
	now := time.Now().UTC()
	ref := dec("100")
	start := now.Add(-25 * time.Hour)

	action := &models.Action{
		Trigger: models.TriggerChangePct,
		Params: models.TriggerParams{
			ChangePct: decPtr("1"),
			Direction: models.DirectionUp,
			Window:    "1d",
		},
		State: models.TriggerState{ReferencePrice: &ref, WindowStart: &start},
	}

	// Window expired: the reference refreshes, so a price well above the old
	// reference does not fire.
	eval := e.Evaluate(action, quoteAt("120", now), now)
	assert.False(t, eval.Fired)
	assert.True(t, eval.StateChanged)
	assert.True(t, eval.State.ReferencePrice.Equal(dec("120")))
}

func TestEvaluateChangePctZeroReference(t *testing.T) {
	e := NewTriggerEvaluator(5 * time.Minute)
	now := time.Now().UTC()
	zero := decimal.Zero
	start := now.Add(-time.Hour)

	action := &models.Action{
		Trigger: models.TriggerChangePct,
		Params: models.TriggerParams{
			ChangePct: decPtr("1"),
			Direction: models.DirectionEither,
			Window:    "1d",
		},
		State: models.TriggerState{ReferencePrice: &zero, WindowStart: &start},
	}

	eval := e.Evaluate(action, quoteAt("50", now), now)
	assert.False(t, eval.Fired)
	assert.ErrorIs(t, eval.Err, ErrZeroReference)
}

func TestEvaluateTrailingStop(t *testing.T) {
	e := NewTriggerEvaluator(5 * time.Minute)
	now := time.Now().UTC()

	action := &models.Action{
		Trigger: models.TriggerTrailingStop,
		Params:  models.TriggerParams{DropPct: decPtr("5")},
	}

	// Rising prices ratchet the peak up without firing; the trigger fires
	// only once the drop from the peak reaches the configured percentage.
	prices := []struct {
		price string
		fired bool
		peak  string
	}{
		{"100", false, "100"},
		{"105", false, "105"},
		{"110", false, "110"},
		{"106", false, "110"}, // -3.6% from peak
		{"104", true, "110"},  // -5.45% from peak
	}
	for _, p := range prices {
		eval := e.Evaluate(action, quoteAt(p.price, now), now)
		assert.Equal(t, p.fired, eval.Fired, "price %s", p.price)
		require.NotNil(t, eval.State.Peak)
		assert.True(t, eval.State.Peak.Equal(dec(p.peak)), "peak after %s", p.price)
		action.State = eval.State
	}
}

func TestEvaluateTimeOfDay(t *testing.T) {
	e := NewTriggerEvaluator(5 * time.Minute)

	action := &models.Action{
		Trigger: models.TriggerTimeOfDay,
		Params:  models.TriggerParams{At: "09:30", Until: "16:00", Timezone: "America/New_York"},
	}

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	before := time.Date(2026, 3, 2, 9, 29, 0, 0, loc)
	inside := time.Date(2026, 3, 2, 9, 30, 0, 0, loc)
	after := time.Date(2026, 3, 2, 16, 0, 0, 0, loc)

	assert.False(t, e.Evaluate(action, nil, before).Fired)
	assert.False(t, e.Evaluate(action, nil, after).Fired, "until bound is exclusive")

	eval := e.Evaluate(action, nil, inside)
	assert.True(t, eval.Fired)
	assert.Equal(t, "2026-03-02", eval.State.LastFiredDay)

	// Same-day re-evaluation is blocked by the recorded day.
	action.State = eval.State
	assert.False(t, e.Evaluate(action, nil, inside.Add(time.Hour)).Fired)

	// The next day it fires again.
	nextDay := inside.Add(24 * time.Hour)
	assert.True(t, e.Evaluate(action, nil, nextDay).Fired)
}

func TestEvaluateTimeOfDayLastTriggeredGuard(t *testing.T) {
	e := NewTriggerEvaluator(5 * time.Minute)

	loc, err := time.LoadLocation("UTC")
	require.NoError(t, err)
	inside := time.Date(2026, 3, 2, 10, 0, 0, 0, loc)
	triggered := inside.Add(-time.Hour)

	// Runtime state was lost (e.g. a failed save) but last_triggered_at still
	// shows a firing today; the trigger must not double-fire.
	action := &models.Action{
		Trigger:         models.TriggerTimeOfDay,
		Params:          models.TriggerParams{At: "09:00", Timezone: "UTC"},
		LastTriggeredAt: &triggered,
	}
	assert.False(t, e.Evaluate(action, nil, inside).Fired)
}

func TestEvaluateTimeOfDayBadTimezone(t *testing.T) {
	e := NewTriggerEvaluator(5 * time.Minute)
	action := &models.Action{
		Trigger: models.TriggerTimeOfDay,
		Params:  models.TriggerParams{At: "09:00", Timezone: "Mars/Olympus"},
	}
	eval := e.Evaluate(action, nil, time.Now().UTC())
	assert.False(t, eval.Fired)
	assert.Error(t, eval.Err)
}
