package sched

import (
	"testing"
	"time"

	"github.com/karlvoss/adjutant/internal/apperr"
)

func TestValidateDefinition(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name       string
		kind       string
		def        Definition
		tz         string
		activating bool
		wantErr    bool
	}{
		{"once ok", KindOnce, Definition{RunAt: &future}, "UTC", true, false},
		{"once missing run_at", KindOnce, Definition{}, "UTC", true, true},
		{"once past run_at", KindOnce, Definition{RunAt: &past}, "UTC", true, true},
		{"once past but paused", KindOnce, Definition{RunAt: &past}, "UTC", false, false},

		{"interval ok", KindInterval, Definition{IntervalCount: 2, IntervalUnit: UnitHour}, "UTC", true, false},
		{"interval zero count", KindInterval, Definition{IntervalCount: 0, IntervalUnit: UnitHour}, "UTC", true, true},
		{"interval bad unit", KindInterval, Definition{IntervalCount: 1, IntervalUnit: "fortnight"}, "UTC", true, true},

		{"calendar ok", KindCalendar, Definition{CronExpr: "30 8 * * 1-5"}, "Europe/Berlin", true, false},
		{"calendar descriptor", KindCalendar, Definition{CronExpr: "@daily"}, "UTC", true, false},
		{"calendar bad expr", KindCalendar, Definition{CronExpr: "not a cron"}, "UTC", true, true},
		{"calendar seconds field", KindCalendar, Definition{CronExpr: "0 30 8 * * *"}, "UTC", true, true},
		{"calendar no timezone", KindCalendar, Definition{CronExpr: "@daily"}, "", true, true},
		{"calendar bad timezone", KindCalendar, Definition{CronExpr: "@daily"}, "Mars/Olympus", true, true},

		{"conditional ok", KindConditional, Definition{
			PredicateSubject: "inbox.count", PredicateOperator: OpGt,
			PredicateValue: "10", PredicateValueType: "number", EvalCadenceSeconds: 300,
		}, "UTC", true, false},
		{"conditional no subject", KindConditional, Definition{
			PredicateOperator: OpGt, PredicateValueType: "number", EvalCadenceSeconds: 300,
		}, "UTC", true, true},
		{"conditional bad operator", KindConditional, Definition{
			PredicateSubject: "x", PredicateOperator: "approx", PredicateValueType: "string", EvalCadenceSeconds: 60,
		}, "UTC", true, true},
		{"conditional bad value type", KindConditional, Definition{
			PredicateSubject: "x", PredicateOperator: OpEq, PredicateValueType: "json", EvalCadenceSeconds: 60,
		}, "UTC", true, true},
		{"conditional no cadence", KindConditional, Definition{
			PredicateSubject: "x", PredicateOperator: OpEq, PredicateValueType: "string",
		}, "UTC", true, true},

		{"unknown kind", "hourly", Definition{}, "UTC", true, true},
	}
	for _, tt := range tests {
		err := validateDefinition(tt.kind, tt.def, tt.tz, now, tt.activating)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: validateDefinition() error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if err != nil && apperr.KindOf(err) != apperr.KindValidation {
			t.Errorf("%s: error kind = %v, want validation_error", tt.name, apperr.KindOf(err))
		}
	}
}

func TestNextRunOnce(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	runAt := now.Add(2 * time.Hour)

	sc := &Schedule{Kind: KindOnce, Def: Definition{RunAt: &runAt}}
	got := NextRun(sc, now)
	if got == nil || !got.Equal(runAt) {
		t.Errorf("NextRun = %v, want %v", got, runAt)
	}

	if got := NextRun(sc, runAt); got != nil {
		t.Errorf("NextRun at run_at = %v, want nil", got)
	}
}

func TestNextRunInterval(t *testing.T) {
	created := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	sc := &Schedule{
		Kind:      KindInterval,
		Def:       Definition{IntervalCount: 1, IntervalUnit: UnitHour},
		CreatedAt: created,
	}

	// Anchored on creation, stepped past now.
	got := NextRun(sc, created.Add(150*time.Minute))
	want := created.Add(3 * time.Hour)
	if got == nil || !got.Equal(want) {
		t.Errorf("NextRun = %v, want %v", got, want)
	}

	// A recorded run moves the anchor.
	last := created.Add(5 * time.Hour)
	sc.LastRunAt = &last
	got = NextRun(sc, last)
	want = last.Add(time.Hour)
	if got == nil || !got.Equal(want) {
		t.Errorf("NextRun after run = %v, want %v", got, want)
	}

	// Explicit anchor wins over created_at.
	anchor := created.Add(30 * time.Minute)
	sc2 := &Schedule{
		Kind:      KindInterval,
		Def:       Definition{IntervalCount: 2, IntervalUnit: UnitDay, Anchor: &anchor},
		CreatedAt: created,
	}
	got = NextRun(sc2, created)
	want = anchor.Add(48 * time.Hour)
	if got == nil || !got.Equal(want) {
		t.Errorf("NextRun with anchor = %v, want %v", got, want)
	}
}

func TestNextRunCalendar(t *testing.T) {
	// 08:30 Berlin is 07:30 UTC in winter.
	sc := &Schedule{
		Kind:     KindCalendar,
		Timezone: "Europe/Berlin",
		Def:      Definition{CronExpr: "30 8 * * *"},
	}
	now := time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC)
	got := NextRun(sc, now)
	want := time.Date(2026, 1, 15, 7, 30, 0, 0, time.UTC)
	if got == nil || !got.Equal(want) {
		t.Errorf("NextRun = %v, want %v", got, want)
	}

	// Past today's firing, tomorrow's slot is next.
	got = NextRun(sc, want.Add(time.Minute))
	want = want.Add(24 * time.Hour)
	if got == nil || !got.Equal(want) {
		t.Errorf("NextRun after firing = %v, want %v", got, want)
	}
}

func TestNextRunConditional(t *testing.T) {
	sc := &Schedule{
		Kind: KindConditional,
		Def:  Definition{EvalCadenceSeconds: 300},
	}
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	got := NextRun(sc, now)
	want := now.Add(5 * time.Minute)
	if got == nil || !got.Equal(want) {
		t.Errorf("NextRun = %v, want %v", got, want)
	}
}

func TestStateTransitionAllowed(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StateActive, StatePaused, true},
		{StateActive, StateCanceled, true},
		{StateActive, StateCompleted, true},
		{StatePaused, StateActive, true},
		{StatePaused, StateCanceled, true},
		{StatePaused, StateCompleted, false},
		{StateCompleted, StateActive, false},
		{StateCanceled, StateActive, false},
		{StateActive, StateActive, false},
	}
	for _, tt := range tests {
		if got := stateTransitionAllowed(tt.from, tt.to); got != tt.want {
			t.Errorf("stateTransitionAllowed(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
