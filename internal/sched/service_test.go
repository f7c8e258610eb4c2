package sched

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/clock"
	"github.com/karlvoss/adjutant/internal/storage"
)

func newTestService(t *testing.T) (*Service, *Store, *MemoryProvider, *clock.Fixed) {
	t.Helper()
	db, err := storage.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	provider := NewMemoryProvider()
	clk := clock.NewFixed(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	return NewService(store, provider, clk, nil), store, provider, clk
}

func TestCreateScheduleOnce(t *testing.T) {
	svc, store, provider, clk := newTestService(t)
	ctx := context.Background()
	runAt := clk.Now().Add(time.Hour)

	result, err := svc.CreateSchedule(ctx, CreateRequest{
		Intent: &TaskIntent{Summary: "water the plants", CreatedBy: "karl"},
		Kind:   KindOnce,
		Def:    Definition{RunAt: &runAt},
		Actor:  Actor{Type: ActorHuman, ID: "karl"},
	})
	if err != nil {
		t.Fatalf("CreateSchedule error: %v", err)
	}
	sc := result.Schedule
	if sc.State != StateActive {
		t.Errorf("state = %q, want active", sc.State)
	}
	if sc.NextRunAt == nil || !sc.NextRunAt.Equal(runAt) {
		t.Errorf("next_run_at = %v, want %v", sc.NextRunAt, runAt)
	}
	if !provider.Registered(sc.ID) {
		t.Error("schedule not registered with provider")
	}

	audits, err := store.ListAudits(AuditFilter{ScheduleID: sc.ID})
	if err != nil {
		t.Fatalf("ListAudits error: %v", err)
	}
	if len(audits) != 1 || audits[0].Action != AuditCreated {
		t.Errorf("audits = %+v, want one schedule.created", audits)
	}
}

func TestCreateScheduleRejectsPastOnce(t *testing.T) {
	svc, _, _, clk := newTestService(t)
	past := clk.Now().Add(-time.Minute)

	_, err := svc.CreateSchedule(context.Background(), CreateRequest{
		Intent: &TaskIntent{Summary: "too late", CreatedBy: "karl"},
		Kind:   KindOnce,
		Def:    Definition{RunAt: &past},
	})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("error = %v, want validation_error", err)
	}
}

func TestUpdateScheduleIntentImmutable(t *testing.T) {
	svc, _, _, clk := newTestService(t)
	ctx := context.Background()
	runAt := clk.Now().Add(time.Hour)

	result, err := svc.CreateSchedule(ctx, CreateRequest{
		Intent: &TaskIntent{Summary: "call the bank", CreatedBy: "karl"},
		Kind:   KindOnce,
		Def:    Definition{RunAt: &runAt},
	})
	if err != nil {
		t.Fatalf("CreateSchedule error: %v", err)
	}

	_, err = svc.UpdateSchedule(ctx, UpdateRequest{
		ScheduleID: result.Schedule.ID,
		IntentID:   result.Schedule.IntentID + 1,
	})
	if apperr.KindOf(err) != apperr.KindImmutableField {
		t.Errorf("error = %v, want immutable_field", err)
	}
}

func TestUpdateScheduleRecomputesNextRun(t *testing.T) {
	svc, _, _, clk := newTestService(t)
	ctx := context.Background()

	result, err := svc.CreateSchedule(ctx, CreateRequest{
		Intent: &TaskIntent{Summary: "stand up", CreatedBy: "karl"},
		Kind:   KindInterval,
		Def:    Definition{IntervalCount: 1, IntervalUnit: UnitHour},
	})
	if err != nil {
		t.Fatalf("CreateSchedule error: %v", err)
	}

	updated, err := svc.UpdateSchedule(ctx, UpdateRequest{
		ScheduleID: result.Schedule.ID,
		Def:        &Definition{IntervalCount: 2, IntervalUnit: UnitDay},
	})
	if err != nil {
		t.Fatalf("UpdateSchedule error: %v", err)
	}
	want := clk.Now().Add(48 * time.Hour)
	if updated.Schedule.NextRunAt == nil || !updated.Schedule.NextRunAt.Equal(want) {
		t.Errorf("next_run_at = %v, want %v", updated.Schedule.NextRunAt, want)
	}
}

func TestPauseResume(t *testing.T) {
	svc, _, provider, clk := newTestService(t)
	ctx := context.Background()
	actor := Actor{Type: ActorHuman, ID: "karl"}

	result, err := svc.CreateSchedule(ctx, CreateRequest{
		Intent: &TaskIntent{Summary: "journal", CreatedBy: "karl"},
		Kind:   KindInterval,
		Def:    Definition{IntervalCount: 1, IntervalUnit: UnitDay},
	})
	if err != nil {
		t.Fatalf("CreateSchedule error: %v", err)
	}
	id := result.Schedule.ID

	paused, err := svc.PauseSchedule(ctx, id, actor, "vacation")
	if err != nil {
		t.Fatalf("PauseSchedule error: %v", err)
	}
	if paused.Schedule.State != StatePaused {
		t.Errorf("state = %q, want paused", paused.Schedule.State)
	}
	if paused.Schedule.NextRunAt != nil {
		t.Errorf("paused next_run_at = %v, want nil", paused.Schedule.NextRunAt)
	}
	if provider.Registered(id) {
		t.Error("paused schedule still registered")
	}

	// Pausing twice is a conflict.
	if _, err := svc.PauseSchedule(ctx, id, actor, ""); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("second pause error = %v, want conflict", err)
	}

	clk.Advance(time.Hour)
	resumed, err := svc.ResumeSchedule(ctx, id, actor, "back home")
	if err != nil {
		t.Fatalf("ResumeSchedule error: %v", err)
	}
	if resumed.Schedule.State != StateActive {
		t.Errorf("state = %q, want active", resumed.Schedule.State)
	}
	if resumed.Schedule.NextRunAt == nil {
		t.Error("resumed schedule needs a next_run_at")
	}
	if !provider.Registered(id) {
		t.Error("resumed schedule not re-registered")
	}
}

func TestDeleteScheduleKeepsAudits(t *testing.T) {
	svc, store, provider, _ := newTestService(t)
	ctx := context.Background()
	actor := Actor{Type: ActorHuman, ID: "karl"}

	result, err := svc.CreateSchedule(ctx, CreateRequest{
		Intent: &TaskIntent{Summary: "one off", CreatedBy: "karl"},
		Kind:   KindInterval,
		Def:    Definition{IntervalCount: 1, IntervalUnit: UnitWeek},
	})
	if err != nil {
		t.Fatalf("CreateSchedule error: %v", err)
	}
	id := result.Schedule.ID

	if _, err := svc.DeleteSchedule(ctx, id, actor, "no longer needed"); err != nil {
		t.Fatalf("DeleteSchedule error: %v", err)
	}

	if _, err := store.GetSchedule(id); !apperr.IsNotFound(err) {
		t.Errorf("GetSchedule after delete = %v, want not_found", err)
	}
	if provider.Registered(id) {
		t.Error("deleted schedule still registered")
	}

	audits, err := store.ListAudits(AuditFilter{ScheduleID: id})
	if err != nil {
		t.Fatalf("ListAudits error: %v", err)
	}
	if len(audits) != 2 {
		t.Fatalf("audit count = %d, want 2 (created + deleted)", len(audits))
	}
}

func TestDueBeforeSkipsConditional(t *testing.T) {
	svc, store, _, clk := newTestService(t)
	ctx := context.Background()

	interval, err := svc.CreateSchedule(ctx, CreateRequest{
		Intent: &TaskIntent{Summary: "tick", CreatedBy: "karl"},
		Kind:   KindInterval,
		Def:    Definition{IntervalCount: 1, IntervalUnit: UnitMinute},
	})
	if err != nil {
		t.Fatalf("create interval: %v", err)
	}
	if _, err := svc.CreateSchedule(ctx, CreateRequest{
		Intent: &TaskIntent{Summary: "watch inbox", CreatedBy: "karl"},
		Kind:   KindConditional,
		Def: Definition{
			PredicateSubject: "inbox.count", PredicateOperator: OpGt,
			PredicateValue: "10", PredicateValueType: "number", EvalCadenceSeconds: 30,
		},
	}); err != nil {
		t.Fatalf("create conditional: %v", err)
	}

	due, err := store.DueBefore(clk.Now().Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("DueBefore error: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due count = %d, want 1", len(due))
	}
	if due[0].ID != interval.Schedule.ID {
		t.Errorf("due schedule = %d, want %d", due[0].ID, interval.Schedule.ID)
	}
}

func TestMemoryProviderTakeDue(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	if err := p.ScheduleCallback(ctx, 1, now.Add(-time.Minute), "trace-a"); err != nil {
		t.Fatalf("ScheduleCallback error: %v", err)
	}
	if err := p.ScheduleCallback(ctx, 2, now.Add(time.Hour), "trace-b"); err != nil {
		t.Fatalf("ScheduleCallback error: %v", err)
	}

	due := p.TakeDue(now)
	if len(due) != 1 || due[0].TraceID != "trace-a" {
		t.Fatalf("TakeDue = %+v, want the overdue callback only", due)
	}
	if remaining := p.PendingCallbacks(); len(remaining) != 1 || remaining[0].TraceID != "trace-b" {
		t.Errorf("pending after take = %+v, want the future callback", remaining)
	}
}
