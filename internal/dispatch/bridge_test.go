package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/karlvoss/adjutant/internal/apperr"
)

func TestHandleCallbackValidation(t *testing.T) {
	h := newDispatchHarness(t, DefaultRetryPolicy())
	bridge := NewBridge(h.execs, h.dispatcher, nil)
	now := h.clk.Now()
	stale := now.Add(-25 * time.Hour)

	tests := []struct {
		name    string
		payload CallbackPayload
	}{
		{"missing schedule_id", CallbackPayload{TraceID: "t", TriggerSource: "timer", EmittedAt: now}},
		{"missing trace_id", CallbackPayload{ScheduleID: 1, TriggerSource: "timer", EmittedAt: now}},
		{"missing trigger_source", CallbackPayload{ScheduleID: 1, TraceID: "t", EmittedAt: now}},
		{"missing emitted_at", CallbackPayload{ScheduleID: 1, TraceID: "t", TriggerSource: "timer"}},
		{"stale callback", CallbackPayload{ScheduleID: 1, TraceID: "t", TriggerSource: "timer", EmittedAt: now, ScheduledFor: &stale}},
	}
	for _, tt := range tests {
		_, err := bridge.HandleCallback(context.Background(), tt.payload)
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Errorf("%s: error = %v, want validation_error", tt.name, err)
		}
	}
}

func TestHandleCallbackDefaultsScheduledFor(t *testing.T) {
	h := newDispatchHarness(t, DefaultRetryPolicy())
	bridge := NewBridge(h.execs, h.dispatcher, nil)
	sc := h.createInterval(t)
	emitted := h.clk.Now()

	result, err := bridge.HandleCallback(context.Background(), CallbackPayload{
		ScheduleID:    sc.ID,
		TraceID:       "trace-default",
		TriggerSource: "timer",
		EmittedAt:     emitted,
	})
	if err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}
	exec, err := h.execs.Get(result.ExecutionID)
	if err != nil {
		t.Fatalf("Get execution: %v", err)
	}
	if !exec.ScheduledFor.Equal(emitted) {
		t.Errorf("scheduled_for = %v, want emitted_at %v", exec.ScheduledFor, emitted)
	}
}

func TestHandleCallbackDuplicate(t *testing.T) {
	h := newDispatchHarness(t, DefaultRetryPolicy())
	bridge := NewBridge(h.execs, h.dispatcher, nil)
	sc := h.createInterval(t)
	ctx := context.Background()

	first, err := bridge.HandleCallback(ctx, h.payload(sc.ID, "trace-bridge"))
	if err != nil {
		t.Fatalf("first HandleCallback error: %v", err)
	}
	second, err := bridge.HandleCallback(ctx, h.payload(sc.ID, "trace-bridge"))
	if err != nil {
		t.Fatalf("second HandleCallback error: %v", err)
	}
	if second.Status != BridgeDuplicate || second.DuplicateExecutionID != first.ExecutionID {
		t.Errorf("second result = %+v, want duplicate of %d", second, first.ExecutionID)
	}
	if len(h.invoker.calls) != 1 {
		t.Errorf("invoker calls = %d, want 1", len(h.invoker.calls))
	}
}
