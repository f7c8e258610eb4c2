package routerctx

import (
	"context"
	"fmt"
	"testing"
)

func TestRouterActiveFlag(t *testing.T) {
	ctx := context.Background()
	if IsRouterActive(ctx) {
		t.Error("plain context must not be router-active")
	}
	if !IsRouterActive(WithRouterActive(ctx)) {
		t.Error("flagged context should be router-active")
	}
}

func TestViolationRecorderTrims(t *testing.T) {
	r := NewViolationRecorder(3)
	for i := 0; i < 5; i++ {
		r.Record(Violation{Channel: "signal", SignalRef: fmt.Sprintf("sig:%d", i)})
	}
	if r.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", r.Count())
	}
	all := r.All()
	if all[0].SignalRef != "sig:2" || all[2].SignalRef != "sig:4" {
		t.Errorf("kept violations = %+v, want the newest three", all)
	}
}

func TestViolationRecorderStampsTime(t *testing.T) {
	r := NewViolationRecorder(0)
	r.Record(Violation{Channel: "web", SignalRef: "sig:a"})
	if got := r.All(); len(got) != 1 || got[0].OccurredAt.IsZero() {
		t.Errorf("violations = %+v, want one with a timestamp", got)
	}
}
