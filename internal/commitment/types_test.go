package commitment

import (
	"strings"
	"testing"
	"time"
)

func TestTransitionAllowed(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StateOpen, StateCompleted, true},
		{StateOpen, StateMissed, true},
		{StateOpen, StateCanceled, true},
		{StateOpen, StateOpen, false},
		{StateMissed, StateOpen, true},
		{StateMissed, StateCompleted, false},
		{StateCompleted, StateOpen, false},
		{StateCompleted, StateCanceled, false},
		{StateCanceled, StateOpen, false},
	}
	for _, tt := range tests {
		if got := transitionAllowed(tt.from, tt.to); got != tt.want {
			t.Errorf("transitionAllowed(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestComputeUrgency(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		t := now.Add(d)
		return &t
	}

	tests := []struct {
		name       string
		importance int
		effort     int
		dueBy      *time.Time
		want       int
	}{
		{"defaults no due", 2, 2, nil, 21},
		{"floor", 1, 3, nil, 1},
		{"far due carries no pressure", 1, 3, at(14 * 24 * time.Hour), 1},
		{"overdue max everything", 3, 1, at(-time.Hour), 100},
		{"just overdue", 2, 2, at(0), 80},
		{"halfway through the week", 2, 2, at(84 * time.Hour), 51},
		{"clamps out-of-range scales", 9, -1, nil, 41},
	}
	for _, tt := range tests {
		if got := ComputeUrgency(tt.importance, tt.effort, tt.dueBy, now); got != tt.want {
			t.Errorf("%s: ComputeUrgency = %d, want %d", tt.name, got, tt.want)
		}
	}

	// Same inputs, same score.
	a := ComputeUrgency(3, 2, at(48*time.Hour), now)
	b := ComputeUrgency(3, 2, at(48*time.Hour), now)
	if a != b {
		t.Errorf("ComputeUrgency not deterministic: %d vs %d", a, b)
	}
}

func TestProposalRef(t *testing.T) {
	ref := ProposalRef("karl", KindDedupe, "call the bank", "7")

	if ref != ProposalRef("karl", KindDedupe, "call the bank", "7") {
		t.Error("same components must produce the same reference")
	}
	parts := strings.Split(ref, ":")
	if len(parts) != 3 || parts[0] != "karl" || parts[1] != KindDedupe || len(parts[2]) != 16 {
		t.Errorf("reference = %q, want karl:dedupe:<16 hex>", ref)
	}
	if ref == ProposalRef("karl", KindDedupe, "call the bank", "8") {
		t.Error("different components must produce different references")
	}
}

func TestCapWords(t *testing.T) {
	if got := CapWords("call the bank", 20); got != "call the bank" {
		t.Errorf("CapWords under cap = %q, want unchanged", got)
	}
	if got := CapWords("one two three four five", 3); got != "one two three" {
		t.Errorf("CapWords = %q, want the first three words", got)
	}
	if got := CapWords("  spaced   out  ", 5); got != "spaced out" {
		t.Errorf("CapWords = %q, want collapsed whitespace", got)
	}
}
